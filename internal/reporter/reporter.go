package reporter

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"metricspipe/internal/mapping"
	"metricspipe/internal/telemetry"
)

var timerPercentiles = []float64{0.5, 0.75, 0.95, 0.98, 0.99, 0.999}

// Options are the reporting policy knobs. The zero value reports every
// metric, ungrouped, every defaultInterval.
type Options struct {
	Interval   time.Duration
	GlobalTags []telemetry.Tag

	// Filter is ANDed with the mapping filter when FilterWithMappings
	// is set. Nil means every metric passes.
	Filter             mapping.Filter
	FilterWithMappings bool

	SkipIdleMetrics bool
	GroupGauges     bool
	GroupMeters     bool

	// Allow-lists for timer and meter fields. Nil means all fields.
	IncludeTimerFields []string
	IncludeMeterFields []string
}

const defaultInterval = 10 * time.Second

// Reporter periodically snapshots a go-metrics registry and emits one
// point per metric (or metric group) to a sink. One report cycle runs
// to completion before the next tick is handled.
type Reporter struct {
	registry metrics.Registry
	sink     telemetry.Sink
	cache    *mapping.Cache
	filter   mapping.Filter
	interval time.Duration

	globalTags         []telemetry.Tag
	skipIdleMetrics    bool
	groupGauges        bool
	groupMeters        bool
	includeTimerFields map[string]struct{}
	includeMeterFields map[string]struct{}

	// Previous counts for idle skipping. Only touched from the report
	// goroutine.
	previousValues map[string]int64

	incomingShutdown chan struct{}
	shutdownOnce     sync.Once
	wg               *sync.WaitGroup
	logger           *logrus.Logger
}

func NewReporter(
	registry metrics.Registry,
	sink telemetry.Sink,
	cache *mapping.Cache,
	opts Options,
	logger *logrus.Logger,
) *Reporter {
	if cache == nil {
		cache = mapping.NewCache(nil, nil, mapping.WithLogger(logger))
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	filter := opts.Filter
	if opts.FilterWithMappings {
		mappingFilter := cache.Filter()
		if filter != nil {
			explicitFilter := filter
			filter = func(name string, metric interface{}) bool {
				return explicitFilter(name, metric) && mappingFilter(name, metric)
			}
		} else {
			filter = mappingFilter
		}
	}

	return &Reporter{
		registry:           registry,
		sink:               sink,
		cache:              cache,
		filter:             filter,
		interval:           interval,
		globalTags:         opts.GlobalTags,
		skipIdleMetrics:    opts.SkipIdleMetrics,
		groupGauges:        opts.GroupGauges,
		groupMeters:        opts.GroupMeters,
		includeTimerFields: toSet(opts.IncludeTimerFields),
		includeMeterFields: toSet(opts.IncludeMeterFields),
		previousValues:     make(map[string]int64),
		incomingShutdown:   make(chan struct{}),
		wg:                 &sync.WaitGroup{},
		logger:             logger,
	}
}

func (r *Reporter) Start() error {
	ticker := time.NewTicker(r.interval)
	r.wg.Add(1)
	go func() {
		defer func() {
			ticker.Stop()
			r.wg.Done()
		}()

		for {
			select {
			case <-r.incomingShutdown:
				return
			case now := <-ticker.C:
				r.reportCycle(now)
			}
		}
	}()

	r.logger.Info("reporter started")
	return nil
}

// Idempotent and non-blocking. Use Wait() to block until shutdown is complete.
func (r *Reporter) Shutdown() error {
	r.shutdownOnce.Do(func() {
		close(r.incomingShutdown)
	})

	return nil
}

func (r *Reporter) Wait() {
	r.wg.Wait()
	r.logger.Info("reporter shutdown complete")
}

type sampledMetric struct {
	name   string
	metric interface{}
}

// reportCycle walks the registry once and emits points for every metric
// the active filter admits. A sink error discards the remainder of the
// cycle; the mapping cache holds no per-cycle state so nothing needs
// rolling back.
func (r *Reporter) reportCycle(now time.Time) {
	nowMillis := now.UnixMilli()

	var gauges, counters, histograms, meters, timers []sampledMetric
	r.registry.Each(func(name string, metric interface{}) {
		if r.filter != nil && !r.filter(name, metric) {
			return
		}

		sampled := sampledMetric{name: name, metric: metric}
		switch metric.(type) {
		case metrics.Counter:
			counters = append(counters, sampled)
		case metrics.Gauge, metrics.GaugeFloat64:
			gauges = append(gauges, sampled)
		case metrics.Histogram:
			histograms = append(histograms, sampled)
		case metrics.Meter:
			meters = append(meters, sampled)
		case metrics.Timer:
			timers = append(timers, sampled)
		}
	})

	sortSamples(gauges)
	sortSamples(counters)
	sortSamples(histograms)
	sortSamples(meters)
	sortSamples(timers)

	if err := r.reportGauges(gauges, nowMillis); err != nil {
		r.discardCycle(err)
		return
	}

	for _, sampled := range counters {
		counter := sampled.metric.(metrics.Counter)
		fields := map[string]interface{}{"count": counter.Count()}
		if err := r.emit(sampled.name, fields, nowMillis); err != nil {
			r.discardCycle(err)
			return
		}
	}

	for _, sampled := range histograms {
		if err := r.reportHistogram(sampled.name, sampled.metric.(metrics.Histogram), nowMillis); err != nil {
			r.discardCycle(err)
			return
		}
	}

	if err := r.reportMeters(meters, nowMillis); err != nil {
		r.discardCycle(err)
		return
	}

	for _, sampled := range timers {
		if err := r.reportTimer(sampled.name, sampled.metric.(metrics.Timer), nowMillis); err != nil {
			r.discardCycle(err)
			return
		}
	}
}

func (r *Reporter) discardCycle(err error) {
	r.logger.Warnf("unable to report to sink: %v. discarding remainder of cycle", err)
}

func (r *Reporter) reportGauges(gauges []sampledMetric, nowMillis int64) error {
	if r.groupGauges {
		for _, group := range groupSamples(gauges, "value") {
			fields := map[string]interface{}{}
			for fieldName, metric := range group.members {
				if value, ok := gaugeValue(metric); ok {
					fields[fieldName] = value
				}
			}
			if len(fields) == 0 {
				continue
			}
			if err := r.emit(group.name, fields, nowMillis); err != nil {
				return err
			}
		}
		return nil
	}

	for _, sampled := range gauges {
		value, ok := gaugeValue(sampled.metric)
		if !ok {
			continue
		}
		fields := map[string]interface{}{"value": value}
		if err := r.emit(sampled.name, fields, nowMillis); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) reportMeters(meters []sampledMetric, nowMillis int64) error {
	if r.groupMeters {
		for _, group := range groupSamples(meters, "m1_rate") {
			fields := map[string]interface{}{}
			for fieldName, metric := range group.members {
				snapshot := metric.(metrics.Meter).Snapshot()
				fields[fieldName] = snapshot.Rate1()
			}
			if len(fields) == 0 {
				continue
			}
			if err := r.emit(group.name, fields, nowMillis); err != nil {
				return err
			}
		}
		return nil
	}

	for _, sampled := range meters {
		snapshot := sampled.metric.(metrics.Meter).Snapshot()
		if r.canSkip(sampled.name, snapshot.Count()) {
			continue
		}

		fields := map[string]interface{}{
			"count":     snapshot.Count(),
			"m1_rate":   snapshot.Rate1(),
			"m5_rate":   snapshot.Rate5(),
			"m15_rate":  snapshot.Rate15(),
			"mean_rate": snapshot.RateMean(),
		}
		retainFields(fields, r.includeMeterFields)

		if err := r.emit(sampled.name, fields, nowMillis); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reporter) reportHistogram(name string, histogram metrics.Histogram, nowMillis int64) error {
	snapshot := histogram.Snapshot()
	if r.canSkip(name, snapshot.Count()) {
		return nil
	}

	percentiles := snapshot.Percentiles(timerPercentiles)
	fields := map[string]interface{}{
		"count":  snapshot.Count(),
		"min":    snapshot.Min(),
		"max":    snapshot.Max(),
		"mean":   snapshot.Mean(),
		"stddev": snapshot.StdDev(),
		"p50":    percentiles[0],
		"p75":    percentiles[1],
		"p95":    percentiles[2],
		"p98":    percentiles[3],
		"p99":    percentiles[4],
		"p999":   percentiles[5],
	}

	return r.emit(name, fields, nowMillis)
}

func (r *Reporter) reportTimer(name string, timer metrics.Timer, nowMillis int64) error {
	snapshot := timer.Snapshot()
	if r.canSkip(name, snapshot.Count()) {
		return nil
	}

	percentiles := snapshot.Percentiles(timerPercentiles)
	fields := map[string]interface{}{
		"count":     snapshot.Count(),
		"min":       durationToMillis(float64(snapshot.Min())),
		"max":       durationToMillis(float64(snapshot.Max())),
		"mean":      durationToMillis(snapshot.Mean()),
		"stddev":    durationToMillis(snapshot.StdDev()),
		"p50":       durationToMillis(percentiles[0]),
		"p75":       durationToMillis(percentiles[1]),
		"p95":       durationToMillis(percentiles[2]),
		"p98":       durationToMillis(percentiles[3]),
		"p99":       durationToMillis(percentiles[4]),
		"p999":      durationToMillis(percentiles[5]),
		"m1_rate":   snapshot.Rate1(),
		"m5_rate":   snapshot.Rate5(),
		"m15_rate":  snapshot.Rate15(),
		"mean_rate": snapshot.RateMean(),
	}
	retainFields(fields, r.includeTimerFields)

	return r.emit(name, fields, nowMillis)
}

func (r *Reporter) emit(name string, fields map[string]interface{}, nowMillis int64) error {
	point := telemetry.Point{
		Measurement: r.cache.MeasurementName(name),
		Tags:        r.pointTags(name),
		Timestamp:   nowMillis,
		Fields:      fields,
	}

	return r.sink.EmitPoint(point)
}

func (r *Reporter) pointTags(name string) map[string]string {
	tags := make(map[string]string)
	for _, tag := range r.globalTags {
		tags[tag.Key] = tag.Value
	}
	tags["metricName"] = name
	for k, v := range r.cache.MeasurementTags(name) {
		tags[k] = v
	}
	return tags
}

func (r *Reporter) canSkip(name string, count int64) bool {
	idle := r.calculateDelta(name, count) == 0
	if r.skipIdleMetrics && !idle {
		r.previousValues[name] = count
	}
	return r.skipIdleMetrics && idle
}

func (r *Reporter) calculateDelta(name string, count int64) int64 {
	previous, ok := r.previousValues[name]
	if !ok {
		return -1
	}
	if count < previous {
		r.logger.Warnf("saw a non-monotonically increasing value for metric %q", name)
		return 0
	}
	return count - previous
}

type sampleGroup struct {
	name    string
	members map[string]interface{}
}

// groupSamples folds same-prefix metrics into one group whose field
// names are everything after the last dot. A name with no dot keeps its
// full name and gets defaultFieldName as the field.
func groupSamples(samples []sampledMetric, defaultFieldName string) []sampleGroup {
	grouped := make(map[string]map[string]interface{})
	var order []string
	for _, sampled := range samples {
		metricName := sampled.name
		fieldName := defaultFieldName
		if lastDot := strings.LastIndex(sampled.name, "."); lastDot != -1 {
			metricName = sampled.name[:lastDot]
			fieldName = sampled.name[lastDot+1:]
		}

		members, ok := grouped[metricName]
		if !ok {
			members = make(map[string]interface{})
			grouped[metricName] = members
			order = append(order, metricName)
		}
		members[fieldName] = sampled.metric
	}

	groups := make([]sampleGroup, 0, len(grouped))
	for _, name := range order {
		groups = append(groups, sampleGroup{name: name, members: grouped[name]})
	}
	return groups
}

// gaugeValue snapshots a gauge and sanitizes non-finite floats to
// "absent" rather than transmitting them.
func gaugeValue(metric interface{}) (interface{}, bool) {
	switch gauge := metric.(type) {
	case metrics.Gauge:
		return gauge.Snapshot().Value(), true
	case metrics.GaugeFloat64:
		value := gauge.Snapshot().Value()
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return nil, false
		}
		return value, true
	default:
		return nil, false
	}
}

func durationToMillis(nanos float64) float64 {
	return nanos / float64(time.Millisecond)
}

func retainFields(fields map[string]interface{}, include map[string]struct{}) {
	if include == nil {
		return
	}
	for name := range fields {
		if _, ok := include[name]; !ok {
			delete(fields, name)
		}
	}
}

func toSet(names []string) map[string]struct{} {
	if names == nil {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}
	return set
}

func sortSamples(samples []sampledMetric) {
	sort.Slice(samples, func(i, j int) bool {
		return samples[i].name < samples[j].name
	})
}
