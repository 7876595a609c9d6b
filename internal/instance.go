package internal

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"

	"metricspipe/internal/collector"
	"metricspipe/internal/config"
	"metricspipe/internal/exporters"
	mpio "metricspipe/internal/io"
	"metricspipe/internal/mapping"
	"metricspipe/internal/reporter"
	"metricspipe/internal/telemetry"
)

// runnableSink is what the instance needs beyond the Sink boundary the
// reporter sees: a lifecycle and resource release.
type runnableSink interface {
	telemetry.Sink
	Start() error
	Release() error
}

type MetricspipeInstance struct {
	cfg              config.MetricspipeConfig
	registry         metrics.Registry
	processCollector *collector.ProcessCollector
	pointsReporter   *reporter.Reporter
	sink             runnableSink
	logger           *logrus.Logger
	logFile          *os.File
}

// Registry exposes the metrics registry so embedding applications can
// register their own counters, histograms, meters, and timers.
func (mi *MetricspipeInstance) Registry() metrics.Registry {
	return mi.registry
}

func (mi *MetricspipeInstance) Run() error {
	logger := mi.logger

	if err := mi.sink.Start(); err != nil {
		return fmt.Errorf("error starting sink: %v", err)
	}

	processInfo, err := collector.SelfProcessInfo()
	if err != nil {
		return fmt.Errorf("error inspecting own process: %v", err)
	}

	if err := mi.processCollector.Start(processInfo); err != nil {
		return fmt.Errorf("error starting process collector: %v", err)
	}

	if err := mi.pointsReporter.Start(); err != nil {
		return fmt.Errorf("error starting reporter: %v", err)
	}

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	sig := <-signalChan
	logger.Infof("received signal %v. shutting down...", sig)

	mi.Shutdown()
	return nil
}

func (mi *MetricspipeInstance) Shutdown() {
	logger := mi.logger

	// Stop the producers first so the sink can flush the final batch.
	if err := mi.processCollector.Shutdown(); err != nil {
		logger.Errorf("error shutting down process collector: %v", err)
	}
	if err := mi.pointsReporter.Shutdown(); err != nil {
		logger.Errorf("error shutting down reporter: %v", err)
	}
	mi.processCollector.Wait()
	mi.pointsReporter.Wait()

	if err := mi.sink.Shutdown(); err != nil {
		logger.Errorf("error shutting down sink: %v", err)
	}
	mi.sink.Wait()

	if err := mi.sink.Release(); err != nil {
		logger.Errorf("error releasing sink: %v", err)
	}

	logger.Info("metricspipe shutdown complete. goodbye!")

	if mi.logFile != nil {
		if err := mi.logFile.Close(); err != nil {
			logger.Errorf("error closing log file: %v", err)
		}
	}
}

func NewMetricspipeInstance(cfgFilePath string, logDir string) (*MetricspipeInstance, error) {
	logger, logFile, err := mpio.CreateLogger(logDir, "metricspipe.log")
	if err != nil {
		return nil, fmt.Errorf("error creating logger: %v", err)
	}

	cfg, err := getConfig(cfgFilePath)
	if err != nil {
		return nil, fmt.Errorf("error getting metricspipe config: %v", err)
	}

	cache, err := buildMappingCache(&cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("error building mapping cache: %v", err)
	}

	sink, err := buildSink(&cfg, logDir, logger)
	if err != nil {
		return nil, fmt.Errorf("error building sink: %v", err)
	}

	registry := metrics.NewRegistry()
	instance := MetricspipeInstance{
		cfg:              cfg,
		registry:         registry,
		processCollector: collector.NewProcessCollector(registry, &cfg, logger),
		pointsReporter:   reporter.NewReporter(registry, sink, cache, reporterOptions(&cfg), logger),
		sink:             sink,
		logger:           logger,
		logFile:          logFile,
	}

	return &instance, nil
}

func getConfig(cfgFilePath string) (config.MetricspipeConfig, error) {
	if cfgFilePath == "" {
		return config.GetDefaultConfig(), nil
	}

	fileBytes, err := os.ReadFile(cfgFilePath)
	if err != nil {
		return config.MetricspipeConfig{}, fmt.Errorf("error reading config file: %v", err)
	}

	return config.ReadMetricspipeConfig(fileBytes)
}

func buildMappingCache(cfg *config.MetricspipeConfig, logger *logrus.Logger) (*mapping.Cache, error) {
	mappings := make([]mapping.Mapping, 0, len(cfg.Mappings))
	tagTable := mapping.TagTable{}
	for _, m := range cfg.Mappings {
		mappings = append(mappings, mapping.Mapping{
			Measurement: m.Measurement,
			Pattern:     m.Pattern,
		})

		if len(m.Tags) == 0 {
			continue
		}

		tagKeys := make(map[string]mapping.TagExtractor, len(m.Tags))
		for key, group := range m.Tags {
			if group == "" {
				tagKeys[key] = nil
			} else {
				tagKeys[key] = mapping.ByGroup(group)
			}
		}
		tagTable[m.Measurement] = tagKeys
	}

	rules, err := mapping.CompileMappings(mappings)
	if err != nil {
		return nil, err
	}

	opts := []mapping.Option{mapping.WithLogger(logger)}
	if cfg.MappingCacheMaxEntries != nil {
		opts = append(opts, mapping.WithMaxEntries(*cfg.MappingCacheMaxEntries))
	}

	return mapping.NewCache(rules, tagTable, opts...), nil
}

func buildSink(cfg *config.MetricspipeConfig, logDir string, logger *logrus.Logger) (runnableSink, error) {
	switch cfg.Sink {
	case "influxdb":
		return exporters.NewInfluxDBSink(cfg.InfluxDB, logDir)
	case "datadog":
		datadogCtx := exporters.GetDatadogContext(cfg.Datadog)
		return exporters.NewDatadogSink(datadogCtx, cfg.Datadog, logDir)
	case "file":
		return exporters.NewFileSink(cfg.File, logger)
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
}

func reporterOptions(cfg *config.MetricspipeConfig) reporter.Options {
	opts := reporter.Options{
		FilterWithMappings: cfg.FilterWithMappings,
		SkipIdleMetrics:    cfg.SkipIdleMetrics,
		GroupGauges:        cfg.GroupGauges,
		GroupMeters:        cfg.GroupMeters,
		IncludeTimerFields: cfg.IncludeTimerFields,
		IncludeMeterFields: cfg.IncludeMeterFields,
	}

	if cfg.ReportingInterval != nil {
		opts.Interval = time.Duration(*cfg.ReportingInterval) * time.Second
	}

	for key, value := range cfg.GlobalTags {
		opts.GlobalTags = append(opts.GlobalTags, telemetry.NewTag(key, value))
	}
	if cfg.Project != "" {
		opts.GlobalTags = append(opts.GlobalTags, telemetry.NewTag("project", cfg.Project))
	}

	return opts
}
