package mapping

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/elliotchance/orderedmap/v3"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
)

// Mapping associates a measurement name with the regex pattern used to
// classify metric names into it.
type Mapping struct {
	Measurement string
	Pattern     string
}

// Filter reports whether a metric should be included in a report cycle.
// Filters compose with logical AND.
type Filter func(metricName string, metric interface{}) bool

// Match is a successful pattern match against a metric name, handed to
// tag extractors.
type Match struct {
	metricName string
	groups     map[string]string
}

func (m *Match) MetricName() string {
	return m.metricName
}

// Group returns the value of the named capture group.
func (m *Match) Group(name string) (string, error) {
	value, ok := m.groups[name]
	if !ok {
		return "", fmt.Errorf("no capture group named %q", name)
	}
	return value, nil
}

// TagExtractor computes one tag's value from a successful pattern match.
type TagExtractor interface {
	Extract(match *Match) (string, error)
}

// ExtractorFunc adapts a function into a TagExtractor.
type ExtractorFunc func(match *Match) (string, error)

func (f ExtractorFunc) Extract(match *Match) (string, error) {
	return f(match)
}

type groupExtractor struct {
	group string
}

func (g groupExtractor) Extract(match *Match) (string, error) {
	return match.Group(g.group)
}

// ByGroup returns a TagExtractor that reads the named capture group.
func ByGroup(group string) TagExtractor {
	return groupExtractor{group: group}
}

// TagTable declares the tag keys for each mapped measurement. A nil
// extractor means the tag value comes from the capture group named
// after the tag key.
type TagTable map[string]map[string]TagExtractor

// CompileMappings compiles an ordered mapping collection into the rule
// table consumed by NewCache. Patterns must match the entire metric
// name. Iteration order over the result is insertion order, which is
// the match precedence.
func CompileMappings(mappings []Mapping) (*orderedmap.OrderedMap[string, *regexp.Regexp], error) {
	rules := orderedmap.NewOrderedMap[string, *regexp.Regexp]()
	for _, m := range mappings {
		pattern, err := regexp.Compile(anchor(m.Pattern))
		if err != nil {
			return nil, fmt.Errorf(
				"could not compile pattern %q for measurement %q: %v",
				m.Pattern, m.Measurement, err,
			)
		}
		rules.Set(m.Measurement, pattern)
	}
	return rules, nil
}

// Full-string match, like Java's Matcher.matches().
func anchor(pattern string) string {
	return `\A(?:` + pattern + `)\z`
}

type cacheEntry struct {
	measurement string
	matched     bool
	tags        map[string]string
}

type memoTable interface {
	get(metricName string) (cacheEntry, bool)
	add(metricName string, entry cacheEntry)
}

type mapMemo struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func (m *mapMemo) get(metricName string) (cacheEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[metricName]
	return entry, ok
}

func (m *mapMemo) add(metricName string, entry cacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[metricName] = entry
}

type lruMemo struct {
	cache *lru.Cache[string, cacheEntry]
}

func (m *lruMemo) get(metricName string) (cacheEntry, bool) {
	return m.cache.Get(metricName)
}

func (m *lruMemo) add(metricName string, entry cacheEntry) {
	m.cache.Add(metricName, entry)
}

// Cache memoizes the resolution of metric names against an ordered set
// of measurement mappings. Regex evaluation happens at most once per
// distinct metric name; repeated lookups are O(1). Rules and the tag
// table are immutable after construction.
//
// The memo table grows one entry per distinct metric name ever seen.
// Metric name cardinality is assumed bounded by application design; use
// WithMaxEntries for a bounded LRU table instead.
type Cache struct {
	rules  *orderedmap.OrderedMap[string, *regexp.Regexp]
	tags   TagTable
	memo   memoTable
	logger *logrus.Logger

	// Pattern evaluation count, observed by tests.
	evals atomic.Uint64
}

type Option func(*Cache)

// WithMaxEntries bounds the memo table to n entries with LRU eviction.
// Values below 1 leave the table unbounded.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n < 1 {
			return
		}
		cache, err := lru.New[string, cacheEntry](n)
		if err != nil {
			return
		}
		c.memo = &lruMemo{cache: cache}
	}
}

func WithLogger(logger *logrus.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// NewCache builds a mapping cache from compiled rules and a tag table.
// Both may be nil, in which case no metric name matches and every
// lookup falls through to the metric's own name.
func NewCache(rules *orderedmap.OrderedMap[string, *regexp.Regexp], tags TagTable, opts ...Option) *Cache {
	if rules == nil {
		rules = orderedmap.NewOrderedMap[string, *regexp.Regexp]()
	}

	cache := &Cache{
		rules:  rules,
		tags:   tags,
		memo:   &mapMemo{entries: make(map[string]cacheEntry)},
		logger: logrus.StandardLogger(),
	}

	for _, opt := range opts {
		opt(cache)
	}

	return cache
}

// MeasurementName returns the measurement the metric name maps to, or
// the metric name itself when no rule matches.
func (c *Cache) MeasurementName(metricName string) string {
	entry := c.resolve(metricName)
	if !entry.matched {
		return metricName
	}
	return entry.measurement
}

// MeasurementTags returns the tags extracted for the metric name.
// Empty (never nil) when no rule matched or the matched measurement
// declares no tag keys.
func (c *Cache) MeasurementTags(metricName string) map[string]string {
	entry := c.resolve(metricName)
	tags := make(map[string]string, len(entry.tags))
	for k, v := range entry.tags {
		tags[k] = v
	}
	return tags
}

// Filter returns a predicate that is true exactly when some rule
// matches the metric name. It shares the memo table with the name and
// tag lookups, so filtering and later formatting of the same metric
// never evaluate a pattern twice.
func (c *Cache) Filter() Filter {
	return func(metricName string, metric interface{}) bool {
		return c.resolve(metricName).matched
	}
}

func (c *Cache) resolve(metricName string) cacheEntry {
	if entry, ok := c.memo.get(metricName); ok {
		return entry
	}

	entry := c.classify(metricName)
	c.memo.add(metricName, entry)
	return entry
}

func (c *Cache) classify(metricName string) cacheEntry {
	for measurement, pattern := range c.rules.AllFromFront() {
		c.evals.Add(1)
		match := matchGroups(pattern, metricName)
		if match == nil {
			continue
		}

		return cacheEntry{
			measurement: measurement,
			matched:     true,
			tags:        c.extractTags(measurement, match),
		}
	}

	return cacheEntry{tags: map[string]string{}}
}

func (c *Cache) extractTags(measurement string, match *Match) map[string]string {
	tags := map[string]string{}
	tagKeys, ok := c.tags[measurement]
	if !ok {
		return tags
	}

	for key, extractor := range tagKeys {
		if extractor == nil {
			extractor = ByGroup(key)
		}

		value, err := safeExtract(extractor, match)
		if err != nil {
			// A failing extractor drops its own tag only.
			c.logger.Warnf(
				"failed to extract tag %q for metric %q: %v",
				key, match.MetricName(), err,
			)
			continue
		}
		tags[key] = value
	}

	return tags
}

func safeExtract(extractor TagExtractor, match *Match) (value string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("extractor panic: %v", r)
		}
	}()
	return extractor.Extract(match)
}

func matchGroups(pattern *regexp.Regexp, metricName string) *Match {
	submatches := pattern.FindStringSubmatch(metricName)
	if submatches == nil {
		return nil
	}

	groups := make(map[string]string)
	for i, name := range pattern.SubexpNames() {
		if name != "" && i < len(submatches) {
			groups[name] = submatches[i]
		}
	}

	return &Match{metricName: metricName, groups: groups}
}
