package dispatch

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Series tracking limits. Crossing them only logs; points are never dropped
// for cardinality reasons.
const (
	// DefaultSeriesWarnThreshold is the distinct series count that triggers a warning
	DefaultSeriesWarnThreshold = 100000

	// Forget series not seen in the last 24 hours
	seriesRetentionPeriod = 24 * time.Hour

	// Run cleanup every hour
	cleanupInterval = 1 * time.Hour
)

type seriesEntry struct {
	name     string
	lastSeen time.Time
}

// CardinalityTracker counts distinct (metric, host) series forwarded
// SAFETY: Periodically clears old series to prevent unbounded memory growth
type CardinalityTracker struct {
	mu sync.RWMutex

	// seriesSeen is keyed by xxhash(name + "\x00" + host)
	seriesSeen map[uint64]seriesEntry

	// seriesCount tracks distinct hosts per metric name
	seriesCount map[string]int

	threshold   int
	warned      bool
	lastCleanup time.Time
	now         func() time.Time
}

// NewCardinalityTracker creates a tracker that warns above threshold series
func NewCardinalityTracker(threshold int) *CardinalityTracker {
	if threshold <= 0 {
		threshold = DefaultSeriesWarnThreshold
	}
	return &CardinalityTracker{
		seriesSeen:  make(map[uint64]seriesEntry),
		seriesCount: make(map[string]int),
		threshold:   threshold,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Record marks a series as seen. It reports true exactly once, when the
// tracked series count first crosses the warning threshold.
func (c *CardinalityTracker) Record(name, host string) (crossed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.cleanupOldSeriesLocked(now)

	key := seriesKey(name, host)
	if e, ok := c.seriesSeen[key]; ok {
		e.lastSeen = now
		c.seriesSeen[key] = e
		return false
	}

	c.seriesSeen[key] = seriesEntry{name: name, lastSeen: now}
	c.seriesCount[name]++

	if !c.warned && len(c.seriesSeen) > c.threshold {
		c.warned = true
		return true
	}
	return false
}

// cleanupOldSeriesLocked removes series not seen in seriesRetentionPeriod
// MUST be called with lock held
func (c *CardinalityTracker) cleanupOldSeriesLocked(now time.Time) {
	if now.Sub(c.lastCleanup) < cleanupInterval {
		return
	}
	c.lastCleanup = now
	cutoff := now.Add(-seriesRetentionPeriod)

	for key, e := range c.seriesSeen {
		if e.lastSeen.Before(cutoff) {
			delete(c.seriesSeen, key)
			if c.seriesCount[e.name]--; c.seriesCount[e.name] <= 0 {
				delete(c.seriesCount, e.name)
			}
		}
	}
	if len(c.seriesSeen) <= c.threshold {
		c.warned = false
	}
}

// Stats returns current cardinality statistics
func (c *CardinalityTracker) Stats() CardinalityStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	// Find metric with highest cardinality
	var maxMetric string
	var maxCount int
	for name, count := range c.seriesCount {
		if count > maxCount {
			maxCount = count
			maxMetric = name
		}
	}

	return CardinalityStats{
		TotalSeries:     len(c.seriesSeen),
		UniqueMetrics:   len(c.seriesCount),
		MaxSeriesMetric: maxMetric,
		MaxSeriesCount:  maxCount,
		WarnThreshold:   c.threshold,
	}
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	TotalSeries     int    `json:"total_series"`
	UniqueMetrics   int    `json:"unique_metrics"`
	MaxSeriesMetric string `json:"max_series_metric"`
	MaxSeriesCount  int    `json:"max_series_count"`
	WarnThreshold   int    `json:"warn_threshold"`
}

func seriesKey(name, host string) uint64 {
	d := xxhash.New()
	d.WriteString(name)
	d.Write([]byte{0})
	d.WriteString(host)
	return d.Sum64()
}
