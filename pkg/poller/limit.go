package poller

import "time"

// Ratio bounds of the average rate change that move the limit.
const (
	growRatio   = 1.5
	shrinkRatio = 0.5
)

// LimitAdjuster tunes a stream's per-cycle row limit from the observed
// processing rate. The limit only moves when a page came back full: a
// rising rate (average ratio of consecutive rates above 1.5) raises it by
// the increment, a falling one (below 0.5) lowers it. It stays within
// [base, max].
type LimitAdjuster struct {
	base      int
	ceiling   int
	increment int
	current   int

	prevRate float64
	sumRatio float64
	count    int
}

// NewLimitAdjuster returns an adjuster starting at base. With a
// non-positive increment the limit never moves.
func NewLimitAdjuster(base, increment, ceiling int) *LimitAdjuster {
	if ceiling < base {
		ceiling = base
	}
	return &LimitAdjuster{base: base, ceiling: ceiling, increment: increment, current: base}
}

// Limit returns the limit for the next fetch.
func (l *LimitAdjuster) Limit() int {
	return l.current
}

// Observe feeds one stream pass: rows fetched and how long the pass took.
// It returns the limit for the next fetch.
func (l *LimitAdjuster) Observe(fetched int, elapsed time.Duration) int {
	if l.increment <= 0 {
		return l.current
	}

	ms := float64(elapsed) / float64(time.Millisecond)
	if ms <= 0 {
		ms = 1
	}
	rate := float64(fetched) / ms
	if l.prevRate != 0 && rate != 0 {
		l.sumRatio += rate / l.prevRate
		l.count++
	}
	l.prevRate = rate

	if fetched < l.current || l.count == 0 {
		return l.current
	}

	avg := l.sumRatio / float64(l.count)
	switch {
	case avg > growRatio:
		l.current = min(l.current+l.increment, l.ceiling)
	case avg < shrinkRatio:
		l.current = max(l.current-l.increment, l.base)
	}
	return l.current
}
