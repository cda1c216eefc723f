package runtime

import (
	"context"
	"runtime"
	"time"

	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
)

// Collector reports Go runtime statistics of the bridge itself as points
// named <prefix>.<metric>.
type Collector struct {
	prefix string
	host   string
	now    func() time.Time
}

// NewCollector creates a new runtime collector. prefix should end with a dot.
func NewCollector(prefix, host string) *Collector {
	return &Collector{
		prefix: prefix,
		host:   host,
		now:    time.Now,
	}
}

// Collect collects runtime metrics
func (c *Collector) Collect(ctx context.Context) []metrics.Point {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	ts := c.now().Unix()

	point := func(name string, v float64) metrics.Point {
		return metrics.Point{Name: c.prefix + name, Value: v, Timestamp: ts, Host: c.host}
	}

	return []metrics.Point{
		point("go.goroutines", float64(runtime.NumGoroutine())),
		point("go.cpu.count", float64(runtime.NumCPU())),
		point("go.memory.heap.alloc.bytes", float64(m.HeapAlloc)),
		point("go.memory.heap.sys.bytes", float64(m.HeapSys)),
		point("go.memory.heap.objects", float64(m.HeapObjects)),
		point("go.memory.stack.bytes", float64(m.StackInuse)),
		point("go.memory.sys.bytes", float64(m.Sys)),
		point("go.gc.count", float64(m.NumGC)),
		// cumulative pause time
		point("go.gc.pause.seconds", float64(m.PauseTotalNs)/1e9),
	}
}
