package metrics

import (
	"context"
	"sort"
	"strconv"
	"strings"
)

// Point is a single normalized data point in the Wavefront data format
type Point struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp int64             `json:"timestamp"` // seconds since epoch
	Host      string            `json:"host"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Line renders the point as one line of the Wavefront data format without
// the trailing newline:
//
//	<name> <value> <timestamp> host=<host> [k=v ...]
//
// Tags are appended in key order so output is deterministic.
func (p Point) Line() string {
	var sb strings.Builder
	sb.Grow(len(p.Name) + len(p.Host) + 48)

	sb.WriteString(p.Name)
	sb.WriteByte(' ')
	sb.WriteString(FormatValue(p.Value))
	sb.WriteByte(' ')
	sb.WriteString(strconv.FormatInt(p.Timestamp, 10))
	sb.WriteString(" host=")
	sb.WriteString(p.Host)

	if len(p.Tags) > 0 {
		keys := make([]string, 0, len(p.Tags))
		for k := range p.Tags {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			sb.WriteByte(' ')
			sb.WriteString(k)
			sb.WriteByte('=')
			sb.WriteString(p.Tags[k])
		}
	}
	return sb.String()
}

// FormatValue prints v in the shortest decimal form that round-trips,
// without an exponent. Integral values print without a fraction.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Collector produces points on demand
type Collector interface {
	Collect(ctx context.Context) []Point
}
