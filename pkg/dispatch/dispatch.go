// Package dispatch turns raw history records into points and hands them to
// a sink, computing the stream's new checkpoint on the way.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nicktill/zbxbridge/pkg/normalize"
	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
	"github.com/nicktill/zbxbridge/pkg/sink"
	"github.com/nicktill/zbxbridge/pkg/source"
)

// ErrSink wraps any failure returned by the sink
var ErrSink = errors.New("sink send failed")

// Result summarizes one dispatched batch
type Result struct {
	// Checkpoint is max(prior, every record clock); records skipped by
	// normalization count too.
	Checkpoint int64
	Fetched    int
	Forwarded  int
	Skipped    int
}

// Dispatcher normalizes records and forwards them
type Dispatcher struct {
	prefix  string
	tracker *CardinalityTracker
	logger  *zap.Logger
}

// New creates a dispatcher. tracker may be nil.
func New(prefix string, tracker *CardinalityTracker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		prefix:  prefix,
		tracker: tracker,
		logger:  logger.Named("dispatch"),
	}
}

// Dispatch forwards records to s and returns the new checkpoint.
//
// A record whose key cannot be normalized is skipped with a warning; the
// rest of the batch goes on. A sink error stops the batch and is returned
// wrapped in ErrSink together with the counts so far.
func (d *Dispatcher) Dispatch(ctx context.Context, stream source.Stream, records []source.Record, prior int64, s sink.Sink) (Result, error) {
	res := Result{Checkpoint: prior, Fetched: len(records)}

	for _, r := range records {
		if r.Clock > res.Checkpoint {
			res.Checkpoint = r.Clock
		}

		key := decode(r.Key)
		name, err := normalize.MetricName(key, d.prefix)
		if err != nil {
			res.Skipped++
			d.logger.Warn("skipping record",
				zap.String("stream", stream.Name),
				zap.String("key", key),
				zap.Int64("clock", r.Clock),
				zap.Error(err))
			continue
		}

		p := metrics.Point{
			Name:      name,
			Value:     r.Value,
			Timestamp: r.Clock,
			Host:      normalize.Host(decode(r.Host)),
		}
		if err := s.Send(ctx, p); err != nil {
			return res, fmt.Errorf("%w: %s: %w", ErrSink, stream.Name, err)
		}
		res.Forwarded++

		if d.tracker != nil && d.tracker.Record(p.Name, p.Host) {
			d.logger.Warn("series count crossed warning threshold",
				zap.Int("threshold", d.tracker.Stats().WarnThreshold))
		}
	}
	return res, nil
}

// decode turns a driver byte column into text, replacing invalid UTF-8.
func decode(b []byte) string {
	return strings.ToValidUTF8(string(b), "\uFFFD")
}
