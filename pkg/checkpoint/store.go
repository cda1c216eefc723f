// Package checkpoint persists the per-stream progress marker: the highest
// history clock already forwarded for a stream.
//
// A marker that has never been written reads as the current time, so a
// fresh deployment starts from now and never back-fills history that is
// older than its first run.
package checkpoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrUnreadable means the marker exists but could not be read.
	ErrUnreadable = errors.New("checkpoint unreadable")
	// ErrCorrupt means the marker exists but does not hold a decimal integer.
	ErrCorrupt = errors.New("checkpoint corrupt")
	// ErrWrite means the marker could not be persisted.
	ErrWrite = errors.New("checkpoint write failed")
)

// Store reads and writes checkpoints. The key identifies the stream; for
// the file backend it is the checkpoint file path.
type Store interface {
	// Read returns the stored timestamp, or the current time if none exists.
	Read(key string) (int64, error)
	// Write replaces the stored timestamp. A failed write leaves the
	// previous value intact.
	Write(key string, ts int64) error
	Close() error
}

// Mark is a checkpoint value waiting to be persisted.
type Mark struct {
	Key       string
	Timestamp int64
}

// Flush writes every mark, continuing past failures. It is the shutdown
// flush: both streams get their final in-memory value written even if one
// of them fails.
func Flush(store Store, marks ...Mark) error {
	var errs []error
	for _, m := range marks {
		if err := store.Write(m.Key, m.Timestamp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func parse(key string, data []byte) (int64, error) {
	ts, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s holds %q", ErrCorrupt, key, truncate(string(data), 32))
	}
	return ts, nil
}

func format(ts int64) []byte {
	return []byte(strconv.FormatInt(ts, 10))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func unixNow(now func() time.Time) int64 {
	if now == nil {
		return time.Now().Unix()
	}
	return now().Unix()
}
