package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
	"github.com/nicktill/zbxbridge/pkg/sdk/transport"
)

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	SendTimeout  time.Duration
}

// Batcher batches points and sends them periodically.
//
// Sends that run in the background record their first failure; it is
// returned by every later Add, Flush and Stop so that a sink fault cannot
// go unnoticed.
type Batcher struct {
	config    Config
	transport transport.Transport

	points []metrics.Point
	mu     sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool

	flushing atomic.Bool // one background flush at a time
	sendMu   sync.Mutex  // serializes transmissions

	errMu sync.Mutex
	err   error
}

// New creates a new batcher
func New(transport transport.Transport, config Config) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 1000
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = 5 * time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 5 * time.Second
	}
	return &Batcher{
		config:    config,
		transport: transport,
		points:    make([]metrics.Point, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start starts the periodic flush loop
func (b *Batcher) Start(ctx context.Context) error {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true

	go b.flushLoop()
	return nil
}

// Add queues a point. A full batch is sent in the background.
func (b *Batcher) Add(point metrics.Point) error {
	if err := b.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	b.points = append(b.points, point)
	shouldFlush := len(b.points) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		go func() {
			b.flush()
			b.flushing.Store(false)
		}()
	}
	return nil
}

// Flush waits for a background send in progress, then sends everything
// still queued.
func (b *Batcher) Flush() error {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if err := b.Err(); err != nil {
		return err
	}
	for {
		batch := b.take()
		if len(batch) == 0 {
			return nil
		}
		if err := b.send(batch); err != nil {
			return err
		}
	}
}

// Stop stops the flush loop and flushes remaining points
func (b *Batcher) Stop() error {
	if b.started {
		b.cancel()
		<-b.done
		b.started = false
	}
	return b.Flush()
}

// Err returns the first send failure, if any.
func (b *Batcher) Err() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.err
}

func (b *Batcher) setErr(err error) {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	if b.err == nil {
		b.err = err
	}
}

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.flush()
				b.flushing.Store(false)
			}
		}
	}
}

// flush sends queued points in batches of at most MaxBatchSize
func (b *Batcher) flush() {
	b.sendMu.Lock()
	defer b.sendMu.Unlock()

	if b.Err() != nil {
		return
	}
	for {
		batch := b.take()
		if len(batch) == 0 {
			return
		}
		if err := b.send(batch); err != nil {
			return
		}
	}
}

// take removes up to MaxBatchSize points from the queue
func (b *Batcher) take() []metrics.Point {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.points)
	if n == 0 {
		return nil
	}
	if n > b.config.MaxBatchSize {
		n = b.config.MaxBatchSize
	}

	batch := make([]metrics.Point, n)
	copy(batch, b.points[:n])
	b.points = append(b.points[:0], b.points[n:]...)
	return batch
}

// send transmits one batch and records a failure
func (b *Batcher) send(batch []metrics.Point) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.SendTimeout)
	defer cancel()

	if err := b.transport.Send(ctx, batch); err != nil {
		b.setErr(err)
		return err
	}
	return nil
}
