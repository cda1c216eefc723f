// Package poller runs the poll loop: one cycle per interval, each cycle
// moving every history stream from the database to the sink and then
// advancing the stream checkpoints.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/zbxbridge/pkg/checkpoint"
	"github.com/nicktill/zbxbridge/pkg/dispatch"
	"github.com/nicktill/zbxbridge/pkg/normalize"
	"github.com/nicktill/zbxbridge/pkg/observability"
	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
	"github.com/nicktill/zbxbridge/pkg/sdk/runtime"
	"github.com/nicktill/zbxbridge/pkg/sink"
	"github.com/nicktill/zbxbridge/pkg/source"
)

// State of the poll loop
type State string

const (
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// Config wires a Poller. Source, Sink, Store and Dispatcher are required.
type Config struct {
	Streams    []source.Stream
	Source     source.Opener
	Sink       sink.Opener
	Store      checkpoint.Store
	Dispatcher *dispatch.Dispatcher
	Metrics    *observability.Metrics // optional
	Tracker    *dispatch.CardinalityTracker
	Logger     *zap.Logger

	Prefix       string
	SourceName   string
	PollInterval time.Duration
	Limit        int
	// CatchUp skips the wait after a cycle in which a stream filled its page.
	CatchUp bool

	SelfMetrics    bool
	RuntimeMetrics bool

	// LimitIncrement > 0 enables the adaptive limit, bounded by LimitMax.
	LimitIncrement int
	LimitMax       int
}

type streamState struct {
	stream     source.Stream
	checkpoint int64
	limit      *LimitAdjuster
	last       dispatch.Result
}

// Poller owns the checkpoints of every stream and runs cycles sequentially.
type Poller struct {
	cfg     Config
	logger  *zap.Logger
	monitor *CycleMonitor
	runtime metrics.Collector
	host    string
	now     func() time.Time

	mu          sync.RWMutex
	state       State
	initialized bool
	streams     []*streamState
	cycles      int64
	lastCycle   time.Time
}

// New creates a poller. Call Init (or Run) before RunCycle.
func New(cfg Config) (*Poller, error) {
	switch {
	case cfg.Source == nil:
		return nil, errors.New("poller: source opener is required")
	case cfg.Sink == nil:
		return nil, errors.New("poller: sink opener is required")
	case cfg.Store == nil:
		return nil, errors.New("poller: checkpoint store is required")
	case cfg.Dispatcher == nil:
		return nil, errors.New("poller: dispatcher is required")
	case len(cfg.Streams) == 0:
		return nil, errors.New("poller: no streams configured")
	case cfg.Limit <= 0:
		return nil, fmt.Errorf("poller: limit must be positive, got %d", cfg.Limit)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Poller{
		cfg:     cfg,
		logger:  cfg.Logger.Named("poller"),
		monitor: NewCycleMonitor(3*cfg.PollInterval + time.Minute),
		host:    normalize.Host(cfg.SourceName),
		now:     time.Now,
		state:   StateRunning,
	}
	if cfg.RuntimeMetrics {
		p.runtime = runtime.NewCollector("integration.runtime.", p.host)
	}
	for _, s := range cfg.Streams {
		p.streams = append(p.streams, &streamState{
			stream: s,
			limit:  NewLimitAdjuster(cfg.Limit, cfg.LimitIncrement, cfg.LimitMax),
		})
	}
	return p, nil
}

// Monitor returns the cycle health monitor.
func (p *Poller) Monitor() *CycleMonitor {
	return p.monitor
}

// Init loads the stored checkpoint of every stream.
func (p *Poller) Init() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, st := range p.streams {
		ts, err := p.cfg.Store.Read(st.stream.CheckpointPath)
		if err != nil {
			return fatal(KindCheckpoint, fmt.Errorf("stream %s: %w", st.stream.Name, err))
		}
		st.checkpoint = ts
		p.cfg.Metrics.ObserveCheckpoint(st.stream.Name, ts, p.now())
		p.cfg.Metrics.SetLimit(st.stream.Name, st.limit.Limit())
		p.logger.Info("checkpoint loaded",
			zap.String("stream", st.stream.Name),
			zap.String("table", st.stream.Table),
			zap.Int64("checkpoint", ts))
	}
	p.initialized = true
	return nil
}

// Run loops until ctx is cancelled or a cycle fails. Cancellation is only
// observed between cycles: a cycle in flight completes first. On
// cancellation every checkpoint is flushed and Run returns nil.
func (p *Poller) Run(ctx context.Context) error {
	if !p.isInitialized() {
		if err := p.Init(); err != nil {
			p.setState(StateTerminated)
			return err
		}
	}

	work := context.WithoutCancel(ctx)
	p.logger.Info("poll loop started",
		zap.Duration("interval", p.cfg.PollInterval),
		zap.Int("limit", p.cfg.Limit),
		zap.Bool("catch_up", p.cfg.CatchUp))

	for {
		if ctx.Err() != nil {
			return p.shutdown()
		}

		full, err := p.RunCycle(work)
		if err != nil {
			p.setState(StateTerminated)
			p.logger.Error("poll loop terminated", zap.Error(err))
			return err
		}

		if full && p.cfg.CatchUp {
			p.logger.Debug("page full, skipping wait")
			continue
		}

		timer := time.NewTimer(p.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return p.shutdown()
		case <-timer.C:
		}
	}
}

func (p *Poller) shutdown() error {
	p.mu.Lock()
	marks := make([]checkpoint.Mark, 0, len(p.streams))
	for _, st := range p.streams {
		marks = append(marks, checkpoint.Mark{Key: st.stream.CheckpointPath, Timestamp: st.checkpoint})
	}
	p.state = StateTerminated
	p.mu.Unlock()

	p.logger.Info("interrupted, flushing checkpoints")
	if err := checkpoint.Flush(p.cfg.Store, marks...); err != nil {
		return fatal(KindCheckpoint, err)
	}
	return nil
}

// RunCycle moves one page of every stream to a fresh sink and, once the
// sink has flushed, persists the new checkpoints. It reports whether any
// stream filled its page.
func (p *Poller) RunCycle(ctx context.Context) (full bool, err error) {
	start := p.now()
	defer func() {
		if err != nil {
			p.monitor.RecordFailure(err)
			var fe *FatalError
			if errors.As(err, &fe) {
				p.cfg.Metrics.ObserveCycle(string(fe.Kind), time.Since(start))
			}
		}
	}()

	connStart := time.Now()
	q, err := p.cfg.Source.Open(ctx)
	if err != nil {
		return false, fatal(KindDatabase, err)
	}
	defer q.Close()
	dbconn := time.Since(connStart)

	s, err := p.cfg.Sink.Open(ctx)
	if err != nil {
		return false, fatal(KindSink, err)
	}
	sinkOpen := true
	defer func() {
		if !sinkOpen {
			return
		}
		if ferr := s.Flush(ctx); ferr != nil {
			p.logger.Warn("best-effort sink flush failed", zap.Error(ferr))
		}
		if cerr := s.Close(); cerr != nil {
			p.logger.Warn("best-effort sink close failed", zap.Error(cerr))
		}
	}()

	p.mu.RLock()
	streams := p.streams
	p.mu.RUnlock()

	results := make([]dispatch.Result, len(streams))
	var selfPoints []metrics.Point
	for i, st := range streams {
		limit := st.limit.Limit()
		passStart := time.Now()

		records, err := q.Fetch(ctx, st.stream, st.checkpoint, limit)
		if err != nil {
			return false, fatal(KindDatabase, err)
		}
		queryDur := time.Since(passStart)

		res, err := p.cfg.Dispatcher.Dispatch(ctx, st.stream, records, st.checkpoint, s)
		if err != nil {
			return false, fatal(KindSink, err)
		}
		results[i] = res
		passDur := time.Since(passStart)

		if res.Fetched >= limit {
			full = true
		}
		p.mu.Lock()
		st.limit.Observe(res.Fetched, passDur)
		p.mu.Unlock()
		p.cfg.Metrics.ObserveStream(st.stream.Name, res.Fetched, res.Forwarded, res.Skipped, queryDur)

		if p.cfg.SelfMetrics {
			selfPoints = append(selfPoints, p.streamPoints(st.stream, res, passDur, queryDur, dbconn)...)
		}
	}

	if p.runtime != nil {
		for _, pt := range p.runtime.Collect(ctx) {
			if sp, ok := p.selfPoint(pt.Name, pt.Value, pt.Timestamp); ok {
				selfPoints = append(selfPoints, sp)
			}
		}
	}
	for _, pt := range selfPoints {
		if err := s.Send(ctx, pt); err != nil {
			return false, fatal(KindSink, fmt.Errorf("%w: self-metric %s: %w", dispatch.ErrSink, pt.Name, err))
		}
	}

	if err := s.Flush(ctx); err != nil {
		return false, fatal(KindSink, fmt.Errorf("%w: flush: %w", dispatch.ErrSink, err))
	}
	sinkOpen = false
	if err := s.Close(); err != nil {
		return false, fatal(KindSink, fmt.Errorf("%w: close: %w", dispatch.ErrSink, err))
	}

	if err := p.commit(results); err != nil {
		return false, err
	}

	elapsed := p.now().Sub(start)
	p.monitor.RecordSuccess(elapsed)
	p.cfg.Metrics.ObserveCycle("success", elapsed)
	if p.cfg.Tracker != nil {
		p.cfg.Metrics.SetSeries(p.cfg.Tracker.Stats().TotalSeries)
	}
	return full, nil
}

// commit persists each stream's new checkpoint and only then adopts it in
// memory.
func (p *Poller) commit(results []dispatch.Result) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	for i, st := range p.streams {
		res := results[i]
		if err := p.cfg.Store.Write(st.stream.CheckpointPath, res.Checkpoint); err != nil {
			return fatal(KindCheckpoint, fmt.Errorf("stream %s: %w", st.stream.Name, err))
		}
		st.checkpoint = res.Checkpoint
		st.last = res
		p.cfg.Metrics.ObserveCheckpoint(st.stream.Name, res.Checkpoint, now)
		p.cfg.Metrics.SetLimit(st.stream.Name, st.limit.Limit())

		p.logger.Info("stream cycle complete",
			zap.String("stream", st.stream.Name),
			zap.Int("fetched", res.Fetched),
			zap.Int("forwarded", res.Forwarded),
			zap.Int("skipped", res.Skipped),
			zap.Int64("checkpoint", res.Checkpoint),
			zap.Int("next_limit", st.limit.Limit()))
	}
	p.cycles++
	p.lastCycle = now
	return nil
}

// streamPoints builds the integration.<table>.* self-metrics of one pass.
func (p *Poller) streamPoints(s source.Stream, res dispatch.Result, pass, query, dbconn time.Duration) []metrics.Point {
	now := p.now()
	ms := func(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }
	values := []struct {
		suffix string
		value  float64
	}{
		{"sent", float64(res.Forwarded)},
		{"skipped", float64(res.Skipped)},
		{"fetched", float64(res.Fetched)},
		{"cycle.time", ms(pass)},
		{"queryexec.time", ms(query)},
		{"dbconn.time", ms(dbconn)},
		{"timelag", float64(now.Unix() - res.Checkpoint)},
	}

	points := make([]metrics.Point, 0, len(values))
	for _, v := range values {
		if pt, ok := p.selfPoint("integration."+s.Table+"."+v.suffix, v.value, now.Unix()); ok {
			points = append(points, pt)
		}
	}
	return points
}

// selfPoint names a self-metric under the namespace prefix. Names the
// normalizer rejects are dropped with a warning, like forwarded history.
func (p *Poller) selfPoint(key string, value float64, ts int64) (metrics.Point, bool) {
	name, err := normalize.MetricName(key, p.cfg.Prefix)
	if err != nil {
		p.logger.Warn("self-metric name rejected", zap.String("key", key), zap.Error(err))
		return metrics.Point{}, false
	}
	return metrics.Point{Name: name, Value: value, Timestamp: ts, Host: p.host}, true
}

func (p *Poller) isInitialized() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.initialized
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// StreamStatus is the status view of one stream.
type StreamStatus struct {
	Name          string `json:"name"`
	Table         string `json:"table"`
	Checkpoint    int64  `json:"checkpoint"`
	Limit         int    `json:"limit"`
	LastFetched   int    `json:"last_fetched"`
	LastForwarded int    `json:"last_forwarded"`
	LastSkipped   int    `json:"last_skipped"`
}

// Status is a point-in-time snapshot of the poll loop.
type Status struct {
	State     State          `json:"state"`
	Cycles    int64          `json:"cycles"`
	LastCycle string         `json:"last_cycle,omitempty"`
	Streams   []StreamStatus `json:"streams"`
	Health    CycleStatus    `json:"health"`
}

// Status returns a snapshot safe to read from other goroutines.
func (p *Poller) Status() Status {
	p.mu.RLock()
	defer p.mu.RUnlock()

	st := Status{
		State:  p.state,
		Cycles: p.cycles,
		Health: p.monitor.Status(),
	}
	if !p.lastCycle.IsZero() {
		st.LastCycle = p.lastCycle.Format(time.RFC3339)
	}
	for _, s := range p.streams {
		st.Streams = append(st.Streams, StreamStatus{
			Name:          s.stream.Name,
			Table:         s.stream.Table,
			Checkpoint:    s.checkpoint,
			Limit:         s.limit.Limit(),
			LastFetched:   s.last.Fetched,
			LastForwarded: s.last.Forwarded,
			LastSkipped:   s.last.Skipped,
		})
	}
	return st
}
