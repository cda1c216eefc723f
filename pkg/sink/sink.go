// Package sink delivers normalized points: printed to a writer when
// forwarding is disabled, or batched to a Wavefront proxy.
package sink

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nicktill/zbxbridge/pkg/config"
	"github.com/nicktill/zbxbridge/pkg/sdk"
	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
)

// Sink accepts points for delivery
type Sink interface {
	Send(ctx context.Context, p metrics.Point) error
	Flush(ctx context.Context) error
	Close() error
}

// Opener creates a fresh sink for each poll cycle
type Opener interface {
	Open(ctx context.Context) (Sink, error)
}

// OpenerFunc adapts a function to Opener
type OpenerFunc func(ctx context.Context) (Sink, error)

func (f OpenerFunc) Open(ctx context.Context) (Sink, error) { return f(ctx) }

// PrintSink writes one line per point and never touches the network
type PrintSink struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewPrintSink creates a sink that prints to w
func NewPrintSink(w io.Writer) *PrintSink {
	return &PrintSink{w: bufio.NewWriter(w)}
}

func (s *PrintSink) Send(ctx context.Context, p metrics.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.WriteString(p.Line()); err != nil {
		return err
	}
	return s.w.WriteByte('\n')
}

func (s *PrintSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func (s *PrintSink) Close() error {
	return s.Flush(context.Background())
}

// NetworkSink forwards points through the batching proxy client
type NetworkSink struct {
	client *sdk.Client
}

// NewNetworkSink wraps a started client
func NewNetworkSink(client *sdk.Client) *NetworkSink {
	return &NetworkSink{client: client}
}

func (s *NetworkSink) Send(ctx context.Context, p metrics.Point) error {
	return s.client.Send(p)
}

func (s *NetworkSink) Flush(ctx context.Context) error {
	return s.client.Flush()
}

func (s *NetworkSink) Close() error {
	return s.client.Close()
}

// NewOpener returns the opener matching the configuration: a network
// opener when send is enabled, otherwise a print opener on out.
func NewOpener(send bool, cfg config.SinkConfig, out io.Writer) Opener {
	if !send {
		return OpenerFunc(func(ctx context.Context) (Sink, error) {
			return NewPrintSink(out), nil
		})
	}
	return &networkOpener{cfg: cfg}
}

type networkOpener struct {
	cfg config.SinkConfig
}

func (o *networkOpener) Open(ctx context.Context) (Sink, error) {
	client, err := sdk.New(ctx, sdk.ClientConfig{
		Protocol:   o.cfg.Protocol,
		Address:    o.cfg.Address(),
		BatchSize:  o.cfg.BatchSize,
		FlushEvery: o.cfg.FlushEvery,
		Timeout:    o.cfg.Timeout,
		Tags:       o.cfg.Tags,
	})
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	if err := client.Start(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("open sink: %w", err)
	}
	return NewNetworkSink(client), nil
}

// Tap receives every point a sink accepted
type Tap func(metrics.Point)

type tapped struct {
	Sink
	tap Tap
}

// WithTap mirrors each successfully sent point to tap
func WithTap(s Sink, tap Tap) Sink {
	if tap == nil {
		return s
	}
	return &tapped{Sink: s, tap: tap}
}

func (t *tapped) Send(ctx context.Context, p metrics.Point) error {
	if err := t.Sink.Send(ctx, p); err != nil {
		return err
	}
	t.tap(p)
	return nil
}

// TapOpener wraps every sink opened by o with WithTap
func TapOpener(o Opener, tap Tap) Opener {
	return OpenerFunc(func(ctx context.Context) (Sink, error) {
		s, err := o.Open(ctx)
		if err != nil {
			return nil, err
		}
		return WithTap(s, tap), nil
	})
}
