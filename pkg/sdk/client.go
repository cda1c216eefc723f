package sdk

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/nicktill/zbxbridge/pkg/sdk/batch"
	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
	"github.com/nicktill/zbxbridge/pkg/sdk/transport"
)

// Supported transport protocols
const (
	ProtocolTCP  = "tcp"
	ProtocolHTTP = "http"
)

// ClientConfig holds configuration for the proxy client
type ClientConfig struct {
	Protocol   string            `json:"protocol"`
	Address    string            `json:"address"` // host:port of the proxy
	BatchSize  int               `json:"batch_size"`
	FlushEvery time.Duration     `json:"flush_every"`
	Timeout    time.Duration     `json:"timeout"`
	Tags       map[string]string `json:"tags,omitempty"`
}

// Client queues points, batches them and sends them to a Wavefront proxy
type Client struct {
	config    ClientConfig
	transport transport.Transport
	batcher   *batch.Batcher
	started   bool
}

// New connects to the proxy and returns an unstarted client.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("proxy address is required")
	}

	var (
		trans transport.Transport
		err   error
	)
	switch cfg.Protocol {
	case "", ProtocolTCP:
		trans, err = transport.DialTCP(ctx, cfg.Address, cfg.Timeout)
	case ProtocolHTTP:
		endpoint := (&url.URL{Scheme: "http", Host: cfg.Address, Path: "/report", RawQuery: "f=wavefront"}).String()
		trans, err = transport.NewHTTP(endpoint, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unknown protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return NewWithTransport(trans, cfg), nil
}

// NewWithTransport builds a client on an existing transport.
func NewWithTransport(trans transport.Transport, cfg ClientConfig) *Client {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = 5 * time.Second
	}

	sendTimeout := cfg.Timeout
	if sendTimeout <= 0 {
		sendTimeout = transport.DefaultTimeout
	}

	return &Client{
		config:    cfg,
		transport: trans,
		batcher: batch.New(trans, batch.Config{
			MaxBatchSize: cfg.BatchSize,
			FlushEvery:   cfg.FlushEvery,
			SendTimeout:  sendTimeout,
		}),
	}
}

// Start starts background flushing
func (c *Client) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("client already started")
	}

	if err := c.batcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start batcher: %w", err)
	}
	c.started = true
	return nil
}

// Send queues a point. Configured tags are added unless the point already
// carries the same key. The error is the first failed background send.
func (c *Client) Send(p metrics.Point) error {
	if len(c.config.Tags) > 0 {
		tags := make(map[string]string, len(c.config.Tags)+len(p.Tags))
		for k, v := range c.config.Tags {
			tags[k] = v
		}
		for k, v := range p.Tags {
			tags[k] = v
		}
		p.Tags = tags
	}
	return c.batcher.Add(p)
}

// Flush sends everything queued and reports any send failure
func (c *Client) Flush() error {
	if err := c.batcher.Flush(); err != nil {
		return fmt.Errorf("failed to flush points: %w", err)
	}
	return nil
}

// Close stops the client, flushes remaining points and closes the
// transport. The transport is closed even when the flush fails.
func (c *Client) Close() error {
	var flushErr error
	if err := c.batcher.Stop(); err != nil {
		flushErr = fmt.Errorf("failed to flush points: %w", err)
	}
	c.started = false
	return errors.Join(flushErr, c.transport.Close())
}
