package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
)

// DefaultTimeout bounds dials and requests when no timeout is configured.
const DefaultTimeout = 10 * time.Second

// Transport defines the interface for sending points
type Transport interface {
	Send(ctx context.Context, points []metrics.Point) error
	Close() error
}

// writeLines renders points in the line format, one per line.
func writeLines(w io.Writer, points []metrics.Point) error {
	for _, p := range points {
		if _, err := io.WriteString(w, p.Line()); err != nil {
			return err
		}
		if _, err := io.WriteString(w, "\n"); err != nil {
			return err
		}
	}
	return nil
}

// TCPTransport writes the line format over one persistent connection to a
// Wavefront proxy.
type TCPTransport struct {
	addr    string
	timeout time.Duration

	mu     sync.Mutex
	conn   net.Conn
	w      *bufio.Writer
	closed bool
}

// DialTCP connects to the proxy at addr.
func DialTCP(ctx context.Context, addr string, timeout time.Duration) (*TCPTransport, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	return &TCPTransport{
		addr:    addr,
		timeout: timeout,
		conn:    conn,
		w:       bufio.NewWriter(conn),
	}, nil
}

// Send writes the points and flushes the connection buffer. Any error
// leaves the transport closed; the connection is not reused.
func (t *TCPTransport) Send(ctx context.Context, points []metrics.Point) error {
	if len(points) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return fmt.Errorf("send to %s: transport closed", t.addr)
	}

	deadline := time.Now().Add(t.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		t.closeLocked()
		return fmt.Errorf("send to %s: %w", t.addr, err)
	}

	err := writeLines(t.w, points)
	if err == nil {
		err = t.w.Flush()
	}
	if err != nil {
		t.closeLocked()
		return fmt.Errorf("send to %s: %w", t.addr, err)
	}
	return nil
}

// Close closes the connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	return t.closeLocked()
}

func (t *TCPTransport) closeLocked() error {
	t.closed = true
	return t.conn.Close()
}

// HTTPTransport posts the line format to the proxy's HTTP listener
type HTTPTransport struct {
	endpoint string
	client   *http.Client
}

// NewHTTP creates a new HTTP transport
func NewHTTP(endpoint string, timeout time.Duration) (*HTTPTransport, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPTransport{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Send posts the points as one text/plain body
func (t *HTTPTransport) Send(ctx context.Context, points []metrics.Point) error {
	if len(points) == 0 {
		return nil
	}

	var body bytes.Buffer
	if err := writeLines(&body, points); err != nil {
		return fmt.Errorf("failed to encode points: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, &body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}

	return nil
}

// Close releases idle connections
func (t *HTTPTransport) Close() error {
	t.client.CloseIdleConnections()
	return nil
}
