package sdk

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
)

type recordingTransport struct {
	mu     sync.Mutex
	points []metrics.Point
	err    error
	closed bool
}

func (r *recordingTransport) Send(ctx context.Context, points []metrics.Point) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.points = append(r.points, points...)
	return nil
}

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestClientAddsConfiguredTags(t *testing.T) {
	trans := &recordingTransport{}
	client := NewWithTransport(trans, ClientConfig{
		Tags:       map[string]string{"env": "prod", "dc": "eu1"},
		FlushEvery: time.Hour,
	})
	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	err := client.Send(metrics.Point{
		Name: "zabbix.cpu.load", Value: 1, Timestamp: 10, Host: "web",
		Tags: map[string]string{"dc": "us2"},
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := client.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	if len(trans.points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(trans.points))
	}
	tags := trans.points[0].Tags
	if tags["env"] != "prod" || tags["dc"] != "us2" {
		t.Errorf("unexpected tags %v", tags)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !trans.closed {
		t.Error("transport not closed")
	}
}

func TestClientCloseReportsFlushFailureAndClosesTransport(t *testing.T) {
	trans := &recordingTransport{err: errors.New("broken pipe")}
	client := NewWithTransport(trans, ClientConfig{FlushEvery: time.Hour})
	client.Start(context.Background())

	client.Send(metrics.Point{Name: "zabbix.a", Timestamp: 1, Host: "h"})

	if err := client.Close(); err == nil {
		t.Fatal("Close should report the failed flush")
	}
	if !trans.closed {
		t.Error("transport must be closed even when the flush fails")
	}
}

func TestClientOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	lines := make(chan string, 10)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	client, err := New(context.Background(), ClientConfig{
		Protocol:   ProtocolTCP,
		Address:    ln.Addr().String(),
		FlushEvery: time.Hour,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	client.Start(context.Background())

	client.Send(metrics.Point{Name: "zabbix.cpu.load.avg", Value: 0.25, Timestamp: 1700000010, Host: "web.01.server"})
	client.Send(metrics.Point{Name: "zabbix.net.if.in", Value: 1024, Timestamp: 1700000011, Host: "db"})
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	var got []string
	for line := range lines {
		got = append(got, line)
	}
	want := []string{
		"zabbix.cpu.load.avg 0.25 1700000010 host=web.01.server",
		"zabbix.net.if.in 1024 1700000011 host=db",
	}
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Errorf("received lines:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestNewRejectsUnreachableProxy(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = New(context.Background(), ClientConfig{Protocol: ProtocolTCP, Address: addr, Timeout: time.Second})
	if err == nil {
		t.Fatal("expected a dial error for a closed port")
	}
}

func TestNewRejectsUnknownProtocol(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Protocol: "udp", Address: "localhost:2878"})
	if err == nil {
		t.Fatal("expected an error for an unknown protocol")
	}
}
