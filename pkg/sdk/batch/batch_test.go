package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
)

// mockTransport is a mock implementation of transport.Transport for testing
type mockTransport struct {
	mu      sync.Mutex
	batches [][]metrics.Point
	sendErr error
	delay   time.Duration
}

func (m *mockTransport) Send(ctx context.Context, batch []metrics.Point) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}

	batchCopy := make([]metrics.Point, len(batch))
	copy(batchCopy, batch)
	m.batches = append(m.batches, batchCopy)
	return nil
}

func (m *mockTransport) Close() error { return nil }

func (m *mockTransport) getBatches() [][]metrics.Point {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([][]metrics.Point, len(m.batches))
	copy(result, m.batches)
	return result
}

func (m *mockTransport) totalPoints() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, batch := range m.batches {
		total += len(batch)
	}
	return total
}

func point(name string, v float64) metrics.Point {
	return metrics.Point{Name: name, Value: v, Timestamp: 1700000000, Host: "web.01"}
}

func TestNewAppliesDefaults(t *testing.T) {
	batcher := New(&mockTransport{}, Config{})

	if batcher.config.MaxBatchSize != 1000 {
		t.Errorf("Expected MaxBatchSize=1000, got %d", batcher.config.MaxBatchSize)
	}
	if batcher.config.FlushEvery != 5*time.Second {
		t.Errorf("Expected FlushEvery=5s, got %v", batcher.config.FlushEvery)
	}
	if batcher.config.SendTimeout != 5*time.Second {
		t.Errorf("Expected SendTimeout=5s, got %v", batcher.config.SendTimeout)
	}
}

func TestStartStop(t *testing.T) {
	batcher := New(&mockTransport{}, Config{MaxBatchSize: 100, FlushEvery: 100 * time.Millisecond})

	if err := batcher.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := batcher.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

func TestAddTriggersFlushWhenFull(t *testing.T) {
	transport := &mockTransport{}
	batcher := New(transport, Config{MaxBatchSize: 5, FlushEvery: time.Hour})
	batcher.Start(context.Background())
	defer batcher.Stop()

	for i := 0; i < 5; i++ {
		if err := batcher.Add(point("zabbix.test", float64(i))); err != nil {
			t.Fatalf("Add() failed: %v", err)
		}
	}

	// Wait for async flush to complete
	time.Sleep(100 * time.Millisecond)

	batches := transport.getBatches()
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch, got %d", len(batches))
	}
	if len(batches[0]) != 5 {
		t.Errorf("Expected 5 points in batch, got %d", len(batches[0]))
	}
}

func TestConcurrentAddSendsEverything(t *testing.T) {
	// Slow transport to create backpressure
	transport := &mockTransport{delay: 10 * time.Millisecond}
	batcher := New(transport, Config{MaxBatchSize: 10, FlushEvery: time.Hour})
	batcher.Start(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				batcher.Add(point("zabbix.concurrent", float64(id*1000+j)))
			}
		}(i)
	}
	wg.Wait()

	if err := batcher.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if total := transport.totalPoints(); total != 1000 {
		t.Errorf("Expected 1000 points sent, got %d", total)
	}
	for _, b := range transport.getBatches() {
		if len(b) > 10 {
			t.Errorf("batch of %d exceeds MaxBatchSize", len(b))
		}
	}
	if batcher.flushing.Load() {
		t.Error("Flushing flag is stuck; indicates a concurrency bug")
	}
}

func TestPeriodicFlush(t *testing.T) {
	transport := &mockTransport{}
	batcher := New(transport, Config{MaxBatchSize: 1000, FlushEvery: 50 * time.Millisecond})
	batcher.Start(context.Background())
	defer batcher.Stop()

	for i := 0; i < 3; i++ {
		batcher.Add(point("zabbix.periodic", float64(i)))
	}

	time.Sleep(200 * time.Millisecond)

	if total := transport.totalPoints(); total != 3 {
		t.Errorf("Expected 3 points sent by the timer, got %d", total)
	}
}

func TestManualFlush(t *testing.T) {
	transport := &mockTransport{}
	batcher := New(transport, Config{MaxBatchSize: 1000, FlushEvery: time.Hour})
	batcher.Start(context.Background())
	defer batcher.Stop()

	for i := 0; i < 7; i++ {
		batcher.Add(point("zabbix.manual", float64(i)))
	}

	if err := batcher.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	batches := transport.getBatches()
	if len(batches) != 1 {
		t.Fatalf("Expected 1 batch after manual flush, got %d", len(batches))
	}
	if len(batches[0]) != 7 {
		t.Errorf("Expected 7 points, got %d", len(batches[0]))
	}
}

func TestFlushSplitsIntoBatches(t *testing.T) {
	transport := &mockTransport{}
	batcher := New(transport, Config{MaxBatchSize: 4, FlushEvery: time.Hour})

	// Not started: nothing flushes in the background.
	batcher.points = append(batcher.points,
		point("a.b", 1), point("a.b", 2), point("a.b", 3),
		point("a.b", 4), point("a.b", 5), point("a.b", 6))

	if err := batcher.Flush(); err != nil {
		t.Fatalf("Flush() failed: %v", err)
	}

	batches := transport.getBatches()
	if len(batches) != 2 || len(batches[0]) != 4 || len(batches[1]) != 2 {
		t.Errorf("unexpected batch layout: %d batches", len(batches))
	}
}

func TestStopFlushesPendingPoints(t *testing.T) {
	transport := &mockTransport{}
	batcher := New(transport, Config{MaxBatchSize: 1000, FlushEvery: time.Hour})
	batcher.Start(context.Background())

	for i := 0; i < 4; i++ {
		batcher.Add(point("zabbix.stop", float64(i)))
	}

	if err := batcher.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if total := transport.totalPoints(); total != 4 {
		t.Errorf("Expected 4 points flushed on stop, got %d", total)
	}
}

func TestStopAfterContextCancellation(t *testing.T) {
	transport := &mockTransport{}
	batcher := New(transport, Config{MaxBatchSize: 100, FlushEvery: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	batcher.Start(ctx)

	for i := 0; i < 3; i++ {
		batcher.Add(point("zabbix.cancel", float64(i)))
	}
	cancel()

	done := make(chan error, 1)
	go func() { done <- batcher.Stop() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Stop() failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop() hung after context cancellation")
	}

	// Pending points still go out after the loop context is gone.
	if total := transport.totalPoints(); total != 3 {
		t.Errorf("Expected 3 points, got %d", total)
	}
}

func TestSendFailureIsSticky(t *testing.T) {
	sendErr := errors.New("connection reset by peer")
	transport := &mockTransport{sendErr: sendErr}
	batcher := New(transport, Config{MaxBatchSize: 2, FlushEvery: time.Hour})
	batcher.Start(context.Background())

	batcher.Add(point("zabbix.fail", 1))
	batcher.Add(point("zabbix.fail", 2)) // full batch, sent in the background

	time.Sleep(100 * time.Millisecond)

	if err := batcher.Add(point("zabbix.fail", 3)); !errors.Is(err, sendErr) {
		t.Errorf("Add() after failed send = %v, want %v", err, sendErr)
	}
	if err := batcher.Flush(); !errors.Is(err, sendErr) {
		t.Errorf("Flush() = %v, want %v", err, sendErr)
	}
	if err := batcher.Stop(); !errors.Is(err, sendErr) {
		t.Errorf("Stop() = %v, want %v", err, sendErr)
	}
}

func TestFlushEmpty(t *testing.T) {
	transport := &mockTransport{}
	batcher := New(transport, Config{MaxBatchSize: 100, FlushEvery: 5 * time.Second})

	if err := batcher.Flush(); err != nil {
		t.Errorf("Flush() on empty batcher should not error, got: %v", err)
	}
	if batches := transport.getBatches(); len(batches) != 0 {
		t.Errorf("Expected 0 batches, got %d", len(batches))
	}
}

func BenchmarkAdd(b *testing.B) {
	batcher := New(&mockTransport{}, Config{MaxBatchSize: 1000, FlushEvery: time.Second})
	batcher.Start(context.Background())
	defer batcher.Stop()

	p := point("zabbix.bench", 1)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		batcher.Add(p)
	}
}
