package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/zbxbridge/pkg/dispatch"
	"github.com/nicktill/zbxbridge/pkg/observability"
	"github.com/nicktill/zbxbridge/pkg/poller"
	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
)

type staticReporter struct {
	status poller.Status
}

func (r staticReporter) Status() poller.Status { return r.status }

func healthyStatus() poller.Status {
	return poller.Status{
		State:  poller.StateRunning,
		Cycles: 3,
		Streams: []poller.StreamStatus{
			{Name: "float", Table: "history", Checkpoint: 1700000000, Limit: 10000},
			{Name: "integer", Table: "history_uint", Checkpoint: 1700000005, Limit: 10000},
		},
		Health: poller.CycleStatus{Healthy: true},
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		status poller.Status
		code   int
		want   string
	}{
		{name: "healthy", status: healthyStatus(), code: http.StatusOK, want: "healthy"},
		{name: "no cycle yet", status: poller.Status{State: poller.StateRunning}, code: http.StatusServiceUnavailable, want: "unhealthy"},
		{
			name: "terminated",
			status: func() poller.Status {
				st := healthyStatus()
				st.State = poller.StateTerminated
				return st
			}(),
			code: http.StatusServiceUnavailable,
			want: "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(Config{Reporter: staticReporter{tt.status}})
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body["status"])
		})
	}
}

func TestStatus(t *testing.T) {
	tracker := dispatch.NewCardinalityTracker(100)
	tracker.Record("zabbix.cpu.load", "web.01")
	tracker.Record("zabbix.cpu.load", "web.02")

	srv := New(Config{Reporter: staticReporter{healthyStatus()}, Tracker: tracker})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State       string `json:"state"`
		Cycles      int    `json:"cycles"`
		Streams     []poller.StreamStatus
		Cardinality dispatch.CardinalityStats `json:"cardinality"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "running", body.State)
	assert.Equal(t, 3, body.Cycles)
	require.Len(t, body.Streams, 2)
	assert.EqualValues(t, 1700000005, body.Streams[1].Checkpoint)
	assert.Equal(t, 2, body.Cardinality.TotalSeries)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := observability.New(reg)
	m.ObserveStream("float", 4, 3, 1, time.Millisecond)

	srv := New(Config{Reporter: staticReporter{healthyStatus()}, Gatherer: reg, Registerer: reg})
	srv.Handler().ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `zbxbridge_points_forwarded_total{stream="float"} 3`)
	assert.Contains(t, rec.Body.String(), `zbxbridge_http_requests_total{method="GET",route="/health",status="200"} 1`)
}

func TestNotFound(t *testing.T) {
	srv := New(Config{Reporter: staticReporter{healthyStatus()}})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/tail", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTail(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewTailHub(nil)
	go hub.Run(ctx)

	srv := New(Config{Reporter: staticReporter{healthyStatus()}, Hub: hub, Registerer: prometheus.NewRegistry()})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// nothing is queued without clients
	hub.Publish(metrics.Point{Name: "zabbix.dropped", Value: 1, Timestamp: 1, Host: "h"})

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/tail"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		io.Copy(io.Discard, resp.Body)
	}

	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	hub.Publish(metrics.Point{Name: "zabbix.cpu.load", Value: 0.5, Timestamp: 1700000000, Host: "web.01"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var p metrics.Point
	require.NoError(t, json.Unmarshal(msg, &p))
	assert.Equal(t, "zabbix.cpu.load", p.Name)
	assert.Equal(t, 0.5, p.Value)
	assert.Equal(t, "web.01", p.Host)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/status", nil))
	assert.Contains(t, rec.Body.String(), `"tail_clients":1`)
}

func TestRunShutsDown(t *testing.T) {
	srv := New(Config{Addr: "127.0.0.1:0", Reporter: staticReporter{healthyStatus()}})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestTailPingsDuringBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := NewTailHub(nil)
	hub.pingInterval = time.Millisecond
	go hub.Run(ctx)

	ts := httptest.NewServer(hub)
	defer ts.Close()

	pings := make(chan struct{}, 1)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetPingHandler(func(string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return nil
	})

	require.Eventually(t, hub.HasClients, 2*time.Second, 10*time.Millisecond)

	received := make(chan int, 1)
	go func() {
		n := 0
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				received <- n
				return
			}
			n++
		}
	}()

	for i := 0; i < 2000; i++ {
		hub.Publish(metrics.Point{Name: "zabbix.cpu.load", Value: float64(i), Timestamp: 1700000000, Host: "web.01"})
		if i%100 == 0 {
			time.Sleep(time.Millisecond)
		}
	}

	select {
	case <-pings:
	case <-time.After(2 * time.Second):
		t.Fatal("no ping received")
	}
	assert.Greater(t, <-received, 0)
	assert.True(t, hub.HasClients())
}
