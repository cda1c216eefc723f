package status

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nicktill/zbxbridge/pkg/config"
	"github.com/nicktill/zbxbridge/pkg/sdk/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// no Origin header means a non-browser client
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// TailHub streams forwarded points to websocket clients.
type TailHub struct {
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	logger     *zap.Logger

	pingInterval time.Duration

	mu sync.RWMutex
}

// NewTailHub creates a hub. Call Run to start it.
func NewTailHub(logger *zap.Logger) *TailHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TailHub{
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		broadcast:  make(chan []byte, config.WSBroadcastBuffer),
		logger:     logger.Named("tail"),

		pingInterval: config.WSPingInterval,
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *TailHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.clients = make(map[*websocket.Conn]bool)
			h.mu.Unlock()
			return
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("tail client connected", zap.Int("clients", count))
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("tail client disconnected", zap.Int("clients", count))
		case message := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					h.logger.Debug("tail write failed", zap.Error(err))
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			// unregister outside the lock; the channel is drained by this loop
			for _, conn := range failed {
				h.mu.Lock()
				if _, ok := h.clients[conn]; ok {
					delete(h.clients, conn)
					conn.Close()
				}
				h.mu.Unlock()
			}
		}
	}
}

// Publish queues p for every connected client. It never blocks: with no
// clients it is a no-op and a full queue drops the point.
func (h *TailHub) Publish(p metrics.Point) {
	if !h.HasClients() {
		return
	}
	message, err := json.Marshal(p)
	if err != nil {
		h.logger.Warn("tail encode failed", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.logger.Debug("tail queue full, dropping point", zap.String("name", p.Name))
	}
}

// HasClients returns true if any websocket client is connected
func (h *TailHub) HasClients() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients) > 0
}

// Clients returns the number of connected clients
func (h *TailHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and keeps the connection until the client
// goes away.
func (h *TailHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	h.register <- conn

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(h.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// WriteControl may run alongside the hub's broadcast writes
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(config.WSWriteDeadline)); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// only control frames are expected from clients
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("tail client error", zap.Error(err))
			}
			return
		}
	}
}
