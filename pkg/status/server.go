// Package status serves the bridge's own health, state and Prometheus
// metrics, plus a websocket tail of forwarded points.
package status

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nicktill/zbxbridge/pkg/config"
	"github.com/nicktill/zbxbridge/pkg/dispatch"
	"github.com/nicktill/zbxbridge/pkg/httpx"
	"github.com/nicktill/zbxbridge/pkg/poller"
)

// Reporter exposes a snapshot of the poll loop
type Reporter interface {
	Status() poller.Status
}

// Config wires a Server. Everything but Reporter is optional.
type Config struct {
	Addr     string
	Reporter Reporter
	Tracker  *dispatch.CardinalityTracker
	Gatherer prometheus.Gatherer

	// Registerer receives the request metrics of the server itself.
	Registerer prometheus.Registerer
	Hub        *TailHub
	Logger     *zap.Logger
}

// Server is the status HTTP server
type Server struct {
	cfg     Config
	logger  *zap.Logger
	started time.Time
	router  *mux.Router
}

// New builds the server and its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Addr == "" {
		cfg.Addr = config.DefaultStatusAddr
	}
	s := &Server{
		cfg:     cfg,
		logger:  cfg.Logger.Named("status"),
		started: time.Now(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	if s.cfg.Registerer != nil {
		router.Use(httpx.Middleware(s.cfg.Registerer))
	}
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	if s.cfg.Hub != nil {
		api.Handle("/tail", s.cfg.Hub).Methods(http.MethodGet)
	}

	if s.cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	return router
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  config.StatusReadTimeout,
		WriteTimeout: config.StatusWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", zap.String("addr", s.cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.StatusShutdownWindow)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("status server shutdown", zap.Error(err))
		return err
	}
	return nil
}

type healthResponse struct {
	Status string             `json:"status"`
	State  poller.State       `json:"state"`
	Uptime string             `json:"uptime"`
	Cycle  poller.CycleStatus `json:"cycle"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Reporter.Status()
	resp := healthResponse{
		Status: "healthy",
		State:  st.State,
		Uptime: time.Since(s.started).Round(time.Second).String(),
		Cycle:  st.Health,
	}
	code := http.StatusOK
	if !st.Health.Healthy || st.State != poller.StateRunning {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	httpx.RespondJSON(w, code, resp)
}

type statusResponse struct {
	poller.Status
	Uptime      string                     `json:"uptime"`
	Cardinality *dispatch.CardinalityStats `json:"cardinality,omitempty"`
	TailClients int                        `json:"tail_clients"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status: s.cfg.Reporter.Status(),
		Uptime: time.Since(s.started).Round(time.Second).String(),
	}
	if s.cfg.Tracker != nil {
		stats := s.cfg.Tracker.Stats()
		resp.Cardinality = &stats
	}
	if s.cfg.Hub != nil {
		resp.TailClients = s.cfg.Hub.Clients()
	}
	httpx.RespondJSON(w, http.StatusOK, resp)
}
