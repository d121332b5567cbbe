// Package ops serves the operator HTTP endpoints: health, Prometheus
// metrics, a websocket feed of route bindings, and optional pprof.
package ops

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	httppprof "net/http/pprof"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/koltyakov/addr/internal/routes"
)

const (
	shutdownTimeout = 5 * time.Second
	healthTimeout   = 2 * time.Second
	wsWriteTimeout  = 10 * time.Second
	wsPingInterval  = 30 * time.Second
	watchBuffer     = 64
)

// HealthChecker reports whether a backing dependency is usable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Config controls the ops listener.
type Config struct {
	Addr  string
	Pprof bool
}

// Deps are the sources the endpoints read from. Any may be nil.
type Deps struct {
	Health   HealthChecker
	Feed     *routes.Feed
	Gatherer prometheus.Gatherer
	Log      *slog.Logger
}

// Server is the ops HTTP surface.
type Server struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New returns a Server.
func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Server{cfg: cfg, deps: deps, log: log}
}

// Handler returns the routing mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.deps.Feed != nil {
		mux.HandleFunc("/v1/routes/watch", s.handleWatch)
	}
	if s.cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", httppprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", httppprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", httppprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", httppprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", httppprof.Trace)
	}
	return mux
}

// Start binds cfg.Addr and serves until ctx is canceled. It returns after
// the listener is bound so address conflicts fail fast. An empty address
// disables the listener and returns a nil address.
func (s *Server) Start(ctx context.Context) (net.Addr, error) {
	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		return nil, nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		s.log.Info("ops listening", "addr", ln.Addr().String(), "pprof", s.cfg.Pprof)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("ops server error", "err", err)
		}
	}()

	return ln.Addr(), nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()
		if err := s.deps.Health.Ping(ctx); err != nil {
			s.log.Warn("health check failed", "err", err)
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleWatch streams every committed binding as a JSON text message until
// the client disconnects.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	events, cancel := s.deps.Feed.Subscribe(watchBuffer)
	defer cancel()
	s.log.Debug("route watcher connected", "remote", r.RemoteAddr)

	// Reading is required to process control frames and notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case b, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(b); err != nil {
				s.log.Debug("route watcher write failed", "err", err)
				return
			}
		}
	}
}
