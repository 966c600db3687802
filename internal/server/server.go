// Package server exposes the runtime over HTTP: Prometheus metrics, a health
// probe and a WebSocket tap on the event bus.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nupi-ai/voiced/internal/eventbus"
	"github.com/nupi-ai/voiced/internal/runtime"
)

const readHeaderTimeout = 10 * time.Second

// HealthChecker probes the registered components.
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, []runtime.HealthReport)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger.Named("server")
		}
	}
}

// WithGatherer serves g on /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithHealth serves h on /healthz.
func WithHealth(h HealthChecker) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithEventBus streams bus traffic on /events.
func WithEventBus(bus *eventbus.Bus) Option {
	return func(s *Server) {
		s.bus = bus
	}
}

// WithAllowedOrigins accepts WebSocket upgrades from these origins in
// addition to the loopback ones.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = sanitizeOrigins(origins)
	}
}

// Server is the HTTP surface of the daemon. It is registered with the
// supervisor like any other component.
type Server struct {
	addr     string
	logger   *zap.Logger
	gatherer prometheus.Gatherer
	health   HealthChecker
	bus      *eventbus.Bus
	origins  []string

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}

	clientsMu sync.Mutex
	clients   map[*eventClient]struct{}
	closing   bool
	clientsWG sync.WaitGroup
}

// New creates a server listening on addr once started.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		logger:  zap.NewNop(),
		clients: make(map[*eventClient]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Name() string { return "server" }

// Handler returns the routing table. It is exported for tests and for
// embedding into another listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
			ErrorLog:      zap.NewStdLog(s.logger),
			ErrorHandling: promhttp.ContinueOnError,
		}))
	} else {
		mux.HandleFunc("GET /metrics", func(w http.ResponseWriter, _ *http.Request) {
			s.writeError(w, http.StatusServiceUnavailable, "metrics exporter not configured")
		})
	}
	return mux
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpServer != nil {
		return nil
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", zap.Error(err))
		}
	}()

	s.clientsMu.Lock()
	s.closing = false
	s.clientsMu.Unlock()

	s.httpServer, s.listener, s.serveDone = srv, ln, done
	s.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the listener down and disconnects every event stream.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.httpServer, s.serveDone
	s.httpServer, s.listener, s.serveDone = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	s.closeClients()

	waited := make(chan struct{})
	go func() {
		s.clientsWG.Wait()
		<-done
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return fmt.Errorf("server: shutdown: %w", ctx.Err())
	}
	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.httpServer != nil
}

func (s *Server) HealthCheck(context.Context) error {
	if !s.IsRunning() {
		return fmt.Errorf("server: not running")
	}
	return nil
}

// Addr returns the bound address, or "" while stopped.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// ClientCount returns the number of connected event streams.
func (s *Server) ClientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}
