// Package websocket serves the client protocol as JSON text frames over
// WebSocket. Every outbound payload is one frame.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/handlers"
)

const (
	// maxMessageSize bounds a single client frame.
	maxMessageSize = 4096
	// outboxSize bounds the payloads queued for a slow client.
	outboxSize = 256
)

// Server upgrades HTTP requests on the configured path and runs one client
// per connection. It implements server.Service.
type Server struct {
	cfg        config.WebSocketConfig
	backend    handlers.Backend
	dispatcher *handlers.Dispatcher
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	clients  sync.WaitGroup
	stopped  bool
}

// NewServer creates a WebSocket server.
//
// Precondition: backend and logger must be non-nil.
func NewServer(cfg config.WebSocketConfig, backend handlers.Backend, logger *zap.Logger, opts ...handlers.Option) *Server {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		backend:    backend,
		dispatcher: handlers.NewDispatcher(backend, logger, opts...),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the HTTP routes: the upgrade endpoint on the configured
// path and a read-only GET /queues listing.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.serveWS)
	mux.HandleFunc("GET /queues", s.serveQueues)
	return mux
}

// Start listens on the configured address and serves until Stop is called or
// ctx is cancelled.
//
// Postcondition: Returns nil after a clean shutdown.
func (s *Server) Start(ctx context.Context) error {
	start := time.Now()

	listener, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return listener.Close()
	}
	s.srv = srv
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info("websocket server listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", s.cfg.Path),
		zap.Duration("startup", time.Since(start)),
	)

	stop := context.AfterFunc(ctx, func() { _ = srv.Close() })
	defer stop()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving websocket: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down, closes every client connection and waits
// for their goroutines to exit.
//
// Postcondition: Returns nil once all clients are gone, or an error if ctx
// expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.srv
	s.mu.Unlock()

	s.cancel()
	var errs []error
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutting down http server: %w", err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.clients.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for websocket clients: %w", ctx.Err()))
	}

	s.logger.Info("websocket server stopped")
	return errors.Join(errs...)
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		http.Error(w, "server stopping", http.StatusServiceUnavailable)
		return
	}
	s.clients.Add(1)
	s.mu.Unlock()
	defer s.clients.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err),
		)
		return
	}
	newClient(s, conn).run(s.ctx)
}

func (s *Server) serveQueues(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{"queues": handlers.Queues(s.backend)}); err != nil {
		s.logger.Debug("writing queue listing", zap.Error(err))
	}
}
