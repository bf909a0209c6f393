package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/handlers"
)

// Server hosts the Arena service on a gRPC server. It implements server.Service.
type Server struct {
	cfg    config.GRPCConfig
	svc    *Service
	grpc   *grpc.Server
	logger *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	stopped  bool
}

// NewServer creates a gRPC server exposing backend. opts configure the command
// dispatcher shared by Session and Command.
//
// Precondition: backend and logger must be non-nil.
func NewServer(cfg config.GRPCConfig, backend Backend, logger *zap.Logger, opts ...handlers.Option) *Server {
	svc := NewService(backend, logger, opts...)
	gs := grpc.NewServer()
	RegisterArenaServer(gs, svc)
	return &Server{
		cfg:    cfg,
		svc:    svc,
		grpc:   gs,
		logger: logger,
	}
}

// Start listens on the configured address and serves until Stop is called or
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until Stop is called or ctx is cancelled.
//
// Postcondition: lis is closed when Serve returns.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return lis.Close()
	}
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("gRPC server listening",
		zap.String("addr", lis.Addr().String()),
	)

	stop := context.AfterFunc(ctx, func() {
		s.svc.Close()
		s.grpc.Stop()
	})
	defer stop()

	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving gRPC: %w", err)
	}
	return nil
}

// Stop ends every Session stream and drains in-flight calls, forcing the
// server down if ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	s.svc.Close()
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("gRPC server stopped", zap.Duration("elapsed", time.Since(start)))
		return nil
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
		return fmt.Errorf("draining gRPC calls: %w", ctx.Err())
	}
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
