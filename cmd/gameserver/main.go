// Package main provides the arena server binary: the session orchestrator
// behind Telnet, WebSocket and gRPC transports.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/cory-johannsen/arena/internal/broker"
	"github.com/cory-johannsen/arena/internal/config"
	"github.com/cory-johannsen/arena/internal/game"
	"github.com/cory-johannsen/arena/internal/game/duel"
	"github.com/cory-johannsen/arena/internal/handlers"
	"github.com/cory-johannsen/arena/internal/observability"
	"github.com/cory-johannsen/arena/internal/orchestrator"
	"github.com/cory-johannsen/arena/internal/scripting"
	"github.com/cory-johannsen/arena/internal/server"
	"github.com/cory-johannsen/arena/internal/storage/postgres"
	"github.com/cory-johannsen/arena/internal/transport/grpcapi"
	"github.com/cory-johannsen/arena/internal/transport/telnet"
	"github.com/cory-johannsen/arena/internal/transport/websocket"
)

// dbHealthInterval is the period of the database health check.
const dbHealthInterval = 30 * time.Second

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = observability.Sync(logger) }()

	catalog, err := loadCatalog(cfg.Orchestrator, logger)
	if err != nil {
		logger.Fatal("loading queue catalog", zap.Error(err))
	}
	logger.Info("queue catalog loaded",
		zap.Strings("queues", catalog.Names()),
	)

	lifecycle := server.NewLifecycle(logger, cfg.Server.StopTimeout)
	opts := []orchestrator.Option{orchestrator.WithTokenLength(cfg.Orchestrator.TokenLength)}
	var commandOpts []handlers.Option

	if cfg.Database.Enabled {
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database, cfg.Server.Name)
		if err != nil {
			logger.Fatal("connecting to database", zap.Error(err))
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		matches := postgres.NewMatchRepository(pool.DB(), cfg.Server.Name, logger)
		opts = append(opts, orchestrator.WithObserver(matches))
		commandOpts = append(commandOpts, handlers.WithHistory(matches))
		lifecycle.Add("postgres", &server.FuncService{
			StartFn: func(ctx context.Context) error {
				return pool.Watch(ctx, dbHealthInterval, logger)
			},
			StopFn: func(context.Context) error {
				pool.Close()
				return nil
			},
		})
	}

	if cfg.NATS.Enabled {
		nc, err := broker.Connect(cfg.NATS, cfg.Server.Name, logger)
		if err != nil {
			logger.Fatal("connecting to nats", zap.Error(err))
		}
		opts = append(opts, orchestrator.WithObserver(broker.NewEvents(nc, cfg.NATS.SubjectPrefix, cfg.Server.Name, logger)))
		lifecycle.Add("nats", &server.FuncService{
			StopFn: func(context.Context) error {
				return drain(nc)
			},
		})
	}

	mgr := orchestrator.NewManager(catalog, logger, opts...)

	if cfg.Telnet.Enabled {
		lifecycle.Add("telnet", telnet.NewAcceptor(cfg.Telnet, telnet.NewHandler(mgr, logger, commandOpts...), logger))
	}
	if cfg.WebSocket.Enabled {
		lifecycle.Add("websocket", websocket.NewServer(cfg.WebSocket, mgr, logger, commandOpts...))
	}
	if cfg.GRPC.Enabled {
		lifecycle.Add("grpc", grpcapi.NewServer(cfg.GRPC, mgr, logger, commandOpts...))
	}

	// Registered last so it stops first: sessions drain while transports
	// can still deliver their final payloads.
	lifecycle.Add("orchestrator", &server.FuncService{
		StopFn: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, cfg.Orchestrator.ShutdownTimeout)
			defer cancel()
			return mgr.SafeStop(stopCtx)
		},
	})

	logger.Info("arena server initialized",
		zap.Duration("startup", time.Since(start)),
		zap.Bool("telnet", cfg.Telnet.Enabled),
		zap.Bool("websocket", cfg.WebSocket.Enabled),
		zap.Bool("grpc", cfg.GRPC.Enabled),
	)

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// loadCatalog reads every queue definition in cfg.QueuesDir and binds it to
// the built-in duel rules or a Lua script under cfg.ScriptsDir.
func loadCatalog(cfg config.OrchestratorConfig, logger *zap.Logger) (*game.Catalog, error) {
	defs, err := game.LoadQueueDefs(cfg.QueuesDir)
	if err != nil {
		return nil, err
	}
	if len(defs) == 0 {
		return nil, fmt.Errorf("no queue definitions in %s", cfg.QueuesDir)
	}
	library := scripting.NewLibrary(cfg.ScriptsDir, scripting.DefaultInstructionLimit, logger)
	kinds := map[string]game.Kind{
		"duel":             duel.Kind,
		scripting.KindName: library.Kind,
	}
	return game.BuildCatalog(defs, kinds, cfg.DefaultTicksPerSecond)
}

// drain flushes pending publishes and closes nc.
func drain(nc *nats.Conn) error {
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}
