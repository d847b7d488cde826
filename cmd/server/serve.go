package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-approval-workflows/internal/client"
	"github.com/pesio-ai/be-approval-workflows/internal/common/config"
	"github.com/pesio-ai/be-approval-workflows/internal/common/logger"
	"github.com/pesio-ai/be-approval-workflows/internal/common/middleware"
	"github.com/pesio-ai/be-approval-workflows/internal/common/nats"
	"github.com/pesio-ai/be-approval-workflows/internal/domain"
	"github.com/pesio-ai/be-approval-workflows/internal/handler"
	"github.com/pesio-ai/be-approval-workflows/internal/repository"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/memory"
	"github.com/pesio-ai/be-approval-workflows/internal/repository/postgres"
	"github.com/pesio-ai/be-approval-workflows/internal/sequence"
	"github.com/pesio-ai/be-approval-workflows/internal/service"
)

func runServe(parent context.Context, configPath string) error {
	cfg, log, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approval Workflows Service")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := loadRegistry(cfg.Workflow)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	counter, closeCounter, err := openCounter(ctx, cfg, store, log)
	if err != nil {
		return err
	}
	defer closeCounter()

	dispatcher, closeDispatcher, err := openDispatcher(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeDispatcher()

	// Initialize services
	issuer := sequence.NewIssuer(counter, sequence.Config{
		MaxAttempts: cfg.Sequence.MaxAttempts,
		BaseDelay:   cfg.Sequence.BaseDelay,
	}, log)
	workflowService := service.NewWorkflowService(store, registry, issuer, dispatcher, log, cfg.Workflow.LinkBase)
	ledgerService := service.NewLedgerService(store, log)
	versionService := service.NewVersionService(store, registry)

	// Setup HTTP routes
	mux := http.NewServeMux()
	handler.NewHTTPHandler(workflowService, ledgerService, versionService, store, log).Register(mux)

	// Apply middleware
	var h http.Handler = mux
	h = middleware.RequestID(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.UnaryRecovery(&log.Logger),
		handler.UnaryRequestID(),
		handler.UnaryLogger(&log.Logger),
		handler.UnaryTimeout(cfg.Server.RequestTimeout),
	))
	grpcServer.RegisterService(&handler.WorkflowServiceDesc, handler.NewGRPCHandler(workflowService, ledgerService, log))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer) // Enable reflection for debugging

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		healthServer.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		return nil
	})

	err = g.Wait()
	log.Info().Msg("Server stopped")
	return err
}

func loadRegistry(cfg config.WorkflowConfig) (*domain.Registry, error) {
	if cfg.PolicyFile == "" {
		return domain.DefaultRegistry(), nil
	}
	data, err := os.ReadFile(cfg.PolicyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return domain.LoadPolicies(data)
}

func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, func(), error) {
	if cfg.Database.Memory {
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		return memory.NewStore(), func() {}, nil
	}

	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	store := postgres.NewStore(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	log.Info().Msg("Database connection established")
	return store, db.Close, nil
}

func openCounter(ctx context.Context, cfg *config.Config, store repository.Store, log *logger.Logger) (sequence.Counter, func(), error) {
	switch cfg.Sequence.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		// An unreachable Redis is not fatal: the issuer degrades numbers.
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis not reachable, document numbers may degrade")
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis sequence counter")
		return sequence.NewRedisCounter(rdb), func() { _ = rdb.Close() }, nil
	default:
		return sequence.NewStoreCounter(store), func() {}, nil
	}
}

func openDispatcher(ctx context.Context, cfg *config.Config, log *logger.Logger) (service.NotificationDispatcher, func(), error) {
	if !cfg.NATS.Enabled {
		log.Info().Msg("NATS disabled, notifications are logged only")
		return client.NewLogDispatcher(log), func() {}, nil
	}

	nc, err := nats.Connect(ctx, nats.Config{
		URL:      cfg.NATS.URL,
		Stream:   cfg.NATS.Stream,
		Subjects: []string{client.SubjectPrefix + ".>"},
		Name:     cfg.Service.Name,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	log.Info().Str("url", cfg.NATS.URL).Str("stream", cfg.NATS.Stream).Msg("NATS connection established")
	return client.NewNotificationPublisher(nc, client.BreakerConfig{}, log), nc.Close, nil
}
