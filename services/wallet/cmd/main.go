// Package main is the entry point for Wallet Service
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/emarket-platform/pkg/clock"
	"github.com/emarket-platform/pkg/events"
	"github.com/emarket-platform/pkg/money"
	"github.com/emarket-platform/services/wallet/internal/audit"
	"github.com/emarket-platform/services/wallet/internal/cache"
	"github.com/emarket-platform/services/wallet/internal/config"
	"github.com/emarket-platform/services/wallet/internal/gateway"
	"github.com/emarket-platform/services/wallet/internal/grpcserver"
	"github.com/emarket-platform/services/wallet/internal/handler"
	"github.com/emarket-platform/services/wallet/internal/idempotency"
	"github.com/emarket-platform/services/wallet/internal/reconcile"
	"github.com/emarket-platform/services/wallet/internal/repository"
	"github.com/emarket-platform/services/wallet/internal/service"
)

const healthInterval = 15 * time.Second

func main() {
	cfg, err := config.Load()
	logger := setupLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting wallet service",
		"grpc_port", cfg.GRPCPort,
		"http_port", cfg.HTTPPort,
		"storage", cfg.Storage,
		"idempotency_backend", cfg.Idempotency.Backend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("wallet service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("wallet service stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	clk := clock.RealClock{}
	currency := money.Currency(cfg.Currency)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	checks := map[string]handler.Check{}

	// Storage
	var (
		store service.Store
		db    *sqlx.DB
	)
	switch cfg.Storage {
	case config.BackendPostgres:
		var err error
		if db, err = openDatabase(ctx, cfg.DatabaseURL); err != nil {
			return err
		}
		defer db.Close()
		logger.Info("connected to PostgreSQL")

		pg := repository.NewPostgresStore(db, clk)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		checks["database"] = pg.Ping
		store = pg
	default:
		logger.Warn("using in-memory storage; balances are lost on restart")
		store = repository.NewMemoryStore(clk)
	}

	// Redis
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		rdb = redis.NewClient(redisOpts)
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to Redis: %w", err)
		}
		logger.Info("connected to Redis")
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	var registry idempotency.Registry
	switch cfg.Idempotency.Backend {
	case config.BackendPostgres:
		registry = idempotency.NewPostgresRegistry(db, cfg.IdempotencySettings(), clk)
	case config.BackendRedis:
		registry = idempotency.NewRedisRegistry(rdb, cfg.IdempotencySettings(), clk)
	default:
		registry = idempotency.NewMemoryRegistry(cfg.IdempotencySettings(), clk)
	}

	// Events. The callback queue stays nil without a broker so the
	// reconciliation worker applies callbacks inline.
	var (
		publisher events.Publisher = events.NopPublisher{}
		queue     events.Publisher
		consumer  *events.RabbitMQConsumer
	)
	if cfg.RabbitMQURL != "" {
		p, err := events.NewRabbitMQPublisher(events.DefaultPublisherConfig(cfg.RabbitMQURL), logger)
		if err != nil {
			logger.Warn("failed to connect to RabbitMQ, events disabled", "error", err)
		} else {
			defer p.Close()
			publisher, queue = p, p

			consumer, err = events.NewRabbitMQConsumer(events.ConsumerConfig{
				URL:           cfg.RabbitMQURL,
				PrefetchCount: cfg.ConsumerPrefetch,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}
			defer consumer.Stop()
			logger.Info("connected to RabbitMQ")
		}
	}

	// Gateways
	var (
		verifiers []gateway.Verifier
		initiator gateway.Initiator
		poller    gateway.StatusPoller
	)
	if s := cfg.Gateways.Stripe; s.Enabled() {
		sg := gateway.NewStripeGateway(gateway.StripeConfig{
			APIKey:           s.APIKey,
			WebhookSecret:    s.WebhookSecret,
			WebhookTolerance: s.WebhookTolerance,
			ReturnURL:        s.ReturnURL,
			Currency:         currency,
		})
		verifiers = append(verifiers, sg)
		initiator, poller = sg, sg
	}
	for _, g := range cfg.Gateways.HMAC {
		verifiers = append(verifiers, gateway.NewHMACGateway(g.Name, g.Secret, currency))
	}

	// Ledger
	opts := []service.Option{service.WithMetrics(service.NewMetrics(reg))}
	if rdb != nil {
		opts = append(opts, service.WithBalanceCache(cache.NewRedisBalances(rdb, cfg.BalanceCacheTTL)))
	}
	if initiator != nil {
		opts = append(opts, service.WithGateway(initiator))
	}
	manager := service.NewManager(store, registry, audit.NewEmitter(publisher, clk, logger), clk, logger, cfg.LedgerSettings(), opts...)

	reconMetrics := reconcile.NewMetrics(reg)
	worker := reconcile.NewWorker(manager, queue, reconMetrics, logger, verifiers...)
	sweeper := reconcile.NewSweeper(manager, poller, clk, cfg.SweeperSettings(), reconMetrics, logger)
	purger := idempotency.NewPurger(registry, clk, cfg.Idempotency.PurgeInterval, cfg.Idempotency.PurgeBatch, logger)

	// Consumers
	if consumer != nil {
		if err := worker.Subscribe(consumer); err != nil {
			return fmt.Errorf("failed to subscribe callback worker: %w", err)
		}
		if cfg.ClickHouseDSN != "" {
			conn, err := audit.OpenClickHouse(ctx, cfg.ClickHouseDSN)
			if err != nil {
				return err
			}
			defer conn.Close()

			sink := audit.NewClickHouseSink(conn, cfg.ClickHouseTable, logger)
			if err := sink.EnsureTable(ctx); err != nil {
				return err
			}
			if err := sink.Subscribe(consumer); err != nil {
				return fmt.Errorf("failed to subscribe analytics sink: %w", err)
			}
			checks["clickhouse"] = conn.Ping
			logger.Info("connected to ClickHouse")
		}
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	} else if cfg.ClickHouseDSN != "" {
		logger.Warn("analytics sink needs RabbitMQ, ClickHouse disabled")
	}

	// Servers
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      handler.NewRouter(handler.NewWalletHandler(manager, worker, currency, logger), reg, checks, logger),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
	}

	grpcServer := grpcserver.New(func(ctx context.Context) error {
		for name, check := range checks {
			if err := check(ctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
		}
		return nil
	}, grpcserver.NewMetrics(reg), logger)
	grpcListener, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("gRPC server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(grpcListener); err != nil {
			return fmt.Errorf("gRPC server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return grpcServer.WatchHealth(gctx, healthInterval) })
	g.Go(func() error { return purger.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP shutdown error", "error", err)
		}
		grpcServer.Shutdown()
		return nil
	})
	return g.Wait()
}

func openDatabase(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
