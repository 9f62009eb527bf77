/*
main.go - Application entry point

PURPOSE:
  Starts the leave ledger API. Handles configuration, dependency injection,
  the outbox dispatcher and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration from the environment, apply flag overrides
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL) and migrate
  4. Pick the processing lock (Redis when REDIS_ADDR is set)
  5. Start the carry-over scheduler when CARRYOVER_AUTO is set
  6. Start the outbox dispatcher feeding the fanout hub
  7. Serve HTTP until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides APP_ADDR)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the dispatcher after its current batch
  4. Close the store

ENVIRONMENT:
  See config/config.go.

SEE ALSO:
  - api/server.go: Router configuration
  - outbox/dispatcher.go: Outbox relay
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	goredislib "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/leave-ledger/api"
	"github.com/warp/leave-ledger/config"
	"github.com/warp/leave-ledger/fanout"
	"github.com/warp/leave-ledger/leave"
	"github.com/warp/leave-ledger/lock"
	"github.com/warp/leave-ledger/metrics"
	"github.com/warp/leave-ledger/outbox"
	"github.com/warp/leave-ledger/store/postgres"
	"github.com/warp/leave-ledger/store/sqlite"
)

// store is what the server needs from either backend.
type store interface {
	leave.Store
	outbox.Repository
	Close() error
}

func main() {
	cfg := config.Load()

	// Flags
	port := flag.Int("port", 0, "HTTP server port (overrides APP_ADDR)")
	dbPath := flag.String("db", "", "SQLite database path (overrides SQLITE_PATH)")
	flag.Parse()
	if *port > 0 {
		cfg.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dbPath != "" {
		cfg.SQLitePath = *dbPath
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("store ready", zap.String("driver", cfg.DBDriver))

	var locker leave.Locker = lock.NewLocal()
	if cfg.RedisAddr != "" {
		client := goredislib.NewClient(&goredislib.Options{Addr: cfg.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		locker = lock.NewRedis(client, lock.DefaultRedisOptions())
		logger.Info("using redis processing lock", zap.String("addr", cfg.RedisAddr))
	}

	svcCfg := leave.DefaultConfig()
	svcCfg.TxRetryAttempts = cfg.TxRetryAttempts
	svcCfg.CarryOverWorkers = cfg.CarryOverWorkers
	svc := leave.NewService(st,
		leave.WithLogger(logger),
		leave.WithLocker(locker),
		leave.WithConfig(svcCfg))

	if cfg.CarryOverAuto {
		sched := leave.NewCarryOverScheduler(svc, cfg.CarryOverCheck)
		sched.Start(ctx)
		defer sched.Stop()
	}

	hub := fanout.NewHub(logger)
	mux := outbox.NewMux()
	mux.Handle(outbox.EventNotification, hub)
	mux.Handle(outbox.EventAttachmentRelease, attachmentReleaser(logger))

	dispatcher := outbox.NewDispatcher(st, mux, logger, outbox.DispatcherConfig{
		Interval:    cfg.OutboxInterval,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
	})
	dispatcher.Start(ctx)
	defer dispatcher.Stop()

	opts := api.RouterOptions{JWTSecret: cfg.JWTSecret, CORSOrigins: cfg.CORSOrigins}
	if cfg.MetricsEnabled {
		metrics.Register(prometheus.DefaultRegisterer)
		opts.Metrics = prometheus.DefaultGatherer
	}
	router := api.NewRouter(api.NewHandler(svc, hub, logger), opts)

	// WriteTimeout stays zero: /api/events holds its response open.
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr), zap.String("env", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (store, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return s, nil
	default:
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return s, nil
	}
}

// attachmentReleaser hands released attachment references to the file store.
// The file store is an external collaborator; here the release is logged so
// operators can reconcile it.
func attachmentReleaser(logger *zap.Logger) outbox.Publisher {
	return outbox.PublisherFunc(func(_ context.Context, e outbox.Event) error {
		logger.Info("attachment released",
			zap.String("request_id", e.AggregateID),
			zap.ByteString("payload", e.Payload))
		return nil
	})
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Environment == "production" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Encoding = "json"
	zc.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zc.DisableStacktrace = true

	var level zapcore.Level
	if err := level.Set(cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
