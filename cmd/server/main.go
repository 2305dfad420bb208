/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the payroll engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL)
  4. Pick the month lock (Redis when REDIS_ADDR is set)
  5. Build ledger, orchestrator, API handler and router
  6. Start the outbox relay when KAFKA_BROKERS is set
  7. Serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides APP_PORT)
  -db      SQLite database path (overrides SQLITE_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the outbox relay
  4. Close database and broker connections

EXAMPLES:
  # Local, file database
  ./server -db="./data/payroll.db"

  # PostgreSQL with Redis lock and Kafka events
  DB_DRIVER=postgres DATABASE_URL=postgres://... \
  REDIS_ADDR=localhost:6379 KAFKA_BROKERS=localhost:9092 ./server

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
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

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/warp/payroll-engine/advance"
	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/lock"
	"github.com/warp/payroll-engine/messaging/kafka"
	"github.com/warp/payroll-engine/messaging/outbox"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/postgres"
	"github.com/warp/payroll-engine/store/sqlite"
)

type store interface {
	generic.TxStore
	Close() error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// Flags
	port := flag.Int("port", cfg.App.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Database.SQLitePath, "SQLite database path")
	flag.Parse()
	cfg.App.Port = *port
	cfg.Database.SQLitePath = *dbPath

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped with error", zap.Error(err))
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.IsDevelopment() {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.App.LogLevel != "" {
		level, err := zapcore.ParseLevel(cfg.App.LogLevel)
		if err != nil {
			return nil, err
		}
		zcfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer st.Close()

	// Month lock
	var locker lock.Locker = lock.NewLocal()
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		locker = lock.NewRedis(rdb, cfg.Redis.LockTTL)
		logger.Info("using redis month lock", zap.String("addr", cfg.Redis.Addr), zap.Duration("ttl", cfg.Redis.LockTTL))
	}

	ledger := advance.NewLedger(st, advance.WithLogger(logger.Named("advance.ledger")))
	orch := payroll.NewOrchestrator(st, payroll.Options{
		Ledger:        ledger,
		Locker:        locker,
		Logger:        logger,
		CommitTimeout: cfg.Payroll.CommitTimeout,
		Concurrency:   cfg.Payroll.Concurrency,
		EventTopic:    cfg.Kafka.Topic,
	})

	// Outbox relay
	relayDone := make(chan struct{})
	if len(cfg.Kafka.Brokers) > 0 {
		writer := kafka.NewWriter(cfg.Kafka.Brokers...)
		defer writer.Close()
		relay := outbox.NewRelay(st, kafka.NewPublisher(writer), cfg.Kafka.PollInterval, logger)
		go func() {
			defer close(relayDone)
			relay.Run(ctx)
		}()
		logger.Info("outbox relay started", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	} else {
		close(relayDone)
		logger.Info("KAFKA_BROKERS not set, run events stay in the outbox")
	}

	handler := api.NewHandler(st, orch, logger)
	router := api.NewRouter(handler, nil)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.App.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Payroll.CommitTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.App.Port),
			zap.String("env", cfg.App.Env),
			zap.String("db_driver", cfg.Database.Driver),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	stop()
	<-relayDone
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store, error) {
	if cfg.Database.Driver == config.DriverPostgres {
		pg, err := postgres.New(ctx, cfg.DatabaseURL(), logger)
		if err != nil {
			return nil, err
		}
		return pg, nil
	}
	lite, err := sqlite.New(cfg.Database.SQLitePath)
	if err != nil {
		return nil, err
	}
	return lite, nil
}
