// cmd/historian/main.go pops game events from the Redis queue and persists
// them to PostgreSQL in batches.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jason-s-yu/verdict/internal/config"
	"github.com/jason-s-yu/verdict/internal/database"
	"github.com/jason-s-yu/verdict/internal/eventlog"
	"github.com/jason-s-yu/verdict/internal/historian"
	"github.com/jason-s-yu/verdict/internal/metrics"
)

const shutdownTimeout = 5 * time.Second

func main() {
	logger := logrus.New()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	}
	if cfg.Postgres.URL == "" || cfg.Redis.Addr == "" {
		logger.Fatal("historian needs both POSTGRES_URL and REDIS_ADDR")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Postgres.URL, database.Options{
		MaxConns:         cfg.Postgres.MaxConns,
		StatementTimeout: cfg.Postgres.StatementTimeout,
	}, logger)
	if err != nil {
		logger.Fatalf("failed to connect to database: %v", err)
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatalf("failed to migrate: %v", err)
	}

	rdb, err := eventlog.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("failed to connect to redis: %v", err)
	}
	defer rdb.Close()

	queue := eventlog.NewQueue(rdb, cfg.Redis.Queue)
	svc := historian.New(
		queue,
		database.NewEventWriter(pool),
		cfg.Historian.BatchSize,
		cfg.Historian.FlushDelay,
		logger,
	)

	m := metrics.New()
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Historian.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.Run(ctx) })
	g.Go(func() error {
		return historian.WatchBacklog(ctx, queue, cfg.Historian.BacklogInterval, m, logger)
	})
	g.Go(func() error {
		logger.Infof("serving metrics on %s", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Fatalf("historian exited: %v", err)
	}
}
