// cmd/server/main.go
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
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jason-s-yu/verdict/internal/auth"
	"github.com/jason-s-yu/verdict/internal/broadcast"
	"github.com/jason-s-yu/verdict/internal/catalog"
	"github.com/jason-s-yu/verdict/internal/config"
	"github.com/jason-s-yu/verdict/internal/database"
	"github.com/jason-s-yu/verdict/internal/eventlog"
	"github.com/jason-s-yu/verdict/internal/game"
	"github.com/jason-s-yu/verdict/internal/handlers"
	"github.com/jason-s-yu/verdict/internal/metrics"
	"github.com/jason-s-yu/verdict/internal/presence"
	"github.com/jason-s-yu/verdict/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	logger := logrus.New()

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(lvl)
	} else {
		logger.Warnf("unknown log level %q, using info", cfg.LogLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	var (
		st  store.Store
		cat catalog.Catalog
	)
	if cfg.Postgres.URL != "" {
		pool, err := database.Connect(ctx, cfg.Postgres.URL, database.Options{
			MaxConns:         cfg.Postgres.MaxConns,
			StatementTimeout: cfg.Postgres.StatementTimeout,
		}, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			return err
		}
		st = database.NewStore(pool, logger)
		cat = database.NewCatalog(pool)
	} else {
		logger.Warn("POSTGRES_URL not set, using the in-memory store; sessions need custom cards")
		st = store.NewMemoryStore()
		cat = catalog.NewMemory()
	}

	var events eventlog.Log = eventlog.Discard{}
	if cfg.Redis.Addr != "" {
		rdb, err := eventlog.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer func(rdb *redis.Client) {
			if err := rdb.Close(); err != nil {
				logger.Warnf("failed to close redis client: %v", err)
			}
		}(rdb)
		events = eventlog.NewQueue(rdb, cfg.Redis.Queue)
		logger.Infof("appending game events to redis list %s", cfg.Redis.Queue)
	}

	signer, err := newSigner(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	tracker := presence.NewTracker()
	gateway := broadcast.NewGateway(logger, m)
	engine := game.NewEngine(game.Config{
		Store:    st,
		Catalog:  cat,
		Presence: tracker,
		Notifier: gateway,
		EventLog: events,
		Metrics:  m,
		Limits:   cfg.Game,
		Logger:   logger,
	})

	srv := handlers.NewServer(logger, engine, tracker, gateway, signer, m)
	srv.AllowedOrigins = cfg.HTTP.AllowedOrigins

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infof("Running on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return tracker.RunSweeper(ctx, cfg.Presence.SweepInterval, cfg.Presence.MaxAge, srv.OnStale)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newSigner(cfg config.Config) (*auth.Signer, error) {
	if cfg.Auth.PrivateKeyPath != "" {
		return auth.NewSignerFromFiles(cfg.Auth.PrivateKeyPath, cfg.Auth.PublicKeyPath, cfg.Auth.TokenTTL)
	}
	return auth.NewSigner(cfg.Auth.TokenTTL)
}
