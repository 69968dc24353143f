package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/JonMunkholm/bulkops/internal/config"
	"github.com/JonMunkholm/bulkops/internal/engine"
	"github.com/JonMunkholm/bulkops/internal/logging"
	"github.com/JonMunkholm/bulkops/internal/store"
	"github.com/JonMunkholm/bulkops/internal/web"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"max_concurrent", cfg.Engine.MaxConcurrent,
		"database_enabled", cfg.Database.Enabled(),
		"rate_limit_enabled", cfg.Rate.Enabled,
	)

	ctx := context.Background()

	// The database sink is optional; without it history lives in memory only.
	var (
		sink    engine.Sink
		archive web.Archive
	)
	if cfg.Database.Enabled() {
		pool, err := connectPool(ctx, cfg)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		pgSink := store.NewPostgresSink(pool)
		if err := pgSink.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure history schema", "error", err)
			os.Exit(1)
		}
		sink = pgSink
		archive = pgSink
	}

	eng, err := engine.New(engine.Options{
		MaxConcurrent:    cfg.Engine.MaxConcurrent,
		MaxAuditEvents:   cfg.History.MaxAuditEvents,
		DefaultBatchSize: cfg.Engine.DefaultBatchSize,
		PromoteInterval:  cfg.Engine.PromoteInterval,
		Source:           store.NewMemorySource(),
		Sink:             sink,
	})
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Create cancellable context for the engine and background jobs
	jobCtx, cancelJobs := context.WithCancel(context.Background())

	if err := eng.Start(jobCtx); err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	go retentionLoop(jobCtx, cfg, eng, archive)

	server := web.NewServer(cfg, eng, archive)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stop accepting requests first, then drain running operations.
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
		if err := eng.Close(shutdownCtx); err != nil {
			slog.Warn("operations did not drain in time", "error", err)
		} else {
			slog.Info("all operations drained")
		}

		cancelJobs()
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// connectPool builds and verifies the PostgreSQL connection pool.
func connectPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	} else {
		slog.Info("connected to database")
	}
	return pool, nil
}

// retentionLoop periodically evicts old terminal operations from the
// registry and purges persisted events past the retention horizon.
func retentionLoop(ctx context.Context, cfg *config.Config, eng *engine.Engine, archive web.Archive) {
	ticker := time.NewTicker(cfg.History.CleanupInterval)
	defer ticker.Stop()

	purger, _ := archive.(interface {
		PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := eng.ClearCompleted(cfg.History.Retention)
			slog.Debug("retention sweep", "registry_removed", removed)

			if purger != nil {
				cutoff := time.Now().Add(-cfg.History.Retention)
				purged, err := purger.PurgeOlderThan(ctx, cutoff)
				if err != nil {
					slog.Warn("event purge failed", "error", err)
				} else if purged > 0 {
					slog.Info("purged persisted events", "rows", purged)
				}
			}
		}
	}
}
