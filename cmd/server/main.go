// Package main is the entrypoint for the Bubble Monitor ingestion server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kiranshivaraju/bubblemon/internal/api"
	"github.com/kiranshivaraju/bubblemon/internal/api/handler"
	mw "github.com/kiranshivaraju/bubblemon/internal/api/middleware"
	"github.com/kiranshivaraju/bubblemon/internal/api/response"
	"github.com/kiranshivaraju/bubblemon/internal/cache"
	"github.com/kiranshivaraju/bubblemon/internal/config"
	"github.com/kiranshivaraju/bubblemon/internal/enrich"
	"github.com/kiranshivaraju/bubblemon/internal/ingest"
	"github.com/kiranshivaraju/bubblemon/internal/metrics"
	"github.com/kiranshivaraju/bubblemon/internal/store"
	"github.com/kiranshivaraju/bubblemon/internal/store/memstore"
)

const (
	shutdownTimeout = 30 * time.Second
	// Pending notifications are best-effort once the server is down.
	notifierDrainTimeout = 10 * time.Second
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if err := run(level); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(level *slog.LevelVar) error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if level != nil {
		level.Set(cfg.Server.LogLevel)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "store", cfg.Database.Driver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Store
	s, closeStore, err := newStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	// 3. Optional Redis cache for rate limiting
	c, closeCache, err := newCache(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer closeCache()

	// 4. Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 5. Enrichment notifier
	notifier, closeNotifier := newNotifier(cfg.Enrich, m)

	// 6. Build router with dependencies
	proc := ingest.NewProcessor(s, notifier, m, ingest.Config{
		SampleRate:      cfg.Ingest.SampleRate,
		BreadcrumbBatch: cfg.Ingest.BreadcrumbBatch,
	}, nil)

	deps := api.Dependencies{
		SignatureAuth: mw.NewSignatureAuth(s, 0),
		Auth:          mw.NewAuth(s),
		RateLimit:     mw.NewRateLimit(c, cfg.Ingest.RateLimitPerMin, nil),

		IngestHandler:  handler.NewIngestHandler(proc, cfg.Ingest.MaxBatch, m),
		HealthHandler:  healthHandler(s, c),
		ListGroups:     handler.NewListGroupsHandler(s),
		GetGroup:       handler.NewGetGroupHandler(s),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		_ = closeNotifier(context.Background())
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// 8. Graceful shutdown: HTTP first so no new notifications are enqueued.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), notifierDrainTimeout)
	defer cancelDrain()
	if err := closeNotifier(drainCtx); err != nil {
		slog.Warn("enrichment queue not drained", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// newStore opens the configured store. For postgres it connects and applies
// migrations before returning.
func newStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, func(), error) {
	if cfg.Driver == config.StoreDriverMemory {
		slog.Warn("using in-memory store; data is lost on restart")
		return memstore.New(), func() {}, nil
	}

	pool, err := store.Connect(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.URL); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	return store.NewPostgresStore(pool), pool.Close, nil
}

// newCache connects to Redis when configured. A nil cache disables rate limiting.
func newCache(ctx context.Context, cfg config.RedisConfig) (cache.Cache, func(), error) {
	if cfg.URL == "" {
		slog.Info("REDIS_URL not set, rate limiting disabled")
		return nil, func() {}, nil
	}

	rc, err := cache.NewRedisCache(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("create redis cache: %w", err)
	}
	if err := rc.Ping(ctx); err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	return rc, func() { rc.Close() }, nil
}

// newNotifier builds the enrichment dispatcher, or a no-op when no webhook
// is configured. The returned func drains and stops it.
func newNotifier(cfg config.EnrichConfig, m *metrics.Metrics) (ingest.Notifier, func(context.Context) error) {
	if cfg.WebhookURL == "" {
		slog.Info("ENRICH_WEBHOOK_URL not set, new-group notifications disabled")
		return enrich.Nop{}, func(context.Context) error { return nil }
	}

	client := enrich.NewClient(cfg.WebhookURL, cfg.WebhookKey, cfg.Timeout)
	d := enrich.NewDispatcher(client, enrich.DispatcherConfig{
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
	}, m, nil)
	slog.Info("enrichment notifier started", "workers", cfg.Workers, "queue_size", cfg.QueueSize)

	return d, d.Close
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c == nil {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] == "degraded" || checks["cache"] == "degraded"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
