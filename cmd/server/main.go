// Package main is the entrypoint for the DocVal API server and worker.
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

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/docval/docval/internal/analyze"
	"github.com/docval/docval/internal/api"
	"github.com/docval/docval/internal/api/handler"
	mw "github.com/docval/docval/internal/api/middleware"
	"github.com/docval/docval/internal/api/response"
	"github.com/docval/docval/internal/cache"
	"github.com/docval/docval/internal/config"
	"github.com/docval/docval/internal/dispatch"
	"github.com/docval/docval/internal/queue"
	"github.com/docval/docval/internal/quota"
	"github.com/docval/docval/internal/reaper"
	"github.com/docval/docval/internal/storage"
	"github.com/docval/docval/internal/store"
	"github.com/docval/docval/internal/worker"
	"github.com/docval/docval/pkg/models"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "ai_provider", cfg.AI.Provider, "env", cfg.Server.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache and work queue
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	workQueue, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.QueueKey)
	if err != nil {
		return fmt.Errorf("create work queue: %w", err)
	}
	defer workQueue.Close()

	// 5. Document and report storage
	docStorage, err := storage.NewLocalStore(cfg.Storage.Root)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}

	// 6. Create extraction provider and valuation pipeline
	extractor, err := analyze.NewExtractor(cfg.AI)
	if err != nil {
		return fmt.Errorf("create extractor: %w", err)
	}
	slog.Info("extraction provider initialized", "provider", extractor.Name(), "model", extractor.Model())

	pipeline := analyze.NewPipeline(extractor, docStorage, cfg.AI.InferenceTimeout)

	// 7. Create store, ledger, dispatcher
	pgStore := store.NewPostgresStore(pool)
	ledger := quota.NewLedger(pgStore, func() int { return cfg.Quota.MonthlyLimit })
	dispatcher := dispatch.NewDispatcher(pgStore, ledger, workQueue, redisCache)

	if err := ensureBootstrapKey(ctx, pgStore, cfg.Auth.BootstrapKey); err != nil {
		return fmt.Errorf("bootstrap api key: %w", err)
	}

	// 8. Start the worker pool and the stale-report reaper
	runner := worker.NewRunner(workQueue, pgStore, redisCache, pipeline,
		cfg.Worker.Concurrency, cfg.Worker.DequeueTimeout)
	go runner.Run(ctx)

	sweeper := reaper.New(pgStore, redisCache, reaper.Config{
		Interval:      cfg.Reaper.Interval,
		ReportTimeout: cfg.Reaper.ReportTimeout,
	})
	go sweeper.Run(ctx)

	// 9. Build router with dependencies
	auth := mw.NewAuth(pgStore)
	rateLimit := mw.NewRateLimit(redisCache, 60)

	deps := api.Dependencies{
		Auth:      auth,
		RateLimit: rateLimit,

		HealthHandler: healthHandler(pgStore, redisCache),

		SubmitReportHandler: handler.NewSubmitReportHandler(docStorage, dispatcher),
		GetReportHandler:    handler.NewGetReportHandler(pgStore),
		ListReportsHandler:  handler.NewListReportsHandler(pgStore),
		ReportResultHandler: handler.NewReportResultHandler(pgStore, docStorage),
		UsageHandler:        handler.NewUsageHandler(ledger),

		CreateKeyHandler: handler.NewCreateKeyHandler(pgStore),
		ListKeysHandler:  handler.NewListKeysHandler(pgStore),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(pgStore),
	}

	router := api.NewRouter(deps)

	// 10. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

const bootstrapKeyPrefixLen = 8

// ensureBootstrapKey provisions the first admin API key from configuration.
// Keys are otherwise only minted through the admin endpoints, which sit
// behind admin auth themselves, so a fresh deployment needs this to get its
// first credential. The key is created only while its prefix is unused;
// restarts are no-ops and rotation goes through the admin API.
func ensureBootstrapKey(ctx context.Context, s store.Store, rawKey string) error {
	if rawKey == "" {
		return nil
	}

	prefix := rawKey[:bootstrapKeyPrefixLen]
	existing, err := s.GetAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("look up bootstrap key: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash bootstrap key: %w", err)
	}

	now := time.Now().UTC()
	key := &models.APIKey{
		ID:        uuid.New(),
		OwnerID:   uuid.New(),
		Name:      "bootstrap-admin",
		KeyHash:   string(hash),
		KeyPrefix: prefix,
		Scopes:    []string{"admin", "reports"},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("create bootstrap key: %w", err)
	}

	slog.Info("bootstrap admin key provisioned", "key_prefix", prefix, "owner_id", key.OwnerID)
	return nil
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
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
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
