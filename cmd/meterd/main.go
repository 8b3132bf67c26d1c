package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/coinsight/meterd/config"
	"github.com/coinsight/meterd/internal/api"
	"github.com/coinsight/meterd/internal/costs"
	"github.com/coinsight/meterd/internal/ledger"
	"github.com/coinsight/meterd/internal/limits"
	"github.com/coinsight/meterd/internal/metrics"
	"github.com/coinsight/meterd/internal/quota"
	"github.com/coinsight/meterd/internal/reconcile"
	"github.com/coinsight/meterd/internal/report"
	"github.com/coinsight/meterd/internal/seeder"
	"github.com/coinsight/meterd/internal/telemetry"
	"github.com/coinsight/meterd/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// 3. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("meterd", cfg)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer()

	// 4. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("PostgreSQL connected")

	// 5. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("Redis connected")

	// 6. Bootstrap schema if RUN_MIGRATE=true
	if os.Getenv("RUN_MIGRATE") == "true" {
		if err := seeder.Migrate(ctx, pool, logger); err != nil {
			logger.Fatal("migration failed", zap.Error(err))
		}
	}

	// 7. Init stores
	usageLedger := ledger.NewPostgresStore(pool)
	limitDefaults := limits.Defaults{
		MonthlyLimit:   cfg.DefaultMonthlyLimit,
		DailyLimit:     cfg.DefaultDailyLimit,
		HourlyRequests: cfg.DefaultHourlyRequests,
	}
	limitStore := limits.NewCachedStore(limits.NewPostgresStore(pool, limitDefaults), rdb, logger)

	// 8. Init enforcer and reporting
	estimator := costs.NewEstimator(cfg.CostPer1KTokens)
	journal := reconcile.NewRedisJournal(rdb)
	tracer := otel.GetTracerProvider().Tracer("meterd")
	enforcer := quota.NewEnforcer(usageLedger, limitStore, estimator, journal, quota.Options{
		AlertThreshold: cfg.UsageAlertThreshold,
		AdminUserIDs:   cfg.AdminUserIDs,
	}, tracer, logger)
	reporter := report.NewReporter(usageLedger)

	// 9. Init transport throttle
	throttle := ratelimit.NewLimiter(rdb, cfg.ThrottleRPM)

	// 10. Init handler
	handler := api.NewHandler(enforcer, limitStore, reporter, logger)

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(api.Identity())

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"meterd"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Core routes
	r.Group(func(r chi.Router) {
		r.Use(api.Throttle(throttle, logger))
		r.Post("/v1/quota/check", handler.HandleCheck)
		r.Post("/v1/usage", handler.HandleRecord)
		r.Get("/v1/users/{userID}/summary", handler.HandleSummary)
		r.Get("/v1/users/{userID}/breakdown", handler.HandleBreakdown)
	})

	// Admin routes
	r.Group(func(r chi.Router) {
		r.Use(api.AdminOnly(cfg.AdminUserIDs))
		r.Put("/v1/admin/users/{userID}/limits", handler.HandleSetLimits)
		r.Get("/v1/admin/top-users", handler.HandleTopUsers)
		r.Get("/v1/admin/stats", handler.HandleStats)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("meterd starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}
