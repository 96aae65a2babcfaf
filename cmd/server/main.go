package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/sharehub/share-ledger/internal/allocation"
	"github.com/sharehub/share-ledger/internal/api"
	"github.com/sharehub/share-ledger/internal/config"
	"github.com/sharehub/share-ledger/internal/fee"
	"github.com/sharehub/share-ledger/internal/limits"
	"github.com/sharehub/share-ledger/internal/logging"
	"github.com/sharehub/share-ledger/internal/metrics"
	"github.com/sharehub/share-ledger/internal/order"
	"github.com/sharehub/share-ledger/internal/pool"
	"github.com/sharehub/share-ledger/internal/referral"
	"github.com/sharehub/share-ledger/internal/stats"
	"github.com/sharehub/share-ledger/internal/store"
)

func main() {
	cfg, err := config.Load(os.Getenv("SHARELEDGER_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.ServiceName, cfg.Env)
	slog.SetDefault(logger)

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pgPool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pgPool.Close)
		pg := store.NewPostgresStore(pgPool, cfg.Tx.MaxRetries)
		if err := pg.Migrate(context.Background()); err != nil {
			slog.Error("migration failed", "err", err)
			os.Exit(1)
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid redis_url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
		}
	} else {
		slog.Warn("database_url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Ledger components ---
	project, admin, buyback, err := cfg.Allocation.Percentages()
	if err != nil {
		slog.Error("invalid allocation split", "err", err)
		os.Exit(1)
	}
	funds, err := allocation.NewFundAllocator([]allocation.Share{
		{Fund: allocation.FundProject, Pct: project},
		{Fund: allocation.FundAdmin, Pct: admin},
		{Fund: allocation.FundBuyback, Pct: buyback},
	}, logger)
	if err != nil {
		slog.Error("fund allocator", "err", err)
		os.Exit(1)
	}
	weekStart, err := config.ParseWeekday(cfg.Ledger.WeekStart)
	if err != nil {
		slog.Error("invalid week start", "week_start", cfg.Ledger.WeekStart, "err", err)
		os.Exit(1)
	}

	fees := fee.NewResolver(st, logger)
	enforcer := limits.NewEnforcer(st, cfg.Location(), weekStart, logger)
	tracker := referral.NewTracker(st, logger)
	engine := order.NewEngine(st, order.Deps{
		Fees:       fees,
		Limits:     enforcer,
		Referrals:  tracker,
		Funds:      funds,
		FeeRecords: allocation.NewFeeProcessor(logger),
		Settlement: order.SettlementPolicy{
			MaxAttempts: cfg.Settlement.MaxAttempts,
			RetryDelay:  cfg.Settlement.RetryDelay,
		},
	}, logger)
	ledger := pool.NewLedger(st, engine, logger)

	// --- WebSocket hub ---
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	wsHub := api.NewWSHub(logger)
	go wsHub.Run(hubCtx)

	handler := api.NewHandler(api.Services{
		Ledger:    ledger,
		Engine:    engine,
		Fees:      fees,
		Limits:    enforcer,
		Referrals: tracker,
		Stats:     stats.NewProjection(st, logger),
	}, wsHub, logger)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":%q}`, cfg.ServiceName)
	})

	r.Handle(cfg.MetricsPath, metrics.Handler())
	r.Route("/api/v1", handler.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		slog.Info("share-ledger listening", "port", cfg.HTTP.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down share-ledger...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	stopHub()
	slog.Info("share-ledger stopped")
}
