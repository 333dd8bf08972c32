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

	"github.com/athlex/market-engine/internal/auth"
	"github.com/athlex/market-engine/internal/config"
	"github.com/athlex/market-engine/internal/engine"
	"github.com/athlex/market-engine/internal/events"
	"github.com/athlex/market-engine/internal/lock"
	"github.com/athlex/market-engine/internal/metrics"
	"github.com/athlex/market-engine/internal/ratelimit"
	"github.com/athlex/market-engine/internal/report"
	"github.com/athlex/market-engine/internal/risk"
	"github.com/athlex/market-engine/internal/store"
	"github.com/athlex/market-engine/internal/trade"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var locker lock.Locker
	var statsCache report.StatsCache
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		if err := pool.Ping(ctx); err != nil {
			slog.Error("database ping failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// Redis adds the read-through cache and a lock shared across instances.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })

		cached := store.NewCachedStore(st, rdb, cfg.CacheTTL)
		st, statsCache = cached, cached
		locker = lock.NewRedisLocker(rdb, cfg.LockTTL)
		slog.Info("Redis cache and lock enabled", "cache_ttl", cfg.CacheTTL, "lock_ttl", cfg.LockTTL)
	}

	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Event fan-out ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)
	publishers := events.Multi{wsHub}

	if cfg.Kafka.Broker != "" {
		kp := events.NewKafkaPublisher(cfg.Kafka.Broker, cfg.Kafka.Topic, logger)
		cleanup = append(cleanup, func() {
			if err := kp.Close(); err != nil {
				slog.Error("kafka close failed", "err", err)
			}
		})
		publishers = append(publishers, kp)
		slog.Info("Kafka publishing enabled", "broker", cfg.Kafka.Broker, "topic", cfg.Kafka.Topic)
	}

	// --- Engine ---
	var limiter *risk.CommitmentLimiter
	if cfg.MaxPendingCommitmentRatio.IsPositive() {
		limiter = risk.NewCommitmentLimiter(cfg.MaxPendingCommitmentRatio)
	}
	eng := engine.New(engine.Options{
		Store:     st,
		Locker:    locker,
		Publisher: publishers,
		Limiter:   limiter,
		MaxSupply: cfg.MaxTotalSupply,
		Logger:    logger,
	})
	if pools, err := st.ListPools(ctx); err == nil {
		metrics.ActivePools.Set(float64(len(pools)))
	}

	tradeSvc := trade.NewService(eng, st, report.NewService(st, statsCache))

	authn := auth.New(cfg.JWTSecret)
	if authn.Insecure() {
		slog.Warn("JWT_SECRET not set, trusting the " + auth.Header + " header")
	}
	throttle := ratelimit.New(cfg.OrderRate, cfg.OrderBurst)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.Header)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time fills and price moves. Long
		// lived, so it sits outside the request timeout.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			tradeSvc.Routes(r, authn.Middleware, throttle.Middleware)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("market-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down market-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("market-engine stopped")
}
