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

	"github.com/atmx/position-engine/internal/config"
	"github.com/atmx/position-engine/internal/eventlog"
	"github.com/atmx/position-engine/internal/ledger"
	"github.com/atmx/position-engine/internal/metrics"
	"github.com/atmx/position-engine/internal/registry"
	"github.com/atmx/position-engine/internal/store"
	"github.com/atmx/position-engine/internal/trade"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := config.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				slog.Error("schema migration failed", "err", err)
				os.Exit(1)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL)
		}
	} else {
		slog.Warn("database url not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Instruments ---
	reg := registry.New(st, cfg.Operators)
	if err := reg.Bootstrap(ctx, cfg.Instruments); err != nil {
		slog.Error("instrument bootstrap failed", "err", err)
		os.Exit(1)
	}
	if len(cfg.Operators) == 0 {
		slog.Warn("no operators configured, administrative endpoints are disabled")
	}

	// --- Event sinks ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	sinks := []eventlog.Sink{wsHub}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaSink := eventlog.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		cleanup = append(cleanup, func() {
			if err := kafkaSink.Close(); err != nil {
				slog.Error("kafka writer close failed", "err", err)
			}
		})
		sinks = append(sinks, kafkaSink)
		slog.Info("Kafka event sink enabled", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
	} else {
		sinks = append(sinks, eventlog.LogSink{Logger: logger})
	}
	publisher := eventlog.NewPublisher(sinks...)

	// --- Ledger and HTTP service ---
	led := ledger.New(st, reg, cfg.Limiter(), publisher, cfg.LedgerConfig())
	svc := trade.NewService(led, reg)

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
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+trade.OperatorHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if led.Paused() {
			w.Write([]byte(`{"status":"paused","service":"position-engine"}`))
			return
		}
		w.Write([]byte(`{"status":"ok","service":"position-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for the live event stream. Mounted outside the
		// timeout group since connections are long-lived.
		r.Get("/ws", wsHub.HandleWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			svc.Routes(r)
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("position-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down position-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("position-engine stopped")
}
