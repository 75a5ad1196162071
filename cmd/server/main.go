package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/atmx/binary-exchange/internal/config"
	"github.com/atmx/binary-exchange/internal/events"
	"github.com/atmx/binary-exchange/internal/exchange"
	"github.com/atmx/binary-exchange/internal/matching"
	"github.com/atmx/binary-exchange/internal/metrics"
	"github.com/atmx/binary-exchange/internal/store"
	"github.com/atmx/binary-exchange/internal/trade"
)

func main() {
	configPath := flag.String("config", os.Getenv("EXCHANGE_CONFIG"), "path to TOML configuration file (optional)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			slog.Error("invalid redis url", "err", err)
			os.Exit(1)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("redis connection failed", "err", err)
			os.Exit(1)
		}
	}

	if cfg.Database.URL != "" {
		pool, err := store.Connect(ctx, store.PoolConfig{
			URL:      cfg.Database.URL,
			MaxConns: cfg.Database.MaxConns,
			MinConns: cfg.Database.MinConns,
		})
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if cfg.Database.RunMigrations {
			if err := store.RunMigrations(ctx, pool); err != nil {
				slog.Error("migrations failed", "err", err)
				os.Exit(1)
			}
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration.String())
		}
	} else {
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range lo.Reverse(cleanup) {
			fn()
		}
	}()

	// --- WebSocket hub and event delivery ---
	wsHub := trade.NewWSHub()
	go wsHub.Run(ctx)

	var publisher events.Publisher
	if rdb != nil {
		// Every instance publishes to and relays from the shared channel.
		bus := events.NewRedisBus(rdb, cfg.Redis.EventChannel)
		go func() {
			if err := bus.Run(ctx, wsHub.Notify); err != nil && ctx.Err() == nil {
				slog.Error("event relay stopped", "err", err)
			}
		}()
		publisher = bus
		slog.Info("Redis event bus enabled", "channel", cfg.Redis.EventChannel)
	} else {
		publisher = events.NewLocal(wsHub.Notify)
	}

	// --- Exchange engine ---
	engine := exchange.New(st, exchange.Config{
		MaxRetries:           cfg.Exchange.MaxRetries,
		RetryBackoff:         cfg.Exchange.RetryBackoff.Duration,
		InitialBalance:       cfg.Exchange.InitialBalance,
		SelfTrade:            matching.SelfTradePolicy(strings.ToLower(cfg.Exchange.SelfTradePolicy)),
		MaxPositionPerMarket: cfg.Exchange.MaxPositionPerMarket,
	}, exchange.WithPublisher(publisher))

	tradeSvc := trade.NewService(engine, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
	r.Use(metrics.Middleware)
	r.Use(cors(cfg.Server.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"binary-exchange"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", tradeSvc.Mount)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	go func() {
		slog.Info("binary-exchange listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	slog.Info("shutting down binary-exchange...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("binary-exchange stopped")
}

// cors allows cross-origin requests from the configured origins; "*" allows
// any origin.
func cors(origins []string) func(http.Handler) http.Handler {
	allowAll := lo.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case allowAll:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && lo.Contains(origins, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
