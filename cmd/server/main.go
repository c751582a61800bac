package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/predictly/market-engine/internal/config"
	"github.com/predictly/market-engine/internal/lock"
	"github.com/predictly/market-engine/internal/logging"
	"github.com/predictly/market-engine/internal/metrics"
	ratelimit "github.com/predictly/market-engine/internal/middleware"
	"github.com/predictly/market-engine/internal/store"
	"github.com/predictly/market-engine/internal/trade"
)

func main() {
	os.Exit(serve())
}

// serve runs the engine and returns the process exit code. Deferred
// cleanup, including the log file flush, runs before main exits.
func serve() int {
	configPath := flag.String("config", "market-engine.toml", "path to TOML config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("market-engine exited", "err", err)
		return 1
	}
	fmt.Println("market-engine stopped")
	return 0
}

func run(ctx context.Context, cfg *config.Config) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	switch cfg.DatabaseDriver() {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("parse database url: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Database.PoolMaxConns)
		poolCfg.MinConns = int32(cfg.Database.PoolMinConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	case "sqlite":
		sq, err := store.OpenSQLite(store.SQLitePath(cfg.Database.URL))
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		cleanup = append(cleanup, func() { sq.Close() })
		st = sq
		slog.Info("using SQLite store", "path", store.SQLitePath(cfg.Database.URL))
	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis cache + distributed lock ---
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
		locker = lock.NewRedisLocker(rdb)
		slog.Info("Redis cache and trade lock enabled")
	}

	// --- WebSocket hub ---
	wsHub := trade.NewWSHub()

	// --- Trade service ---
	tradeSvc := trade.NewService(st, locker, wsHub, trade.Options{
		MaxRetries:     cfg.Trade.MaxRetries,
		RetryBackoff:   cfg.Trade.RetryBackoff.Duration,
		LockTTL:        cfg.Trade.LockTTL.Duration,
		CommitTimeout:  cfg.Trade.CommitTimeout.Duration,
		DefaultB:       decimal.NewFromFloat(cfg.Market.DefaultB),
		DefaultFeeRate: decimal.NewFromFloat(cfg.Market.DefaultFeeRate),
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      newRouter(cfg, tradeSvc, wsHub),
		ReadTimeout:  cfg.Server.ReadTimeout.Duration,
		WriteTimeout: cfg.Server.WriteTimeout.Duration,
		IdleTimeout:  cfg.Server.IdleTimeout.Duration,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wsHub.Run(ctx)
	})
	g.Go(func() error {
		slog.Info("market-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down market-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, svc *trade.Service, hub *trade.WSHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS for frontend cross-origin requests.
	r.Use(cors.New(cors.Options{
		AllowedOrigins: cfg.Server.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}).Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"market-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket connections are long-lived and sit outside the
		// request timeout.
		r.Get("/ws", hub.HandleWS)

		r.Group(func(r chi.Router) {
			if cfg.Server.RequestTimeout.Duration > 0 {
				r.Use(middleware.Timeout(cfg.Server.RequestTimeout.Duration))
			}
			if cfg.Server.RateLimit > 0 {
				r.Use(ratelimit.RateLimit(ratelimit.NewRateLimiter(cfg.Server.RateLimit, cfg.Server.RateBurst)))
			}
			trade.NewHandler(svc).Routes(r)
		})
	})

	return r
}
