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
	"strconv"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/archive"
	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/limits"
	"github.com/atmx/settlement-engine/internal/lock"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/resolution"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/stream"
	"github.com/atmx/settlement-engine/internal/trade"
)

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("settlement-engine stopped with error", "err", err)
		os.Exit(1)
	}
	fmt.Println("settlement-engine stopped")
}

func run(ctx context.Context, cfg *config.Config) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		slog.Info("connected to Redis")
	}

	// --- Initialize store ---
	var st store.Store
	if cfg.Postgres.DSN != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
		if err != nil {
			return fmt.Errorf("invalid postgres dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Postgres.MaxConns)
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)

		pg := store.NewPostgresStore(pool, cfg.Postgres.LockTimeout.Duration)
		if cfg.Postgres.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if rdb != nil {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
			slog.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.Duration.String())
		}
	} else {
		slog.Warn("postgres dsn not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Entity locks ---
	var locker lock.Locker = lock.NewLocal(cfg.Lock.Wait.Duration)
	if rdb != nil {
		locker = lock.NewRedis(rdb, cfg.Lock.TTL.Duration, cfg.Lock.Wait.Duration)
		slog.Info("using Redis entity locks")
	}

	// --- Events ---
	hub := stream.NewHub()
	publishers := stream.Multi{hub}
	if rdb != nil {
		publishers = append(publishers, stream.NewRedisPublisher(rdb, cfg.Redis.Channel))
	}

	// --- Settlement archive ---
	var archiver archive.Archiver = archive.Nop{}
	if cfg.S3.Enabled {
		s3a, err := archive.NewS3(ctx, archive.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			Prefix:         cfg.S3.Prefix,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return err
		}
		archiver = s3a
		slog.Info("settlement archive enabled", "bucket", cfg.S3.Bucket)
	}

	// --- Position limits ---
	var limiter *limits.PositionLimiter
	if cfg.Limits.MaxPerMarket.IsPositive() || cfg.Limits.MaxOpenStake.IsPositive() {
		limiter = limits.NewPositionLimiter(cfg.Limits.MaxPerMarket, cfg.Limits.MaxOpenStake)
	}

	// --- Services ---
	marketSvc := market.NewService(st)
	ledgerSvc := ledger.NewService(st, locker)
	tradeSvc := trade.NewService(st, locker, limiter, cfg.HouseAccount, publishers)
	resolver := resolution.NewService(st, locker, cfg.HouseAccount, publishers, archiver)

	if open, err := marketSvc.List(ctx, ptr(false)); err == nil {
		metrics.ActiveMarkets.Set(float64(len(open)))
	}

	router := api.NewRouter(api.NewHandler(marketSvc, tradeSvc, resolver, ledgerSvc), api.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout.Duration,
		CORSOrigins:    cfg.Server.CORSOrigins,
		WS:             hub.HandleWS,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:        ":" + strconv.Itoa(cfg.Server.Port),
		Handler:     router,
		ReadTimeout: cfg.Server.RequestTimeout.Duration,
		IdleTimeout: 60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(ctx)
	})

	g.Go(func() error {
		slog.Info("settlement-engine listening", "port", cfg.Server.Port, "house", cfg.HouseAccount)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down settlement-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	return g.Wait()
}

func ptr[T any](v T) *T { return &v }
