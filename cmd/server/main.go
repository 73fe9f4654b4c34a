package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/stockwise/trading-engine/internal/api"
	"github.com/stockwise/trading-engine/internal/clock"
	"github.com/stockwise/trading-engine/internal/config"
	"github.com/stockwise/trading-engine/internal/events"
	"github.com/stockwise/trading-engine/internal/leaderboard"
	"github.com/stockwise/trading-engine/internal/ledger"
	"github.com/stockwise/trading-engine/internal/logging"
	"github.com/stockwise/trading-engine/internal/market"
	"github.com/stockwise/trading-engine/internal/orders"
	"github.com/stockwise/trading-engine/internal/portfolio"
	"github.com/stockwise/trading-engine/internal/scheduler"
	"github.com/stockwise/trading-engine/internal/store"
	"github.com/stockwise/trading-engine/internal/trade"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "trading-engine:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Initialize store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool, cfg.Trading.LockTimeout)
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		st = pg
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	// --- Redis: history cache, price feed, ranked board ---
	var oracle market.PriceOracle
	var board leaderboard.Board
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		if cfg.Database.URL != "" {
			st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL)
			logger.Info("Redis cache enabled", zap.Duration("ttl", cfg.Redis.CacheTTL))
		}
		oracle = market.NewRedisOracle(rdb)
		board = leaderboard.NewRedisBoard(rdb)
	} else {
		logger.Warn("REDIS_URL not set, using in-memory prices and leaderboard (no live quotes)")
		oracle = market.NewStaticOracle()
		board = leaderboard.NewMemoryBoard()
	}

	// --- Events ---
	hub := events.NewHub(logger)
	go hub.Run(ctx)
	publishers := events.Multi{hub}
	if len(cfg.Kafka.Brokers) > 0 {
		kp := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		cleanup = append(cleanup, func() { kp.Close() })
		publishers = append(publishers, kp)
		logger.Info("Kafka event stream enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// --- Market ---
	hours, err := cfg.MarketClock()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// --- Core services ---
	l := ledger.New(st, logger, ledger.WithLockTimeout(cfg.Trading.LockTimeout))
	exec := trade.NewExecutor(l, oracle, hours, logger,
		trade.WithQuoteTimeout(cfg.Trading.QuoteTimeout),
		trade.WithQuoteMaxAge(cfg.Trading.QuoteMaxAge),
		trade.WithPublisher(publishers),
	)
	orderSvc := orders.NewService(st, l, publishers, logger)
	matcher := orders.NewMatcher(st, exec, publishers, logger)
	valuator := portfolio.NewValuator(l, oracle, cfg.Trading.QuoteTimeout, logger)
	snapshots := portfolio.NewSnapshotJob(st, valuator, loc, logger)
	ranker := leaderboard.NewRanker(st, valuator, board, hours, clock.Real{}, logger)

	// --- Background jobs ---
	sched := scheduler.New(clock.Real{}, logger)
	sched.Add(orders.JobName, scheduler.Every(cfg.Jobs.OrderInterval), matcher.Tick)
	sched.Add(leaderboard.JobName, scheduler.Every(cfg.Jobs.LeaderboardInterval), ranker.Tick)
	at := cfg.SnapshotTime()
	sched.Add(portfolio.SnapshotJobName, scheduler.DailyAt(at.Hour, at.Minute, loc), snapshots.RunToday)
	sched.Start(ctx)

	// --- HTTP ---
	srv := api.New(api.Deps{
		Store:     st,
		Ledger:    l,
		Executor:  exec,
		Orders:    orderSvc,
		Valuator:  valuator,
		Snapshots: snapshots,
		Ranker:    ranker,
		Hub:       http.HandlerFunc(hub.HandleWS),
		Market:    hours,
		Location:  loc,
		Clock:     clock.Real{},
		Jobs:      sched,
		Logger:    logger,
	}, api.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
		RequestTimeout: cfg.HTTP.RequestTimeout,
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.HTTP.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("trading-engine listening", zap.String("port", cfg.App.Port), zap.String("env", cfg.App.Env))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			sched.Wait()
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown.
	logger.Info("shutting down trading-engine...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	sched.Wait()
	logger.Info("trading-engine stopped")
	return nil
}
