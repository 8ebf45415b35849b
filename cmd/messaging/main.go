package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/delivery-pipeline/internal/api"
	"github.com/LeventeLantos/delivery-pipeline/internal/cache"
	"github.com/LeventeLantos/delivery-pipeline/internal/config"
	"github.com/LeventeLantos/delivery-pipeline/internal/consumer"
	"github.com/LeventeLantos/delivery-pipeline/internal/metrics"
	"github.com/LeventeLantos/delivery-pipeline/internal/model"
	"github.com/LeventeLantos/delivery-pipeline/internal/policy"
	"github.com/LeventeLantos/delivery-pipeline/internal/poller"
	"github.com/LeventeLantos/delivery-pipeline/internal/provider"
	"github.com/LeventeLantos/delivery-pipeline/internal/queue"
	"github.com/LeventeLantos/delivery-pipeline/internal/recovery"
	"github.com/LeventeLantos/delivery-pipeline/internal/repo"
	"github.com/LeventeLantos/delivery-pipeline/internal/scheduler"
)

const (
	shutdownTimeout = 10 * time.Second
	gaugeInterval   = 15 * time.Second
)

type store interface {
	repo.MessageRepository
	repo.Locker
}

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		log.Fatal(err)
	}
	initLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("messaging app stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("messaging app starting",
		"addr", cfg.Server.Address,
		"store", cfg.Store.Driver,
		"provider", cfg.Provider.Mode,
		"poll_interval", cfg.Poller.Interval.String(),
		"batch", cfg.Poller.BatchSize,
		"workers", cfg.Consumer.Workers,
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}

	st, checks, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	q := queue.NewRedisQueue(rdb, queue.RedisConfig{
		KeyPrefix:         cfg.Queue.KeyPrefix,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		MaxDeliveries:     cfg.Queue.MaxDeliveries,
	})
	checks["redis"] = q.Ping

	var sent cache.SentCache
	if cfg.Redis.SentTTL > 0 {
		sent = cache.NewRedisCache(rdb, cfg.Redis.SentTTL)
	}

	pol := policy.New(policy.Config{
		MinAddressLength: cfg.Policy.MinAddressLength,
		UTCOffsetHours:   cfg.Policy.UTCOffsetHours,
		WindowStartHour:  cfg.Policy.WindowStartHour,
		WindowEndHour:    cfg.Policy.WindowEndHour,
	})

	cons := consumer.New(st, pol, newProvider(cfg.Provider), consumer.Config{
		MaxAttempts:     cfg.Consumer.MaxAttempts,
		ProviderTimeout: cfg.Provider.Timeout,
	})
	if sent != nil {
		cons.WithSentCache(sent)
	}
	runner := consumer.NewRunner(q, cons, consumer.RunnerConfig{
		Workers:       cfg.Consumer.Workers,
		RatePerSecond: cfg.Consumer.RatePerSecond,
		HandleTimeout: cfg.Queue.VisibilityTimeout,
	})

	poll := poller.New(st, q, poller.Config{
		BatchSize: cfg.Poller.BatchSize,
		LockKey:   cfg.Poller.LockKey,
	}).WithLocker(st)

	pollSched, err := scheduler.New("poller", cfg.Poller.Interval, func(ctx context.Context) error {
		_, err := poll.Tick(ctx)
		if errors.Is(err, poller.ErrTickInProgress) {
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}

	sweeper := recovery.New(st, q, recovery.Config{
		StaleAfter:  cfg.Recovery.StaleAfter,
		BatchSize:   cfg.Recovery.BatchSize,
		MaxAttempts: cfg.Consumer.MaxAttempts,
		LockKey:     cfg.Recovery.LockKey,
	}).WithLocker(st)
	recoverySched, err := scheduler.New("recovery", cfg.Recovery.Interval, func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	})
	if err != nil {
		return err
	}

	gaugeSched, err := scheduler.New("gauges", gaugeInterval, func(ctx context.Context) error {
		return collectGauges(ctx, st, q)
	})
	if err != nil {
		return err
	}

	h := api.NewHandler(pollSched, poll, st, q).WithContentMax(cfg.Policy.ContentMax)
	for name, check := range checks {
		h.WithReadinessCheck(name, check)
	}
	if sent != nil {
		h.WithSentCache(sent)
	}

	apiSrv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.Server.MetricsAddress,
		Handler:           metricsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	for _, s := range []*scheduler.Scheduler{pollSched, recoverySched, gaugeSched} {
		s.Start()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return serve(apiSrv) })
	g.Go(func() error { return serve(metricsSrv) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		for _, s := range []*scheduler.Scheduler{pollSched, recoverySched, gaugeSched} {
			s.Stop()
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(apiSrv.Shutdown(shutdownCtx), metricsSrv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store, map[string]api.CheckFunc, func(), error) {
	checks := make(map[string]api.CheckFunc)

	if cfg.Driver == config.StoreDriverMemory {
		slog.Warn("using in-memory store, records are lost on restart")
		return repo.NewMemoryStore(), checks, func() {}, nil
	}

	if cfg.AutoMigrate {
		if err := repo.Migrate(cfg.PostgresURL); err != nil {
			return nil, nil, nil, err
		}
	}

	pool, err := repo.Connect(ctx, repo.PostgresConfig{
		URL:             cfg.PostgresURL,
		MaxConns:        cfg.MaxConns,
		ConnectAttempts: cfg.ConnectAttempts,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	pg := repo.NewPostgresMessageRepo(pool)
	checks["postgres"] = pg.Ping
	return pg, checks, pool.Close, nil
}

func newProvider(cfg config.ProviderConfig) provider.Provider {
	if cfg.Mode == config.ProviderModeSimulated {
		slog.Warn("using simulated delivery provider", "success_rate", cfg.SuccessRate)
		return provider.NewSimulated(cfg.SuccessRate, cfg.Delay)
	}
	return provider.NewWebhookClient(cfg.WebhookURL, provider.WithTimeout(cfg.Timeout))
}

func collectGauges(ctx context.Context, st repo.MessageRepository, q *queue.RedisQueue) error {
	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}
	metrics.SetQueueDepth(stats.Pending, stats.InFlight, stats.Dead)

	counts, err := st.CountByStatus(ctx)
	if err != nil {
		return err
	}
	for _, s := range model.Statuses() {
		metrics.SetRecordsByStatus(string(s), counts[s])
	}
	return nil
}

func serve(srv *http.Server) error {
	slog.Info("http server listening", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", srv.Addr, err)
	}
	return nil
}

func initLogger(cfg config.LogConfig) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler = slog.NewTextHandler(os.Stdout, opts)
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
