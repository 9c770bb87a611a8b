package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/threatecho/internal/api/handler"
	"github.com/xela07ax/threatecho/internal/api/server"
	"github.com/xela07ax/threatecho/internal/connectors/feeds"
	"github.com/xela07ax/threatecho/internal/connectors/llm"
	"github.com/xela07ax/threatecho/internal/engine"
	"github.com/xela07ax/threatecho/internal/geo"
	"github.com/xela07ax/threatecho/internal/infra"
	"github.com/xela07ax/threatecho/internal/infra/auth"
	"github.com/xela07ax/threatecho/internal/logqueue"
	"github.com/xela07ax/threatecho/internal/repository/memory"
	"github.com/xela07ax/threatecho/internal/repository/postgres"
)

func runServe(ctx context.Context, configPath string) error {
	cfg, logger, err := bootstrap(configPath)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", zap.Error(err))
		return err
	}

	// 1. Хранилище: схема обязана подняться до старта циклов
	store, closeStore, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	if err := store.InitSchema(ctx); err != nil {
		return err
	}

	// 2. Redis нужен только очереди, блокировке цикла и каналу управления
	var rdb redis.UniversalClient
	if cfg.Queue.Backend == "redis" || cfg.Summarizer.CycleLock || cfg.Redis.Control {
		rdb, err = openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
	}

	queue, err := openQueue(cfg.Queue, rdb, logger)
	if err != nil {
		return err
	}

	// 3. Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := engine.NewMetrics(reg)

	// 4. Суммаризатор: провайдер + Reliability (rate limit, CB, retries)
	llmClient, err := llm.New(cfg.Summarizer)
	if err != nil {
		return err
	}
	summarizer := engine.NewReliabilityWrapper(llmClient, engine.ReliabilityFromConfig(cfg.Summarizer), metrics, logger)

	resolver, err := geo.NewResolver(cfg.Geo.Fallback)
	if err != nil {
		return err
	}

	// 5. Циклы
	lc := engine.NewLifecycle(logger)
	trimmer := engine.NewTrimmer(store, cfg.Retention.MaxEvents, metrics, logger)

	fetchers, err := buildFetchLoops(cfg.Feeds, store, trimmer, metrics, logger)
	if err != nil {
		return err
	}
	for _, f := range fetchers {
		lc.Add(f.Name(), f.Run)
	}

	dispatcher := engine.NewDispatcher(store, summarizer, resolver, queue, engine.DispatcherConfig{
		Interval:    cfg.Summarizer.Interval,
		BatchSize:   cfg.Summarizer.BatchSize,
		Concurrency: cfg.Summarizer.Concurrency,
	}, metrics, logger)
	if cfg.Summarizer.CycleLock {
		dispatcher.WithLock(engine.NewRedisLock(rdb, infra.RedisKeyLockDispatcher, cfg.Summarizer.LockTTL))
	}
	lc.Add(dispatcher.Name(), dispatcher.Run)

	if cfg.Redis.Control {
		router := engine.NewControlRouter(dispatcher, fetchers...)
		lc.Add("control", func(ctx context.Context) error {
			return engine.ListenControl(ctx, rdb, logger, infra.RedisChanControl, router)
		})
	}

	// 6. Read API
	opts := server.Options{AllowedOrigins: cfg.Server.AllowedOrigins}
	if len(cfg.Auth.PublicKey) > 0 {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		opts.Validator = auth.NewBaseValidator(pub)
	}
	api := server.NewAPIServer(handler.NewHandler(engine.NewPipeline(store, queue), cfg.Queue.DrainDefault, logger), opts, logger)

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 3)
	go func() {
		logger.Info("read API started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("http: %w", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	var health *engine.HealthServer
	if cfg.GRPC.HealthAddr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.HealthAddr)
		if err != nil {
			return fmt.Errorf("grpc health listen: %w", err)
		}
		health = engine.NewHealthServer(logger)
		go func() {
			if err := health.Serve(lis); err != nil {
				serveErr <- fmt.Errorf("grpc health: %w", err)
			}
		}()
	}

	lc.Start(ctx)
	if health != nil {
		health.SetServing()
	}
	logger.Info("threatecho started", zap.Strings("tasks", lc.Running()))

	// 7. Graceful Shutdown
	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-serveErr:
		logger.Error("server failed, shutting down", zap.Error(runErr))
	}

	grace := cfg.Lifecycle.ShutdownGrace
	if health != nil {
		health.SetNotServing()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	stopErr := lc.Stop(grace)
	if stopErr != nil {
		logger.Error("lifecycle stop", zap.Error(stopErr))
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if health != nil {
		health.Stop(shutdownCtx)
	}
	if l, ok := queue.(interface{ Close() }); ok {
		l.Close()
	}

	logger.Info("threatecho exited")
	return errors.Join(runErr, stopErr)
}

// openStore возвращает хранилище и функцию освобождения ресурсов.
func openStore(ctx context.Context, cfg infra.DatabaseConfig, logger *zap.Logger) (engine.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory event store, data is lost on restart")
		return memory.NewStore(), func() {}, nil
	case "postgres":
		repo, err := postgres.NewEventRepo(ctx, cfg, logger)
		if err != nil {
			return nil, nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := repo.Ping(pingCtx); err != nil {
			repo.Close()
			return nil, nil, fmt.Errorf("database unreachable: %w", err)
		}
		return repo, repo.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown database.driver %q", cfg.Driver)
}

func openRedis(ctx context.Context, cfg infra.RedisConfig) (redis.UniversalClient, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return rdb, nil
}

func openQueue(cfg infra.QueueConfig, rdb redis.UniversalClient, logger *zap.Logger) (logqueue.Queue, error) {
	if cfg.Backend == "redis" {
		return logqueue.NewRedis(rdb, infra.RedisKeyLogQueue, cfg.Capacity, logger)
	}
	return logqueue.NewMemory(cfg.Capacity)
}

func buildFetchLoops(cfg infra.FeedsConfig, store engine.Store, trimmer *engine.Trimmer, metrics *engine.Metrics, logger *zap.Logger) ([]*engine.FetchLoop, error) {
	type feed struct {
		conf infra.FeedConfig
		ing  engine.Ingestor
	}
	var all []feed
	if cfg.AbuseIPDB.Enabled {
		all = append(all, feed{cfg.AbuseIPDB.FeedConfig, feeds.NewAbuseIPDBClient(cfg.AbuseIPDB)})
	}
	if cfg.OTX.Enabled {
		all = append(all, feed{cfg.OTX.FeedConfig, feeds.NewOTXClient(cfg.OTX)})
	}

	loops := make([]*engine.FetchLoop, 0, len(all))
	for _, f := range all {
		filter, err := feeds.NewFilter(f.conf.Filter)
		if err != nil {
			return nil, fmt.Errorf("feed %s: %w", f.ing.Source(), err)
		}
		if filter.Enabled() {
			logger.Info("admission filter enabled", zap.String("source", string(f.ing.Source())), zap.String("expr", filter.String()))
		}
		loops = append(loops, engine.NewFetchLoop(f.ing, store, trimmer, filter, engine.FetchLoopConfig{
			Interval: f.conf.Interval,
			Timeout:  f.conf.Timeout,
			Attempts: f.conf.Attempts,
		}, metrics, logger))
	}
	return loops, nil
}
