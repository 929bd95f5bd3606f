package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"qms/branch-queue/internal/config"
	"qms/branch-queue/internal/dispatch"
	"qms/branch-queue/internal/httpapi"
	"qms/branch-queue/internal/lifecycle"
	"qms/branch-queue/internal/logger"
	"qms/branch-queue/internal/mirror"
	"qms/branch-queue/internal/models"
	"qms/branch-queue/internal/notify"
	"qms/branch-queue/internal/queue"
	"qms/branch-queue/internal/realtime"
	"qms/branch-queue/internal/scheduler"
	"qms/branch-queue/internal/store"
	"qms/branch-queue/internal/store/gormstore"
	"qms/branch-queue/internal/store/memory"
	"qms/branch-queue/internal/store/postgres"
	"qms/branch-queue/internal/telemetry"
)

const serviceName = "queue-core"

func main() {
	cfg := config.Load()

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("queue-core stopped", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := lifecycle.New(cfg.ShutdownTimeout, log)
	manager.Register("telemetry", telemetry.Setup(serviceName, log))

	repo, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	manager.Register("store", func(context.Context) error { return repo.Close() })

	catalog := config.DefaultCatalog()
	if cfg.CatalogPath != "" {
		catalog, err = config.LoadCatalog(cfg.CatalogPath)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
	}

	bus := dispatch.NewBus(dispatch.Config{
		Capacity:  cfg.ReplayBufferSize,
		MaxAge:    cfg.ReplayMaxAge,
		QueueSize: cfg.SessionQueueSize,
	}, log.Named("dispatch"))
	manager.Register("dispatch", func(context.Context) error {
		bus.Close()
		return nil
	})

	durations := scheduler.NewDurations(scheduler.DurationConfig{
		Defaults:   catalog.DefaultDurations(),
		SampleSize: cfg.EstimateSampleSize,
		MinSamples: cfg.EstimateMinSamples,
	}, log.Named("estimates"))

	tokens := queue.New(queue.Options{
		Repository:  repo,
		Catalog:     catalog,
		Durations:   durations,
		Publisher:   bus,
		Location:    cfg.Location(),
		LockTimeout: cfg.LockTimeout,
		AutoAdvance: cfg.AutoAdvance,
		Logger:      log.Named("queue"),
	})
	if err := tokens.SeedCounters(ctx); err != nil {
		return fmt.Errorf("seed counters: %w", err)
	}

	sweeper, err := tokens.StartSweeper(cfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	manager.Register("sweeper", func(ctx context.Context) error {
		select {
		case <-sweeper.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if cfg.RedisURL != "" {
		if err := startMirror(ctx, cfg, bus, manager, log.Named("mirror")); err != nil {
			return err
		}
	} else {
		log.Info("event mirror disabled, REDIS_URL not set")
	}

	if cfg.VAPIDPublicKey != "" && cfg.VAPIDPrivateKey != "" {
		startNotifier(ctx, cfg, bus, repo, manager, log.Named("push"))
	} else {
		log.Info("web push disabled, VAPID keys not set")
	}

	rt := realtime.NewServer(realtime.Options{
		Bus: bus,
		Identify: func(r *http.Request) (models.Identity, bool) {
			return httpapi.IdentityFromRequest(r, cfg.TrustQueryIdentity)
		},
		Status:    tokens.Get,
		Heartbeat: cfg.RealtimeHeartbeat,
		ResumeTTL: cfg.ResumeTTL,
		Logger:    log.Named("realtime"),
	})
	manager.Register("realtime", rt.Shutdown)

	handler := httpapi.NewHandler(httpapi.Options{
		Tokens:             tokens,
		Push:               repo,
		Health:             repo,
		Realtime:           rt.Handler(),
		VAPIDPublicKey:     cfg.VAPIDPublicKey,
		TrustQueryIdentity: cfg.TrustQueryIdentity,
		RateLimit: httpapi.RateLimitConfig{
			IPPerMinute:   cfg.RateLimitPerMinute,
			IPBurst:       cfg.RateLimitBurst,
			UserPerMinute: cfg.RateLimitPerMinute,
			UserBurst:     cfg.RateLimitBurst,
		},
		Location: cfg.Location(),
		Logger:   log.Named("http"),
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(handler.Routes(), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	manager.Register("http", server.Shutdown)

	serveErr := make(chan error, 1)
	go func() {
		log.Info("queue-core listening", zap.String("addr", server.Addr), zap.String("store", cfg.StoreDriver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	waitCtx, stopWaiting := context.WithCancel(ctx)
	go func() {
		if err, ok := <-serveErr; ok && err != nil {
			log.Error("server error", zap.Error(err))
		}
		stopWaiting()
	}()
	manager.Wait(waitCtx)
	stopWaiting()

	return manager.Shutdown(context.Background())
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Repository, error) {
	switch cfg.StoreDriver {
	case "", "memory":
		log.Warn("using in-memory store, tokens are lost on restart")
		return memory.NewStore(), nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("DB_DSN is required for the postgres store")
		}
		if cfg.RunMigrations {
			if err := postgres.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath, log); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return postgres.NewStore(pool), nil
	case "sqlite":
		return gormstore.OpenSQLite(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("unknown STORE_DRIVER %q", cfg.StoreDriver)
	}
}

func startMirror(ctx context.Context, cfg config.Config, bus *dispatch.Bus, manager *lifecycle.Manager, log *zap.Logger) error {
	publisher, err := mirror.NewRedisPublisher(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	buffer, err := mirror.OpenBuffer(cfg.MirrorBufferPath)
	if err != nil {
		publisher.Close()
		return fmt.Errorf("open mirror buffer: %w", err)
	}
	m, err := mirror.New(mirror.Options{
		Publisher:  publisher,
		Buffer:     buffer,
		Channel:    cfg.MirrorChannel,
		DrainEvery: cfg.MirrorDrainEvery,
		Logger:     log,
	})
	if err != nil {
		publisher.Close()
		buffer.Close()
		return fmt.Errorf("mirror: %w", err)
	}

	mirrorCtx, stop := context.WithCancel(ctx)
	m.Start(mirrorCtx, bus)
	manager.Register("mirror", func(ctx context.Context) error {
		stop()
		err := m.Stop(ctx)
		return errors.Join(err, buffer.Close(), publisher.Close())
	})
	log.Info("event mirror enabled", zap.String("channel", cfg.MirrorChannel))
	return nil
}

func startNotifier(ctx context.Context, cfg config.Config, bus *dispatch.Bus, subs notify.Subscriptions, manager *lifecycle.Manager, log *zap.Logger) {
	n := notify.New(notify.Options{
		Subscriptions: subs,
		VAPIDPublic:   cfg.VAPIDPublicKey,
		VAPIDPrivate:  cfg.VAPIDPrivateKey,
		Subject:       cfg.VAPIDSubject,
		Workers:       cfg.PushWorkers,
		Logger:        log,
	})
	pushCtx, stop := context.WithCancel(ctx)
	n.Start(pushCtx, bus)
	manager.Register("push", func(ctx context.Context) error {
		stop()
		done := make(chan struct{})
		go func() {
			n.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
