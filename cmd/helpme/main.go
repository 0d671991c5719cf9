package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/api"
	"github.com/helpme/helpme/pkg/auth"
	"github.com/helpme/helpme/pkg/checkin"
	"github.com/helpme/helpme/pkg/config"
	"github.com/helpme/helpme/pkg/guard"
	"github.com/helpme/helpme/pkg/middleware"
	"github.com/helpme/helpme/pkg/notify"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/questions"
	"github.com/helpme/helpme/pkg/roles"
	"github.com/helpme/helpme/pkg/storage"
	"github.com/helpme/helpme/pkg/unread"
)

var version = "dev"

func main() {
	migrateOnly := flag.Bool("migrate-only", false, "Apply database migrations and exit")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "helpme").
		WithField("version", version)

	if err := run(cfg, logger, *migrateOnly); err != nil {
		logger.WithError(err).Error("helpme exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger, migrateOnly bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	if err := storage.Migrate(ctx, db); err != nil {
		db.Close()
		return err
	}
	logger.WithField("driver", cfg.Database.Driver).Info("database ready")
	if migrateOnly {
		return db.Close()
	}

	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		rdb, err = storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			db.Close()
			return err
		}
		logger.Info("connected to redis")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	// Roles
	var (
		resolver    roles.Resolver = roles.NewStore(db)
		invalidator roles.Invalidator
	)
	if cfg.Roles.CacheSize > 0 {
		cached := roles.NewCachedResolver(resolver, cfg.Roles.CacheSize, cfg.Roles.CacheTTL, metrics)
		resolver, invalidator = cached, cached
		if rdb != nil {
			relay := roles.NewRedisInvalidator(rdb, roles.DefaultInvalidationChannel, cached, logger)
			if err := relay.Start(ctx); err != nil {
				db.Close()
				return err
			}
			invalidator = relay
		}
	}

	policy := api.DefaultPolicy()
	if cfg.Guard.PolicyFile != "" {
		if err := policy.LoadFile(cfg.Guard.PolicyFile); err != nil {
			db.Close()
			return err
		}
		if cfg.Guard.WatchPolicy {
			if err := policy.Watch(ctx, cfg.Guard.PolicyFile, logger); err != nil {
				logger.WithError(err).Warn("policy hot reload disabled")
			}
		}
	}
	g := guard.New(policy, resolver, logger, metrics)

	// Broker and hub
	var broker notify.Broker = notify.NewMemoryBroker(cfg.Notify.SendBuffer)
	if rdb != nil {
		broker = notify.NewRedisBroker(rdb, notify.DefaultRedisChannel, logger)
	}
	outbox := notify.NewOutbox(broker, notify.DefaultOutboxConfig(), logger, metrics)

	alertStore := alerts.NewStore(db, logger, metrics)
	tracker := unread.NewTracker(db, metrics)
	checkins := checkin.NewService(db, alertStore, logger)
	memberships := roles.NewMemberships(db, invalidator, logger,
		alertStore.ClearEnrollment,
		tracker.ClearEnrollment,
		checkins.ClearEnrollment,
	)

	hub := notify.NewHub(notify.NewSnapshots(alertStore, tracker), logger, metrics)
	if err := hub.Start(ctx, broker); err != nil {
		db.Close()
		return fmt.Errorf("failed to start notification hub: %w", err)
	}

	memoryLimiter := middleware.NewRateLimiter(subscribeLimit(cfg))
	memoryLimiter.StartCleanup(ctx)
	var subscribeLimiter middleware.Limiter = memoryLimiter
	if rdb != nil {
		subscribeLimiter = middleware.NewFallbackLimiter(
			middleware.NewDistributedRateLimiter(rdb, subscribeLimit(cfg), "helpme:subscribe"),
			memoryLimiter, logger)
	}

	var apiLimit *middleware.RateLimitMiddleware
	if cfg.Server.RateLimit > 0 {
		limitConfig := &middleware.RateLimitConfig{
			RequestsPerWindow: cfg.Server.RateLimit,
			WindowDuration:    time.Minute,
			BurstSize:         cfg.Server.RateLimit / 10,
		}
		local := middleware.NewRateLimiter(limitConfig)
		local.StartCleanup(ctx)
		var limiter middleware.Limiter = local
		if rdb != nil {
			limiter = middleware.NewFallbackLimiter(
				middleware.NewDistributedRateLimiter(rdb, limitConfig, "helpme:api"), local, logger)
		}
		apiLimit = middleware.NewRateLimitMiddleware(limiter, limitConfig.WindowDuration, logger)
	}

	server := api.NewServer(api.Deps{
		Auth:        middleware.NewAuthMiddleware(auth.NewTokenManager(db.DB), logger),
		RateLimit:   apiLimit,
		Guard:       g,
		Resolver:    resolver,
		Memberships: memberships,
		Alerts:      alertStore,
		Unread:      tracker,
		Questions:   questions.NewService(db, alertStore, tracker, outbox, logger),
		Checkin:     checkins,
		Notify: notify.NewHandler(hub, g, subscribeLimiter, notify.HandlerConfig{
			SendBuffer:   cfg.Notify.SendBuffer,
			PingInterval: cfg.Notify.PingInterval,
		}, logger),
		Publisher:    outbox,
		Logger:       logger,
		Metrics:      metrics,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})

	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db.DB, rdb, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.HealthAddr(),
		Handler: healthMux,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc("database", func(context.Context) error { return db.Close() })
	if rdb != nil {
		shutdown.RegisterShutdownFunc("redis", func(context.Context) error { return rdb.Close() })
	}
	shutdown.RegisterShutdownFunc("broker", func(context.Context) error { return broker.Close() })
	shutdown.RegisterShutdownFunc("outbox", outbox.Close)
	shutdown.RegisterShutdownFunc("hub", func(context.Context) error {
		hub.Close()
		return nil
	})
	shutdown.RegisterShutdownFunc("otel", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, otelProviders, logger)
	})

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, healthServer} {
		go func() {
			logger.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("server %s: %w", srv.Addr, err)
				cancel()
			}
		}()
	}

	shutdownErr := shutdown.WaitForShutdown(ctx)
	select {
	case err := <-serveErr:
		return err
	default:
		return shutdownErr
	}
}

func subscribeLimit(cfg *config.Config) *middleware.RateLimitConfig {
	limit := middleware.SubscribeRateLimitConfig(cfg.Notify.SubscribeRateLimit)
	if cfg.Notify.SubscribeWindow > 0 {
		limit.WindowDuration = cfg.Notify.SubscribeWindow
	}
	return limit
}
