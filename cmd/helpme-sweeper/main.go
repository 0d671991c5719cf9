package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/helpme/helpme/pkg/alerts"
	"github.com/helpme/helpme/pkg/checkin"
	"github.com/helpme/helpme/pkg/config"
	"github.com/helpme/helpme/pkg/notify"
	"github.com/helpme/helpme/pkg/observability"
	"github.com/helpme/helpme/pkg/storage"
)

var version = "dev"

var (
	runOnce  = flag.Bool("run-once", false, "Run one sweep and exit")
	schedule = flag.String("schedule", "", "Cron schedule overriding HELPME_SWEEP_SCHEDULE")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *schedule != "" {
		cfg.Sweeper.Schedule = *schedule
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).
		WithField("service", "helpme-sweeper").
		WithField("version", version)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("sweeper exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	// Without Redis the prompts still land in the database and reach
	// clients on their next snapshot.
	var publisher checkin.Publisher
	var broker notify.Broker
	if cfg.Redis.URL != "" {
		rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		broker = notify.NewRedisBroker(rdb, notify.DefaultRedisChannel, logger)
		publisher = notify.NewDispatcher(broker)
	}

	alertStore := alerts.NewStore(db, logger, metrics)
	sweeper := checkin.NewSweeper(db, alertStore, publisher, checkin.SweeperConfig{
		Workers:     cfg.Sweeper.Workers,
		TaskTimeout: cfg.Sweeper.TaskTimeout,
	}, logger, metrics)

	if *runOnce {
		result, err := sweeper.Sweep(ctx)
		if err != nil {
			return err
		}
		logger.WithField("prompted", result.Prompted).Info("sweep completed")
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(logger.Logrus())),
		cron.SkipIfStillRunning(cron.PrintfLogger(logger.Logrus())),
	))
	_, err = c.AddFunc(cfg.Sweeper.Schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
		defer cancel()
		if _, err := sweeper.Sweep(sweepCtx); err != nil {
			logger.WithError(err).Error("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", cfg.Sweeper.Schedule, err)
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db.DB, nil, version))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{Addr: cfg.Server.HealthAddr(), Handler: healthMux}
	go func() {
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("health server failed")
		}
	}()

	c.Start()
	logger.WithField("schedule", cfg.Sweeper.Schedule).Info("sweeper started")

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, healthServer)
	if broker != nil {
		shutdown.RegisterShutdownFunc("broker", func(context.Context) error { return broker.Close() })
	}
	shutdown.RegisterShutdownFunc("cron", func(ctx context.Context) error {
		select {
		case <-c.Stop().Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return shutdown.WaitForShutdown(ctx)
}
