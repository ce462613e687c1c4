// Package bootstrap assembles the process-wide dependencies and runs the
// supervisor and its sidecars until a termination signal arrives.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botcore/internal/config"
	"botcore/internal/core"
	"botcore/internal/exchange"
	"botcore/internal/kv"
	"botcore/internal/logging"
	"botcore/internal/metrics"
	"botcore/internal/notify"
	"botcore/internal/reconciler"
	"botcore/internal/store"
	"botcore/internal/supervisor"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Runtime holds every long-lived dependency of the process.
type Runtime struct {
	Cfg        *config.Config
	Logger     *logging.ZapLogger
	Store      *store.Store
	KV         kv.Store
	Notifier   core.Notifier
	Metrics    *metrics.Collector
	MetricsSrv *metrics.Server
	Supervisor *supervisor.Supervisor
	Reconciler *reconciler.Reconciler
}

// New loads configuration and wires the full dependency graph. A database
// that cannot be opened is fatal; Redis falls back to the in-memory KV store
// only when no URL is configured.
func New(configPath string) (*Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger := logging.New(cfg.App.LogLevel)

	db, err := store.Open(cfg.App.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	var kvStore kv.Store
	if cfg.App.RedisURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		kvStore, err = kv.NewRedisStore(ctx, cfg.App.RedisURL)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
	} else {
		logger.Warn("No Redis URL configured, circuit breaker state is process-local")
		kvStore = kv.NewMemoryStore()
	}

	var notifier core.Notifier = notify.Noop{}
	if cfg.Notify.TelegramBotToken != "" || cfg.Notify.SlackWebhookURL != "" {
		notifier = notify.FromConfig(cfg.Notify, logger)
	}

	var collector *metrics.Collector
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.DefaultRegisterer)
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, logger)
	}

	factory := exchange.NewFactory(cfg, logger)

	sup := supervisor.New(cfg, supervisor.Deps{
		Store:    db,
		KV:       kvStore,
		Notifier: notifier,
		Logger:   logger,
		Metrics:  collector,
		Factory:  factory,
	})

	rec := reconciler.New(db, factory, reconciler.Config{
		Schedule: cfg.Engine.ReconcileCron,
	}, logger)

	return &Runtime{
		Cfg:        cfg,
		Logger:     logger,
		Store:      db,
		KV:         kvStore,
		Notifier:   notifier,
		Metrics:    collector,
		MetricsSrv: metricsSrv,
		Supervisor: sup,
		Reconciler: rec,
	}, nil
}

// Run blocks until SIGINT/SIGTERM or a fatal component error, then shuts
// everything down in reverse dependency order.
func (r *Runtime) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if r.MetricsSrv != nil {
		r.MetricsSrv.Start()
	}
	if err := r.Reconciler.Start(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.Supervisor.Run(ctx)
	})

	r.Logger.Info("Bot core started")
	err := g.Wait()

	r.Reconciler.Stop()
	if r.MetricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		r.MetricsSrv.Stop(shutdownCtx)
		cancel()
	}
	if closer, ok := r.KV.(interface{ Close() error }); ok {
		closer.Close()
	}
	r.Store.Close()
	r.Logger.Sync()

	if err != nil && err != context.Canceled {
		return err
	}
	r.Logger.Info("Bot core shut down")
	return nil
}
