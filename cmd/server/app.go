package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/twmb/franz-go/pkg/kgo"

	"consentflow/internal/permission/lock"
	permissionmetrics "consentflow/internal/permission/metrics"
	"consentflow/internal/permission/outbox"
	"consentflow/internal/permission/store"
	"consentflow/internal/platform/config"
	"consentflow/internal/platform/kafka"
	"consentflow/internal/platform/logger"
	"consentflow/internal/platform/metrics"
	"consentflow/internal/platform/postgres"
	"consentflow/internal/platform/redis"
	"consentflow/internal/platform/tracing"
	id "consentflow/pkg/domain"
)

// eventStore is implemented by both the in-memory and the Postgres store.
type eventStore interface {
	outbox.EventStore
	store.Queries
}

// app holds the infrastructure every command shares.
type app struct {
	cfg        config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	store      eventStore
	outbox     *outbox.Outbox
	connectors map[id.RegionConnectorID]config.Connector

	db    *sql.DB
	redis *redis.Client
	kafka *kgo.Client

	closers []func(context.Context) error
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	return initApp(ctx, &app{cfg: cfg})
}

// initApp initialises a and releases whatever was already opened when a step
// fails.
func initApp(ctx context.Context, a *app) (*app, error) {
	if err := a.init(ctx); err != nil {
		if cerr := a.close(ctx); cerr != nil {
			slog.Default().WarnContext(ctx, "cleanup after failed start", "error", cerr)
		}
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	if cfg.Log.File != "" {
		var closer io.Closer
		a.logger, closer = logger.NewRotating(cfg.Log.Level, cfg.Log.Format, logger.RotatingFile{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
		})
		a.onClose(func(context.Context) error { return closer.Close() })
	} else {
		a.logger = logger.New(cfg.Log.Level, cfg.Log.Format)
	}
	slog.SetDefault(a.logger)

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
		ServiceName: "consentflow",
		Version:     version,
	})
	if err != nil {
		return err
	}
	a.onClose(shutdownTracing)

	a.connectors, err = config.LoadConnectors(cfg.ConnectorsFile)
	if err != nil {
		return err
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	if err := a.openStore(ctx); err != nil {
		return err
	}
	locker, err := a.openLocker(ctx)
	if err != nil {
		return err
	}

	opts := []outbox.Option{
		outbox.WithLogger(a.logger),
		outbox.WithMetrics(permissionmetrics.New(a.registry)),
	}
	for connectorID, c := range a.connectors {
		caps, err := c.Capabilities()
		if err != nil {
			return fmt.Errorf("connector %s: %w", connectorID, err)
		}
		opts = append(opts, outbox.WithCapabilities(connectorID, caps))
	}
	a.outbox = outbox.New(a.store, locker, opts...)
	return nil
}

func (a *app) openStore(ctx context.Context) error {
	db, err := postgres.Open(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	if db == nil {
		a.logger.Warn("DATABASE_URL not set, events are kept in memory only")
		a.store = store.NewInMemory()
		return nil
	}
	a.db = db
	a.onClose(func(context.Context) error { return db.Close() })
	if err := store.Migrate(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	a.store = store.NewPostgres(db)
	return nil
}

func (a *app) openLocker(ctx context.Context) (outbox.Locker, error) {
	client, err := redis.New(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return lock.NewSharded(), nil
	}
	a.redis = client
	a.onClose(func(context.Context) error { return client.Close() })
	return lock.NewRedis(client.Client, lock.WithTTL(a.cfg.Redis.LockTTL)), nil
}

func (a *app) openKafka(ctx context.Context) error {
	client, err := kafka.New(ctx, a.cfg.Kafka)
	if err != nil {
		return err
	}
	if client == nil {
		return nil
	}
	a.kafka = client
	a.onClose(func(context.Context) error {
		client.Close()
		return nil
	})
	return nil
}

func (a *app) onClose(fn func(context.Context) error) {
	a.closers = append(a.closers, fn)
}

// close releases resources in reverse order of acquisition.
func (a *app) close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
