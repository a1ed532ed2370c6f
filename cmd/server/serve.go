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

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"consentflow/internal/fulfillment"
	jwttoken "consentflow/internal/jwt_token"
	permissionhandler "consentflow/internal/permission/handler"
	"consentflow/internal/permission/service"
	"consentflow/internal/platform/httpserver"
	"consentflow/internal/platform/scheduler"
	"consentflow/internal/polling"
	"consentflow/internal/retry"
	"consentflow/internal/statusmessage"
	"consentflow/internal/timeout"
	httptransport "consentflow/internal/transport/http"
	id "consentflow/pkg/domain"
	"consentflow/pkg/platform/circuit"
)

const (
	shutdownTimeout = 15 * time.Second
	breakerCooldown = time.Minute

	notificationQueueSize = 256
	pollTriggerQueueSize  = 64
	statusQueueSize       = 1024
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides CONSENTFLOW_ADDR)")
	return cmd
}

func serve(ctx context.Context, addrOverride string) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			a.logger.Error("shutdown", "error", err)
		}
	}()
	defer a.outbox.Close()

	if err := a.openKafka(ctx); err != nil {
		return err
	}

	policy := retry.Policy{
		MaxAttempts: a.cfg.Workers.MaxAttempts,
		BaseDelay:   a.cfg.Workers.BaseDelay,
		MaxDelay:    a.cfg.Workers.MaxDelay,
		Jitter:      retry.DefaultPolicy().Jitter,
		CallTimeout: a.cfg.Workers.CallTimeout,
		Logger:      a.logger,
		Metrics:     a.metrics,
	}

	svcOpts := []service.Option{service.WithLogger(a.logger)}
	for connectorID, c := range a.connectors {
		svcOpts = append(svcOpts, service.WithConnector(connectorID, service.Connector{
			CountryCode:         c.CountryCode,
			ExternalTermination: c.ExternalTermination,
		}))
	}
	svc := service.New(a.outbox, a.store, svcOpts...)

	jwtService := jwttoken.NewJWTService(a.cfg.Server.JWTSigningKey, a.cfg.Server.JWTIssuer, a.cfg.Server.JWTAudience)
	validator := jwttoken.NewJWTServiceAdapter(jwtService)

	tracker := fulfillment.New(a.store, a.outbox,
		fulfillment.WithLogger(a.logger),
		fulfillment.WithMetrics(a.metrics),
	)
	inbox := fulfillment.NewInbox(notificationQueueSize, validator, a.logger)
	resolver := retry.NewResolver(a.store, a.outbox, retry.WithResolverLogger(a.logger))

	sched := scheduler.New(scheduler.WithLogger(a.logger))
	sweeper := timeout.New(a.store, a.outbox,
		timeout.WithStaleAfter(a.cfg.Workers.StaleAfter),
		timeout.WithLogger(a.logger),
		timeout.WithMetrics(a.metrics),
	)
	if err := sweeper.Register(sched, a.cfg.Workers.SweepCron); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}

	coordinators := make(map[id.RegionConnectorID]*polling.Coordinator)
	for connectorID, c := range a.connectors {
		if c.FetchURL == "" {
			continue
		}
		fetcher := polling.NewGuardedFetcher(connectorID,
			polling.NewHTTPFetcher(connectorID, c.FetchURL, nil),
			circuit.New(connectorID.String(), circuit.WithCooldown(breakerCooldown)),
			a.logger,
		)
		coordinator := polling.New(connectorID, fetcher,
			a.store, tracker, resolver, a.outbox,
			polling.WithPolicy(policy),
			polling.WithMaxConcurrent(a.cfg.Workers.MaxConcurrent),
			polling.WithLogger(a.logger),
			polling.WithMetrics(a.metrics),
		)
		spec := c.PollCron
		if spec == "" {
			spec = a.cfg.Workers.PollCron
		}
		if err := coordinator.Register(sched, spec); err != nil {
			return fmt.Errorf("schedule polling for %s: %w", connectorID, err)
		}
		coordinators[connectorID] = coordinator
	}

	triggers := polling.NewTriggers(coordinators, pollTriggerQueueSize, validator, a.logger)

	var publisher statusmessage.Publisher = statusmessage.NewLogPublisher(a.logger)
	if a.kafka != nil {
		if err := statusmessage.EnsureTopic(ctx, a.kafka, a.cfg.Kafka.Topic, a.cfg.Kafka.Partitions, a.cfg.Kafka.ReplicationFactor); err != nil {
			return err
		}
		publisher = statusmessage.NewKafkaPublisher(a.kafka, a.cfg.Kafka.Topic)
	}
	messages := statusmessage.NewWorker(a.store, publisher,
		statusmessage.WithPolicy(policy),
		statusmessage.WithLogger(a.logger),
		statusmessage.WithMetrics(a.metrics),
	)
	statusEvents := a.outbox.Subscribe(statusmessage.DefaultTopic, statusQueueSize)

	checks := map[string]httptransport.HealthCheck{}
	if a.db != nil {
		checks["postgres"] = a.db.PingContext
	}
	if a.redis != nil {
		checks["redis"] = a.redis.Health
	}
	if a.kafka != nil {
		checks["kafka"] = a.kafka.Ping
	}

	router := httptransport.NewRouter(httptransport.Deps{
		Logger:   a.logger,
		Metrics:  a.metrics,
		Gatherer: a.registry,
		Checks:   checks,
		Modules: []httptransport.RouteRegistrar{
			permissionhandler.New(svc, validator, a.logger),
			triggers,
			inbox,
		},
	})

	addr := a.cfg.Server.Addr
	if addrOverride != "" {
		addr = addrOverride
	}
	srv := httpserver.New(addr, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server listening", "addr", addr, "connectors", len(a.connectors))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return messages.Run(gctx, statusEvents)
	})
	g.Go(func() error {
		return tracker.Run(gctx, inbox.Notifications())
	})
	g.Go(func() error {
		return triggers.Run(gctx)
	})
	g.Go(func() error {
		sched.Start(gctx)
		<-gctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sched.Stop(stopCtx)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
