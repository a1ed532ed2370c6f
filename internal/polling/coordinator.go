// Package polling fetches metering data for accepted requests through a
// region connector adapter and feeds the results to the fulfillment tracker.
package polling

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"consentflow/internal/fulfillment"
	"consentflow/internal/permission/models"
	"consentflow/internal/permission/outbox"
	"consentflow/internal/platform/metrics"
	"consentflow/internal/platform/scheduler"
	"consentflow/internal/retry"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/sentinel"
	"consentflow/pkg/requestcontext"
)

// ErrNotReady is returned by a Fetcher when the administrator has no new
// data yet. It is recorded on the request and not treated as a failure.
var ErrNotReady = errors.New("data not ready")

// Fetcher is implemented by region connector adapters. Fetch returns the
// end of the newest data delivered for pr; a zero time means nothing new.
type Fetcher interface {
	Fetch(ctx context.Context, pr models.PermissionRequest) (time.Time, error)
}

type Views interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
	FindByStatus(ctx context.Context, statuses ...models.Status) ([]*models.PermissionRequest, error)
}

type Notifier interface {
	Notify(ctx context.Context, n fulfillment.Notification) (fulfillment.Outcome, error)
}

type Resolver interface {
	Resolve(ctx context.Context, permissionID id.PermissionID, d retry.Decision) (models.Status, error)
}

type Committer interface {
	Commit(ctx context.Context, event models.Event, opts ...outbox.CommitOption) (models.Status, error)
}

// Result classifies the outcome of polling one request.
type Result string

const (
	ResultUpdated    Result = "updated"
	ResultFulfilled  Result = "fulfilled"
	ResultIgnored    Result = "ignored"
	ResultNoData     Result = "no_data"
	ResultNotReady   Result = "not_ready"
	ResultNotStarted Result = "not_started"
	ResultFailed     Result = "failed"
)

// Summary counts results of one polling round.
type Summary struct {
	Polled  int
	Results map[Result]int
}

const defaultMaxConcurrent = 8

// Coordinator polls the accepted requests of one region connector.
type Coordinator struct {
	connector     id.RegionConnectorID
	fetcher       Fetcher
	views         Views
	tracker       Notifier
	resolver      Resolver
	outbox        Committer
	policy        retry.Policy
	maxConcurrent int
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

type Option func(*Coordinator)

func WithPolicy(p retry.Policy) Option {
	return func(c *Coordinator) {
		c.policy = p
	}
}

// WithMaxConcurrent bounds the number of in-flight fetches.
func WithMaxConcurrent(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

func New(
	connector id.RegionConnectorID,
	fetcher Fetcher,
	views Views,
	tracker Notifier,
	resolver Resolver,
	committer Committer,
	opts ...Option,
) *Coordinator {
	c := &Coordinator{
		connector:     connector,
		fetcher:       fetcher,
		views:         views,
		tracker:       tracker,
		resolver:      resolver,
		outbox:        committer,
		policy:        retry.DefaultPolicy(),
		maxConcurrent: defaultMaxConcurrent,
		logger:        slog.Default(),
		tracer:        otel.Tracer("consentflow/polling"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PollAll fetches data for every accepted request of the connector, at most
// maxConcurrent at a time. One failing request never stops the others.
func (c *Coordinator) PollAll(ctx context.Context) (Summary, error) {
	start := time.Now()
	ctx, span := c.tracer.Start(ctx, "polling.PollAll", trace.WithAttributes(
		attribute.String("connector", c.connector.String()),
	))
	defer span.End()

	accepted, err := c.views.FindByStatus(ctx, models.StatusAccepted)
	if err != nil {
		span.RecordError(err)
		return Summary{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list accepted requests")
	}

	var (
		mu      sync.Mutex
		summary = Summary{Results: make(map[Result]int)}
	)
	var g errgroup.Group
	g.SetLimit(c.maxConcurrent)
	for _, pr := range accepted {
		if pr.DataSource.RegionConnectorID != c.connector {
			continue
		}
		g.Go(func() error {
			result := c.pollOne(ctx, *pr)
			mu.Lock()
			summary.Polled++
			summary.Results[result]++
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(attribute.Int("polling.polled", summary.Polled))
	if c.metrics != nil {
		c.metrics.ObservePollRound(start)
	}
	c.logger.InfoContext(ctx, "polling round finished",
		"connector", c.connector.String(),
		"polled", summary.Polled,
		"fulfilled", summary.Results[ResultFulfilled],
		"failed", summary.Results[ResultFailed],
	)
	return summary, ctx.Err()
}

// Poll fetches data for a single request, e.g. when the administrator
// pushes a notification that new data is available.
func (c *Coordinator) Poll(ctx context.Context, permissionID id.PermissionID) (Result, error) {
	pr, err := c.views.FindByID(ctx, permissionID)
	if errors.Is(err, sentinel.ErrNotFound) {
		return "", dErrors.Wrap(err, dErrors.CodeNotFound, "permission request not found")
	}
	if err != nil {
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to load permission request")
	}
	if pr.Status != models.StatusAccepted || pr.DataSource.RegionConnectorID != c.connector {
		return ResultIgnored, nil
	}
	return c.pollOne(ctx, *pr), nil
}

// Run polls each permission id received on triggers until ctx ends or the
// channel closes.
func (c *Coordinator) Run(ctx context.Context, triggers <-chan id.PermissionID) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pid, ok := <-triggers:
			if !ok {
				return nil
			}
			if _, err := c.Poll(ctx, pid); err != nil {
				c.logger.WarnContext(ctx, "triggered poll failed",
					"permission_id", pid.String(),
					"error", err,
				)
			}
		}
	}
}

// Register schedules PollAll on sched.
func (c *Coordinator) Register(sched *scheduler.Scheduler, spec string) error {
	return sched.Schedule("poll-"+c.connector.String(), spec, func(ctx context.Context) error {
		_, err := c.PollAll(ctx)
		return err
	})
}

func (c *Coordinator) pollOne(ctx context.Context, pr models.PermissionRequest) Result {
	result := c.fetch(ctx, pr)
	if c.metrics != nil {
		c.metrics.IncrementPoll(c.connector.String(), string(result))
	}
	return result
}

func (c *Coordinator) fetch(ctx context.Context, pr models.PermissionRequest) Result {
	now := requestcontext.Now(ctx)
	if pr.Window != nil && !pr.Window.HasStarted(now) {
		return ResultNotStarted
	}
	if pr.Window != nil && pr.LastObservedDataEnd != nil && pr.Window.CoveredBy(*pr.LastObservedDataEnd) {
		// Data already covers the window; only the fulfilled status is missing.
		return c.record(ctx, pr.PermissionID, *pr.LastObservedDataEnd)
	}

	var dataEnd time.Time
	decision, err := c.policy.Do(ctx, func(ctx context.Context) error {
		end, err := c.fetcher.Fetch(ctx, pr)
		if err != nil {
			return err
		}
		dataEnd = end
		return nil
	})

	switch {
	case errors.Is(err, ErrNotReady):
		_, cerr := c.outbox.Commit(ctx, models.NewPollingNotReadyEvent(pr.PermissionID, err.Error(), now))
		if cerr != nil {
			c.logger.DebugContext(ctx, "not-ready marker not recorded",
				"permission_id", pr.PermissionID.String(),
				"error", cerr,
			)
		}
		return ResultNotReady
	case err != nil:
		c.logger.WarnContext(ctx, "data fetch failed",
			"permission_id", pr.PermissionID.String(),
			"outcome", string(decision.Outcome),
			"attempts", decision.Attempts,
			"error", err,
		)
		if _, rerr := c.resolver.Resolve(ctx, pr.PermissionID, decision); rerr != nil {
			c.logger.ErrorContext(ctx, "failed to resolve fetch failure",
				"permission_id", pr.PermissionID.String(),
				"error", rerr,
			)
		}
		return ResultFailed
	case dataEnd.IsZero():
		return ResultNoData
	}
	return c.record(ctx, pr.PermissionID, dataEnd)
}

func (c *Coordinator) record(ctx context.Context, permissionID id.PermissionID, dataEnd time.Time) Result {
	outcome, err := c.tracker.Notify(ctx, fulfillment.Notification{PermissionID: permissionID, DataEnd: dataEnd})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to record fetched data",
			"permission_id", permissionID.String(),
			"error", err,
		)
		return ResultFailed
	}
	switch outcome {
	case fulfillment.OutcomeFulfilled:
		return ResultFulfilled
	case fulfillment.OutcomeUpdated:
		return ResultUpdated
	default:
		return ResultIgnored
	}
}
