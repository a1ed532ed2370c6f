// Package timeout moves requests that waited too long for the permission
// administrator to timed_out.
package timeout

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"consentflow/internal/permission/models"
	"consentflow/internal/permission/outbox"
	"consentflow/internal/platform/metrics"
	"consentflow/internal/platform/scheduler"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/requestcontext"
)

const (
	DefaultStaleAfter = 24 * time.Hour
	DefaultCron       = "0 * * * *"
)

// Views finds requests whose status has not changed since a cutoff.
type Views interface {
	FindStale(ctx context.Context, status models.Status, olderThan time.Time) ([]*models.PermissionRequest, error)
}

type Committer interface {
	Commit(ctx context.Context, event models.Event, opts ...outbox.CommitOption) (models.Status, error)
}

// Result summarises one sweep.
type Result struct {
	Found    int
	TimedOut int
	// Skipped counts candidates that changed status between the query and
	// the commit.
	Skipped int
	Failed  int
}

type Sweeper struct {
	views      Views
	outbox     Committer
	staleAfter time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
	tracer     trace.Tracer
}

type Option func(*Sweeper)

func WithStaleAfter(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

func New(views Views, committer Committer, opts ...Option) *Sweeper {
	s := &Sweeper{
		views:      views,
		outbox:     committer,
		staleAfter: DefaultStaleAfter,
		logger:     slog.Default(),
		tracer:     otel.Tracer("consentflow/timeout"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep times out every request that has been sent to its administrator for
// longer than the threshold. Running it twice, or concurrently with an
// acceptance, is harmless: each commit requires the request to still be
// sent_to_permission_administrator.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "timeout.Sweep")
	defer span.End()

	now := requestcontext.Now(ctx)
	stale, err := s.views.FindStale(ctx, models.StatusSentToAdministrator, now.Add(-s.staleAfter))
	if err != nil {
		span.RecordError(err)
		return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "failed to find stale permission requests")
	}

	res := Result{Found: len(stale)}
	for _, pr := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		event := models.NewStatusEvent(pr.PermissionID, models.StatusTimedOut,
			"no answer from the permission administrator", now)
		_, err := s.outbox.Commit(ctx, event, outbox.WithExpectedStatus(models.StatusSentToAdministrator))
		switch {
		case err == nil:
			res.TimedOut++
		case dErrors.HasCode(err, dErrors.CodeConflict), dErrors.HasCode(err, dErrors.CodeInvalidState):
			res.Skipped++
			s.logger.InfoContext(ctx, "stale request changed before timeout",
				"permission_id", pr.PermissionID.String(),
				"error", err,
			)
		default:
			res.Failed++
			s.logger.ErrorContext(ctx, "failed to time out permission request",
				"permission_id", pr.PermissionID.String(),
				"error", err,
			)
		}
	}

	span.SetAttributes(
		attribute.Int("sweep.found", res.Found),
		attribute.Int("sweep.timed_out", res.TimedOut),
	)
	if s.metrics != nil {
		s.metrics.AddSweep(res.TimedOut, res.Skipped)
		s.metrics.ObserveSweep(start)
	}
	if res.Found > 0 {
		s.logger.InfoContext(ctx, "timeout sweep finished",
			"found", res.Found,
			"timed_out", res.TimedOut,
			"skipped", res.Skipped,
			"failed", res.Failed,
		)
	}
	return res, nil
}

// Register schedules the sweep on sched with a cron expression.
func (s *Sweeper) Register(sched *scheduler.Scheduler, spec string) error {
	if spec == "" {
		spec = DefaultCron
	}
	return sched.Schedule("timeout-sweep", spec, func(ctx context.Context) error {
		_, err := s.Sweep(ctx)
		return err
	})
}
