package statusmessage

import (
	"context"
	"log/slog"

	"consentflow/internal/permission/models"
	"consentflow/internal/platform/metrics"
	"consentflow/internal/retry"
	id "consentflow/pkg/domain"
)

type Views interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
}

// Worker turns committed status events into published messages.
type Worker struct {
	views     Views
	publisher Publisher
	policy    retry.Policy
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

type Option func(*Worker)

func WithPolicy(p retry.Policy) Option {
	return func(w *Worker) {
		w.policy = p
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(w *Worker) {
		w.metrics = m
	}
}

func NewWorker(views Views, publisher Publisher, opts ...Option) *Worker {
	w := &Worker{
		views:     views,
		publisher: publisher,
		policy:    retry.DefaultPolicy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run publishes a message for every status-changing event on events until
// ctx ends or the channel is closed. Failed publishes are logged and
// counted, never fatal.
func (w *Worker) Run(ctx context.Context, events <-chan models.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e, ok := <-events:
			if !ok {
				return nil
			}
			if !e.ChangesStatus() {
				continue
			}
			w.handle(ctx, e)
		}
	}
}

func (w *Worker) handle(ctx context.Context, e models.Event) {
	pr, err := w.views.FindByID(ctx, e.PermissionID)
	if err != nil {
		w.record("lookup_failed")
		w.logger.ErrorContext(ctx, "status message dropped, request not readable",
			"permission_id", e.PermissionID.String(),
			"error", err,
		)
		return
	}

	msg := NewMessage(*pr, e)
	decision, err := w.policy.Do(ctx, func(ctx context.Context) error {
		return w.publisher.Publish(ctx, msg)
	})
	if err != nil {
		w.record("failed")
		w.logger.ErrorContext(ctx, "failed to publish status message",
			"permission_id", e.PermissionID.String(),
			"status", string(e.Status),
			"attempts", decision.Attempts,
			"error", err,
		)
		return
	}
	w.record("published")
}

func (w *Worker) record(result string) {
	if w.metrics != nil {
		w.metrics.IncrementStatusMessage(result)
	}
}
