// Package fulfillment advances the data watermark of accepted requests and
// closes them once their window is covered.
package fulfillment

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"consentflow/internal/permission/models"
	"consentflow/internal/permission/outbox"
	"consentflow/internal/permission/statemachine"
	"consentflow/internal/platform/metrics"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/sentinel"
	"consentflow/pkg/requestcontext"
)

// Views reads the current permission request.
type Views interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
}

// Committer records events through the outbox.
type Committer interface {
	Commit(ctx context.Context, event models.Event, opts ...outbox.CommitOption) (models.Status, error)
}

// Notification reports the end of the data an adapter delivered for a
// request.
type Notification struct {
	PermissionID id.PermissionID
	DataEnd      time.Time
}

type Outcome string

const (
	OutcomeIgnoredTerminal Outcome = "ignored_terminal"
	OutcomeIgnoredStale    Outcome = "ignored_stale"
	OutcomeUpdated         Outcome = "updated"
	OutcomeFulfilled       Outcome = "fulfilled"
)

type Tracker struct {
	views   Views
	outbox  Committer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		t.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

func New(views Views, committer Committer, opts ...Option) *Tracker {
	t := &Tracker{views: views, outbox: committer, logger: slog.Default()}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Notify applies one data notification. Notifications may arrive late, out
// of order or duplicated; only a strictly later data end moves the
// watermark, and a request is fulfilled at most once.
func (t *Tracker) Notify(ctx context.Context, n Notification) (Outcome, error) {
	outcome, err := t.notify(ctx, n)
	if err == nil && t.metrics != nil {
		t.metrics.IncrementFulfillment(string(outcome))
	}
	return outcome, err
}

func (t *Tracker) notify(ctx context.Context, n Notification) (Outcome, error) {
	pr, err := t.views.FindByID(ctx, n.PermissionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", dErrors.Wrap(err, dErrors.CodeNotFound, "permission request not found")
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to load permission request")
	}
	if pr.IsTerminal() {
		return OutcomeIgnoredTerminal, nil
	}
	if !pr.WatermarkAdvancedBy(n.DataEnd) {
		// The watermark may already cover the window when an earlier
		// fulfillment commit failed or the data arrived before acceptance.
		if pr.Status == models.StatusAccepted && pr.Window != nil &&
			pr.LastObservedDataEnd != nil && pr.Window.CoveredBy(*pr.LastObservedDataEnd) {
			return t.fulfil(ctx, pr, *pr.LastObservedDataEnd, OutcomeIgnoredStale)
		}
		return OutcomeIgnoredStale, nil
	}

	_, err = t.outbox.Commit(ctx, models.NewLastPolledEvent(n.PermissionID, n.DataEnd, requestcontext.Now(ctx)))
	switch {
	case err == nil:
	case statemachine.IsPastState(err):
		// Went terminal between the read and the commit.
		return OutcomeIgnoredTerminal, nil
	case dErrors.HasCode(err, dErrors.CodeConflict):
		// A concurrent notification already moved the watermark past ours.
		return OutcomeIgnoredStale, nil
	default:
		return "", err
	}

	if pr.Window == nil || !pr.Window.CoveredBy(n.DataEnd) {
		return OutcomeUpdated, nil
	}
	return t.fulfil(ctx, pr, n.DataEnd, OutcomeUpdated)
}

// fulfil commits the fulfilled status for an accepted request. When the
// request is no longer accepted it returns lost.
func (t *Tracker) fulfil(ctx context.Context, pr *models.PermissionRequest, dataEnd time.Time, lost Outcome) (Outcome, error) {
	_, err := t.outbox.Commit(ctx,
		models.NewStatusEvent(pr.PermissionID, models.StatusFulfilled, "", requestcontext.Now(ctx)),
		outbox.WithExpectedStatus(models.StatusAccepted),
	)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInvalidState) || dErrors.HasCode(err, dErrors.CodeConflict) {
			t.logger.WarnContext(ctx, "window covered but request not fulfillable",
				"permission_id", pr.PermissionID.String(),
				"status", string(pr.Status),
				"error", err,
			)
			return lost, nil
		}
		return "", err
	}
	t.logger.InfoContext(ctx, "permission request fulfilled",
		"permission_id", pr.PermissionID.String(),
		"data_end", dataEnd,
	)
	return OutcomeFulfilled, nil
}

// Run consumes notifications until ctx ends or the channel closes. Failures
// are logged; any later notification for the request, or the next poll,
// completes a pending fulfillment.
func (t *Tracker) Run(ctx context.Context, notifications <-chan Notification) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notifications:
			if !ok {
				return nil
			}
			if _, err := t.Notify(ctx, n); err != nil {
				t.logger.ErrorContext(ctx, "failed to apply data notification",
					"permission_id", n.PermissionID.String(),
					"error", err,
				)
			}
		}
	}
}
