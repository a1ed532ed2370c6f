package retry

import (
	"context"
	"errors"
	"log/slog"

	"consentflow/internal/permission/models"
	"consentflow/internal/permission/outbox"
	"consentflow/internal/permission/statemachine"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/sentinel"
	"consentflow/pkg/requestcontext"
)

type Views interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
}

type Committer interface {
	Commit(ctx context.Context, event models.Event, opts ...outbox.CommitOption) (models.Status, error)
}

// Resolver turns a final Decision into a lifecycle event.
type Resolver struct {
	views  Views
	outbox Committer
	logger *slog.Logger
}

type ResolverOption func(*Resolver)

func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

func NewResolver(views Views, committer Committer, opts ...ResolverOption) *Resolver {
	r := &Resolver{views: views, outbox: committer, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve commits the status a decision implies and returns it. Retry and
// Unclassified decisions commit nothing and return the current status.
//
//   - Revoke: revoked when accepted, unfulfillable before acceptance
//   - Invalid: unfulfillable
//
// A request that is still created becomes malformed instead.
// Requests that are already terminal are left alone.
func (r *Resolver) Resolve(ctx context.Context, permissionID id.PermissionID, d Decision) (models.Status, error) {
	pr, err := r.views.FindByID(ctx, permissionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return "", dErrors.Wrap(err, dErrors.CodeNotFound, "permission request not found")
		}
		return "", dErrors.Wrap(err, dErrors.CodeInternal, "failed to load permission request")
	}

	switch d.Outcome {
	case OutcomeRetry, OutcomeUnclassified, "":
		if d.Outcome != "" {
			r.logger.WarnContext(ctx, "adapter failure left for operator",
				"permission_id", permissionID.String(),
				"outcome", string(d.Outcome),
				"attempts", d.Attempts,
				"reason", d.Reason,
			)
		}
		return pr.Status, nil
	}
	if pr.IsTerminal() {
		return pr.Status, nil
	}

	now := requestcontext.Now(ctx)
	var event models.Event
	switch {
	case d.Outcome == OutcomeRevoke && pr.Status == models.StatusAccepted:
		event = models.NewStatusEvent(permissionID, models.StatusRevoked, d.Reason, now)
	case pr.Status == models.StatusCreated:
		event = models.NewMalformedEvent(permissionID, []models.AttributeError{{Name: "request", Message: d.Reason}}, now)
	default:
		event = models.NewStatusEvent(permissionID, models.StatusUnfulfillable, d.Reason, now)
	}

	status, err := r.outbox.Commit(ctx, event, outbox.WithExpectedStatus(pr.Status))
	if err != nil {
		if statemachine.IsPastState(err) || dErrors.HasCode(err, dErrors.CodeConflict) {
			// Lost a race with another transition; re-read for the caller.
			if latest, ferr := r.views.FindByID(ctx, permissionID); ferr == nil {
				return latest.Status, nil
			}
		}
		return "", err
	}
	r.logger.InfoContext(ctx, "adapter failure resolved",
		"permission_id", permissionID.String(),
		"outcome", string(d.Outcome),
		"status", string(status),
	)
	return status, nil
}
