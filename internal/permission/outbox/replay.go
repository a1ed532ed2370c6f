package outbox

import (
	"context"
	"fmt"

	"consentflow/internal/permission/models"
	"consentflow/internal/permission/store"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
)

// Replay folds events, in the order given, into the views they produce.
// Every event runs through the same guard as Commit, so replaying a log the
// outbox wrote yields exactly the stored views; an event the guard rejects
// means the log is corrupt.
func (o *Outbox) Replay(events []models.Event) (map[id.PermissionID]models.PermissionRequest, error) {
	views := make(map[id.PermissionID]models.PermissionRequest)
	for _, e := range events {
		var current *models.PermissionRequest
		if pr, ok := views[e.PermissionID]; ok {
			current = &pr
		}
		if err := o.guard(current, e, commitConfig{}); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInvariantViolation,
				fmt.Sprintf("event %d for %s cannot be replayed", e.Sequence, e.PermissionID))
		}
		views[e.PermissionID] = models.Apply(current, e)
	}
	return views, nil
}

// Rebuild re-projects every stored event and overwrites the view store with
// the result. It returns the number of views written. Views are written
// without the per-id lock, so run it before the outbox accepts commits.
func (o *Outbox) Rebuild(ctx context.Context) (int, error) {
	events, err := o.store.ListAllEvents(ctx)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load permission events")
	}
	views, err := o.Replay(events)
	if err != nil {
		return 0, err
	}

	err = o.store.RunInTx(ctx, func(ctx context.Context, s store.Store) error {
		for _, pr := range views {
			if err := s.Save(ctx, &pr); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save rebuilt view")
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if o.metrics != nil {
		o.metrics.AddRebuilt(len(views))
	}
	o.logger.InfoContext(ctx, "permission views rebuilt", "views", len(views), "events", len(events))
	return len(views), nil
}
