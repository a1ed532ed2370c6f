// Package store persists the permission event log and the derived request
// views.
package store

import (
	"context"
	"time"

	"consentflow/internal/permission/models"
	id "consentflow/pkg/domain"
)

// Store is the surface available inside a transaction.
type Store interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
	// AppendEvent assigns e.Sequence. A second creation event for the same
	// permission id fails with sentinel.ErrConflict.
	AppendEvent(ctx context.Context, e *models.Event) error
	Save(ctx context.Context, pr *models.PermissionRequest) error
	ListEvents(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error)
	ListAllEvents(ctx context.Context) ([]models.Event, error)
}

// Queries are the read-only view lookups used by the housekeeping workers
// and the HTTP API.
type Queries interface {
	FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error)
	FindByStatus(ctx context.Context, statuses ...models.Status) ([]*models.PermissionRequest, error)
	// FindStale returns requests in status whose last status change happened
	// before olderThan.
	FindStale(ctx context.Context, status models.Status, olderThan time.Time) ([]*models.PermissionRequest, error)
	ListEvents(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error)
}

// TxFunc runs inside RunInTx. Writes made through s become visible together
// when it returns nil and are discarded otherwise.
type TxFunc func(ctx context.Context, s Store) error
