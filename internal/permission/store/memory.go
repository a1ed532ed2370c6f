package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"consentflow/internal/permission/models"
	id "consentflow/pkg/domain"
	"consentflow/pkg/platform/sentinel"
)

// InMemoryStore keeps events and views in process memory.
type InMemoryStore struct {
	mu      sync.RWMutex
	events  []models.Event
	views   map[id.PermissionID]*models.PermissionRequest
	created map[id.PermissionID]struct{}
	seq     int64
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{
		views:   make(map[id.PermissionID]*models.PermissionRequest),
		created: make(map[id.PermissionID]struct{}),
	}
}

func (s *InMemoryStore) FindByID(_ context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pr, ok := s.views[permissionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return pr.Clone(), nil
}

func (s *InMemoryStore) AppendEvent(_ context.Context, e *models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkCreationLocked(e); err != nil {
		return err
	}
	s.appendLocked(e)
	return nil
}

func (s *InMemoryStore) checkCreationLocked(e *models.Event) error {
	if e.Kind != models.KindCreated {
		return nil
	}
	if _, exists := s.created[e.PermissionID]; exists {
		return sentinel.ErrConflict
	}
	return nil
}

func (s *InMemoryStore) appendLocked(e *models.Event) {
	s.seq++
	e.Sequence = s.seq
	if e.Kind == models.KindCreated {
		s.created[e.PermissionID] = struct{}{}
	}
	s.events = append(s.events, *e)
}

func (s *InMemoryStore) Save(_ context.Context, pr *models.PermissionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[pr.PermissionID] = pr.Clone()
	return nil
}

func (s *InMemoryStore) ListEvents(_ context.Context, permissionID id.PermissionID) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Event
	for _, e := range s.events {
		if e.PermissionID == permissionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListAllEvents(_ context.Context) ([]models.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Event(nil), s.events...), nil
}

func (s *InMemoryStore) FindByStatus(_ context.Context, statuses ...models.Status) ([]*models.PermissionRequest, error) {
	want := make(map[models.Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	return s.filter(func(pr *models.PermissionRequest) bool {
		_, ok := want[pr.Status]
		return ok
	}), nil
}

func (s *InMemoryStore) FindStale(_ context.Context, status models.Status, olderThan time.Time) ([]*models.PermissionRequest, error) {
	return s.filter(func(pr *models.PermissionRequest) bool {
		return pr.Status == status && pr.StatusChanged.Before(olderThan)
	}), nil
}

func (s *InMemoryStore) filter(keep func(*models.PermissionRequest) bool) []*models.PermissionRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.PermissionRequest, 0)
	for _, pr := range s.views {
		if keep(pr) {
			out = append(out, pr.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].PermissionID.String() < out[j].PermissionID.String()
	})
	return out
}

// RunInTx stages writes and applies them atomically when fn succeeds.
func (s *InMemoryStore) RunInTx(ctx context.Context, fn TxFunc) error {
	staged := &memoryTx{
		parent: s,
		views:  make(map[id.PermissionID]*models.PermissionRequest),
	}
	if err := fn(ctx, staged); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range staged.events {
		if err := s.checkCreationLocked(e); err != nil {
			return err
		}
	}
	for _, e := range staged.events {
		s.appendLocked(e)
	}
	for pid, pr := range staged.views {
		s.views[pid] = pr
	}
	return nil
}

type memoryTx struct {
	parent *InMemoryStore
	events []*models.Event
	views  map[id.PermissionID]*models.PermissionRequest
}

func (t *memoryTx) FindByID(ctx context.Context, permissionID id.PermissionID) (*models.PermissionRequest, error) {
	if pr, ok := t.views[permissionID]; ok {
		return pr.Clone(), nil
	}
	return t.parent.FindByID(ctx, permissionID)
}

func (t *memoryTx) AppendEvent(_ context.Context, e *models.Event) error {
	if e.Kind == models.KindCreated {
		for _, staged := range t.events {
			if staged.Kind == models.KindCreated && staged.PermissionID == e.PermissionID {
				return sentinel.ErrConflict
			}
		}
		t.parent.mu.RLock()
		err := t.parent.checkCreationLocked(e)
		t.parent.mu.RUnlock()
		if err != nil {
			return err
		}
	}
	t.events = append(t.events, e)
	return nil
}

func (t *memoryTx) Save(_ context.Context, pr *models.PermissionRequest) error {
	t.views[pr.PermissionID] = pr.Clone()
	return nil
}

func (t *memoryTx) ListEvents(ctx context.Context, permissionID id.PermissionID) ([]models.Event, error) {
	events, err := t.parent.ListEvents(ctx, permissionID)
	if err != nil {
		return nil, err
	}
	for _, e := range t.events {
		if e.PermissionID == permissionID {
			events = append(events, *e)
		}
	}
	return events, nil
}

func (t *memoryTx) ListAllEvents(ctx context.Context) ([]models.Event, error) {
	events, err := t.parent.ListAllEvents(ctx)
	if err != nil {
		return nil, err
	}
	for _, e := range t.events {
		events = append(events, *e)
	}
	return events, nil
}
