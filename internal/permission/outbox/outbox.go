// Package outbox is the single entry point for mutating permission requests.
//
// Commit serializes all work on one permission id, guards the transition
// against the lifecycle graph, appends the event and saves the projected
// view in one transaction, and only then fans the event out to subscribers.
// Nothing is recorded when the guard rejects an event.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	permissionmetrics "consentflow/internal/permission/metrics"
	"consentflow/internal/permission/models"
	"consentflow/internal/permission/statemachine"
	"consentflow/internal/permission/store"
	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/sentinel"
	"consentflow/pkg/requestcontext"
)

// EventStore is the transactional event log and view store.
type EventStore interface {
	store.Store
	RunInTx(ctx context.Context, fn store.TxFunc) error
}

// Locker provides the per-permission critical section.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

type subscription struct {
	name string
	ch   chan models.Event
}

// Outbox commits events for permission requests.
type Outbox struct {
	store    EventStore
	locker   Locker
	machines map[id.RegionConnectorID]*statemachine.Machine
	logger   *slog.Logger
	metrics  *permissionmetrics.Metrics
	tracer   trace.Tracer

	subMu  sync.RWMutex
	subs   []*subscription
	closed bool
}

type Option func(*Outbox)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Outbox) {
		o.logger = logger
	}
}

func WithMetrics(m *permissionmetrics.Metrics) Option {
	return func(o *Outbox) {
		o.metrics = m
	}
}

// WithCapabilities restricts the lifecycle graph for one region connector.
// Connectors without an entry use the full canonical graph.
func WithCapabilities(connectorID id.RegionConnectorID, caps statemachine.Capabilities) Option {
	return func(o *Outbox) {
		o.machines[connectorID] = statemachine.New(caps)
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Outbox) {
		o.tracer = tracer
	}
}

func New(eventStore EventStore, locker Locker, opts ...Option) *Outbox {
	o := &Outbox{
		store:    eventStore,
		locker:   locker,
		machines: make(map[id.RegionConnectorID]*statemachine.Machine),
		logger:   slog.Default(),
		tracer:   otel.Tracer("consentflow/permission/outbox"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type commitConfig struct {
	expected models.Status
}

// CommitOption adjusts a single commit.
type CommitOption func(*commitConfig)

// WithExpectedStatus makes the commit fail with CodeConflict unless the
// request is still in status when the critical section is entered. Workers
// acting on a possibly stale read use it to lose races cleanly.
func WithExpectedStatus(status models.Status) CommitOption {
	return func(c *commitConfig) {
		c.expected = status
	}
}

// Commit records event and returns the resulting status.
//
// Errors:
//   - CodeInvalidInput: the event payload does not match its kind
//   - CodeNotFound: no request exists and the event is not a creation
//   - CodeConflict: a second creation, an expected status mismatch, or a
//     watermark that does not advance
//   - CodeInvalidState: the lifecycle graph forbids the transition; the
//     cause is a *statemachine.TransitionError
//   - CodeTimeout: the per-permission lock could not be acquired
func (o *Outbox) Commit(ctx context.Context, event models.Event, opts ...CommitOption) (models.Status, error) {
	start := time.Now()
	cfg := commitConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, span := o.tracer.Start(ctx, "outbox.Commit", trace.WithAttributes(
		attribute.String("permission_id", event.PermissionID.String()),
		attribute.String("event.kind", string(event.Kind)),
		attribute.String("event.status", string(event.Status)),
	))
	defer span.End()

	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	event.Timestamp = event.Timestamp.UTC()
	if err := event.Validate(); err != nil {
		o.reject(ctx, span, event, err)
		return "", err
	}

	unlock, err := o.locker.Lock(ctx, event.PermissionID.String())
	if err != nil {
		o.reject(ctx, span, event, err)
		return "", err
	}
	defer unlock()

	var next models.PermissionRequest
	err = o.store.RunInTx(ctx, func(ctx context.Context, s store.Store) error {
		current, err := s.FindByID(ctx, event.PermissionID)
		switch {
		case errors.Is(err, sentinel.ErrNotFound):
			current = nil
		case err != nil:
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to load permission request")
		}

		if err := o.guard(current, event, cfg); err != nil {
			return err
		}

		if err := s.AppendEvent(ctx, &event); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.Wrap(err, dErrors.CodeConflict, "permission request already exists")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to append permission event")
		}

		next = models.Apply(current, event)
		if err := s.Save(ctx, &next); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to save permission request")
		}
		return nil
	})
	if err != nil {
		o.reject(ctx, span, event, err)
		return "", err
	}

	if o.metrics != nil {
		o.metrics.IncrementCommitted(string(event.Kind), string(next.Status))
		o.metrics.ObserveCommit(start)
		if event.Kind == models.KindCreated {
			o.metrics.IncrementCreated()
		}
	}
	span.SetAttributes(attribute.Int64("event.sequence", event.Sequence))
	if event.ChangesStatus() {
		o.logger.InfoContext(ctx, "permission status changed",
			"permission_id", event.PermissionID.String(),
			"status", string(next.Status),
			"sequence", event.Sequence,
		)
	}

	o.publish(ctx, event)
	return next.Status, nil
}

func (o *Outbox) guard(current *models.PermissionRequest, event models.Event, cfg commitConfig) error {
	if current == nil {
		if event.Kind != models.KindCreated {
			return dErrors.Wrap(sentinel.ErrNotFound, dErrors.CodeNotFound, "permission request not found")
		}
		return nil
	}
	if event.Kind == models.KindCreated {
		return dErrors.Wrap(sentinel.ErrConflict, dErrors.CodeConflict, "permission request already exists")
	}
	if cfg.expected != "" && current.Status != cfg.expected {
		return dErrors.New(dErrors.CodeConflict, "permission request is no longer "+string(cfg.expected))
	}

	if !event.ChangesStatus() {
		if err := statemachine.CheckOpen(current.Status, statemachine.Action(event.Kind)); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInvalidState, "permission request is terminal")
		}
		if event.Kind == models.KindLastPolledUpdated && !current.WatermarkAdvancedBy(*event.DataEnd) {
			return dErrors.New(dErrors.CodeConflict, "data end does not advance the watermark")
		}
		return nil
	}

	action, ok := statemachine.ActionFor(event.Status)
	if !ok {
		return dErrors.New(dErrors.CodeInvalidInput, "event targets a status no action leads to")
	}
	if _, err := o.machineFor(current.DataSource.RegionConnectorID).Transition(current.Status, action); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInvalidState, "transition not allowed")
	}
	return nil
}

func (o *Outbox) machineFor(connectorID id.RegionConnectorID) *statemachine.Machine {
	if m, ok := o.machines[connectorID]; ok {
		return m
	}
	return statemachine.Default
}

func (o *Outbox) reject(ctx context.Context, span trace.Span, event models.Event, err error) {
	reason := string(dErrors.CodeOf(err))
	var te *statemachine.TransitionError
	if errors.As(err, &te) {
		reason = string(te.Kind)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	if o.metrics != nil {
		o.metrics.IncrementRejected(reason)
	}
	level := slog.LevelWarn
	if dErrors.CodeOf(err) == dErrors.CodeInternal {
		level = slog.LevelError
	}
	o.logger.Log(ctx, level, "permission event rejected",
		"permission_id", event.PermissionID.String(),
		"kind", string(event.Kind),
		"status", string(event.Status),
		"reason", reason,
		"error", err,
	)
}

// Subscribe registers a named consumer of committed events. Events reach
// the channel in commit order per permission id. When the buffer is full
// the event is dropped for that subscriber and counted; consumers recover
// from the view store.
func (o *Outbox) Subscribe(name string, buffer int) <-chan models.Event {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscription{name: name, ch: make(chan models.Event, buffer)}
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if o.closed {
		close(sub.ch)
		return sub.ch
	}
	o.subs = append(o.subs, sub)
	return sub.ch
}

// Close closes every subscriber channel. Commits after Close still succeed
// but are no longer fanned out.
func (o *Outbox) Close() {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	for _, sub := range o.subs {
		close(sub.ch)
	}
	o.subs = nil
}

// publish runs while the per-id lock is still held, so subscribers observe
// each request's events in commit order.
func (o *Outbox) publish(ctx context.Context, event models.Event) {
	o.subMu.RLock()
	defer o.subMu.RUnlock()
	for _, sub := range o.subs {
		select {
		case sub.ch <- event:
		default:
			if o.metrics != nil {
				o.metrics.IncrementDropped(sub.name)
			}
			o.logger.WarnContext(ctx, "subscriber buffer full, event dropped",
				"subscriber", sub.name,
				"permission_id", event.PermissionID.String(),
				"sequence", event.Sequence,
			)
		}
	}
}
