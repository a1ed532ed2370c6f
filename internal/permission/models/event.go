package models

import (
	"time"

	"github.com/google/uuid"

	id "consentflow/pkg/domain"
	dErrors "consentflow/pkg/domain-errors"
)

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	KindCreated            EventKind = "created"
	KindValidated          EventKind = "validated"
	KindMalformed          EventKind = "malformed"
	KindStatusChanged      EventKind = "status_changed"
	KindDataNeedCalculated EventKind = "data_need_calculated"
	KindLastPolledUpdated  EventKind = "last_polled_updated"
	KindPollingNotReady    EventKind = "polling_not_ready"
)

// CreatedDetails is the payload of a creation event.
type CreatedDetails struct {
	ConnectionID id.ConnectionID       `json:"connection_id"`
	DataNeedID   id.DataNeedID         `json:"data_need_id"`
	DataSource   DataSourceInformation `json:"data_source"`
}

// Event is an immutable fact about one permission request. Only the payload
// fields that belong to Kind are set.
type Event struct {
	EventID      uuid.UUID
	PermissionID id.PermissionID
	Kind         EventKind
	// Status is the target status for status-changing kinds and empty otherwise.
	Status    Status
	Sequence  int64
	Timestamp time.Time

	Created *CreatedDetails
	Window  *Window
	Errors  []AttributeError
	Message string
	DataEnd *time.Time
}

func newEvent(permissionID id.PermissionID, kind EventKind, status Status, at time.Time) Event {
	return Event{
		EventID:      uuid.New(),
		PermissionID: permissionID,
		Kind:         kind,
		Status:       status,
		Timestamp:    at,
	}
}

func NewCreatedEvent(permissionID id.PermissionID, details CreatedDetails, at time.Time) Event {
	e := newEvent(permissionID, KindCreated, StatusCreated, at)
	e.Created = &details
	return e
}

func NewValidatedEvent(permissionID id.PermissionID, window Window, at time.Time) Event {
	e := newEvent(permissionID, KindValidated, StatusValidated, at)
	e.Window = &window
	return e
}

func NewMalformedEvent(permissionID id.PermissionID, errs []AttributeError, at time.Time) Event {
	e := newEvent(permissionID, KindMalformed, StatusMalformed, at)
	e.Errors = errs
	return e
}

// NewStatusEvent records a plain status change with an optional reason.
func NewStatusEvent(permissionID id.PermissionID, status Status, message string, at time.Time) Event {
	e := newEvent(permissionID, KindStatusChanged, status, at)
	e.Message = message
	return e
}

func NewDataNeedCalculatedEvent(permissionID id.PermissionID, window Window, at time.Time) Event {
	e := newEvent(permissionID, KindDataNeedCalculated, "", at)
	e.Window = &window
	return e
}

func NewLastPolledEvent(permissionID id.PermissionID, dataEnd time.Time, at time.Time) Event {
	e := newEvent(permissionID, KindLastPolledUpdated, "", at)
	end := dataEnd.UTC()
	e.DataEnd = &end
	return e
}

func NewPollingNotReadyEvent(permissionID id.PermissionID, message string, at time.Time) Event {
	e := newEvent(permissionID, KindPollingNotReady, "", at)
	e.Message = message
	return e
}

// ChangesStatus reports whether the event targets a status.
func (e Event) ChangesStatus() bool {
	return e.Status != ""
}

// Validate checks that the payload matches the kind.
func (e Event) Validate() error {
	if e.PermissionID.IsNil() {
		return dErrors.New(dErrors.CodeInvalidInput, "event permission id is required")
	}
	switch e.Kind {
	case KindCreated:
		if e.Created == nil || e.Status != StatusCreated {
			return dErrors.New(dErrors.CodeInvalidInput, "created event requires creation details")
		}
	case KindValidated:
		if e.Window == nil || e.Status != StatusValidated {
			return dErrors.New(dErrors.CodeInvalidInput, "validated event requires a window")
		}
	case KindMalformed:
		if e.Status != StatusMalformed {
			return dErrors.New(dErrors.CodeInvalidInput, "malformed event must target malformed status")
		}
	case KindStatusChanged:
		switch {
		case !e.Status.IsValid():
			return dErrors.New(dErrors.CodeInvalidInput, "status event targets an invalid status")
		case e.Status == StatusCreated, e.Status == StatusValidated, e.Status == StatusMalformed:
			// These carry payloads and have their own kinds.
			return dErrors.New(dErrors.CodeInvalidInput, "status event cannot target "+string(e.Status))
		}
	case KindDataNeedCalculated:
		if e.Window == nil || e.Status != "" {
			return dErrors.New(dErrors.CodeInvalidInput, "data need event requires a window")
		}
	case KindLastPolledUpdated:
		if e.DataEnd == nil || e.Status != "" {
			return dErrors.New(dErrors.CodeInvalidInput, "last polled event requires a data end")
		}
	case KindPollingNotReady:
		if e.Status != "" {
			return dErrors.New(dErrors.CodeInvalidInput, "polling event must not change status")
		}
	default:
		return dErrors.New(dErrors.CodeInvalidInput, "unknown event kind: "+string(e.Kind))
	}
	return nil
}

// Apply projects e onto current and returns the resulting view. current is
// nil only for creation events. Apply does not check transitions; callers
// guard first.
func Apply(current *PermissionRequest, e Event) PermissionRequest {
	var next PermissionRequest
	if current != nil {
		next = *current.Clone()
	}

	switch e.Kind {
	case KindCreated:
		next = PermissionRequest{
			PermissionID: e.PermissionID,
			Created:      e.Timestamp,
		}
		if e.Created != nil {
			next.ConnectionID = e.Created.ConnectionID
			next.DataNeedID = e.Created.DataNeedID
			next.DataSource = e.Created.DataSource
		}
	case KindValidated, KindDataNeedCalculated:
		if e.Window != nil {
			w := *e.Window
			next.Window = &w
		}
	case KindMalformed:
		next.Errors = append([]AttributeError(nil), e.Errors...)
	case KindLastPolledUpdated:
		if e.DataEnd != nil && next.WatermarkAdvancedBy(*e.DataEnd) {
			end := *e.DataEnd
			next.LastObservedDataEnd = &end
		}
	}

	if e.ChangesStatus() {
		next.Status = e.Status
		next.StatusChanged = e.Timestamp
		if e.Kind == KindStatusChanged {
			next.Message = e.Message
		}
	}
	next.Version++
	return next
}
