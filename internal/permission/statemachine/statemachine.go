// Package statemachine defines the legal lifecycle transitions of a
// permission request and the guard that enforces them.
package statemachine

import (
	"errors"
	"fmt"

	"consentflow/internal/permission/models"
	dErrors "consentflow/pkg/domain-errors"
	"consentflow/pkg/platform/sentinel"
)

// Action names a lifecycle step.
type Action string

const (
	ActionValidate                   Action = "validate"
	ActionMalform                    Action = "malform"
	ActionSend                       Action = "send"
	ActionUnableToSend               Action = "unable_to_send"
	ActionAccept                     Action = "accept"
	ActionReject                     Action = "reject"
	ActionInvalidate                 Action = "invalidate"
	ActionTimeout                    Action = "timeout"
	ActionTerminate                  Action = "terminate"
	ActionRevoke                     Action = "revoke"
	ActionTimeLimit                  Action = "time_limit"
	ActionFulfill                    Action = "fulfill"
	ActionUnfulfillable              Action = "unfulfillable"
	ActionRequireExternalTermination Action = "require_external_termination"
	ActionExternallyTerminated       Action = "externally_terminated"
	ActionFailedToTerminate          Action = "failed_to_terminate"
)

type edge struct {
	from []models.Status
	to   models.Status
}

var edges = map[Action]edge{
	ActionValidate:     {from: []models.Status{models.StatusCreated}, to: models.StatusValidated},
	ActionMalform:      {from: []models.Status{models.StatusCreated}, to: models.StatusMalformed},
	ActionSend:         {from: []models.Status{models.StatusValidated, models.StatusUnableToSend}, to: models.StatusSentToAdministrator},
	ActionUnableToSend: {from: []models.Status{models.StatusValidated}, to: models.StatusUnableToSend},
	ActionAccept:       {from: []models.Status{models.StatusSentToAdministrator}, to: models.StatusAccepted},
	ActionReject:       {from: []models.Status{models.StatusSentToAdministrator}, to: models.StatusRejected},
	ActionInvalidate:   {from: []models.Status{models.StatusSentToAdministrator}, to: models.StatusInvalid},
	ActionTimeout:      {from: []models.Status{models.StatusSentToAdministrator}, to: models.StatusTimedOut},
	ActionTerminate:    {from: []models.Status{models.StatusAccepted}, to: models.StatusTerminated},
	ActionRevoke:       {from: []models.Status{models.StatusAccepted}, to: models.StatusRevoked},
	ActionTimeLimit:    {from: []models.Status{models.StatusAccepted}, to: models.StatusTimeLimit},
	ActionFulfill:      {from: []models.Status{models.StatusAccepted}, to: models.StatusFulfilled},
	ActionUnfulfillable: {
		from: []models.Status{models.StatusValidated, models.StatusUnableToSend, models.StatusSentToAdministrator, models.StatusAccepted},
		to:   models.StatusUnfulfillable,
	},
	ActionRequireExternalTermination: {
		from: []models.Status{models.StatusAccepted, models.StatusFailedToExternallyTerminate},
		to:   models.StatusRequireExternalTermination,
	},
	ActionExternallyTerminated: {
		from: []models.Status{models.StatusAccepted, models.StatusRequireExternalTermination, models.StatusFailedToExternallyTerminate},
		to:   models.StatusExternallyTerminated,
	},
	ActionFailedToTerminate: {
		from: []models.Status{models.StatusAccepted, models.StatusRequireExternalTermination},
		to:   models.StatusFailedToExternallyTerminate,
	},
}

// rank orders the non-terminal statuses along the lifecycle so that a
// rejected action can be classified as coming too early or too late.
var rank = map[models.Status]int{
	models.StatusCreated:                     0,
	models.StatusValidated:                   10,
	models.StatusUnableToSend:                15,
	models.StatusSentToAdministrator:         20,
	models.StatusAccepted:                    30,
	models.StatusRequireExternalTermination:  40,
	models.StatusFailedToExternallyTerminate: 45,
}

var actionByTarget = func() map[models.Status]Action {
	m := make(map[models.Status]Action, len(edges))
	for a, e := range edges {
		m[e.to] = a
	}
	return m
}()

// ActionFor maps the target status of an event to the action producing it.
// Created has no action: it is never the target of a transition.
func ActionFor(target models.Status) (Action, bool) {
	a, ok := actionByTarget[target]
	return a, ok
}

// ParseAction constructs an Action from configuration input.
func ParseAction(s string) (Action, error) {
	a := Action(s)
	if _, ok := edges[a]; !ok {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown action: "+s)
	}
	return a, nil
}

// Target returns the status an action leads to.
func (a Action) Target() (models.Status, bool) {
	e, ok := edges[a]
	return e.to, ok
}

// Sources returns the statuses from which the action is legal.
func (a Action) Sources() []models.Status {
	return append([]models.Status(nil), edges[a].from...)
}

// ErrorKind classifies a rejected transition.
type ErrorKind string

const (
	// PastState: the request has already moved beyond the action's source
	// status, including every terminal status.
	PastState ErrorKind = "past_state"
	// FutureState: the action needs a status the request has not reached yet.
	FutureState ErrorKind = "future_state"
	// NotAllowed: the action is disabled for the connector or unreachable.
	NotAllowed ErrorKind = "not_allowed"
)

// TransitionError is returned when the guard rejects an action.
type TransitionError struct {
	Kind   ErrorKind
	From   models.Status
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from %s", e.Kind, e.Action, e.From)
}

// Is lets callers match any guard failure with sentinel.ErrInvalidState.
func (e *TransitionError) Is(target error) bool {
	return target == sentinel.ErrInvalidState
}

// Capabilities is the canonical graph minus the actions a connector cannot
// perform.
type Capabilities struct {
	disabled map[Action]struct{}
}

func DefaultCapabilities() Capabilities {
	return Capabilities{}
}

// Without returns a copy with the given actions disabled.
func (c Capabilities) Without(actions ...Action) Capabilities {
	disabled := make(map[Action]struct{}, len(c.disabled)+len(actions))
	for a := range c.disabled {
		disabled[a] = struct{}{}
	}
	for _, a := range actions {
		disabled[a] = struct{}{}
	}
	return Capabilities{disabled: disabled}
}

func (c Capabilities) Allows(a Action) bool {
	if _, ok := edges[a]; !ok {
		return false
	}
	_, off := c.disabled[a]
	return !off
}

// Machine guards transitions for one set of capabilities. It is immutable
// and safe for concurrent use.
type Machine struct {
	caps Capabilities
}

func New(caps Capabilities) *Machine {
	return &Machine{caps: caps}
}

// Default guards the full canonical graph.
var Default = New(DefaultCapabilities())

// Transition returns the status reached by applying action to current.
func (m *Machine) Transition(current models.Status, action Action) (models.Status, error) {
	if current.IsTerminal() {
		return "", &TransitionError{Kind: PastState, From: current, Action: action}
	}
	e, ok := edges[action]
	if !ok || !m.caps.Allows(action) {
		return "", &TransitionError{Kind: NotAllowed, From: current, Action: action}
	}
	for _, from := range e.from {
		if from == current {
			return e.to, nil
		}
	}

	pos, known := rank[current]
	if !known {
		return "", &TransitionError{Kind: NotAllowed, From: current, Action: action}
	}
	earliest := -1
	for _, from := range e.from {
		if r, ok := rank[from]; ok && (earliest < 0 || r < earliest) {
			earliest = r
		}
	}
	if pos < earliest {
		return "", &TransitionError{Kind: FutureState, From: current, Action: action}
	}
	return "", &TransitionError{Kind: PastState, From: current, Action: action}
}

// CheckOpen rejects any event for a request in a terminal status.
func CheckOpen(current models.Status, action Action) error {
	if current.IsTerminal() {
		return &TransitionError{Kind: PastState, From: current, Action: action}
	}
	return nil
}

// IsPastState reports whether err is a past-state guard failure.
func IsPastState(err error) bool {
	return kindOf(err) == PastState
}

// IsFutureState reports whether err is a future-state guard failure.
func IsFutureState(err error) bool {
	return kindOf(err) == FutureState
}

func kindOf(err error) ErrorKind {
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
