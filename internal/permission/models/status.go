package models

import (
	dErrors "consentflow/pkg/domain-errors"
)

// Status is the lifecycle status of a permission request.
type Status string

const (
	StatusCreated                     Status = "created"
	StatusValidated                   Status = "validated"
	StatusMalformed                   Status = "malformed"
	StatusSentToAdministrator         Status = "sent_to_permission_administrator"
	StatusUnableToSend                Status = "unable_to_send"
	StatusAccepted                    Status = "accepted"
	StatusRejected                    Status = "rejected"
	StatusInvalid                     Status = "invalid"
	StatusUnfulfillable               Status = "unfulfillable"
	StatusTimedOut                    Status = "timed_out"
	StatusTerminated                  Status = "terminated"
	StatusRevoked                     Status = "revoked"
	StatusTimeLimit                   Status = "time_limit"
	StatusFulfilled                   Status = "fulfilled"
	StatusRequireExternalTermination  Status = "require_external_termination"
	StatusExternallyTerminated        Status = "externally_terminated"
	StatusFailedToExternallyTerminate Status = "failed_to_terminate"
)

var knownStatuses = map[Status]bool{
	StatusCreated:                     false,
	StatusValidated:                   false,
	StatusMalformed:                   true,
	StatusSentToAdministrator:         false,
	StatusUnableToSend:                false,
	StatusAccepted:                    false,
	StatusRejected:                    true,
	StatusInvalid:                     true,
	StatusUnfulfillable:               true,
	StatusTimedOut:                    true,
	StatusTerminated:                  true,
	StatusRevoked:                     true,
	StatusTimeLimit:                   true,
	StatusFulfilled:                   true,
	StatusRequireExternalTermination:  false,
	StatusExternallyTerminated:        true,
	StatusFailedToExternallyTerminate: false,
}

// ParseStatus constructs a Status from external input.
func ParseStatus(s string) (Status, error) {
	if s == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "status cannot be empty")
	}
	st := Status(s)
	if !st.IsValid() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "unknown status: "+s)
	}
	return st, nil
}

func (s Status) IsValid() bool {
	_, ok := knownStatuses[s]
	return ok
}

// IsTerminal reports whether no further event may be applied to a request in
// this status.
func (s Status) IsTerminal() bool {
	return knownStatuses[s]
}

func (s Status) String() string {
	return string(s)
}

// AllStatuses lists every known status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusCreated,
		StatusValidated,
		StatusMalformed,
		StatusUnableToSend,
		StatusSentToAdministrator,
		StatusAccepted,
		StatusRejected,
		StatusInvalid,
		StatusUnfulfillable,
		StatusTimedOut,
		StatusTerminated,
		StatusRevoked,
		StatusTimeLimit,
		StatusFulfilled,
		StatusRequireExternalTermination,
		StatusExternallyTerminated,
		StatusFailedToExternallyTerminate,
	}
}
