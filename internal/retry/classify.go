// Package retry decides what an adapter failure means for a permission
// request: try again, revoke, give up as invalid, or leave it to an operator.
package retry

import (
	"context"
	"errors"
	"net"
)

// Outcome is the verdict on one adapter failure.
type Outcome string

const (
	// OutcomeRetry: transient; retry with backoff, nothing is committed.
	OutcomeRetry Outcome = "retry"
	// OutcomeRevoke: the grant is gone.
	OutcomeRevoke Outcome = "revoke"
	// OutcomeInvalid: the request can never be served.
	OutcomeInvalid Outcome = "invalid"
	// OutcomeUnclassified: logged for an operator, never retried.
	OutcomeUnclassified Outcome = "unclassified"
)

type Decision struct {
	Outcome Outcome
	Reason  string
	// Attempts is set by Policy.Do.
	Attempts int
}

// Classify maps an adapter error to a Decision. A nil error yields the zero
// Decision.
func Classify(err error) Decision {
	if err == nil {
		return Decision{}
	}

	var ae *AdapterError
	if errors.As(err, &ae) {
		switch ae.Category {
		case ErrorTimeout, ErrorRateLimited, ErrorProviderOutage:
			return Decision{Outcome: OutcomeRetry, Reason: err.Error()}
		case ErrorAuthentication:
			return Decision{Outcome: OutcomeRevoke, Reason: err.Error()}
		case ErrorBadInput, ErrorNotFound:
			return Decision{Outcome: OutcomeInvalid, Reason: err.Error()}
		default:
			return Decision{Outcome: OutcomeUnclassified, Reason: err.Error()}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Decision{Outcome: OutcomeRetry, Reason: "timeout: " + err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Outcome: OutcomeRetry, Reason: "timeout: " + err.Error()}
	}
	return Decision{Outcome: OutcomeUnclassified, Reason: err.Error()}
}
