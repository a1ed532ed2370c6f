package retry

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCategory is the normalized failure taxonomy of region connector
// adapters.
type ErrorCategory string

const (
	// ErrorTimeout: the administrator took too long to respond
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorRateLimited: too many requests
	ErrorRateLimited ErrorCategory = "rate_limited"

	// ErrorProviderOutage: the administrator's API is unavailable
	ErrorProviderOutage ErrorCategory = "provider_outage"

	// ErrorAuthentication: the grant behind the permission is no longer
	// valid (expired or revoked credentials, forbidden resource)
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorBadInput: the request carries values the administrator rejects
	ErrorBadInput ErrorCategory = "bad_input"

	// ErrorNotFound: the metering point or customer does not exist
	ErrorNotFound ErrorCategory = "not_found"

	// ErrorInternal: anything the adapter could not classify
	ErrorInternal ErrorCategory = "internal"
)

// AdapterError wraps an adapter failure with its category.
type AdapterError struct {
	Category    ErrorCategory
	ConnectorID string
	Message     string
	StatusCode  int
	Underlying  error
}

func (e *AdapterError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("connector %s [%s]: %s: %v", e.ConnectorID, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("connector %s [%s]: %s", e.ConnectorID, e.Category, e.Message)
}

func (e *AdapterError) Unwrap() error {
	return e.Underlying
}

func NewAdapterError(category ErrorCategory, connectorID, message string, underlying error) *AdapterError {
	return &AdapterError{
		Category:    category,
		ConnectorID: connectorID,
		Message:     message,
		Underlying:  underlying,
	}
}

// FromStatus categorizes an HTTP response from a permission administrator.
func FromStatus(connectorID string, statusCode int, message string) *AdapterError {
	var category ErrorCategory
	switch {
	case statusCode == http.StatusTooManyRequests:
		category = ErrorRateLimited
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusGatewayTimeout:
		category = ErrorTimeout
	case statusCode >= 500:
		category = ErrorProviderOutage
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		category = ErrorAuthentication
	case statusCode == http.StatusNotFound:
		category = ErrorNotFound
	case statusCode == http.StatusBadRequest, statusCode == http.StatusUnprocessableEntity:
		category = ErrorBadInput
	default:
		category = ErrorInternal
	}
	return &AdapterError{
		Category:    category,
		ConnectorID: connectorID,
		Message:     message,
		StatusCode:  statusCode,
	}
}

// GetCategory extracts the category from err, defaulting to ErrorInternal.
func GetCategory(err error) ErrorCategory {
	var ae *AdapterError
	if errors.As(err, &ae) {
		return ae.Category
	}
	return ErrorInternal
}
