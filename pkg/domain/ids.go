package domain

import (
	"strings"

	"github.com/google/uuid"

	dErrors "consentflow/pkg/domain-errors"
)

// PermissionID identifies a permission request. It is generated once, when the
// request is created, and never reused.
type PermissionID uuid.UUID

// NewPermissionID returns a fresh random permission id.
func NewPermissionID() PermissionID {
	return PermissionID(uuid.New())
}

// ParsePermissionID constructs a PermissionID from external input.
//
// Errors: returns CodeInvalidInput when the value is empty, malformed, or the
// nil UUID.
func ParsePermissionID(s string) (PermissionID, error) {
	if strings.TrimSpace(s) == "" {
		return PermissionID{}, dErrors.New(dErrors.CodeInvalidInput, "permission id cannot be empty")
	}
	parsed, err := uuid.Parse(s)
	if err != nil {
		return PermissionID{}, dErrors.New(dErrors.CodeInvalidInput, "invalid permission id")
	}
	if parsed == uuid.Nil {
		return PermissionID{}, dErrors.New(dErrors.CodeInvalidInput, "permission id cannot be nil")
	}
	return PermissionID(parsed), nil
}

func (id PermissionID) String() string {
	return uuid.UUID(id).String()
}

func (id PermissionID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id PermissionID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *PermissionID) UnmarshalText(b []byte) error {
	parsed, err := ParsePermissionID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ConnectionID is the consumer-supplied correlation id of a permission request.
type ConnectionID string

// DataNeedID names the data need a permission request asks for.
type DataNeedID string

// RegionConnectorID names the adapter that owns a permission request, e.g. "fr-enedis".
type RegionConnectorID string

func (id RegionConnectorID) String() string {
	return string(id)
}
