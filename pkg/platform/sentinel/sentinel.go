package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores, lockers and publishers
// return these (optionally wrapped) so services can translate them into
// domain errors.
//
//   - ErrNotFound: no permission request or event exists for the id
//   - ErrConflict: a row with the same identity already exists
//   - ErrInvalidState: the lifecycle graph forbids the requested transition
//   - ErrLockTimeout: the per-permission critical section could not be acquired
//   - ErrUnavailable: backing service temporarily unavailable
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrInvalidState = errors.New("invalid state")
	ErrLockTimeout  = errors.New("lock timeout")
	ErrUnavailable  = errors.New("unavailable")
)
