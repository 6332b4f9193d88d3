package models

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrPermission          = errors.New("permission denied")
	ErrUnauthenticated     = errors.New("unauthenticated")
	ErrSelfJoin            = errors.New("owner cannot join own ride")
	ErrAlreadyJoined       = errors.New("already joined")
	ErrNotJoined           = errors.New("not joined")
	ErrNoSeatsAvailable    = errors.New("no seats available")
	ErrRideHasPassengers   = errors.New("ride has passengers")
	ErrTimeout             = errors.New("operation timed out")
	ErrReservationConflict = errors.New("reservation conflict")
	// ErrConcurrentModification is returned by stores when the expected version
	// is stale. The reservation service retries on it and never surfaces it.
	ErrConcurrentModification = errors.New("concurrent modification")
)

// FieldError describes one rejected input field.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError lists every rejected field of a malformed input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Add(field, reason string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: reason})
}

// OrNil returns e when it carries at least one field error.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// InvariantError means a mutation would have left a ride inconsistent.
type InvariantError struct {
	RideID string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("ride %s invariant violated: %s", e.RideID, e.Reason)
}
