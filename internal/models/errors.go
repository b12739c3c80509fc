package models

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is matched by every ValidationError and DuplicateRoleError.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition is matched by every InvalidTransitionError.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrPositionNotFound is returned when a position id is not tracked.
	ErrPositionNotFound = errors.New("position not found")
	// ErrRoleNotFound is returned when a role is not present on a position.
	ErrRoleNotFound = errors.New("role not found")
)

// ValidationError reports malformed input to a creation or attach operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrValidation) work.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DuplicateRoleError is returned when a role label is already taken within a position.
type DuplicateRoleError struct {
	PositionID string
	Role       string
}

func (e *DuplicateRoleError) Error() string {
	return fmt.Sprintf("validation failed: position %s already has a leg for role %q", shortID(e.PositionID), e.Role)
}

// Is makes errors.Is(err, ErrValidation) work.
func (e *DuplicateRoleError) Is(target error) bool {
	return target == ErrValidation
}

// InvalidTransitionError is returned when a leg cannot reach the requested status.
type InvalidTransitionError struct {
	LegID     string
	Role      string
	From      LegStatus
	To        LegStatus
	Condition string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for leg %s (%s) from %s to %s with condition '%s'",
		shortID(e.LegID), e.Role, e.From, e.To, e.Condition)
}

// Is makes errors.Is(err, ErrInvalidTransition) work.
func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
