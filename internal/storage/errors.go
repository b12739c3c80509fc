package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by a BlobStore when a key does not exist.
	ErrNotFound = errors.New("blob not found")
	// ErrNoSnapshot is returned when no snapshot has been written yet.
	ErrNoSnapshot = errors.New("no snapshot found")
	// ErrCorruptSnapshot is returned when a snapshot envelope is not valid JSON.
	ErrCorruptSnapshot = errors.New("corrupt snapshot")
)

// SerializationError reports a position (and, when known, the leg) that could not be
// serialized or did not survive a round trip.
type SerializationError struct {
	Err        error
	PositionID string
	LegID      string
	Role       string
}

func (e *SerializationError) Error() string {
	if e.LegID != "" {
		return fmt.Sprintf("serialize position %s leg %s (%s): %v", e.PositionID, e.LegID, e.Role, e.Err)
	}
	return fmt.Sprintf("serialize position %s: %v", e.PositionID, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// IncompatibleSnapshotError is returned when a snapshot carries an unknown schema version.
type IncompatibleSnapshotError struct {
	Found    string
	Expected string
	Key      string
}

func (e *IncompatibleSnapshotError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("incompatible snapshot %s: schema version %q, expected %q", e.Key, e.Found, e.Expected)
	}
	return fmt.Sprintf("incompatible snapshot: schema version %q, expected %q", e.Found, e.Expected)
}

// UnrecoveredRecord is a position that could not be restored.
type UnrecoveredRecord struct {
	Err        error  `json:"-"`
	PositionID string `json:"position_id,omitempty"`
	Reason     string `json:"reason"`
	Index      int    `json:"index"`
}
