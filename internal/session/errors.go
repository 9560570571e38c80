package session

import (
	"errors"
	"fmt"
)

// Sentinel errors for session operations.
var (
	// ErrBinaryNotFound indicates no analyzer executable could be located.
	ErrBinaryNotFound = errors.New("analyzer binary not found")

	// ErrSpawnFailed indicates the analyzer could not be started.
	ErrSpawnFailed = errors.New("analyzer spawn failed")

	// ErrProcessCrashed indicates the analyzer exited without being asked to.
	ErrProcessCrashed = errors.New("analyzer process crashed")

	// ErrSessionClosed indicates the session has been detached.
	ErrSessionClosed = errors.New("session closed")

	// ErrNotAttached indicates the buffer has no session.
	ErrNotAttached = errors.New("buffer not attached")

	// ErrNoFold indicates no fold contains the requested line.
	ErrNoFold = errors.New("no fold at line")
)

// AttachError reports why a buffer could not be attached.
type AttachError struct {
	Buffer BufferID
	Err    error
}

// Error implements the error interface.
func (e *AttachError) Error() string {
	return fmt.Sprintf("attach buffer %d: %v", e.Buffer, e.Err)
}

// Unwrap returns the underlying error.
func (e *AttachError) Unwrap() error {
	return e.Err
}
