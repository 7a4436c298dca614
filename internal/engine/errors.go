package engine

import (
	"fmt"

	"github.com/peergrid/collab-server-go/collab"
)

// The error taxonomy is part of the engine contract: every rejection is
// surfaced to the originating participant explicitly, never swallowed.
// Transports use errors.As to map these onto wire error codes.

// ValidationError rejects malformed input (create requests, operation bounds).
// The offending action is not applied.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func validationErrorf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// NotFoundError reports an unknown or already-reaped session token.
type NotFoundError struct {
	Token string
}

func (e *NotFoundError) Error() string { return "session not found: " + e.Token }

// UnknownParticipantError reports an action from a participant ID that is
// not (or no longer) registered with the session.
type UnknownParticipantError struct {
	ParticipantID string
}

func (e *UnknownParticipantError) Error() string {
	return "unknown participant: " + e.ParticipantID
}

// CapacityError rejects a join against a full session. Clients may retry
// after a participant leaves.
type CapacityError struct {
	Token    string
	Capacity int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("session %s is full (capacity %d)", e.Token, e.Capacity)
}

// ForbiddenError reports a permission-gate rejection.
type ForbiddenError struct {
	Action Action
	Reason string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("forbidden %s: %s", e.Action, e.Reason)
}

// ConflictError rejects a mutation whose base version is too far behind the
// buffer to transform. It carries the authoritative snapshot; the client must
// resynchronize from it before re-submitting.
type ConflictError struct {
	BaseVersion int64
	Version     int64
	Snapshot    collab.SessionSnapshot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("mutation base version %d cannot be transformed onto version %d", e.BaseVersion, e.Version)
}

// FatalError marks corrupt session state. The session is forced to reap and
// every participant receives a terminal error.
type FatalError struct {
	Token  string
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("session %s corrupt: %s", e.Token, e.Reason)
}
