package chat

import (
	"errors"
	"fmt"
)

// ErrInvalidInput is returned for requests rejected before any provider call.
var ErrInvalidInput = errors.New("invalid input")

// Stages reported in StageError.
const (
	StageValidate   = "validate"
	StageMemory     = "memory"
	StageRetrieval  = "retrieval"
	StageCompletion = "completion"
)

// StageError records where a chat operation failed and for which session.
type StageError struct {
	Stage     string
	SessionID string
	Err       error
}

func (e *StageError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("chat %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("chat %s (session %s): %v", e.Stage, e.SessionID, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func invalid(sessionID, format string, args ...any) error {
	return &StageError{
		Stage:     StageValidate,
		SessionID: sessionID,
		Err:       fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...)),
	}
}

// Warnings attached to replies that were answered in a degraded mode.
const (
	WarnRetrievalUnavailable = "retrieval_unavailable"
	WarnMemoryUnavailable    = "memory_unavailable"
	WarnMemoryNotPersisted   = "memory_not_persisted"
)
