package upload

import (
	"errors"
	"fmt"
	"strings"
)

// ErrSessionNotFound is returned when no upload session exists for the id.
var ErrSessionNotFound = errors.New("upload session not found")

// ErrSessionExpired is returned when a session is past its expires_at.
var ErrSessionExpired = errors.New("upload session expired")

// ErrAlreadyProcessed marks an idempotent no-op: the work was already done.
// Callers treat it as success.
var ErrAlreadyProcessed = errors.New("already processed")

// ErrStorageUnavailable marks a transient storage backend failure. Safe to
// retry; the async pipeline retries it with backoff.
var ErrStorageUnavailable = errors.New("storage unavailable")

// ValidationError is returned for malformed client input.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// QuotaExceededError is returned when a reservation would break one of the
// user's limits. Limit names the violated limit.
type QuotaExceededError struct {
	Limit string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Limit)
}

// InvalidTransitionError is returned for any state change not in the
// transition table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %q to %q", e.From, e.To)
}

// IntegrityError carries the itemized list of verification failures for a
// stored object that does not match its reservation.
type IntegrityError struct {
	Issues []string
}

func (e *IntegrityError) Error() string {
	return "integrity mismatch: " + strings.Join(e.Issues, "; ")
}

// ContentValidationError marks a permanent finalization failure: the object
// content is not what the session declared. Never retried.
type ContentValidationError struct {
	Reason string
}

func (e *ContentValidationError) Error() string {
	return "content validation failed: " + e.Reason
}
