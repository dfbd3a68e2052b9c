package service

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/maheshrc27/brandflow/internal/models"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
)

// NotFoundError names what could not be found. It matches ErrNotFound.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ValidationError reports a rejected input together with the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// InvalidStateError is returned when a transition finds the candidate in a
// status it cannot leave. It matches ErrInvalidState.
type InvalidStateError struct {
	CandidateID string
	Current     models.CandidateStatus
	Wanted      models.CandidateStatus
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("candidate %s is %s, cannot move to %s", e.CandidateID, e.Current, e.Wanted)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// PlatformError is a failed call to a social platform.
type PlatformError struct {
	Platform   models.Platform
	StatusCode int
	Message    string
	// Retryable marks transient failures: timeouts, 5xx, rate limiting.
	Retryable bool
	// Reauth marks failures caused by a revoked or expired token.
	Reauth bool
	Err    error
}

func (e *PlatformError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Platform, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

func (e *PlatformError) Unwrap() error { return e.Err }

// classifyStatus builds the PlatformError for a non-2xx platform response.
func classifyStatus(p models.Platform, status int, message string) *PlatformError {
	pe := &PlatformError{Platform: p, StatusCode: status, Message: message}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		pe.Reauth = true
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		pe.Retryable = true
	}
	return pe
}
