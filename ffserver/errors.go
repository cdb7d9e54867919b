package ffserver

import (
	"fmt"
	"net/http"
	"time"
)

// HTTPStatusError is implemented by errors that map to a specific HTTP response status.
type HTTPStatusError interface {
	error
	HTTPStatus() int
}

type statusError struct {
	message string
	status  int
}

func (e *statusError) Error() string   { return e.message }
func (e *statusError) HTTPStatus() int { return e.status }

var (
	// ErrNotFound means there is no flag with the requested key.
	ErrNotFound error = &statusError{"flag not found", http.StatusNotFound}

	// ErrAlreadyExists means a flag with the key being created already exists.
	ErrAlreadyExists error = &statusError{"flag already exists", http.StatusConflict}

	// ErrMissingToken means an update did not carry a LastKnownUpdatedAt token. The error is
	// returned wrapped in a *MissingTokenError; test for it with errors.Is.
	ErrMissingToken error = &statusError{"lastKnownUpdatedAt is required to update a flag", http.StatusBadRequest}
)

// MissingTokenError is returned by Service.Update when the update has no LastKnownUpdatedAt.
// Current is the stored flag's UpdatedAt.
type MissingTokenError struct {
	Current time.Time
}

func (e *MissingTokenError) Error() string { return ErrMissingToken.Error() }

// Is makes errors.Is(err, ErrMissingToken) true.
func (e *MissingTokenError) Is(target error) bool { return target == ErrMissingToken }

// HTTPStatus implements HTTPStatusError.
func (e *MissingTokenError) HTTPStatus() int { return http.StatusBadRequest }

// ConflictError is returned by Service.Update when LastKnownUpdatedAt does not equal the stored
// flag's UpdatedAt, meaning someone else modified the flag first. Current is the stored value;
// the caller should reload the flag and resubmit.
type ConflictError struct {
	Current time.Time
}

func (e *ConflictError) Error() string {
	return "flag has been modified by another request; refresh and retry"
}

// HTTPStatus implements HTTPStatusError.
func (e *ConflictError) HTTPStatus() int { return http.StatusConflict }

// ValidationError describes an invalid flag definition.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// HTTPStatus implements HTTPStatusError.
func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }
