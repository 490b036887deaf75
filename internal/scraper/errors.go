package scraper

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound is returned when a job or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating a job whose id is taken.
	ErrAlreadyExists = errors.New("already exists")
	// ErrInvalidTransition is returned when a status change is not permitted,
	// most notably any change away from a terminal status.
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrSessionLost marks a navigation failure that invalidates the whole
	// browser session (crashed process, detached target).
	ErrSessionLost = errors.New("browser session lost")
	// ErrJobCanceled is the cancellation cause used when a caller cancels a job.
	ErrJobCanceled = errors.New("job canceled")
	// ErrQueueClosed is returned by a queue after shutdown.
	ErrQueueClosed = errors.New("queue closed")
)

// StatusError is an operational error that is safe to show to callers.
type StatusError struct {
	Code    int
	Message string
}

// NewStatusError builds a StatusError.
func NewStatusError(code int, message string) *StatusError {
	return &StatusError{Code: code, Message: message}
}

func (e *StatusError) Error() string {
	return e.Message
}

// ErrTooManyRequests is returned by the inbound rate limiter.
var ErrTooManyRequests = NewStatusError(http.StatusTooManyRequests, "Too many requests")

// HTTPStatus maps an error to a status code and a caller-safe message.
// Errors outside the operational taxonomy map to a generic 500.
func HTTPStatus(err error) (int, string) {
	var statusErr *StatusError
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.As(err, &statusErr):
		return statusErr.Code, statusErr.Message
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "job not found"
	case errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict, "job is already in a terminal state"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}
