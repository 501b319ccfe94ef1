package jira

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNotFound is returned when the issue no longer exists on the Jira side.
var ErrNotFound = errors.New("jira: issue not found")

// ErrUnknownTransition is returned when no workflow transition leads to the
// requested status.
var ErrUnknownTransition = errors.New("jira: no transition to requested status")

// APIError is a non-2xx answer from the Jira REST API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("jira api error (status %d): %s", e.StatusCode, e.Body)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// IsTemporary classifies err as a transient remote failure (timeouts, 5xx,
// rate limiting).
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}
