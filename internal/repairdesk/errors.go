package repairdesk

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when RepairDesk answers 404 for an inventory item.
	ErrNotFound = errors.New("repairdesk: not found")
	// ErrRemoteUnavailable covers transport failures, timeouts and non-2xx answers.
	ErrRemoteUnavailable = errors.New("repairdesk: remote unavailable")
	// ErrMalformedResponse is returned when a 2xx body cannot be decoded.
	ErrMalformedResponse = errors.New("repairdesk: malformed response")
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("repairdesk: api key not configured")
)

// StatusError is a non-2xx answer. It matches ErrNotFound for 404 and
// ErrRemoteUnavailable otherwise.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("repairdesk %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("repairdesk %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return ErrRemoteUnavailable
}

// IsRetryable reports whether repeating the call could succeed. Client errors
// other than 408 and 429 are final, as are missing items and missing credentials.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotConfigured) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusRequestTimeout, se.StatusCode == http.StatusTooManyRequests:
			return true
		case se.StatusCode >= 400 && se.StatusCode < 500:
			return false
		}
		return true
	}
	return errors.Is(err, ErrRemoteUnavailable) || errors.Is(err, ErrMalformedResponse)
}
