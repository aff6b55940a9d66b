package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage is returned when an inbound body matches no known shape
	ErrMalformedMessage = errors.New("malformed message")

	// ErrDelegation wraps every failure of the downstream generation call
	ErrDelegation = errors.New("generation service error")

	// ErrInvalidResponse is returned when the generator answers 200 with an unusable body
	ErrInvalidResponse = errors.New("invalid generation response")

	// ErrSerialization is returned when a result envelope cannot be encoded
	ErrSerialization = errors.New("failed to serialize result envelope")
)

// StatusError carries a non-200 status returned by the generation service
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the status is worth another attempt
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
