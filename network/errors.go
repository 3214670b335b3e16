package network

import (
	"errors"
	"fmt"
)

// ErrNotReady is returned when the readiness poll runs out of attempts.
var ErrNotReady = errors.New("providers not ready")

// NetworkError is a transient failure that persisted through every attempt.
type NetworkError struct {
	Attempts   int
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error after %d attempt(s): HTTP %d", e.Attempts, e.StatusCode)
	}
	return fmt.Sprintf("network error after %d attempt(s): %s", e.Attempts, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ClientRequestError is a 4xx response. It is never retried.
type ClientRequestError struct {
	StatusCode int
	Body       string
}

func (e *ClientRequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// TimeoutError means the last attempt timed out.
type TimeoutError struct {
	Attempts int
	Err      error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %d attempt(s): %s", e.Attempts, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}
