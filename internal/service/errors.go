package service

import (
	"errors"
	"fmt"
)

// Client-input failures detected before any upstream call.
var (
	// ErrUnsupportedContentType is returned when an image request is not declared as JSON.
	ErrUnsupportedContentType = errors.New("unsupported content type: expected application/json")

	// ErrInvalidJSON is returned when an image request body is not a single JSON object.
	ErrInvalidJSON = errors.New("invalid JSON body")
)

// MissingFieldError reports a required body parameter that is absent or falsy.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return "missing required field: " + e.Field
}

// UpstreamError wraps a transport-level failure talking to the upstream:
// refused connections, DNS failures, timeouts and cancellations.
type UpstreamError struct {
	Upstream string
	Err      error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("fetch from %s API: %v", e.Upstream, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}
