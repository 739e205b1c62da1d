package domain

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Callers match with errors.Is.
var (
	ErrInvalidRequest       = errors.New("invalid request")
	ErrDimensionMismatch    = errors.New("dimension mismatch")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrProvider             = errors.New("provider error")
	ErrTimeout              = errors.New("timeout")
)

// ValidationError wraps a sentinel with context.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError wrapping ErrInvalidRequest.
func NewValidationError(field, value, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: fmt.Errorf("%w: %s", ErrInvalidRequest, reason)}
}

// DimensionMismatchError reports a vector whose length differs from the
// generation's dimension.
type DimensionMismatchError struct {
	RecordID string
	Want     int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("dimension mismatch: want %d, got %d", e.Want, e.Got)
	}
	return fmt.Sprintf("dimension mismatch: record %s: want %d, got %d", e.RecordID, e.Want, e.Got)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// ProviderError is a failed call to a remote embedding or generation model.
type ProviderError struct {
	Provider   string
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProvider }

// NewProviderError classifies a provider failure. Rate limits and server
// errors are retryable; so are transport failures that were not caused by the
// caller's context ending.
func NewProviderError(provider, op string, status int, err error) *ProviderError {
	retryable := false
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		retryable = true
	case status == 0:
		retryable = !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
	}
	return &ProviderError{Provider: provider, Op: op, StatusCode: status, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is a ProviderError marked retryable.
func IsRetryable(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Retryable
}
