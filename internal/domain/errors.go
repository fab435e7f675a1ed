package domain

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the domain layer. API handlers map these to
// machine-readable error kinds via ErrorKind.
var (
	ErrNotFound          = fmt.Errorf("ring not found")
	ErrDuplicateAddress  = fmt.Errorf("address already registered")
	ErrDeviceUnavailable = fmt.Errorf("ring is not connected")
	ErrTransportTimeout  = fmt.Errorf("device operation timed out")
	ErrTransportFailure  = fmt.Errorf("device unreachable")
	ErrCancelled         = fmt.Errorf("operation cancelled")
	ErrInvalidInput      = fmt.Errorf("invalid input")
	ErrStorage           = fmt.Errorf("storage failure")
)

// DomainError wraps a sentinel error with operation context.
type DomainError struct {
	Op     string // operation name (e.g., "Registry.Register")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsTransport reports whether err is a transport-level failure that the
// state machine converts into a transition rather than propagating.
func IsTransport(err error) bool {
	return errors.Is(err, ErrTransportTimeout) || errors.Is(err, ErrTransportFailure)
}

// ErrorKind returns the machine-readable error kind for API responses.
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrDuplicateAddress):
		return "duplicate_address"
	case errors.Is(err, ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, ErrTransportTimeout):
		return "transport_timeout"
	case errors.Is(err, ErrTransportFailure):
		return "transport_failure"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrStorage):
		return "storage_failure"
	default:
		return "internal"
	}
}
