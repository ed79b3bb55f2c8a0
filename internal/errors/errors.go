package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrValidation   = errors.New("validation failed")
	ErrGateway      = errors.New("payment gateway failure")
	ErrConflict     = errors.New("conflicting state")
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrConcurrency  = errors.New("state changed, retry required")
	ErrInternal     = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeGateway       ErrorType = "gateway"
	ErrorTypeConflict      ErrorType = "conflict"
	ErrorTypeNotFound      ErrorType = "not_found"
	ErrorTypeAuthorization ErrorType = "authorization"
	ErrorTypeConcurrency   ErrorType = "concurrency"
	ErrorTypeInternal      ErrorType = "internal"
)

// BillingError is a structured error for billing and entitlement operations
type BillingError struct {
	Type     ErrorType
	Op       string // Operation that failed (e.g., "verify transaction", "add branches")
	Resource string // Resource identifier where applicable (tenant/branch id, reference)
	Err      error  // Underlying error
}

func (e *BillingError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Resource, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *BillingError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *BillingError) Is(target error) bool {
	if target == nil {
		return false
	}

	// Check base error types
	switch target {
	case ErrValidation:
		return e.Type == ErrorTypeValidation
	case ErrGateway:
		return e.Type == ErrorTypeGateway
	case ErrConflict:
		return e.Type == ErrorTypeConflict
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized, ErrForbidden:
		return e.Type == ErrorTypeAuthorization
	case ErrConcurrency:
		return e.Type == ErrorTypeConcurrency
	}

	// Check wrapped error
	return errors.Is(e.Err, target)
}

// New creates a new BillingError
func New(errorType ErrorType, op, resource string, err error) *BillingError {
	return &BillingError{
		Type:     errorType,
		Op:       op,
		Resource: resource,
		Err:      err,
	}
}

// Helper constructors

// Validationf creates a validation error from a format string; rejected
// before any gateway call or state mutation.
func Validationf(op, format string, args ...any) error {
	return New(ErrorTypeValidation, op, "", fmt.Errorf(format, args...))
}

// NotFoundf creates a not-found error for the given resource
func NotFoundf(op, resource, format string, args ...any) error {
	return New(ErrorTypeNotFound, op, resource, fmt.Errorf(format, args...))
}

// WrapGateway wraps a payment gateway failure with operation context
func WrapGateway(op string, err error) error {
	return New(ErrorTypeGateway, op, "", err)
}

// Conflictf creates a conflict error; surfaced, never auto-resolved
func Conflictf(op, resource, format string, args ...any) error {
	return New(ErrorTypeConflict, op, resource, fmt.Errorf(format, args...))
}

// Concurrencyf creates a concurrency error; the caller must re-read and retry
func Concurrencyf(op, format string, args ...any) error {
	return New(ErrorTypeConcurrency, op, "", fmt.Errorf(format, args...))
}

// Unauthorizedf creates an authorization error
func Unauthorizedf(op, format string, args ...any) error {
	return New(ErrorTypeAuthorization, op, "", fmt.Errorf(format, args...))
}

// TypeOf returns the taxonomy category of err, or ErrorTypeInternal for
// errors outside the taxonomy.
func TypeOf(err error) ErrorType {
	var billErr *BillingError
	if errors.As(err, &billErr) {
		return billErr.Type
	}
	switch {
	case errors.Is(err, ErrValidation):
		return ErrorTypeValidation
	case errors.Is(err, ErrGateway):
		return ErrorTypeGateway
	case errors.Is(err, ErrConflict):
		return ErrorTypeConflict
	case errors.Is(err, ErrNotFound):
		return ErrorTypeNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrForbidden):
		return ErrorTypeAuthorization
	case errors.Is(err, ErrConcurrency):
		return ErrorTypeConcurrency
	}
	return ErrorTypeInternal
}

// HTTPStatus maps an error to the status code the API surfaces it with
func HTTPStatus(err error) int {
	switch TypeOf(err) {
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeGateway:
		return http.StatusBadGateway
	case ErrorTypeConflict, ErrorTypeConcurrency:
		return http.StatusConflict
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeAuthorization:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether the caller may retry the operation as-is.
// Gateway failures are transient; everything else needs a changed request.
func IsRetryable(err error) bool {
	return TypeOf(err) == ErrorTypeGateway
}

// IsNotFound checks if an error is a not-found error
func IsNotFound(err error) bool {
	return TypeOf(err) == ErrorTypeNotFound
}

// IsConflict checks if an error is a conflict error
func IsConflict(err error) bool {
	return TypeOf(err) == ErrorTypeConflict
}

// IsValidation checks if an error is a validation error
func IsValidation(err error) bool {
	return TypeOf(err) == ErrorTypeValidation
}
