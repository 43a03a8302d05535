// Package errs defines the engine's error taxonomy. Synchronous operations
// surface these to the caller unchanged; batch jobs log them and move on.
package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeInternal   ErrorType = "internal"
)

// AppError is a structured engine error carrying a stable machine code
// alongside the human message.
type AppError struct {
	Type       ErrorType `json:"type"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Cause      error     `json:"-"`
	StatusCode int       `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is lets sentinel comparisons match on type+code so wrapped instances still
// satisfy errors.Is against the predefined errors below.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if !errors.As(target, &other) {
		return false
	}
	return e.Type == other.Type && e.Code == other.Code
}

func (e *AppError) WithCause(cause error) *AppError {
	clone := *e
	clone.Cause = cause
	return &clone
}

func NewValidationError(code, message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Code: code, Message: message, StatusCode: http.StatusBadRequest}
}

func NewNotFoundError(code, resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       code,
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{Type: ErrorTypeConflict, Code: "CONFLICT", Message: message, StatusCode: http.StatusConflict}
}

func NewInternalError(message string) *AppError {
	return &AppError{Type: ErrorTypeInternal, Code: "INTERNAL_ERROR", Message: message, StatusCode: http.StatusInternalServerError}
}

// Predefined engine errors. Ownership filtering means a mortgage belonging to
// another user is reported exactly like a missing one.
var (
	ErrInvalidInput       = NewValidationError("INVALID_INPUT", "invalid input provided")
	ErrMortgageNotFound   = NewNotFoundError("MORTGAGE_NOT_FOUND", "mortgage")
	ErrPropertyNotFound   = NewNotFoundError("PROPERTY_NOT_FOUND", "property")
	ErrPaymentNotFound    = NewNotFoundError("PAYMENT_NOT_FOUND", "payment")
	ErrMortgageInactive   = NewConflictError("mortgage is not active")
	ErrLedgerInconsistent = &AppError{
		Type:       ErrorTypeInternal,
		Code:       "LEDGER_INCONSISTENT",
		Message:    "mortgage balance does not reconcile with principal paid to date",
		StatusCode: http.StatusInternalServerError,
	}
)

// IsType reports whether err is an AppError of the given type.
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// StatusCode maps an error to an HTTP status, defaulting to 500 for anything
// outside the taxonomy.
func StatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
