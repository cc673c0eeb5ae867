package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeTransport         = "TRANSPORT_ERROR"
	ErrCodeMalformedPayload  = "MALFORMED_PAYLOAD"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeEvaluation        = "EVALUATION_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
)

// Error is the structured error type for all pulse operations.
type Error struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Scope   string         `json:"scope,omitempty"`
	Cause   error          `json:"-"`
}

func (e *Error) Error() string {
	if e.Scope != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Scope, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether repeating the operation that produced e can
// succeed. Only transport and timeout failures qualify.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeTransport, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithScope attaches the stream scope the error belongs to.
func (e *Error) WithScope(s Scope) *Error {
	e.Scope = s.String()
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}
