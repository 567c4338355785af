package types

import "fmt"

// ErrorType represents different categories of errors
type ErrorType string

const (
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeAuthorization  ErrorType = "authorization"
	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeConflict       ErrorType = "conflict"
	ErrorTypeInternal       ErrorType = "internal"
	ErrorTypeExternal       ErrorType = "external"
	ErrorTypeTimeout        ErrorType = "timeout"
)

// BridgeError represents a structured error in the bridge
type BridgeError struct {
	Type    ErrorType              `json:"type"`
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Cause   error                  `json:"-"`
}

// Error implements the error interface
func (e *BridgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// NewValidationError creates a new validation error
func NewValidationError(code, message string) *BridgeError {
	return &BridgeError{Type: ErrorTypeValidation, Code: code, Message: message}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(code, message string) *BridgeError {
	return &BridgeError{Type: ErrorTypeAuthentication, Code: code, Message: message}
}

// NewAuthorizationError creates a new authorization error
func NewAuthorizationError(code, message string) *BridgeError {
	return &BridgeError{Type: ErrorTypeAuthorization, Code: code, Message: message}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(code, message string) *BridgeError {
	return &BridgeError{Type: ErrorTypeNotFound, Code: code, Message: message}
}

// NewConflictError creates a new conflict error
func NewConflictError(code, message string) *BridgeError {
	return &BridgeError{Type: ErrorTypeConflict, Code: code, Message: message}
}

// NewInternalError creates a new internal error
func NewInternalError(code, message string, cause error) *BridgeError {
	return &BridgeError{Type: ErrorTypeInternal, Code: code, Message: message, Cause: cause}
}

// NewExternalError creates a new external error wrapping an upstream failure
func NewExternalError(code, message string, cause error) *BridgeError {
	return &BridgeError{Type: ErrorTypeExternal, Code: code, Message: message, Cause: cause}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(code, message string) *BridgeError {
	return &BridgeError{Type: ErrorTypeTimeout, Code: code, Message: message}
}

// Common error codes
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeExternalError   = "EXTERNAL_ERROR"
	ErrCodeConsentRequired = "CONSENT_REQUIRED"
	ErrCodeBadSignature    = "BAD_SIGNATURE"
	ErrCodeExpired         = "EXPIRED"
	ErrCodeTimeout         = "TIMEOUT"
)
