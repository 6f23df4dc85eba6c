package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of an authorization failure
type ErrorType string

const (
	// CorrelationError means a callback carried a state that no pending attempt owns
	CorrelationError ErrorType = "correlation_error"
	// ProviderError means the callback or token response itself carried an error
	ProviderError ErrorType = "provider_error"
	// TransportError means the token endpoint could not be reached after retries
	TransportError ErrorType = "transport_error"
	// MissingTokenError means a response parsed fine but had no access token
	MissingTokenError ErrorType = "missing_token_error"
	// TimeoutError means no resolution arrived within the wait window
	TimeoutError ErrorType = "timeout_error"
	// ProtocolError means a response could not be parsed into a token
	ProtocolError ErrorType = "protocol_error"
	// DuplicateStateError means a state value is already registered
	DuplicateStateError ErrorType = "duplicate_state_error"
	// ConfigurationError represents configuration problems
	ConfigurationError ErrorType = "configuration_error"
	// CancelledError means the attempt was cancelled or superseded
	CancelledError ErrorType = "cancelled_error"
	// ListenerError means the callback listener could not be bound
	ListenerError ErrorType = "listener_error"
)

// AppError represents a structured authorization error
type AppError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	StatusCode int       `json:"status_code,omitempty"`
	Cause      error     `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Reason returns the short human-readable failure reason without the type prefix.
func (e *AppError) Reason() string {
	return e.Message
}

// New creates a new AppError
func New(errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, errorType ErrorType, message string) *AppError {
	return &AppError{
		Type:    errorType,
		Message: message,
		Cause:   err,
	}
}

// WithDetails adds details to an AppError
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithStatusCode attaches the HTTP status code of the response that caused the error
func (e *AppError) WithStatusCode(code int) *AppError {
	e.StatusCode = code
	return e
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// As finds the first AppError in err's chain
func As(err error, target **AppError) bool {
	return stderrors.As(err, target)
}

// TypeOf returns the ErrorType of err, or "" when err carries no AppError
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// NewCorrelationError reports a callback for an unknown state
func NewCorrelationError(state string) *AppError {
	return New(CorrelationError, fmt.Sprintf("Unable to find auth request with state \"%s\"", state)).
		WithStatusCode(http.StatusInternalServerError)
}

// NewProviderError reports an error returned by the authorization server
func NewProviderError(code, description string) *AppError {
	msg := code
	if description != "" {
		msg = code + " " + description
	}
	return New(ProviderError, msg)
}

// NewTransportError wraps a network failure that survived every retry
func NewTransportError(err error, attempts int) *AppError {
	return Wrap(err, TransportError, fmt.Sprintf("token request failed after %d attempt(s)", attempts))
}

// NewMissingTokenError reports a token response without an access token
func NewMissingTokenError(message string) *AppError {
	return New(MissingTokenError, message)
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(message string) *AppError {
	return New(TimeoutError, message).WithStatusCode(http.StatusRequestTimeout)
}

// NewProtocolError reports an unparseable response
func NewProtocolError(message string) *AppError {
	return New(ProtocolError, message)
}

// NewDuplicateStateError reports a state collision in the registry
func NewDuplicateStateError(state string) *AppError {
	return New(DuplicateStateError, fmt.Sprintf("state %q is already registered", state))
}

// NewConfigurationError creates a configuration error
func NewConfigurationError(message string) *AppError {
	return New(ConfigurationError, message)
}

// NewCancelledError reports a cancelled attempt
func NewCancelledError(message string) *AppError {
	return New(CancelledError, message)
}

// NewListenerError wraps a failure to bind or serve the callback listener
func NewListenerError(err error, addr string) *AppError {
	return Wrap(err, ListenerError, "failed to start callback listener").WithDetails(addr)
}
