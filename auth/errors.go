package auth

import (
	apperrors "github.com/naotama2002/spotify-auth-go/internal/errors"
)

// FailureError is the error type returned for every failed attempt, exchange or refresh.
type FailureError = apperrors.AppError

// FailureKind categorises a FailureError.
type FailureKind = apperrors.ErrorType

const (
	KindCorrelation    = apperrors.CorrelationError
	KindProvider       = apperrors.ProviderError
	KindTransport      = apperrors.TransportError
	KindMissingToken   = apperrors.MissingTokenError
	KindTimeout        = apperrors.TimeoutError
	KindProtocol       = apperrors.ProtocolError
	KindDuplicateState = apperrors.DuplicateStateError
	KindConfiguration  = apperrors.ConfigurationError
	KindCancelled      = apperrors.CancelledError
	KindListener       = apperrors.ListenerError
)

const (
	reasonTimedOut       = "Authorization request has timed out."
	reasonCancelled      = "Authorization attempt was cancelled."
	reasonNoExchangeTok  = "Exchange token not returned by server."
	reasonNoAccessToken  = "Token had no access token attached."
	reasonNoRefreshToken = "No refresh token available."
)

// IsKind reports whether err carries a FailureError of the given kind.
func IsKind(err error, kind FailureKind) bool {
	return apperrors.IsType(err, kind)
}

// KindOf returns the FailureKind of err, or "" for foreign errors.
func KindOf(err error) FailureKind {
	return apperrors.TypeOf(err)
}

// NewConfigurationError reports an invalid Config.
func NewConfigurationError(message string) *FailureError {
	return apperrors.NewConfigurationError(message)
}
