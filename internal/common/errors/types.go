// Package errors defines the closed set of typed failure conditions used across
// the connection lifecycle subsystem. Every public-facing rejection resolves to
// exactly one of these; untyped failures are wrapped as internal errors.
package errors

import (
	"fmt"
	"net/http"
	"strings"
)

// RecoveryAction tells a caller (human or machine) what to do about an error.
type RecoveryAction string

const (
	// RecoveryRefresh means the caller should refresh their view and retry
	RecoveryRefresh RecoveryAction = "refresh"
	// RecoveryRetry means the same request may succeed if retried later
	RecoveryRetry RecoveryAction = "retry"
	// RecoveryReauthorize means the user must run a fresh authorization flow
	RecoveryReauthorize RecoveryAction = "re_authorize"
	// RecoveryNone means retrying the same input will not help
	RecoveryNone RecoveryAction = "none"
)

// Stable machine codes for every failure condition in the subsystem.
const (
	CodeConnectionNotFound      = "CONNECTION_NOT_FOUND"
	CodeConnectionAlreadyExists = "CONNECTION_ALREADY_EXISTS"
	CodeInvalidOAuthState       = "INVALID_OAUTH_STATE"
	CodeTokenExchangeFailed     = "OAUTH_TOKEN_EXCHANGE_FAILED"
	CodeConnectionExpired       = "CONNECTION_EXPIRED"
	CodeConnectionRevoked       = "CONNECTION_REVOKED"
	CodeProviderUnavailable     = "PROVIDER_SERVICE_UNAVAILABLE"
	CodeQuotaExceeded           = "QUOTA_EXCEEDED"
	CodeTokenRefreshFailed      = "TOKEN_REFRESH_FAILED"
	CodeHealthCheckFailed       = "CONNECTION_HEALTH_CHECK_FAILED"
	CodeIdentityFetchFailed     = "IDENTITY_FETCH_FAILED"
	CodeDecryptionFailed        = "DECRYPTION_FAILED"
	CodeValidationFailed        = "VALIDATION_FAILED"
	CodeUnauthorized            = "UNAUTHORIZED"
	CodeInternal                = "INTERNAL_ERROR"
)

// AppError is a structured application error carrying both the technical detail
// (Message, Cause) and the user-safe surface (UserMessage, Recovery). The
// technical detail must never contain raw secret material; callers that build
// messages from provider responses are responsible for redaction before
// constructing an AppError.
type AppError struct {
	Code        string                 `json:"code"`
	Message     string                 `json:"message"`
	UserMessage string                 `json:"user_message"`
	Recovery    RecoveryAction         `json:"recovery_action"`
	HTTPStatus  int                    `json:"-"`
	Cause       error                  `json:"-"`
	Context     map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{e.Code, e.Message}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		contextParts := make([]string, 0, len(e.Context))
		for k, v := range e.Context {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, v))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// ConnectionNotFound creates the rejection for an unknown or foreign connection id.
// Ownership misses and genuine misses are indistinguishable on purpose.
func ConnectionNotFound(id string) *AppError {
	return &AppError{
		Code:        CodeConnectionNotFound,
		Message:     fmt.Sprintf("connection %s not found", id),
		UserMessage: "The requested mailbox connection was not found.",
		Recovery:    RecoveryNone,
		HTTPStatus:  http.StatusNotFound,
	}
}

// ConnectionAlreadyExists rejects a duplicate (user, email, provider) connection.
func ConnectionAlreadyExists(email, provider string) *AppError {
	return &AppError{
		Code:        CodeConnectionAlreadyExists,
		Message:     fmt.Sprintf("a live connection for %s via %s already exists", email, provider),
		UserMessage: "This mailbox is already connected to your account.",
		Recovery:    RecoveryNone,
		HTTPStatus:  http.StatusConflict,
	}
}

// InvalidOAuthState rejects a callback whose state token is unknown, expired or reused.
func InvalidOAuthState() *AppError {
	return &AppError{
		Code:        CodeInvalidOAuthState,
		Message:     "oauth state token is invalid, expired or already used",
		UserMessage: "Your authorization session expired. Please start connecting the mailbox again.",
		Recovery:    RecoveryReauthorize,
		HTTPStatus:  http.StatusBadRequest,
	}
}

// TokenExchangeFailed wraps any failure of the authorization-code exchange.
// Network blips and provider rejections deliberately share one condition.
func TokenExchangeFailed(cause error) *AppError {
	return &AppError{
		Code:        CodeTokenExchangeFailed,
		Message:     "authorization code exchange with the provider failed",
		UserMessage: "We could not complete the mailbox authorization. Please try connecting again.",
		Recovery:    RecoveryReauthorize,
		HTTPStatus:  http.StatusBadGateway,
		Cause:       cause,
	}
}

// ConnectionExpired signals a connection whose credential is past expiry.
func ConnectionExpired(id string) *AppError {
	return &AppError{
		Code:        CodeConnectionExpired,
		Message:     fmt.Sprintf("connection %s credentials are expired", id),
		UserMessage: "The mailbox connection expired. Refresh it or reconnect the mailbox.",
		Recovery:    RecoveryRefresh,
		HTTPStatus:  http.StatusUnauthorized,
	}
}

// ConnectionRevoked signals a provider-reported revocation. Terminal.
func ConnectionRevoked(id string) *AppError {
	return &AppError{
		Code:        CodeConnectionRevoked,
		Message:     fmt.Sprintf("connection %s was revoked by the provider", id),
		UserMessage: "Access to this mailbox was revoked. Please reconnect it.",
		Recovery:    RecoveryReauthorize,
		HTTPStatus:  http.StatusGone,
	}
}

// ProviderUnavailable signals a provider-side outage or timeout.
func ProviderUnavailable(cause error) *AppError {
	return &AppError{
		Code:        CodeProviderUnavailable,
		Message:     "the mail provider is currently unavailable",
		UserMessage: "The mail provider is temporarily unavailable. Please try again later.",
		Recovery:    RecoveryRetry,
		HTTPStatus:  http.StatusServiceUnavailable,
		Cause:       cause,
	}
}

// QuotaExceeded signals provider rate limiting.
func QuotaExceeded() *AppError {
	return &AppError{
		Code:        CodeQuotaExceeded,
		Message:     "provider request quota exceeded",
		UserMessage: "Too many requests to the mail provider. Please try again in a few minutes.",
		Recovery:    RecoveryRetry,
		HTTPStatus:  http.StatusTooManyRequests,
	}
}

// TokenRefreshFailed wraps any failure of the refresh-token grant.
func TokenRefreshFailed(cause error) *AppError {
	return &AppError{
		Code:        CodeTokenRefreshFailed,
		Message:     "refreshing the access token with the provider failed",
		UserMessage: "We could not refresh access to the mailbox. You may need to reconnect it.",
		Recovery:    RecoveryReauthorize,
		HTTPStatus:  http.StatusBadGateway,
		Cause:       cause,
	}
}

// HealthCheckFailed signals a failed connection validation probe.
func HealthCheckFailed(id string, cause error) *AppError {
	return &AppError{
		Code:        CodeHealthCheckFailed,
		Message:     fmt.Sprintf("health check for connection %s failed", id),
		UserMessage: "The mailbox connection is not responding. Please try again later.",
		Recovery:    RecoveryRetry,
		HTTPStatus:  http.StatusBadGateway,
		Cause:       cause,
	}
}

// IdentityFetchFailed signals that the provider identity endpoint returned no
// resolvable email address. A connection cannot be seeded without one.
func IdentityFetchFailed(cause error) *AppError {
	return &AppError{
		Code:        CodeIdentityFetchFailed,
		Message:     "could not resolve the mailbox identity from the provider",
		UserMessage: "We could not read the mailbox address from the provider. Please try connecting again.",
		Recovery:    RecoveryReauthorize,
		HTTPStatus:  http.StatusBadGateway,
		Cause:       cause,
	}
}

// DecryptionFailed signals tampered or corrupt ciphertext. Callers must treat
// the owning connection's credential as unusable and route it to error state.
func DecryptionFailed(cause error) *AppError {
	return &AppError{
		Code:        CodeDecryptionFailed,
		Message:     "stored credential could not be decrypted",
		UserMessage: "The stored mailbox credentials are unusable. Please reconnect the mailbox.",
		Recovery:    RecoveryReauthorize,
		HTTPStatus:  http.StatusInternalServerError,
		Cause:       cause,
	}
}

// ValidationFailed creates a validation error with the given technical message.
func ValidationFailed(msg string) *AppError {
	return &AppError{
		Code:        CodeValidationFailed,
		Message:     msg,
		UserMessage: "The request was invalid: " + msg,
		Recovery:    RecoveryNone,
		HTTPStatus:  http.StatusBadRequest,
	}
}

// Unauthorized rejects a request with missing or invalid credentials.
func Unauthorized(msg string) *AppError {
	return &AppError{
		Code:        CodeUnauthorized,
		Message:     msg,
		UserMessage: "Authentication is required for this request.",
		Recovery:    RecoveryNone,
		HTTPStatus:  http.StatusUnauthorized,
	}
}

// Internal wraps an unexpected failure.
func Internal(msg string, cause error) *AppError {
	return &AppError{
		Code:        CodeInternal,
		Message:     msg,
		UserMessage: "Something went wrong on our side. Please try again.",
		Recovery:    RecoveryRetry,
		HTTPStatus:  http.StatusInternalServerError,
		Cause:       cause,
	}
}

// IsCode checks if an error is an AppError with the given code.
func IsCode(err error, code string) bool {
	if err == nil {
		return false
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return false
	}

	return appErr.Code == code
}

// GetCode returns the machine code if err is an AppError, CodeInternal otherwise.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	appErr, ok := err.(*AppError)
	if !ok {
		return CodeInternal
	}

	return appErr.Code
}

// AsAppError converts any error into an AppError, wrapping unknown errors as internal.
func AsAppError(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return Internal("unexpected error", err)
}
