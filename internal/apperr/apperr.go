// Package apperr defines the error taxonomy shared by the connection,
// credit and ingestion components and its mapping to HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	CodeInvalidState              = "INVALID_STATE"
	CodeExternalAuthFailure       = "EXTERNAL_AUTH_FAILURE"
	CodeSecretOperationFailed     = "SECRET_OPERATION_FAILED"
	CodeSecretNotFound            = "SECRET_NOT_FOUND"
	CodeNoValidConnection         = "NO_VALID_CONNECTION"
	CodeInsufficientCredits       = "INSUFFICIENT_CREDITS"
	CodeNoCategoriesDefined       = "NO_CATEGORIES_DEFINED"
	CodeProviderFetchUnauthorized = "PROVIDER_FETCH_UNAUTHORIZED"
	CodeProviderFetchForbidden    = "PROVIDER_FETCH_FORBIDDEN"
	CodeProviderFetchFailed       = "PROVIDER_FETCH_FAILED"
	CodeUnsupportedProvider       = "UNSUPPORTED_PROVIDER"
	CodeNotFound                  = "NOT_FOUND"
	CodeConflict                  = "CONFLICT"
	CodeBadRequest                = "BAD_REQUEST"
	CodeUnauthorized              = "UNAUTHORIZED"
	CodeInternalError             = "INTERNAL_ERROR"
)

// AppError represents a structured application error
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	// ProviderStatus is the HTTP status returned by an upstream provider, if any.
	ProviderStatus int   `json:"-"`
	Err            error `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError with the same code.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// WithError attaches the underlying cause
func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// New creates an AppError
func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

// InvalidState is returned when an OAuth state parameter is missing, malformed or too old.
func InvalidState(reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidState,
		Message: fmt.Sprintf("invalid oauth state: %s", reason),
		Status:  http.StatusBadRequest,
	}
}

// ExternalAuthFailure is returned when the provider rejects a code or refresh token.
func ExternalAuthFailure(provider string, providerStatus int, err error) *AppError {
	return &AppError{
		Code:           CodeExternalAuthFailure,
		Message:        fmt.Sprintf("%s rejected the authorization request", provider),
		Status:         http.StatusBadGateway,
		ProviderStatus: providerStatus,
		Err:            err,
	}
}

// SecretOperationFailed hides storage internals behind a generic message.
func SecretOperationFailed(op string, err error) *AppError {
	return &AppError{
		Code:    CodeSecretOperationFailed,
		Message: fmt.Sprintf("secret %s failed", op),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// SecretNotFound is returned when a vault reference does not resolve.
func SecretNotFound(err error) *AppError {
	return &AppError{
		Code:    CodeSecretNotFound,
		Message: "secret not found",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func NoValidConnection(provider string) *AppError {
	return &AppError{
		Code:    CodeNoValidConnection,
		Message: fmt.Sprintf("no valid %s connection, please reconnect your account", provider),
		Status:  http.StatusConflict,
	}
}

func InsufficientCredits() *AppError {
	return &AppError{
		Code:    CodeInsufficientCredits,
		Message: "insufficient credits",
		Status:  http.StatusPaymentRequired,
	}
}

func NoCategoriesDefined() *AppError {
	return &AppError{
		Code:    CodeNoCategoriesDefined,
		Message: "no categories defined",
		Status:  http.StatusUnprocessableEntity,
	}
}

// ProviderFetch classifies a mailbox fetch failure by the provider HTTP status.
func ProviderFetch(provider string, providerStatus int, err error) *AppError {
	switch providerStatus {
	case http.StatusUnauthorized:
		return &AppError{
			Code:           CodeProviderFetchUnauthorized,
			Message:        fmt.Sprintf("%s access token was rejected, please reconnect your account", provider),
			Status:         http.StatusUnauthorized,
			ProviderStatus: providerStatus,
			Err:            err,
		}
	case http.StatusForbidden:
		return &AppError{
			Code:           CodeProviderFetchForbidden,
			Message:        fmt.Sprintf("insufficient permissions to read %s mail", provider),
			Status:         http.StatusForbidden,
			ProviderStatus: providerStatus,
			Err:            err,
		}
	default:
		return &AppError{
			Code:           CodeProviderFetchFailed,
			Message:        fmt.Sprintf("failed to fetch mail from %s, please try again later", provider),
			Status:         http.StatusBadGateway,
			ProviderStatus: providerStatus,
			Err:            err,
		}
	}
}

func UnsupportedProvider(provider string) *AppError {
	return &AppError{
		Code:    CodeUnsupportedProvider,
		Message: fmt.Sprintf("unsupported provider: %s", provider),
		Status:  http.StatusBadRequest,
	}
}

func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Status:  http.StatusConflict,
	}
}

func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func Unauthorized(message string) *AppError {
	if message == "" {
		message = "unauthorized"
	}
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

// Internal wraps an unexpected error; the cause is never shown to callers.
func Internal(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// As returns the AppError in err's chain, or an internal error wrapping err.
func As(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Internal(err)
}
