package common

import (
	"errors"
	"net/http"
)

// Error kinds shared by the booking core. Wrap them in an AppError so callers can both
// match with errors.Is and render a stable code over HTTP.
var (
	ErrValidation          = errors.New("validation failed")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrConflict            = errors.New("already booked")
	ErrGateway             = errors.New("settlement gateway unavailable")
	ErrLedgerIntegrity     = errors.New("ledger integrity violation")
	ErrNotFound            = errors.New("not found")
	ErrInvalidTransition   = errors.New("invalid state transition")
)

// AppError represents an error with an attached code and HTTP status.
type AppError struct {
	Code       string
	Message    string
	HTTPStatus int
	Err        error
	Details    any
	Kind       error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap allows errors.Is/As to inspect the underlying error and the kind.
func (e *AppError) Unwrap() []error {
	if e == nil {
		return nil
	}
	var out []error
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// NewAppError constructs an AppError.
func NewAppError(code, message string, status int, err error) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: status, Err: err}
}

// IsAppError checks whether the error is an AppError.
func IsAppError(err error) bool {
	var target *AppError
	return errors.As(err, &target)
}

// ValidationError rejects malformed input before any side effect happens.
func ValidationError(message string, details any) *AppError {
	return &AppError{Code: "VALIDATION_FAILED", Message: message, HTTPStatus: http.StatusBadRequest, Details: details, Kind: ErrValidation}
}

// InsufficientCreditsError reports a debit larger than the available balance.
func InsufficientCreditsError(message string, details any) *AppError {
	return &AppError{Code: "INSUFFICIENT_CREDITS", Message: message, HTTPStatus: http.StatusUnprocessableEntity, Details: details, Kind: ErrInsufficientCredits}
}

// ConflictError reports an existing confirmed booking for the same user and date.
func ConflictError(message string, details any) *AppError {
	return &AppError{Code: "ALREADY_BOOKED", Message: message, HTTPStatus: http.StatusConflict, Details: details, Kind: ErrConflict}
}

// GatewayError wraps failures talking to the external settlement processor. Retryable.
func GatewayError(message string, err error) *AppError {
	return &AppError{Code: "GATEWAY_UNAVAILABLE", Message: message, HTTPStatus: http.StatusBadGateway, Err: err, Kind: ErrGateway}
}

// LedgerIntegrityError signals that a user's ledger no longer reconciles. Debits stay halted
// for that user until an operator intervenes.
func LedgerIntegrityError(message string, details any) *AppError {
	return &AppError{Code: "LEDGER_INTEGRITY", Message: message, HTTPStatus: http.StatusInternalServerError, Details: details, Kind: ErrLedgerIntegrity}
}

// NotFoundError reports a missing entity.
func NotFoundError(message string) *AppError {
	return &AppError{Code: "NOT_FOUND", Message: message, HTTPStatus: http.StatusNotFound, Kind: ErrNotFound}
}

// InvalidTransitionError reports an attempt to move a booking out of a state that does not allow it.
func InvalidTransitionError(message string, details any) *AppError {
	return &AppError{Code: "INVALID_STATE", Message: message, HTTPStatus: http.StatusConflict, Details: details, Kind: ErrInvalidTransition}
}

// WriteError renders err with the canonical error shape. Errors that are not AppErrors
// become a generic retryable 500.
func WriteError(w http.ResponseWriter, err error) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		status := appErr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		JSONError(w, status, appErr.Code, appErr.Message, appErr.Details)
		return
	}
	JSONError(w, http.StatusInternalServerError, "INTERNAL", "something went wrong, please retry", nil)
}
