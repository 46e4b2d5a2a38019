// Package apperror classifies the failures of the flash-sale queue.
package apperror

import (
	"errors"
	"fmt"
)

const (
	// CodeValidation: malformed request or ineligible item. Never retried.
	CodeValidation = "VALIDATION"
	// CodeNotFound: ticket or item absent.
	CodeNotFound = "NOT_FOUND"
	// CodeReservationFailed: the inventory reservoir could not be reached.
	CodeReservationFailed = "RESERVATION_FAILED"
	// CodeOrderWriteFailed: the order writer failed after stock was taken.
	CodeOrderWriteFailed = "ORDER_WRITE_FAILED"
	// CodeMalformedTicket: a stored ticket record does not parse.
	CodeMalformedTicket = "MALFORMED_TICKET"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeUnavailable     = "UNAVAILABLE"
	CodeInternal        = "INTERNAL"
)

// AppError carries a code the HTTP layer and the worker switch on.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
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

// Is matches on code so that wrapped instances compare equal to sentinels.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func New(code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

var (
	ErrItemNotEligible = New(CodeValidation, "item is not a flash-sale item")
	ErrInvalidUser     = New(CodeValidation, "user id is required")
	ErrInvalidItem     = New(CodeValidation, "item id must be positive")
	ErrItemNotFound    = New(CodeNotFound, "item not found")
	ErrTicketNotFound  = New(CodeNotFound, "ticket not found")
	ErrUnauthorized    = New(CodeUnauthorized, "invalid internal token")
	ErrInternalAPIOff  = New(CodeUnavailable, "internal api token is not configured")
)

// CodeOf returns the code of the first AppError in err's chain, or
// CodeInternal for anything unclassified.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func IsValidation(err error) bool { return CodeOf(err) == CodeValidation }

func IsNotFound(err error) bool { return CodeOf(err) == CodeNotFound }

func IsMalformed(err error) bool { return CodeOf(err) == CodeMalformedTicket }
