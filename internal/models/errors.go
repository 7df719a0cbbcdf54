package models

import (
	"errors"
	"fmt"
)

// ErrorCode classifies billing failures.
type ErrorCode string

const (
	ErrCodeInsufficientBalance   ErrorCode = "insufficient_balance"
	ErrCodeSpendingLimitExceeded ErrorCode = "spending_limit_exceeded"
	ErrCodePaymentFailed         ErrorCode = "payment_failed"
	ErrCodeCardDeclined          ErrorCode = "card_declined"
	ErrCodeRequiresAction        ErrorCode = "requires_action"
	ErrCodeDatabase              ErrorCode = "database_error"
	ErrCodeValidation            ErrorCode = "validation_error"
	ErrCodeLockTimeout           ErrorCode = "timeout"
)

// BillingError is a classified business failure. Provider and contention
// failures travel as BillingError values and never abort the enclosing
// transaction; database and programmer errors stay plain wrapped errors and
// do.
type BillingError struct {
	Code      ErrorCode
	Message   string
	Retryable bool
	// ActionURL is set when the provider requires out-of-band authentication
	// (3-D Secure); the caller should redirect rather than retry.
	ActionURL string
}

func (e *BillingError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewBillingError builds a classified failure.
func NewBillingError(code ErrorCode, retryable bool, format string, args ...interface{}) *BillingError {
	return &BillingError{Code: code, Message: fmt.Sprintf(format, args...), Retryable: retryable}
}

// ErrCustomerBusy is returned when the customer lock cannot be acquired
// within the configured wait ceiling. It is retryable by definition.
var ErrCustomerBusy = &BillingError{
	Code:      ErrCodeLockTimeout,
	Message:   "customer billing state is busy, retry shortly",
	Retryable: true,
}

// ErrAuthenticationRequired blocks server-initiated retries of a charge the
// customer has not completed authentication for.
var ErrAuthenticationRequired = &BillingError{
	Code:      ErrCodeRequiresAction,
	Message:   "payment requires customer authentication, cannot retry server-side",
	Retryable: false,
}

// AsBillingError unwraps err to a BillingError if it is one.
func AsBillingError(err error) (*BillingError, bool) {
	var be *BillingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// IsRetryable reports whether err is a retryable billing failure.
func IsRetryable(err error) bool {
	if be, ok := AsBillingError(err); ok {
		return be.Retryable
	}
	return false
}
