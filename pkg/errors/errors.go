// Package apperrors defines the standardized error kinds of the core.
package apperrors

import (
	"errors"
	"fmt"
)

// Standardized exchange and order errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidSymbol        = errors.New("invalid symbol")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrExchangeMaintenance  = errors.New("exchange maintenance")
	ErrOrderNotFound        = errors.New("order not found")
	ErrInvalidOrderParams   = errors.New("invalid order parameter")
	ErrInvalidTransition    = errors.New("invalid order state transition")
	ErrOrderDenied          = errors.New("order denied")
)

// Retryable wraps err to mark it as a transient transport failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return fmt.Sprintf("retryable: %v", e.err) }
func (e *retryableError) Unwrap() error { return e.err }

// IsRetryable reports whether err is a transient failure worth retrying.
// Network errors and rate limits count; authentication failures never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var r *retryableError
	if errors.As(err, &r) {
		return true
	}
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrExchangeMaintenance)
}

// IsFatal reports whether err should take the bot to ERROR immediately.
func IsFatal(err error) bool {
	return errors.Is(err, ErrAuthenticationFailed)
}
