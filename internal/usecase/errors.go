package usecase

import "fmt"

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	ErrorRateLimited  ErrorCode = "RATE_LIMITED"
	ErrorUpstream     ErrorCode = "UPSTREAM_ERROR"
	ErrorInternal     ErrorCode = "INTERNAL_ERROR"
	ErrorGeneration   ErrorCode = "GENERATION_FAILED"
	ErrorDelivery     ErrorCode = "DELIVERY_FAILED"
)

// Error is the typed turn failure surfaced to the caller. Retryable marks
// failures where re-invoking the turn with the same event id is safe: the
// inbound message is already recorded under an idempotent sequence key, so
// a retry regenerates the reply without duplicating history.
type Error struct {
	Code      ErrorCode
	Reason    string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

func newRetryableError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Retryable: true, Err: err}
}
