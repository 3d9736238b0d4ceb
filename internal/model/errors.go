package model

import (
	"context"
	"errors"
	"fmt"
)

// Kind groups domain errors by how a caller should react to them.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindInsufficientFunds
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindCanceled:
		return "canceled"
	}
	return "internal"
}

// Error is a classified domain error. The sentinels below are compared by
// identity, so wrap them with %w to add context.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidAmount    = &Error{KindValidation, "invalid_amount", "amount must be positive"}
	ErrInvalidOutcome   = &Error{KindValidation, "invalid_outcome", "outcome must be yes or no"}
	ErrInvalidPrice     = &Error{KindValidation, "invalid_price", "prices must lie in (0, 1) and sum to 1"}
	ErrQuestionRequired = &Error{KindValidation, "question_required", "market question is required"}
	ErrUserRequired     = &Error{KindValidation, "user_required", "authenticated user id is required"}
	ErrHouseAccount     = &Error{KindValidation, "house_account", "the house account cannot place trades"}

	ErrMarketNotFound = &Error{KindNotFound, "market_not_found", "market not found"}
	ErrTradeNotFound  = &Error{KindNotFound, "trade_not_found", "trade not found"}

	ErrMarketAlreadyResolved = &Error{KindConflict, "market_already_resolved", "market is already resolved"}
	ErrMarketExists          = &Error{KindConflict, "market_exists", "market already exists"}
	ErrPositionLimit         = &Error{KindConflict, "position_limit_exceeded", "trade exceeds position limit"}
	ErrBusy                  = &Error{KindConflict, "busy", "resource is locked by another operation, retry later"}

	ErrInsufficientBalance = &Error{KindInsufficientFunds, "insufficient_balance", "insufficient balance"}

	ErrCanceled = &Error{KindCanceled, "request_canceled", "request canceled by the caller"}
)

// FromContext classifies the error of a done context. A deadline while
// waiting is contention and retryable; a cancellation is the caller leaving.
func FromContext(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrBusy, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %w", ErrCanceled, err)
	}
	return err
}

// KindOf classifies err. A bare context cancellation counts as canceled;
// other unclassified errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	return KindInternal
}

// CodeOf returns the machine-readable code of a classified error, or
// "internal_error".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) {
		return ErrCanceled.Code
	}
	return "internal_error"
}

// Retryable reports whether the caller may retry the same request unchanged.
// Only lock contention qualifies.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusy)
}
