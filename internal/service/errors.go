package service

import (
	"errors"
	"fmt"

	"marketpay/internal/repository"
)

// Business rule violations. Surfaced to the user, never retried.
var (
	ErrInvalidAmount           = errors.New("amount must be greater than zero")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInsufficientFrozen      = errors.New("frozen balance lower than settlement amount")
	ErrAlreadyRefunded         = errors.New("transaction already refunded")
	ErrInvalidTransactionState = errors.New("transaction state does not allow this operation")
	ErrUnsupportedMethod       = errors.New("unsupported payment method")
	ErrDeliveryNotConfirmed    = errors.New("shipment has not been delivered")
	ErrOrderConfirmed          = errors.New("order already confirmed")
	ErrRefundInProgress        = errors.New("refund already in progress, retry later")
)

// LedgerConsistencyError wraps any infrastructure failure inside an atomic
// unit of work. The unit has been rolled back when this is returned.
type LedgerConsistencyError struct {
	Op  string
	Err error
}

func (e *LedgerConsistencyError) Error() string {
	return fmt.Sprintf("ledger %s rolled back: %v", e.Op, e.Err)
}

func (e *LedgerConsistencyError) Unwrap() error {
	return e.Err
}

func isBusinessError(err error) bool {
	for _, target := range []error{
		ErrInvalidAmount,
		ErrInsufficientFunds,
		ErrInsufficientFrozen,
		ErrAlreadyRefunded,
		ErrInvalidTransactionState,
		ErrUnsupportedMethod,
		ErrDeliveryNotConfirmed,
		ErrOrderConfirmed,
		repository.ErrOrderNotFound,
		repository.ErrOrderStatusInvalid,
		repository.ErrTransactionNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func wrapUnitErr(op string, err error) error {
	if err == nil || isBusinessError(err) {
		return err
	}
	var lce *LedgerConsistencyError
	if errors.As(err, &lce) {
		return err
	}
	return &LedgerConsistencyError{Op: op, Err: err}
}
