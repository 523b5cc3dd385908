package payment

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Module errors.
var (
	ErrTransactionNotFound = errors.New("payment transaction not found")
	ErrRefundNotFound      = errors.New("payment refund not found")
	ErrDuplicateEvent      = errors.New("webhook event already recorded")
	ErrStaleTransition     = errors.New("stale status transition ignored")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrNotRefundable       = errors.New("payment is not refundable")
	ErrInvalidReason       = errors.New("invalid refund reason")
)

// InvariantViolation means an operation would break a monetary invariant,
// most commonly the refund-sum rule: succeeded-or-pending refunds against a
// transaction must never exceed its amount. Always a hard rejection for
// locally-initiated refunds; webhook-originated violations are persisted but
// flagged for manual review.
type InvariantViolation struct {
	TransactionID uuid.UUID
	Requested     decimal.Decimal
	Refunded      decimal.Decimal
	Amount        decimal.Decimal
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf(
		"refund of %s exceeds refundable balance on transaction %s (amount %s, already refunded %s)",
		e.Requested, e.TransactionID, e.Amount, e.Refunded,
	)
}
