// Package money converts between decimal currency amounts and the integer
// minor-unit (cents) representation the processor wire protocol uses.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrInvalidAmount is returned for amounts that cannot be represented on the
// wire: zero, negative, or carrying sub-cent precision.
var ErrInvalidAmount = errors.New("invalid amount")

var centFactor = decimal.NewFromInt(100)

// ToMinorUnits converts a decimal amount to integer minor units (cents).
// The amount must be positive and have at most two decimal places.
func ToMinorUnits(amount decimal.Decimal) (int64, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return 0, fmt.Errorf("%w: amount must be positive, got %s", ErrInvalidAmount, amount)
	}
	cents := amount.Mul(centFactor)
	if !cents.IsInteger() {
		return 0, fmt.Errorf("%w: amount %s has sub-cent precision", ErrInvalidAmount, amount)
	}
	return cents.IntPart(), nil
}

// FromMinorUnits converts integer minor units back to a decimal amount with
// two decimal places. It is the exact inverse of ToMinorUnits.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Div(centFactor)
}
