// Package amount provides settlement-token parsing and formatting.
//
// The settlement token has 8 decimal places. Prices travel through the
// service as decimal.Decimal and cross the ledger wire as big.Int counts of
// the smallest unit (1 token = 100,000,000 units).
package amount

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// Decimals is the settlement token's fractional precision.
const Decimals = 8

var (
	ErrInvalid   = errors.New("amount: invalid decimal")
	ErrNegative  = errors.New("amount: negative value")
	ErrPrecision = errors.New("amount: more than 8 fractional digits")
)

// Parse converts a decimal string (e.g. "92.5") into a Decimal, rejecting
// negatives and sub-unit precision instead of silently truncating.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	if err := Check(d); err != nil {
		return decimal.Zero, err
	}
	return d, nil
}

// Check reports whether d is a representable settlement amount.
func Check(d decimal.Decimal) error {
	if d.IsNegative() {
		return ErrNegative
	}
	if !d.Equal(d.Truncate(Decimals)) {
		return ErrPrecision
	}
	return nil
}

// ToUnits converts d into smallest units. d must pass Check.
func ToUnits(d decimal.Decimal) (*big.Int, error) {
	if err := Check(d); err != nil {
		return nil, err
	}
	return d.Shift(Decimals).BigInt(), nil
}

// FromUnits converts smallest units back into a Decimal.
func FromUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -Decimals)
}

// Format renders d with exactly 8 fractional digits (e.g. "92.50000000").
func Format(d decimal.Decimal) string {
	return d.StringFixed(Decimals)
}
