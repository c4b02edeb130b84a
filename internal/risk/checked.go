package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

// MaxAmount is the largest representable amount, 2^256 - 1. Fixed-point
// values are unsigned whole numbers in [0, MaxAmount]; any intermediate that
// leaves that range is an overflow, never a silent wrap.
var MaxAmount = decimal.RequireFromString(
	"115792089237316195423570985008687907853269984665640564039457584007913129639935")

// ValidateAmount checks that v is a positive whole number within range.
func ValidateAmount(v decimal.Decimal) error {
	if !v.IsPositive() || !v.IsInteger() {
		return fmt.Errorf("%w: %s must be a positive whole number", model.ErrInvalidAmount, v)
	}
	if v.GreaterThan(MaxAmount) {
		return fmt.Errorf("%w: %s exceeds maximum amount", model.ErrArithmeticOverflow, v)
	}
	return nil
}

// Mul returns a*b or ErrArithmeticOverflow if the product leaves range.
func Mul(a, b decimal.Decimal) (decimal.Decimal, error) {
	r := a.Mul(b)
	if r.GreaterThan(MaxAmount) || r.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s * %s", model.ErrArithmeticOverflow, a, b)
	}
	return r, nil
}

// Add returns a+b or ErrArithmeticOverflow if the sum leaves range.
func Add(a, b decimal.Decimal) (decimal.Decimal, error) {
	r := a.Add(b)
	if r.GreaterThan(MaxAmount) || r.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: %s + %s", model.ErrArithmeticOverflow, a, b)
	}
	return r, nil
}

// Sub returns a-b or ErrArithmeticOverflow if the result would be negative.
func Sub(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.GreaterThan(a) {
		return decimal.Zero, fmt.Errorf("%w: %s - %s underflows", model.ErrArithmeticOverflow, a, b)
	}
	return a.Sub(b), nil
}

// Quo is integer division truncating toward zero. A zero divisor is reported
// as an arithmetic error instead of panicking.
func Quo(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: division of %s by zero", model.ErrArithmeticOverflow, a)
	}
	q, _ := a.QuoRem(b, 0)
	return q, nil
}

// MulDiv computes a*b/c with the product checked before the divide.
func MulDiv(a, b, c decimal.Decimal) (decimal.Decimal, error) {
	p, err := Mul(a, b)
	if err != nil {
		return decimal.Zero, err
	}
	return Quo(p, c)
}
