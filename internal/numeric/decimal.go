// Package numeric holds the decimal helpers shared by every money, price and
// quantity calculation in the bot. All values are shopspring decimals; float64
// only appears at the indicator boundary.
package numeric

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrDivisionByZero is returned instead of producing an infinite or NaN result.
	ErrDivisionByZero = errors.New("division by zero")
	// ErrInvalidParameter flags a caller-supplied value outside its domain.
	ErrInvalidParameter = errors.New("invalid parameter")
)

var (
	half    = decimal.New(5, -1)
	hundred = decimal.NewFromInt(100)
)

// Hundred is the percent scale.
func Hundred() decimal.Decimal { return hundred }

// Div divides a by b and fails on a zero divisor.
func Div(a, b decimal.Decimal) (decimal.Decimal, error) {
	if b.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s / 0", ErrDivisionByZero, a.String())
	}
	return a.Div(b), nil
}

// DivOr divides a by b and returns fallback when b is zero.
func DivOr(a, b, fallback decimal.Decimal) decimal.Decimal {
	if b.IsZero() {
		return fallback
	}
	return a.Div(b)
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Clamp bounds v to [lo, hi]. When lo > hi the upper bound wins.
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	return Min(Max(v, lo), hi)
}

// RoundHalfUp rounds to the given number of decimal places, ties toward +inf.
func RoundHalfUp(v decimal.Decimal, places int32) decimal.Decimal {
	shift := decimal.New(1, places)
	return v.Mul(shift).Add(half).Floor().Div(shift)
}

// RoundToStep rounds v to the nearest multiple of step using round(v/step)*step
// with ties rounded up.
func RoundToStep(v, step decimal.Decimal) (decimal.Decimal, error) {
	if !step.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: step %s must be positive", ErrInvalidParameter, step.String())
	}
	return v.Div(step).Add(half).Floor().Mul(step), nil
}

// FloorToStep rounds v down to a multiple of step.
func FloorToStep(v, step decimal.Decimal) (decimal.Decimal, error) {
	if !step.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: step %s must be positive", ErrInvalidParameter, step.String())
	}
	return v.Div(step).Floor().Mul(step), nil
}

// CeilToStep rounds v up to a multiple of step.
func CeilToStep(v, step decimal.Decimal) (decimal.Decimal, error) {
	if !step.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: step %s must be positive", ErrInvalidParameter, step.String())
	}
	return v.Div(step).Ceil().Mul(step), nil
}

// Pct returns part/whole*100, or zero when whole is zero.
func Pct(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Div(whole).Mul(hundred)
}

// PowInt raises base to a non-negative integer power.
func PowInt(base decimal.Decimal, n int) decimal.Decimal {
	out := decimal.NewFromInt(1)
	for i := 0; i < n; i++ {
		out = out.Mul(base)
	}
	return out
}

// Parse reads a decimal from an exchange string field. Empty input is zero.
func Parse(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q is not a decimal", ErrInvalidParameter, s)
	}
	return d, nil
}

// FromFloat converts an indicator value into a decimal.
func FromFloat(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// ToFloat converts a decimal for indicator math.
func ToFloat(d decimal.Decimal) float64 {
	return d.InexactFloat64()
}

// Sum adds all values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
	}
	return total
}
