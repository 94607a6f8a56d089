// Package indicator computes technical indicators over price windows.
package indicator

import (
	"github.com/shopspring/decimal"
)

// SMAOf returns the mean of the last period values, or false if there are
// fewer than period values.
func SMAOf(values []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period < 1 || len(values) < period {
		return decimal.Zero, false
	}
	sum := decimal.Zero
	for _, v := range values[len(values)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period))), true
}

// Highest returns the maximum of the last period values.
func Highest(values []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period < 1 || len(values) < period {
		return decimal.Zero, false
	}
	window := values[len(values)-period:]
	high := window[0]
	for _, v := range window[1:] {
		if v.GreaterThan(high) {
			high = v
		}
	}
	return high, true
}

// Lowest returns the minimum of the last period values.
func Lowest(values []decimal.Decimal, period int) (decimal.Decimal, bool) {
	if period < 1 || len(values) < period {
		return decimal.Zero, false
	}
	window := values[len(values)-period:]
	low := window[0]
	for _, v := range window[1:] {
		if v.LessThan(low) {
			low = v
		}
	}
	return low, true
}

// StdDevOf returns the population standard deviation and mean of the last
// period values.
func StdDevOf(values []decimal.Decimal, period int) (stddev, mean decimal.Decimal, ok bool) {
	mean, ok = SMAOf(values, period)
	if !ok {
		return decimal.Zero, decimal.Zero, false
	}
	var sumSquares decimal.Decimal
	for _, v := range values[len(values)-period:] {
		diff := v.Sub(mean)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	return sqrt(sumSquares.Div(decimal.NewFromInt(int64(period)))), mean, true
}

// sqrt uses Newton's method, rounded to 8 places.
func sqrt(d decimal.Decimal) decimal.Decimal {
	if !d.IsPositive() {
		return decimal.Zero
	}

	two := decimal.NewFromInt(2)
	epsilon := decimal.New(1, -8)
	guess := d.Div(two)
	if guess.IsZero() {
		guess = decimal.NewFromInt(1)
	}

	for i := 0; i < 100; i++ {
		next := guess.Add(d.Div(guess)).Div(two)
		if next.Sub(guess).Abs().LessThan(epsilon) {
			return next.Round(8)
		}
		guess = next
	}
	return guess.Round(8)
}
