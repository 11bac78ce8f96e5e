// README: Fare amounts shared across pricing, ride and driver modules.
package types

import "math"

// Money is a fare amount in the operating currency's major unit.
type Money float64

// Round rounds to the nearest whole unit.
func (m Money) Round() Money {
	return Money(math.Round(float64(m)))
}

// Cents rounds to two decimal places.
func (m Money) Cents() Money {
	return Money(math.Round(float64(m)*100) / 100)
}

// Share returns the given fraction of m rounded to cents.
func (m Money) Share(fraction float64) Money {
	return (m * Money(fraction)).Cents()
}
