// Package tickgrid aligns prices onto an instrument's tick grid. Futures
// venues reject orders whose price is not a whole multiple of the contract
// tick, and VWAP-derived bracket prices routinely carry sub-tick fractions.
package tickgrid

import "github.com/shopspring/decimal"

// Ceil aligns price upward to the next grid level. A price already on the
// grid is returned unchanged; a non-positive tick disables alignment.
func Ceil(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Ceil().Mul(tick)
}

// Floor aligns price downward to the previous grid level. A price already
// on the grid is returned unchanged; a non-positive tick disables alignment.
func Floor(price, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return price
	}
	return price.Div(tick).Floor().Mul(tick)
}

// Aligned reports whether price sits exactly on the tick grid.
func Aligned(price, tick decimal.Decimal) bool {
	if !tick.IsPositive() {
		return true
	}
	return price.Mod(tick).IsZero()
}
