// Package util holds price helpers for building broker orders.
package util

import (
	"math"

	"github.com/shopspring/decimal"
)

// optionTickBreak is the premium at which listed options switch from nickel to dime ticks.
const optionTickBreak = 3.00

func usable(x, tick float64) bool {
	return tick > 0 && !math.IsNaN(x) && !math.IsInf(x, 0) && !math.IsNaN(tick) && !math.IsInf(tick, 0)
}

// snap divides x by tick in decimal so that values a hair off a boundary
// (1.2999999999999 for a 0.05 tick) land on it.
func snap(x, tick float64, round func(decimal.Decimal) decimal.Decimal) float64 {
	t := decimal.NewFromFloat(tick)
	steps := decimal.NewFromFloat(x).Div(t).Round(8)
	return round(steps).Mul(t).InexactFloat64()
}

// RoundToTick rounds x to the nearest tick; ties round away from zero.
func RoundToTick(x, tick float64) float64 {
	if !usable(x, tick) {
		return x
	}
	return snap(x, tick, func(d decimal.Decimal) decimal.Decimal { return d.Round(0) })
}

// FloorToTick rounds x down to a tick multiple.
func FloorToTick(x, tick float64) float64 {
	if !usable(x, tick) {
		return x
	}
	return snap(x, tick, decimal.Decimal.Floor)
}

// CeilToTick rounds x up to a tick multiple.
func CeilToTick(x, tick float64) float64 {
	if !usable(x, tick) {
		return x
	}
	return snap(x, tick, decimal.Decimal.Ceil)
}

// OptionTick returns the standard listed-option tick for a premium.
func OptionTick(price float64) float64 {
	if math.Abs(price) < optionTickBreak {
		return 0.05
	}
	return 0.10
}
