package util

import (
	"math"
	"testing"
)

type tickCase struct {
	name     string
	x        float64
	tick     float64
	expected float64
}

func runTickCases(t *testing.T, fn func(x, tick float64) float64, fnName string, tests []tickCase) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := fn(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("%s(%v, %v) = %v, expected %v", fnName, tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestRoundToTick(t *testing.T) {
	runTickCases(t, RoundToTick, "RoundToTick", []tickCase{
		{"basic rounding down", 1.2345, 0.01, 1.23},
		{"tie rounds away from zero", 1.235, 0.01, 1.24},
		{"negative tie rounds away from zero", -1.235, 0.01, -1.24},
		{"larger tick size", 1.27, 0.05, 1.25},
		{"exact multiple", 1.25, 0.05, 1.25},
	})
}

func TestFloorToTick(t *testing.T) {
	runTickCases(t, FloorToTick, "FloorToTick", []tickCase{
		{"exact multiple", 1.30, 0.05, 1.30},
		{"float precision boundary - just below", 1.2999999999999, 0.05, 1.30},
		{"just above tick boundary", 1.2500000000001, 0.05, 1.25},
		{"basic floor", 1.237, 0.01, 1.23},
		{"negative values", -1.237, 0.01, -1.24},
	})
}

func TestCeilToTick(t *testing.T) {
	runTickCases(t, CeilToTick, "CeilToTick", []tickCase{
		{"exact multiple", 1.30, 0.05, 1.30},
		{"float precision boundary - just above", 1.2500000000001, 0.05, 1.25},
		{"just below tick boundary", 1.2999999999999, 0.05, 1.30},
		{"basic ceil", 1.231, 0.01, 1.24},
		{"negative values", -1.231, 0.01, -1.23},
	})
}

func TestTickRoundingEdgeCases(t *testing.T) {
	for name, fn := range map[string]func(float64, float64) float64{
		"RoundToTick": RoundToTick, "FloorToTick": FloorToTick, "CeilToTick": CeilToTick,
	} {
		if got := fn(1.2345, 0); got != 1.2345 {
			t.Errorf("%s with zero tick = %v, expected input", name, got)
		}
		if got := fn(math.NaN(), 0.01); !math.IsNaN(got) {
			t.Errorf("%s(NaN) = %v, expected NaN", name, got)
		}
		if got := fn(math.Inf(1), 0.01); !math.IsInf(got, 1) {
			t.Errorf("%s(+Inf) = %v, expected +Inf", name, got)
		}
	}
}

func TestOptionTick(t *testing.T) {
	if got := OptionTick(2.95); got != 0.05 {
		t.Errorf("OptionTick(2.95) = %v, want 0.05", got)
	}
	if got := OptionTick(3.00); got != 0.10 {
		t.Errorf("OptionTick(3.00) = %v, want 0.10", got)
	}
}
