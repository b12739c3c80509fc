package models

// Greeks holds first and second order sensitivities.
type Greeks struct {
	Delta float64 `json:"delta"`
	Gamma float64 `json:"gamma"`
	Theta float64 `json:"theta"`
	Vega  float64 `json:"vega"`
}

// Add returns the element-wise sum of g and o.
func (g Greeks) Add(o Greeks) Greeks {
	return Greeks{
		Delta: g.Delta + o.Delta,
		Gamma: g.Gamma + o.Gamma,
		Theta: g.Theta + o.Theta,
		Vega:  g.Vega + o.Vega,
	}
}

// Scale multiplies every component by f.
func (g Greeks) Scale(f float64) Greeks {
	return Greeks{
		Delta: g.Delta * f,
		Gamma: g.Gamma * f,
		Theta: g.Theta * f,
		Vega:  g.Vega * f,
	}
}

// IsZero reports whether all components are zero.
func (g Greeks) IsZero() bool {
	return g == Greeks{}
}

// Quote is what the pricing collaborator returns for one contract of a leg.
type Quote struct {
	Greeks
	MarkPrice float64 `json:"mark_price"`
}

// PricingFunc prices a single leg. It may fail per leg.
type PricingFunc func(leg *Leg) (Quote, error)
