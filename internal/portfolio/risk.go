package portfolio

import (
	"sort"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// AggregateGreeks prices one position outside the lock. Any pricing failure
// yields zero Greeks and a warning so risk checks keep running.
func (b *Book) AggregateGreeks(id string, pricing models.PricingFunc) models.Greeks {
	p, ok := b.Position(id)
	if !ok {
		b.logger.WithField("position_id", id).Warn("Greeks requested for unknown position")
		return models.Greeks{}
	}
	return b.positionGreeks(p, pricing)
}

func (b *Book) positionGreeks(p *models.Position, pricing models.PricingFunc) models.Greeks {
	g, err := p.AggregateGreeks(pricing)
	if err != nil {
		b.logger.WithFields(logrus.Fields{
			"position_id": p.ID,
			"strategy":    p.Strategy,
		}).WithError(err).Warn("Pricing failed, using zero Greeks for position")
		return models.Greeks{}
	}
	return g
}

// PortfolioGreeks sums AggregateGreeks over every non-closed position.
func (b *Book) PortfolioGreeks(pricing models.PricingFunc) models.Greeks {
	var total models.Greeks
	for _, p := range b.OpenPositions() {
		total = total.Add(b.positionGreeks(p, pricing))
	}
	return total
}

// GroupExposure is the live footprint of one correlation group.
type GroupExposure struct {
	Group     string `json:"group"`
	Positions int    `json:"positions"`
	OpenLegs  int    `json:"open_legs"`
}

// CorrelationExposure counts live positions and open legs per correlation group.
func (b *Book) CorrelationExposure() map[string]GroupExposure {
	out := make(map[string]GroupExposure)
	for _, p := range b.OpenPositions() {
		g := out[p.CorrelationGroup]
		g.Group = p.CorrelationGroup
		g.Positions++
		g.OpenLegs += len(p.OpenLegs())
		out[p.CorrelationGroup] = g
	}
	return out
}

// LegSummary is the dashboard view of one leg.
type LegSummary struct {
	FillTime       time.Time        `json:"fill_time,omitempty"`
	FillPrice      *float64         `json:"fill_price,omitempty"`
	ExitPrice      *float64         `json:"exit_price,omitempty"`
	ID             string           `json:"id"`
	Role           string           `json:"role"`
	Symbol         string           `json:"symbol"`
	Status         models.LegStatus `json:"status"`
	Quantity       int              `json:"quantity"`
	FilledQuantity int              `json:"filled_quantity"`
	ClosedQuantity int              `json:"closed_quantity,omitempty"`
	CloseRetry     bool             `json:"close_retry,omitempty"`
}

// PositionSummary is a read-only projection of a position.
type PositionSummary struct {
	EntryTime        time.Time              `json:"entry_time,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	RealizedPnL      decimal.Decimal        `json:"realized_pnl"`
	ID               string                 `json:"id"`
	Strategy         string                 `json:"strategy"`
	CorrelationGroup string                 `json:"correlation_group,omitempty"`
	Status           models.LifecycleStatus `json:"status"`
	Legs             []LegSummary           `json:"legs"`
	RolledLegs       int                    `json:"rolled_legs"`
}

// Summarize builds the projection for one position.
func Summarize(p *models.Position) PositionSummary {
	s := PositionSummary{
		ID:               p.ID,
		Strategy:         p.Strategy,
		CorrelationGroup: p.CorrelationGroup,
		Status:           p.Status(),
		CreatedAt:        p.CreatedAt,
		EntryTime:        p.EntryTime(),
		RealizedPnL:      p.RealizedPnL(),
		RolledLegs:       len(p.RolledLegs),
	}
	for _, leg := range p.Legs {
		s.Legs = append(s.Legs, LegSummary{
			ID:             leg.ID,
			Role:           leg.Role,
			Symbol:         leg.Symbol(),
			Status:         leg.Status,
			Quantity:       leg.Quantity,
			FilledQuantity: leg.FilledQuantity,
			ClosedQuantity: leg.ClosedQuantity,
			FillPrice:      leg.FillPrice,
			ExitPrice:      leg.ExitPrice,
			FillTime:       leg.FillTime,
			CloseRetry:     leg.CloseRetry,
		})
	}
	return s
}

// Summary projects every tracked position, oldest first.
func (b *Book) Summary() []PositionSummary {
	positions := b.Positions()
	sort.SliceStable(positions, func(i, j int) bool {
		return positions[i].CreatedAt.Before(positions[j].CreatedAt)
	})
	out := make([]PositionSummary, 0, len(positions))
	for _, p := range positions {
		out = append(out, Summarize(p))
	}
	return out
}
