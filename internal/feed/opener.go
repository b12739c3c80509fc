package feed

import (
	"errors"
	"fmt"

	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/sirupsen/logrus"
)

// ErrEntriesBlocked is returned when reconciliation has blocked new entries.
var ErrEntriesBlocked = errors.New("feed: new entries blocked by reconciliation")

// OpenLeg is one leg of an open request.
type OpenLeg struct {
	Role       string            `json:"role"`
	OrderRef   string            `json:"order_ref,omitempty"`
	Instrument models.Instrument `json:"instrument"`
	Price      float64           `json:"price"`
	Quantity   int               `json:"quantity"`
	Multiplier int               `json:"multiplier"`
}

// OpenRequest asks the manager to track a new multi-leg position.
type OpenRequest struct {
	Strategy         string    `json:"strategy"`
	CorrelationGroup string    `json:"correlation_group,omitempty"`
	Legs             []OpenLeg `json:"legs"`
}

// Ledger is the book surface used to open positions.
type Ledger interface {
	Open(strategy, correlationGroup string, legs ...*models.Leg) (*models.Position, error)
}

// EntryGate reports whether new positions may be opened.
type EntryGate interface {
	BlockNewEntries() bool
}

// Opener turns open requests into tracked positions.
type Opener struct {
	ledger Ledger
	gate   EntryGate
	logger logrus.FieldLogger
}

// NewOpener creates an opener. gate may be nil.
func NewOpener(ledger Ledger, gate EntryGate, logger logrus.FieldLogger) *Opener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Opener{ledger: ledger, gate: gate, logger: logger.WithField("component", "feed")}
}

// Open validates the request and tracks the position. Entry order refs
// carried by the request are attached before the position is tracked.
func (o *Opener) Open(req OpenRequest) (*models.Position, error) {
	if o.gate != nil && o.gate.BlockNewEntries() {
		o.logger.WithField("strategy", req.Strategy).Error("Open request refused: new entries blocked")
		return nil, ErrEntriesBlocked
	}
	if len(req.Legs) == 0 {
		return nil, &models.ValidationError{Field: "legs", Reason: "at least one leg is required"}
	}
	legs := make([]*models.Leg, 0, len(req.Legs))
	for i, l := range req.Legs {
		mult := l.Multiplier
		if mult == 0 {
			mult = 100
		}
		leg, err := models.NewLeg(l.Role, l.Instrument, l.Quantity, mult, l.Price)
		if err != nil {
			return nil, fmt.Errorf("leg %d: %w", i, err)
		}
		if l.OrderRef != "" {
			if err := leg.MarkWorking(l.OrderRef); err != nil {
				return nil, fmt.Errorf("leg %d: %w", i, err)
			}
		}
		legs = append(legs, leg)
	}
	p, err := o.ledger.Open(req.Strategy, req.CorrelationGroup, legs...)
	if err != nil {
		return nil, err
	}
	o.logger.WithFields(logrus.Fields{
		"position_id": p.ID,
		"strategy":    p.Strategy,
		"legs":        len(p.Legs),
	}).Info("Position opened from feed")
	return p, nil
}
