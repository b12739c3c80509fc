// Package mock provides a paper broker for running the manager without a
// host platform: closing orders fill after a delay at their limit price and
// leg marks follow a small random walk.
package mock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	minMark      = 0.01
	maxDriftStep = 0.02 // fraction of the mark per quote
)

// FillSink receives simulated fills.
type FillSink interface {
	OnFillEvent(ctx context.Context, ev broker.FillEvent) error
}

// PaperBroker is an in-process broker.Broker.
type PaperBroker struct {
	positions map[string]*broker.PositionItem
	marks     map[string]float64
	pending   []paperFill
	sink      FillSink
	logger    logrus.FieldLogger
	now       func() time.Time
	fillDelay time.Duration
	mu        sync.Mutex
}

var _ broker.Broker = (*PaperBroker)(nil)

// NewPaperBroker creates an empty paper account.
func NewPaperBroker(logger logrus.FieldLogger) *PaperBroker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &PaperBroker{
		positions: make(map[string]*broker.PositionItem),
		marks:     make(map[string]float64),
		logger:    logger.WithField("component", "paper_broker"),
		now:       time.Now,
	}
}

// secureFloat64 generates a cryptographically secure random float64 between 0 and 1
func secureFloat64() float64 {
	n, err := rand.Int(rand.Reader, big.NewInt(1<<53))
	if err != nil {
		// Fallback to a reasonable default if crypto/rand fails
		return 0.5
	}
	return float64(n.Int64()) / (1 << 53)
}

// SetFillSink delivers fills to sink delay after each order. With no sink,
// fills wait for Flush.
func (p *PaperBroker) SetFillSink(sink FillSink, delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
	p.fillDelay = delay
}

// Seed opens a paper position, typically mirroring a restored leg.
func (p *PaperBroker) Seed(symbol string, quantity float64, multiplier int, mark float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(symbol, quantity, multiplier)
	if mark > 0 {
		p.marks[symbol] = mark
	}
}

// SeedLegs mirrors every open leg of positions into the paper account.
func (p *PaperBroker) SeedLegs(positions []*models.Position) int {
	n := 0
	for _, pos := range positions {
		for _, leg := range pos.OpenLegs() {
			mark := leg.IntendedPrice
			if leg.FillPrice != nil {
				mark = *leg.FillPrice
			}
			p.Seed(leg.Symbol(), float64(leg.OpenQuantity()), leg.Multiplier, mark)
			n++
		}
	}
	return n
}

func (p *PaperBroker) applyLocked(symbol string, quantity float64, multiplier int) {
	item, ok := p.positions[symbol]
	if !ok {
		item = &broker.PositionItem{Symbol: symbol, Multiplier: multiplier, DateAcquired: p.now().UTC()}
		p.positions[symbol] = item
	}
	item.Quantity += quantity
	if math.Abs(item.Quantity) < 1e-9 {
		delete(p.positions, symbol)
	}
}

// GetPositionsCtx returns the paper account's net positions.
func (p *PaperBroker) GetPositionsCtx(ctx context.Context) ([]broker.PositionItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]broker.PositionItem, 0, len(p.positions))
	for _, item := range p.positions {
		out = append(out, *item)
	}
	return out, nil
}

// PlaceLegOrder accepts an order and schedules its fill.
func (p *PaperBroker) PlaceLegOrder(ctx context.Context, order broker.LegOrder) (*broker.OrderAck, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if order.Symbol == "" || order.Quantity <= 0 {
		return nil, fmt.Errorf("paper broker: invalid order %+v", order)
	}

	p.mu.Lock()
	price := order.LimitPrice
	if price <= 0 {
		price = p.marks[order.Symbol]
	}
	if price <= 0 {
		p.mu.Unlock()
		return nil, errors.New("paper broker: no limit price and no mark for " + order.Symbol)
	}
	ev := broker.FillEvent{
		OrderRef: uuid.NewString(),
		Symbol:   order.Symbol,
		Price:    price,
		Quantity: order.Quantity,
	}
	fill := paperFill{event: ev, signed: float64(order.Quantity), multiplier: 100}
	if order.Side == broker.SideSellToClose || order.Side == broker.SideSellToOpen {
		fill.signed = -fill.signed
	}
	if item, ok := p.positions[order.Symbol]; ok && item.Multiplier > 0 {
		fill.multiplier = item.Multiplier
	}
	sink, delay := p.sink, p.fillDelay
	if sink == nil {
		p.pending = append(p.pending, fill)
	}
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"order_ref": ev.OrderRef,
		"symbol":    order.Symbol,
		"side":      order.Side,
		"price":     price,
	}).Info("Paper order accepted")

	if sink != nil {
		time.AfterFunc(delay, func() { p.deliver(context.Background(), sink, fill) })
	}
	return &broker.OrderAck{OrderRef: ev.OrderRef, Status: "ok"}, nil
}

// paperFill is a fill awaiting delivery.
type paperFill struct {
	event      broker.FillEvent
	signed     float64
	multiplier int
}

func (p *PaperBroker) deliver(ctx context.Context, sink FillSink, fill paperFill) {
	p.mu.Lock()
	fill.event.Time = p.now().UTC()
	p.applyLocked(fill.event.Symbol, fill.signed, fill.multiplier)
	p.mu.Unlock()

	if err := sink.OnFillEvent(ctx, fill.event); err != nil {
		p.logger.WithError(err).WithField("order_ref", fill.event.OrderRef).Warn("Paper fill rejected")
	}
}

// Flush delivers every queued fill to sink in order and returns how many were sent.
func (p *PaperBroker) Flush(ctx context.Context, sink FillSink) int {
	p.mu.Lock()
	queued := p.pending
	p.pending = nil
	p.mu.Unlock()
	for _, fill := range queued {
		p.deliver(ctx, sink, fill)
	}
	return len(queued)
}

// Quote prices a leg with a bounded random walk around its last mark.
// It satisfies models.PricingFunc.
func (p *PaperBroker) Quote(leg *models.Leg) (models.Quote, error) {
	symbol := leg.Symbol()
	p.mu.Lock()
	defer p.mu.Unlock()
	mark, ok := p.marks[symbol]
	if !ok {
		mark = leg.IntendedPrice
		if leg.FillPrice != nil {
			mark = *leg.FillPrice
		}
	}
	if mark <= 0 {
		return models.Quote{}, fmt.Errorf("paper broker: no reference price for %s", symbol)
	}
	mark *= 1 + (secureFloat64()*2-1)*maxDriftStep
	mark = math.Max(minMark, math.Round(mark*100)/100)
	p.marks[symbol] = mark
	return models.Quote{MarkPrice: mark}, nil
}

// SetMark pins the mark for a symbol.
func (p *PaperBroker) SetMark(symbol string, mark float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marks[symbol] = mark
}
