// Package portfolio owns the live set of multi-leg positions.
// Every mutation goes through a Book entry point and is serialized behind one lock.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/sirupsen/logrus"
)

type legRef struct {
	positionID string
	legID      string
	close      bool
}

// FillMatch describes which leg an order reference resolved to.
type FillMatch struct {
	PositionID string
	Role       string
	LegID      string
	Close      bool
	Matched    bool
}

// LegView is a read-only copy of a leg together with its owning position.
type LegView struct {
	Leg        *models.Leg
	PositionID string
	Strategy   string
}

// Book is the single owned set of positions.
type Book struct {
	logger    logrus.FieldLogger
	now       func() time.Time
	positions map[string]*models.Position
	refs      map[string]legRef
	observers []Observer
	order     []string
	mu        sync.Mutex
}

// NewBook creates an empty book.
func NewBook(logger logrus.FieldLogger) *Book {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Book{
		logger:    logger,
		now:       time.Now,
		positions: make(map[string]*models.Position),
		refs:      make(map[string]legRef),
	}
}

// Subscribe registers an observer for lifecycle events.
func (b *Book) Subscribe(o Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observers = append(b.observers, o)
}

func notFound(id string) error {
	return fmt.Errorf("position %s: %w", id, models.ErrPositionNotFound)
}

// Open creates and tracks a new position from the given legs.
// The book stores copies; later changes must go through book entry points.
func (b *Book) Open(strategy, correlationGroup string, legs ...*models.Leg) (*models.Position, error) {
	copies := make([]*models.Leg, len(legs))
	for i, leg := range legs {
		copies[i] = leg.Copy()
	}
	p, err := models.NewPosition("", strategy, correlationGroup, copies...)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if err := b.checkRefsLocked(p); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	b.storeLocked(p)
	observers := b.observers
	b.mu.Unlock()

	snapshot := p.Copy()
	b.dispatch(observers, []Event{{
		At:         b.now().UTC(),
		Type:       EventTracked,
		PositionID: p.ID,
		Strategy:   p.Strategy,
		Status:     p.Status(),
		Position:   snapshot,
	}})
	return snapshot, nil
}

// Add tracks an existing position, typically one restored from a snapshot.
func (b *Book) Add(p *models.Position) error {
	if p == nil {
		return &models.ValidationError{Field: "position", Reason: "is nil"}
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("position %s: %w", p.ID, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.positions[p.ID]; exists {
		return &models.ValidationError{Field: "id", Reason: fmt.Sprintf("position %s already tracked", p.ID)}
	}
	c := p.Copy()
	if err := b.checkRefsLocked(c); err != nil {
		return err
	}
	b.storeLocked(c)
	return nil
}

func (b *Book) checkRefsLocked(p *models.Position) error {
	for _, leg := range p.Legs {
		for _, ref := range []string{leg.OrderRef, leg.CloseOrderRef} {
			if ref == "" {
				continue
			}
			if existing, ok := b.refs[ref]; ok && existing.legID != leg.ID {
				return &models.ValidationError{Field: "order_ref", Reason: fmt.Sprintf("%q already assigned to leg %s", ref, existing.legID)}
			}
		}
	}
	return nil
}

func (b *Book) storeLocked(p *models.Position) {
	if _, exists := b.positions[p.ID]; !exists {
		b.order = append(b.order, p.ID)
	}
	b.positions[p.ID] = p
	for ref, lr := range b.refs {
		if lr.positionID == p.ID {
			delete(b.refs, ref)
		}
	}
	for _, leg := range p.Legs {
		if leg.OrderRef != "" {
			b.refs[leg.OrderRef] = legRef{positionID: p.ID, legID: leg.ID}
		}
		if leg.CloseOrderRef != "" {
			b.refs[leg.CloseOrderRef] = legRef{positionID: p.ID, legID: leg.ID, close: true}
		}
	}
}

// apply runs fn against a copy of the position and swaps it in on success.
// Observers are notified after the lock is released.
func (b *Book) apply(id string, fn func(p *models.Position) error) error {
	b.mu.Lock()
	p, ok := b.positions[id]
	if !ok {
		b.mu.Unlock()
		return notFound(id)
	}
	next := p.Copy()
	if err := fn(next); err != nil {
		b.mu.Unlock()
		return err
	}
	if err := b.checkRefsLocked(next); err != nil {
		b.mu.Unlock()
		return err
	}
	b.storeLocked(next)
	events := lifecycleEvents(p, next.Copy(), b.now().UTC())
	observers := b.observers
	b.mu.Unlock()

	b.dispatch(observers, events)
	return nil
}

func (b *Book) roleFor(p *models.Position, legID string) (string, error) {
	for _, leg := range p.Legs {
		if leg.ID == legID {
			return leg.Role, nil
		}
	}
	return "", fmt.Errorf("leg %s not current on position %s: %w", legID, p.ID, models.ErrRoleNotFound)
}

// AttachLeg adds a leg to a tracked position.
func (b *Book) AttachLeg(id string, leg *models.Leg) error {
	return b.apply(id, func(p *models.Position) error { return p.AttachLeg(leg.Copy()) })
}

// AssignOrderRef links a submitted entry order to a pending leg.
func (b *Book) AssignOrderRef(id, role, orderRef string) error {
	return b.apply(id, func(p *models.Position) error { return p.AssignOrderRef(role, orderRef) })
}

// AssignCloseOrderRef links a submitted closing order to an open leg.
func (b *Book) AssignCloseOrderRef(id, role, orderRef string, reason models.ExitReason) error {
	return b.apply(id, func(p *models.Position) error { return p.AssignCloseOrderRef(role, orderRef, reason) })
}

// FlagCloseRetry marks a leg whose close order could not be placed.
func (b *Book) FlagCloseRetry(id, role string) error {
	return b.apply(id, func(p *models.Position) error { return p.FlagCloseRetry(role) })
}

// RecordFill applies an entry fill to a leg.
func (b *Book) RecordFill(id, role string, price float64, at time.Time, qty int) error {
	return b.apply(id, func(p *models.Position) error { return p.RecordFill(role, price, at, qty) })
}

// CloseComponent closes a single role.
func (b *Book) CloseComponent(id, role string, exitPrice float64, at time.Time, reason models.ExitReason) error {
	return b.apply(id, func(p *models.Position) error { return p.CloseComponent(role, exitPrice, at, reason) })
}

// CloseAll closes every open leg that has an exit price. Legs that cannot be
// closed are flagged for retry and reported in the result.
func (b *Book) CloseAll(id string, exitPrices map[string]float64, at time.Time, reason models.ExitReason) (models.CloseAllResult, error) {
	var result models.CloseAllResult
	err := b.apply(id, func(p *models.Position) error {
		result = p.CloseAll(exitPrices, at, reason)
		return nil
	})
	if err != nil {
		return result, err
	}
	for role, ferr := range result.Failed {
		b.logger.WithFields(logrus.Fields{
			"position_id": id,
			"role":        role,
		}).WithError(ferr).Warn("Leg left open by close-all, flagged for retry")
	}
	return result, nil
}

// RollComponent replaces the FILLED leg under role with newLeg.
func (b *Book) RollComponent(id, role string, newLeg *models.Leg, exitPrice float64, at time.Time) (string, error) {
	var attached string
	err := b.apply(id, func(p *models.Position) error {
		var err error
		attached, err = p.RollComponent(role, newLeg.Copy(), exitPrice, at)
		return err
	})
	return attached, err
}

// MarkExpired settles a leg at expiry.
func (b *Book) MarkExpired(id, role string, settlement float64, at time.Time) error {
	return b.apply(id, func(p *models.Position) error { return p.MarkExpired(role, settlement, at) })
}

// MarkAssigned records assignment of a leg.
func (b *Book) MarkAssigned(id, role string, price float64, at time.Time) error {
	return b.apply(id, func(p *models.Position) error { return p.MarkAssigned(role, price, at) })
}

// MarkOrphaned flags a leg the broker cannot confirm.
func (b *Book) MarkOrphaned(id, role, reason string, at time.Time) error {
	return b.apply(id, func(p *models.Position) error { return p.MarkOrphaned(role, reason, at) })
}

// ResolveOrphan closes an orphaned leg after manual intervention.
func (b *Book) ResolveOrphan(id, role string, exitPrice float64, at time.Time) error {
	err := b.apply(id, func(p *models.Position) error { return p.ResolveOrphan(role, exitPrice, at) })
	if err == nil {
		b.logger.WithFields(logrus.Fields{"position_id": id, "role": role}).Warn("Orphaned leg resolved by operator")
	}
	return err
}

// MarkLegOrphaned is MarkOrphaned addressed by leg id.
func (b *Book) MarkLegOrphaned(positionID, legID, reason string, at time.Time) error {
	return b.apply(positionID, func(p *models.Position) error {
		role, err := b.roleFor(p, legID)
		if err != nil {
			return err
		}
		return p.MarkOrphaned(role, reason, at)
	})
}

// MarkLegExpired is MarkExpired addressed by leg id.
func (b *Book) MarkLegExpired(positionID, legID string, settlement float64, at time.Time) error {
	return b.apply(positionID, func(p *models.Position) error {
		role, err := b.roleFor(p, legID)
		if err != nil {
			return err
		}
		return p.MarkExpired(role, settlement, at)
	})
}

// ApplyFill routes a broker fill by order reference. Entry refs record a fill;
// close refs close the filled quantity with the reason stored at submission,
// closing the leg once nothing is left open. An unknown
// ref returns a zero FillMatch and no error.
func (b *Book) ApplyFill(orderRef string, price float64, at time.Time, qty int) (FillMatch, error) {
	b.mu.Lock()
	ref, ok := b.refs[orderRef]
	b.mu.Unlock()
	if !ok {
		return FillMatch{}, nil
	}

	match := FillMatch{PositionID: ref.positionID, LegID: ref.legID, Close: ref.close, Matched: true}
	err := b.apply(ref.positionID, func(p *models.Position) error {
		role, err := b.roleFor(p, ref.legID)
		if err != nil {
			return err
		}
		match.Role = role
		if !ref.close {
			return p.RecordFill(role, price, at, qty)
		}
		leg, _ := p.Leg(role)
		if leg.CloseOrderRef != orderRef {
			return fmt.Errorf("close ref %s no longer current for leg %s", orderRef, leg.ID)
		}
		reason := leg.PendingExitReason
		if reason == "" {
			reason = models.ExitManual
		}
		return p.RecordCloseFill(role, price, at, qty, reason)
	})
	return match, err
}

// TrackedLegs returns copies of every current leg of every tracked position.
func (b *Book) TrackedLegs() []LegView {
	b.mu.Lock()
	defer b.mu.Unlock()
	var views []LegView
	for _, id := range b.order {
		p := b.positions[id]
		for _, leg := range p.Legs {
			views = append(views, LegView{Leg: leg.Copy(), PositionID: p.ID, Strategy: p.Strategy})
		}
	}
	return views
}

// Position returns a copy of one position.
func (b *Book) Position(id string) (*models.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[id]
	if !ok {
		return nil, false
	}
	return p.Copy(), true
}

// Positions returns copies of every tracked position in insertion order.
func (b *Book) Positions() []*models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*models.Position, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.positions[id].Copy())
	}
	return out
}

// OpenPositions returns copies of every position that is not CLOSED.
func (b *Book) OpenPositions() []*models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.Position
	for _, id := range b.order {
		if p := b.positions[id]; !p.Status().IsClosed() {
			out = append(out, p.Copy())
		}
	}
	return out
}

// Len returns the number of tracked positions.
func (b *Book) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}

// PurgeClosed drops CLOSED positions and returns them.
func (b *Book) PurgeClosed() []*models.Position {
	return b.purge(func(string) bool { return true })
}

// Purge drops the named positions and returns the ones removed.
// Positions that are not CLOSED stay in the book.
func (b *Book) Purge(ids ...string) []*models.Position {
	named := make(map[string]bool, len(ids))
	for _, id := range ids {
		named[id] = true
	}
	return b.purge(func(id string) bool { return named[id] })
}

func (b *Book) purge(match func(id string) bool) []*models.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	var removed []*models.Position
	kept := b.order[:0]
	for _, id := range b.order {
		p := b.positions[id]
		if !match(id) || !p.Status().IsClosed() {
			kept = append(kept, id)
			continue
		}
		removed = append(removed, p)
		delete(b.positions, id)
		for ref, lr := range b.refs {
			if lr.positionID == id {
				delete(b.refs, ref)
			}
		}
	}
	b.order = kept
	if len(removed) > 0 {
		b.logger.WithField("count", len(removed)).Info("Purged closed positions")
	}
	return removed
}

func (b *Book) dispatch(observers []Observer, events []Event) {
	for _, e := range events {
		entry := b.logger.WithFields(logrus.Fields{
			"position_id": e.PositionID,
			"strategy":    e.Strategy,
			"event":       e.Type,
			"status":      e.Status,
		})
		if e.Role != "" {
			entry = entry.WithFields(logrus.Fields{"role": e.Role, "leg_id": e.LegID})
		}
		switch e.Type {
		case EventOrphaned, EventLegOrphaned:
			entry.WithField("detail", e.Detail).Error("ORPHANED EXPOSURE: broker cannot confirm leg, operator action required")
		default:
			entry.Info("Position lifecycle event")
		}
		for _, o := range observers {
			b.notify(o, e)
		}
	}
}

func (b *Book) notify(o Observer, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.WithFields(logrus.Fields{
				"position_id": e.PositionID,
				"event":       e.Type,
			}).Errorf("Lifecycle observer panicked: %v", r)
		}
	}()
	o.OnLifecycleEvent(e)
}
