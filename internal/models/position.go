package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ErrMissingExitPrice is reported by CloseAll for an open leg with no exit price.
var ErrMissingExitPrice = errors.New("no exit price supplied")

// Position groups legs under one logical multi-leg strategy instance.
// Lifecycle status, P&L, Greeks and entry time are derived from the legs and never stored.
type Position struct {
	CreatedAt        time.Time `json:"created_at"`
	ID               string    `json:"id"`
	Strategy         string    `json:"strategy"`
	CorrelationGroup string    `json:"correlation_group,omitempty"`
	Legs             []*Leg    `json:"legs"`
	RolledLegs       []*Leg    `json:"rolled_legs,omitempty"`
}

// CloseAllResult reports the outcome of a whole-position close.
type CloseAllResult struct {
	Failed map[string]error `json:"-"`
	Closed []string         `json:"closed"`
}

// OK reports whether every open leg was closed.
func (r CloseAllResult) OK() bool {
	return len(r.Failed) == 0
}

// Err joins the per-role failures, or returns nil.
func (r CloseAllResult) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failed))
	for role, err := range r.Failed {
		errs = append(errs, fmt.Errorf("%s: %w", role, err))
	}
	return errors.Join(errs...)
}

// NewPosition creates a position with at least one leg and unique roles.
// An empty id is replaced with a generated uuid.
func NewPosition(id, strategy, correlationGroup string, legs ...*Leg) (*Position, error) {
	if len(legs) == 0 {
		return nil, &ValidationError{Field: "legs", Reason: "a position needs at least one leg"}
	}
	if strings.TrimSpace(id) == "" {
		id = uuid.New().String()
	}
	p := &Position{
		ID:               id,
		Strategy:         strategy,
		CorrelationGroup: correlationGroup,
		CreatedAt:        time.Now().UTC(),
		Legs:             make([]*Leg, 0, len(legs)),
	}
	for _, leg := range legs {
		if err := p.AttachLeg(leg); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Status derives the lifecycle status from current-role legs.
func (p *Position) Status() LifecycleStatus {
	return DeriveStatus(p.Legs)
}

// Leg returns the current leg under role.
func (p *Position) Leg(role string) (*Leg, bool) {
	i := p.indexOf(role)
	if i < 0 {
		return nil, false
	}
	return p.Legs[i], true
}

// LegByID finds a current or rolled-out leg by id.
func (p *Position) LegByID(id string) (*Leg, bool) {
	for _, leg := range p.Legs {
		if leg.ID == id {
			return leg, true
		}
	}
	for _, leg := range p.RolledLegs {
		if leg.ID == id {
			return leg, true
		}
	}
	return nil, false
}

// Roles returns the role labels in leg order.
func (p *Position) Roles() []string {
	roles := make([]string, len(p.Legs))
	for i, leg := range p.Legs {
		roles[i] = leg.Role
	}
	return roles
}

// OpenLegs returns the legs currently carrying exposure.
func (p *Position) OpenLegs() []*Leg {
	var open []*Leg
	for _, leg := range p.Legs {
		if leg.IsOpen() {
			open = append(open, leg)
		}
	}
	return open
}

func (p *Position) indexOf(role string) int {
	for i, leg := range p.Legs {
		if leg.Role == role {
			return i
		}
	}
	return -1
}

func (p *Position) roleNotFound(role string) error {
	return fmt.Errorf("position %s role %q: %w", shortID(p.ID), role, ErrRoleNotFound)
}

// AttachLeg adds a leg under its role. The position takes ownership of leg.
func (p *Position) AttachLeg(leg *Leg) error {
	if leg == nil {
		return &ValidationError{Field: "leg", Reason: "is nil"}
	}
	if strings.TrimSpace(leg.Role) == "" {
		return &ValidationError{Field: "role", Reason: "is required"}
	}
	if p.indexOf(leg.Role) >= 0 {
		return &DuplicateRoleError{PositionID: p.ID, Role: leg.Role}
	}
	if _, exists := p.LegByID(leg.ID); exists {
		return &ValidationError{Field: "leg.id", Reason: fmt.Sprintf("leg %s already attached", shortID(leg.ID))}
	}
	p.Legs = append(p.Legs, leg)
	return nil
}

// mutate applies fn to a copy of the leg under role and swaps it in only on success.
func (p *Position) mutate(role string, fn func(*Leg) error) error {
	i := p.indexOf(role)
	if i < 0 {
		return p.roleNotFound(role)
	}
	next := p.Legs[i].Copy()
	if err := fn(next); err != nil {
		return err
	}
	p.Legs[i] = next
	return nil
}

// AssignOrderRef records the entry order acknowledgement for role.
func (p *Position) AssignOrderRef(role, orderRef string) error {
	return p.mutate(role, func(l *Leg) error { return l.MarkWorking(orderRef) })
}

// AssignCloseOrderRef records a submitted closing order and the reason it was sent.
func (p *Position) AssignCloseOrderRef(role, orderRef string, reason ExitReason) error {
	return p.mutate(role, func(l *Leg) error {
		if !l.IsOpen() {
			return l.reject(LegClosed, ConditionClosed)
		}
		if strings.TrimSpace(orderRef) == "" {
			return &ValidationError{Field: "close_order_ref", Reason: "is required"}
		}
		if !reason.Valid() {
			return &ValidationError{Field: "exit_reason", Reason: fmt.Sprintf("unknown reason %q", reason)}
		}
		l.CloseOrderRef = orderRef
		l.PendingExitReason = reason
		l.CloseRetry = false
		return nil
	})
}

// FlagCloseRetry marks an open leg whose close attempt failed.
func (p *Position) FlagCloseRetry(role string) error {
	return p.mutate(role, func(l *Leg) error {
		if l.Status.IsTerminal() {
			return l.reject(LegClosed, ConditionClosed)
		}
		l.CloseRetry = true
		return nil
	})
}

// RecordFill applies an entry fill to role.
func (p *Position) RecordFill(role string, price float64, at time.Time, qty int) error {
	return p.mutate(role, func(l *Leg) error { return l.RecordFill(price, at, qty) })
}

// RecordCloseFill applies one closing-order fill to the leg under role. The
// leg closes once its whole filled quantity is closed.
func (p *Position) RecordCloseFill(role string, price float64, at time.Time, qty int, reason ExitReason) error {
	return p.mutate(role, func(l *Leg) error {
		_, err := l.RecordCloseFill(price, at, qty, reason)
		return err
	})
}

// CloseComponent closes only the leg under role. Siblings are never touched.
func (p *Position) CloseComponent(role string, exitPrice float64, at time.Time, reason ExitReason) error {
	return p.mutate(role, func(l *Leg) error { return l.RecordClose(exitPrice, at, reason) })
}

// MarkExpired records settlement of the leg under role.
func (p *Position) MarkExpired(role string, settlement float64, at time.Time) error {
	return p.mutate(role, func(l *Leg) error { return l.MarkExpired(settlement, at) })
}

// MarkAssigned records assignment of the leg under role.
func (p *Position) MarkAssigned(role string, price float64, at time.Time) error {
	return p.mutate(role, func(l *Leg) error { return l.MarkAssigned(price, at) })
}

// MarkOrphaned flags the leg under role as orphaned.
func (p *Position) MarkOrphaned(role, reason string, at time.Time) error {
	return p.mutate(role, func(l *Leg) error { return l.MarkOrphaned(reason, at) })
}

// ResolveOrphan closes an orphaned leg after manual intervention.
func (p *Position) ResolveOrphan(role string, exitPrice float64, at time.Time) error {
	return p.mutate(role, func(l *Leg) error { return l.ResolveOrphan(exitPrice, at) })
}

// CloseAll attempts to close every non-terminal leg. Legs without a price, or
// whose close is rejected, stay as they are with CloseRetry set and are
// reported in Failed. A position with every leg terminal is a no-op.
func (p *Position) CloseAll(exitPrices map[string]float64, at time.Time, reason ExitReason) CloseAllResult {
	result := CloseAllResult{Failed: make(map[string]error)}
	for i, leg := range p.Legs {
		if leg.Status.IsTerminal() {
			continue
		}
		price, ok := exitPrices[leg.Role]
		var err error
		next := leg.Copy()
		if !ok {
			err = fmt.Errorf("leg %s (%s): %w", shortID(leg.ID), leg.Role, ErrMissingExitPrice)
		} else {
			err = next.RecordClose(price, at, reason)
		}
		if err != nil {
			retry := leg.Copy()
			retry.CloseRetry = true
			p.Legs[i] = retry
			result.Failed[leg.Role] = err
			continue
		}
		p.Legs[i] = next
		result.Closed = append(result.Closed, leg.Role)
	}
	return result
}

// RollComponent closes the FILLED leg under role with reason roll and puts
// newLeg in its slot. newLeg keeps role unless it names a different,
// non-colliding role. Returns the role the new leg was attached under.
func (p *Position) RollComponent(role string, newLeg *Leg, exitPrice float64, at time.Time) (string, error) {
	i := p.indexOf(role)
	if i < 0 {
		return "", p.roleNotFound(role)
	}
	old := p.Legs[i]
	if old.Status != LegFilled {
		return "", &InvalidTransitionError{LegID: old.ID, Role: role, From: old.Status, To: LegClosed, Condition: string(ExitRoll)}
	}
	if newLeg == nil {
		return "", &ValidationError{Field: "new_leg", Reason: "is nil"}
	}
	if newLeg.Status != LegPending && newLeg.Status != LegWorking {
		return "", &ValidationError{Field: "new_leg.status", Reason: fmt.Sprintf("must be pending or working (got %s)", newLeg.Status)}
	}
	newRole := strings.TrimSpace(newLeg.Role)
	if newRole == "" {
		newRole = role
	}
	if newRole != role && p.indexOf(newRole) >= 0 {
		return "", &DuplicateRoleError{PositionID: p.ID, Role: newRole}
	}
	if _, exists := p.LegByID(newLeg.ID); exists {
		return "", &ValidationError{Field: "new_leg.id", Reason: fmt.Sprintf("leg %s already attached", shortID(newLeg.ID))}
	}

	closed := old.Copy()
	if err := closed.RecordClose(exitPrice, at, ExitRoll); err != nil {
		return "", err
	}
	closed.RolledTo = newLeg.ID

	newLeg.Role = newRole
	newLeg.RolledFrom = old.ID
	p.Legs[i] = newLeg
	p.RolledLegs = append(p.RolledLegs, closed)
	return newRole, nil
}

// RealizedPnL sums realized P&L over exited legs, rolled-out legs included.
func (p *Position) RealizedPnL() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range p.Legs {
		total = total.Add(leg.RealizedPnL())
	}
	for _, leg := range p.RolledLegs {
		total = total.Add(leg.RealizedPnL())
	}
	return total
}

// UnrealizedPnL marks every open leg with pricing.
func (p *Position) UnrealizedPnL(pricing PricingFunc) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, leg := range p.OpenLegs() {
		q, err := priceLeg(pricing, leg)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(leg.UnrealizedPnL(q.MarkPrice))
	}
	return total, nil
}

// AggregateGreeks sums per-contract Greeks scaled by signed filled quantity and
// multiplier over open legs. Any pricing failure fails the whole aggregate.
func (p *Position) AggregateGreeks(pricing PricingFunc) (Greeks, error) {
	var total Greeks
	for _, leg := range p.OpenLegs() {
		q, err := priceLeg(pricing, leg)
		if err != nil {
			return Greeks{}, err
		}
		total = total.Add(q.Greeks.Scale(float64(leg.ExposureUnits())))
	}
	return total, nil
}

func priceLeg(pricing PricingFunc, leg *Leg) (q Quote, err error) {
	if pricing == nil {
		return Quote{}, fmt.Errorf("no pricing function for leg %s (%s)", shortID(leg.ID), leg.Role)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pricing leg %s (%s) panicked: %v", shortID(leg.ID), leg.Role, r)
		}
	}()
	q, err = pricing(leg)
	if err != nil {
		return Quote{}, fmt.Errorf("pricing leg %s (%s): %w", shortID(leg.ID), leg.Role, err)
	}
	return q, nil
}

// EntryTime returns the earliest leg fill time, or zero if nothing filled.
func (p *Position) EntryTime() time.Time {
	var earliest time.Time
	for _, legs := range [][]*Leg{p.Legs, p.RolledLegs} {
		for _, leg := range legs {
			if leg.FillTime.IsZero() {
				continue
			}
			if earliest.IsZero() || leg.FillTime.Before(earliest) {
				earliest = leg.FillTime
			}
		}
	}
	return earliest
}

// Copy creates a deep copy of the Position
func (p *Position) Copy() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.Legs = copyLegs(p.Legs)
	c.RolledLegs = copyLegs(p.RolledLegs)
	return &c
}

func copyLegs(legs []*Leg) []*Leg {
	if legs == nil {
		return nil
	}
	out := make([]*Leg, len(legs))
	for i, leg := range legs {
		out[i] = leg.Copy()
	}
	return out
}

// Validate checks a position loaded from storage.
func (p *Position) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if len(p.Legs) == 0 {
		return &ValidationError{Field: "legs", Reason: "a position needs at least one leg"}
	}
	seen := make(map[string]bool, len(p.Legs))
	for _, leg := range p.Legs {
		if leg == nil {
			return &ValidationError{Field: "legs", Reason: "contains a nil leg"}
		}
		if seen[leg.Role] {
			return &DuplicateRoleError{PositionID: p.ID, Role: leg.Role}
		}
		seen[leg.Role] = true
		if err := leg.Validate(); err != nil {
			return fmt.Errorf("leg %s (%s): %w", shortID(leg.ID), leg.Role, err)
		}
	}
	for _, leg := range p.RolledLegs {
		if leg == nil {
			return &ValidationError{Field: "rolled_legs", Reason: "contains a nil leg"}
		}
		if err := leg.Validate(); err != nil {
			return fmt.Errorf("rolled leg %s (%s): %w", shortID(leg.ID), leg.Role, err)
		}
	}
	return nil
}
