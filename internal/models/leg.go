// Package models provides the leg ledger and multi-leg position aggregate.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LegStatus represents the fill/exit status of a single leg.
type LegStatus string

const (
	LegPending         LegStatus = "pending"          // Created, not yet submitted
	LegWorking         LegStatus = "working"          // Submitted, order ref known
	LegFilled          LegStatus = "filled"           // Fully filled, position open
	LegPartiallyFilled LegStatus = "partially_filled" // Some contracts filled
	LegClosed          LegStatus = "closed"           // Closed by an exit order
	LegExpired         LegStatus = "expired"          // Expired at settlement
	LegAssigned        LegStatus = "assigned"         // Assigned or exercised
	LegOrphaned        LegStatus = "orphaned"         // Broker never confirmed it
)

// Transition conditions
const (
	ConditionOrderSubmitted = "order_submitted"
	ConditionFilled         = "filled"
	ConditionPartialFill    = "partial_fill"
	ConditionClosed         = "closed"
	ConditionExpired        = "expired"
	ConditionAssigned       = "assigned"
	ConditionOrphaned       = "orphaned"
	ConditionOrphanResolved = "orphan_resolved"
)

// ExitReason tags why a leg was closed.
type ExitReason string

const (
	ExitProfitTarget ExitReason = "profit_target"
	ExitTimeStop     ExitReason = "time_stop"
	ExitStopLoss     ExitReason = "stop_loss"
	ExitRoll         ExitReason = "roll"
	ExitExpiration   ExitReason = "expiration"
	ExitAssignment   ExitReason = "assignment"
	ExitManual       ExitReason = "manual"
	ExitEmergency    ExitReason = "emergency"
)

// Valid returns true if the ExitReason is one of the defined constants
func (r ExitReason) Valid() bool {
	switch r {
	case ExitProfitTarget, ExitTimeStop, ExitStopLoss, ExitRoll,
		ExitExpiration, ExitAssignment, ExitManual, ExitEmergency:
		return true
	default:
		return false
	}
}

// LegTransition defines one allowed leg status change
type LegTransition struct {
	From      LegStatus
	To        LegStatus
	Condition string
}

// ValidLegTransitions is the complete leg transition table.
// Everything not listed is rejected with an InvalidTransitionError.
var ValidLegTransitions = []LegTransition{
	{LegPending, LegWorking, ConditionOrderSubmitted},

	{LegPending, LegFilled, ConditionFilled},
	{LegWorking, LegFilled, ConditionFilled},
	{LegPartiallyFilled, LegFilled, ConditionFilled},
	{LegPending, LegPartiallyFilled, ConditionPartialFill},
	{LegWorking, LegPartiallyFilled, ConditionPartialFill},
	{LegPartiallyFilled, LegPartiallyFilled, ConditionPartialFill},

	{LegFilled, LegClosed, ConditionClosed},
	{LegPartiallyFilled, LegClosed, ConditionClosed},
	{LegFilled, LegExpired, ConditionExpired},
	{LegPartiallyFilled, LegExpired, ConditionExpired},
	{LegFilled, LegAssigned, ConditionAssigned},
	{LegPartiallyFilled, LegAssigned, ConditionAssigned},

	{LegPending, LegOrphaned, ConditionOrphaned},
	{LegWorking, LegOrphaned, ConditionOrphaned},
	{LegFilled, LegOrphaned, ConditionOrphaned},
	{LegPartiallyFilled, LegOrphaned, ConditionOrphaned},

	// Operator intervention after flattening the exposure by hand
	{LegOrphaned, LegClosed, ConditionOrphanResolved},
}

// CanTransition reports whether the table allows from -> to under condition.
func CanTransition(from, to LegStatus, condition string) bool {
	for _, t := range ValidLegTransitions {
		if t.From == from && t.To == to && t.Condition == condition {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further fill/close transition applies.
// ORPHANED is not terminal here: it can still be resolved by an operator.
func (s LegStatus) IsTerminal() bool {
	return s == LegClosed || s == LegExpired || s == LegAssigned
}

// IsOpen reports whether the leg carries live exposure.
func (s LegStatus) IsOpen() bool {
	return s == LegFilled || s == LegPartiallyFilled
}

// Valid returns true if the status is one of the defined constants
func (s LegStatus) Valid() bool {
	switch s {
	case LegPending, LegWorking, LegFilled, LegPartiallyFilled,
		LegClosed, LegExpired, LegAssigned, LegOrphaned:
		return true
	default:
		return false
	}
}

// Leg is one tradable instrument making up part of a multi-leg position.
type Leg struct {
	FillTime          time.Time  `json:"fill_time,omitempty"`
	ExitTime          time.Time  `json:"exit_time,omitempty"`
	OrphanedAt        time.Time  `json:"orphaned_at,omitempty"`
	FillPrice         *float64   `json:"fill_price,omitempty"`
	ExitPrice         *float64   `json:"exit_price,omitempty"`
	CloseFillPrice    *float64   `json:"close_fill_price,omitempty"`
	ID                string     `json:"id"`
	Role              string     `json:"role"`
	OrderRef          string     `json:"order_ref,omitempty"`
	CloseOrderRef     string     `json:"close_order_ref,omitempty"`
	Status            LegStatus  `json:"status"`
	ExitReason        ExitReason `json:"exit_reason,omitempty"`
	PendingExitReason ExitReason `json:"pending_exit_reason,omitempty"`
	OrphanReason      string     `json:"orphan_reason,omitempty"`
	RolledFrom        string     `json:"rolled_from,omitempty"`
	RolledTo          string     `json:"rolled_to,omitempty"`
	Instrument        Instrument `json:"instrument"`
	IntendedPrice     float64    `json:"intended_price"`
	Quantity          int        `json:"quantity"`
	FilledQuantity    int        `json:"filled_quantity"`
	ClosedQuantity    int        `json:"closed_quantity,omitempty"`
	Multiplier        int        `json:"multiplier"`
	CloseRetry        bool       `json:"close_retry,omitempty"`
}

// NewLeg creates a PENDING leg after validating its inputs.
// quantity is signed: positive = long, negative = short.
func NewLeg(role string, instrument Instrument, quantity, multiplier int, intendedPrice float64) (*Leg, error) {
	role = strings.TrimSpace(role)
	if role == "" {
		return nil, &ValidationError{Field: "role", Reason: "is required"}
	}
	if quantity == 0 {
		return nil, &ValidationError{Field: "quantity", Reason: "must be non-zero"}
	}
	if multiplier <= 0 {
		return nil, &ValidationError{Field: "multiplier", Reason: fmt.Sprintf("must be > 0 (got %d)", multiplier)}
	}
	if err := validatePrice("intended_price", intendedPrice); err != nil {
		return nil, err
	}
	if err := instrument.Validate(); err != nil {
		return nil, err
	}
	return &Leg{
		ID:            uuid.New().String(),
		Role:          role,
		Instrument:    instrument,
		Quantity:      quantity,
		Multiplier:    multiplier,
		IntendedPrice: intendedPrice,
		Status:        LegPending,
	}, nil
}

func validatePrice(field string, price float64) error {
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return &ValidationError{Field: field, Reason: "must be finite"}
	}
	if price < 0 {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("must be >= 0 (got %.4f)", price)}
	}
	return nil
}

func (l *Leg) transition(to LegStatus, condition string) error {
	if !CanTransition(l.Status, to, condition) {
		return &InvalidTransitionError{LegID: l.ID, Role: l.Role, From: l.Status, To: to, Condition: condition}
	}
	l.Status = to
	return nil
}

func (l *Leg) reject(to LegStatus, condition string) error {
	return &InvalidTransitionError{LegID: l.ID, Role: l.Role, From: l.Status, To: to, Condition: condition}
}

// MarkWorking records the submission acknowledgement for the entry order.
func (l *Leg) MarkWorking(orderRef string) error {
	if strings.TrimSpace(orderRef) == "" {
		return &ValidationError{Field: "order_ref", Reason: "is required"}
	}
	if err := l.transition(LegWorking, ConditionOrderSubmitted); err != nil {
		return err
	}
	l.OrderRef = orderRef
	return nil
}

// RecordFill applies an entry fill. filledQuantity is the number of contracts in
// this fill (sign is ignored; direction comes from the leg). The fill price is
// volume-weighted across partial fills.
func (l *Leg) RecordFill(fillPrice float64, fillTime time.Time, filledQuantity int) error {
	if filledQuantity < 0 {
		filledQuantity = -filledQuantity
	}
	target := LegPartiallyFilled
	condition := ConditionPartialFill
	if abs(l.FilledQuantity)+filledQuantity == abs(l.Quantity) {
		target, condition = LegFilled, ConditionFilled
	}
	if !CanTransition(l.Status, target, condition) {
		return l.reject(target, condition)
	}
	if filledQuantity == 0 {
		return &ValidationError{Field: "filled_quantity", Reason: "must be non-zero"}
	}
	if abs(l.FilledQuantity)+filledQuantity > abs(l.Quantity) {
		return &ValidationError{Field: "filled_quantity",
			Reason: fmt.Sprintf("overfill: %d + %d exceeds requested %d", abs(l.FilledQuantity), filledQuantity, abs(l.Quantity))}
	}
	if err := validatePrice("fill_price", fillPrice); err != nil {
		return err
	}

	prevQty := decimal.NewFromInt(int64(abs(l.FilledQuantity)))
	addQty := decimal.NewFromInt(int64(filledQuantity))
	avg := decimal.NewFromFloat(fillPrice)
	if l.FillPrice != nil && !prevQty.IsZero() {
		avg = decimal.NewFromFloat(*l.FillPrice).Mul(prevQty).
			Add(decimal.NewFromFloat(fillPrice).Mul(addQty)).
			Div(prevQty.Add(addQty))
	}
	price, _ := avg.Float64()

	l.Status = target
	l.FillPrice = &price
	if l.FillTime.IsZero() {
		l.FillTime = fillTime.UTC()
	}
	if l.Quantity < 0 {
		l.FilledQuantity -= filledQuantity
	} else {
		l.FilledQuantity += filledQuantity
	}
	return nil
}

// RecordClose closes whatever is still open on the leg at exitPrice.
func (l *Leg) RecordClose(exitPrice float64, exitTime time.Time, reason ExitReason) error {
	if !CanTransition(l.Status, LegClosed, ConditionClosed) {
		return l.reject(LegClosed, ConditionClosed)
	}
	if !reason.Valid() {
		return &ValidationError{Field: "exit_reason", Reason: fmt.Sprintf("unknown reason %q", reason)}
	}
	return l.exit(LegClosed, ConditionClosed, exitPrice, exitTime, reason)
}

// RecordCloseFill applies one fill of the leg's closing order. The close price
// is volume-weighted across fills and the leg turns CLOSED only once every
// filled contract has been closed. It reports whether the leg closed.
func (l *Leg) RecordCloseFill(price float64, at time.Time, quantity int, reason ExitReason) (bool, error) {
	if quantity < 0 {
		quantity = -quantity
	}
	if !CanTransition(l.Status, LegClosed, ConditionClosed) {
		return false, l.reject(LegClosed, ConditionClosed)
	}
	if !reason.Valid() {
		return false, &ValidationError{Field: "exit_reason", Reason: fmt.Sprintf("unknown reason %q", reason)}
	}
	if quantity == 0 {
		return false, &ValidationError{Field: "closed_quantity", Reason: "must be non-zero"}
	}
	open := abs(l.OpenQuantity())
	if quantity > open {
		return false, &ValidationError{Field: "closed_quantity",
			Reason: fmt.Sprintf("overclose: %d exceeds open %d", quantity, open)}
	}
	if err := validatePrice("exit_price", price); err != nil {
		return false, err
	}
	if quantity == open {
		return true, l.exit(LegClosed, ConditionClosed, price, at, reason)
	}
	avg := weightedPrice(l.CloseFillPrice, l.ClosedQuantity, price, quantity)
	l.CloseFillPrice = &avg
	l.ClosedQuantity += quantity
	return false, nil
}

// weightedPrice blends prev over prevQty contracts with price over qty contracts.
func weightedPrice(prev *float64, prevQty int, price float64, qty int) float64 {
	if prev == nil || prevQty == 0 {
		return price
	}
	if qty == 0 {
		return *prev
	}
	a := decimal.NewFromInt(int64(prevQty))
	b := decimal.NewFromInt(int64(qty))
	avg, _ := decimal.NewFromFloat(*prev).Mul(a).
		Add(decimal.NewFromFloat(price).Mul(b)).
		Div(a.Add(b)).Float64()
	return avg
}

// MarkExpired records expiry at the given settlement price.
func (l *Leg) MarkExpired(settlementPrice float64, at time.Time) error {
	if !CanTransition(l.Status, LegExpired, ConditionExpired) {
		return l.reject(LegExpired, ConditionExpired)
	}
	return l.exit(LegExpired, ConditionExpired, settlementPrice, at, ExitExpiration)
}

// MarkAssigned records assignment/exercise at the given effective price.
func (l *Leg) MarkAssigned(assignmentPrice float64, at time.Time) error {
	if !CanTransition(l.Status, LegAssigned, ConditionAssigned) {
		return l.reject(LegAssigned, ConditionAssigned)
	}
	return l.exit(LegAssigned, ConditionAssigned, assignmentPrice, at, ExitAssignment)
}

// MarkOrphaned flags a leg the broker never confirmed.
func (l *Leg) MarkOrphaned(reason string, at time.Time) error {
	if err := l.transition(LegOrphaned, ConditionOrphaned); err != nil {
		return err
	}
	l.OrphanReason = reason
	l.OrphanedAt = at.UTC()
	return nil
}

// ResolveOrphan closes an orphaned leg after an operator flattened it at the broker.
func (l *Leg) ResolveOrphan(exitPrice float64, at time.Time) error {
	if !CanTransition(l.Status, LegClosed, ConditionOrphanResolved) {
		return l.reject(LegClosed, ConditionOrphanResolved)
	}
	return l.exit(LegClosed, ConditionOrphanResolved, exitPrice, at, ExitManual)
}

func (l *Leg) exit(to LegStatus, condition string, price float64, at time.Time, reason ExitReason) error {
	if err := validatePrice("exit_price", price); err != nil {
		return err
	}
	if err := l.transition(to, condition); err != nil {
		return err
	}
	// Contracts already closed by earlier close fills keep their price.
	price = weightedPrice(l.CloseFillPrice, l.ClosedQuantity, price, abs(l.FilledQuantity)-l.ClosedQuantity)
	l.ExitPrice = &price
	l.ExitTime = at.UTC()
	l.ExitReason = reason
	l.PendingExitReason = ""
	l.CloseRetry = false
	return nil
}

// IsOpen reports whether the leg carries live exposure.
func (l *Leg) IsOpen() bool {
	return l.Status.IsOpen()
}

// Symbol returns the broker matching key for this leg.
func (l *Leg) Symbol() string {
	return l.Instrument.Symbol()
}

// OpenQuantity is the signed filled quantity not yet closed. Exited legs report zero.
func (l *Leg) OpenQuantity() int {
	if l.Status.IsTerminal() {
		return 0
	}
	if l.FilledQuantity < 0 {
		return l.FilledQuantity + l.ClosedQuantity
	}
	return l.FilledQuantity - l.ClosedQuantity
}

// ExposureUnits is the signed open quantity scaled by the multiplier.
func (l *Leg) ExposureUnits() int {
	return l.OpenQuantity() * l.Multiplier
}

// RealizedPnL returns (exit - fill) * filled quantity * multiplier for exited
// legs, and the closed part alone for legs still partly open.
func (l *Leg) RealizedPnL() decimal.Decimal {
	if l.FillPrice == nil {
		return decimal.Zero
	}
	if l.ExitPrice != nil {
		return pnl(*l.FillPrice, *l.ExitPrice, l.FilledQuantity, l.Multiplier)
	}
	if l.CloseFillPrice == nil || l.ClosedQuantity == 0 {
		return decimal.Zero
	}
	closed := l.ClosedQuantity
	if l.FilledQuantity < 0 {
		closed = -closed
	}
	return pnl(*l.FillPrice, *l.CloseFillPrice, closed, l.Multiplier)
}

// UnrealizedPnL marks the open part of a leg at mark.
func (l *Leg) UnrealizedPnL(mark float64) decimal.Decimal {
	if !l.IsOpen() || l.FillPrice == nil {
		return decimal.Zero
	}
	return pnl(*l.FillPrice, mark, l.OpenQuantity(), l.Multiplier)
}

// OpenCredit is EntryCredit restricted to the contracts still open.
func (l *Leg) OpenCredit() decimal.Decimal {
	if l.FillPrice == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(*l.FillPrice).
		Mul(decimal.NewFromInt(int64(-l.OpenQuantity()))).
		Mul(decimal.NewFromInt(int64(l.Multiplier)))
}

// EntryCredit is the premium collected (positive) or paid (negative) on entry.
func (l *Leg) EntryCredit() decimal.Decimal {
	if l.FillPrice == nil {
		return decimal.Zero
	}
	return decimal.NewFromFloat(*l.FillPrice).
		Mul(decimal.NewFromInt(int64(-l.FilledQuantity))).
		Mul(decimal.NewFromInt(int64(l.Multiplier)))
}

func pnl(entry, exit float64, qty, multiplier int) decimal.Decimal {
	return decimal.NewFromFloat(exit).Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromInt(int64(qty))).
		Mul(decimal.NewFromInt(int64(multiplier)))
}

// Copy creates a deep copy of the Leg
func (l *Leg) Copy() *Leg {
	if l == nil {
		return nil
	}
	c := *l
	if l.FillPrice != nil {
		v := *l.FillPrice
		c.FillPrice = &v
	}
	if l.ExitPrice != nil {
		v := *l.ExitPrice
		c.ExitPrice = &v
	}
	if l.CloseFillPrice != nil {
		v := *l.CloseFillPrice
		c.CloseFillPrice = &v
	}
	return &c
}

// Validate checks that a leg loaded from storage is internally consistent.
func (l *Leg) Validate() error {
	if l.ID == "" {
		return &ValidationError{Field: "id", Reason: "is required"}
	}
	if strings.TrimSpace(l.Role) == "" {
		return &ValidationError{Field: "role", Reason: "is required"}
	}
	if !l.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", l.Status)}
	}
	if l.Quantity == 0 || l.Multiplier <= 0 {
		return &ValidationError{Field: "quantity", Reason: "quantity must be non-zero and multiplier > 0"}
	}
	if abs(l.FilledQuantity) > abs(l.Quantity) {
		return &ValidationError{Field: "filled_quantity", Reason: "exceeds requested quantity"}
	}
	if l.ClosedQuantity < 0 || l.ClosedQuantity > abs(l.FilledQuantity) {
		return &ValidationError{Field: "closed_quantity", Reason: "must be between 0 and the filled quantity"}
	}
	if l.ClosedQuantity > 0 && l.CloseFillPrice == nil {
		return &ValidationError{Field: "close_fill_price", Reason: "must be set once contracts are closed"}
	}
	if l.IsOpen() && l.ClosedQuantity >= abs(l.FilledQuantity) {
		return &ValidationError{Field: "closed_quantity", Reason: "an open leg must keep open contracts"}
	}
	if l.Status == LegFilled && l.ExitPrice != nil {
		return &ValidationError{Field: "exit_price", Reason: "must be unset on a filled leg"}
	}
	if l.Status.IsTerminal() && l.ExitPrice == nil {
		return &ValidationError{Field: "exit_price", Reason: "must be set on an exited leg"}
	}
	if l.Status.IsOpen() && l.FillPrice == nil {
		return &ValidationError{Field: "fill_price", Reason: "must be set on an open leg"}
	}
	return l.Instrument.Validate()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
