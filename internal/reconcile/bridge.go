// Package reconcile keeps the tracked leg set consistent with broker fills and positions.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/eddiefleurent/tomking_plm/internal/portfolio"
	"github.com/sirupsen/logrus"
)

const unitTolerance = 1e-6

// Ledger is the subset of the portfolio book the bridge drives.
type Ledger interface {
	ApplyFill(orderRef string, price float64, at time.Time, qty int) (portfolio.FillMatch, error)
	TrackedLegs() []portfolio.LegView
	MarkLegOrphaned(positionID, legID, reason string, at time.Time) error
	MarkLegExpired(positionID, legID string, settlement float64, at time.Time) error
}

// Config holds reconciliation policy.
type Config struct {
	// MaxSuspectPasses is how many consecutive mismatching passes a leg may
	// stay SUSPECT; the next mismatch orphans it. Zero disables the bound.
	MaxSuspectPasses int
	// MaxSuspectAge orphans a leg that has been SUSPECT for this long. Zero disables the bound.
	MaxSuspectAge time.Duration
	// RecordCapacity bounds the reconciliation history.
	RecordCapacity int
	// FetchTimeout bounds one broker position query.
	FetchTimeout time.Duration
	// ReconcileAfterFill runs a pass after every matched fill event.
	ReconcileAfterFill bool
}

// DefaultConfig returns the default reconciliation policy.
func DefaultConfig() Config {
	return Config{
		MaxSuspectPasses:   3,
		MaxSuspectAge:      4 * time.Hour,
		RecordCapacity:     100,
		FetchTimeout:       8 * time.Second,
		ReconcileAfterFill: true,
	}
}

// Validate checks the policy is usable.
func (c Config) Validate() error {
	if c.MaxSuspectPasses < 0 || c.MaxSuspectAge < 0 {
		return errors.New("reconcile: retry window bounds must not be negative")
	}
	if c.MaxSuspectPasses == 0 && c.MaxSuspectAge == 0 {
		return errors.New("reconcile: at least one of max_suspect_passes or max_suspect_age must be set")
	}
	if c.RecordCapacity < 1 {
		return fmt.Errorf("reconcile: record_capacity must be >= 1 (got %d)", c.RecordCapacity)
	}
	return nil
}

type legSync struct {
	since    time.Time
	state    SyncState
	passes   int
	awaiting bool
}

// Bridge maps broker fills onto legs and diffs tracked legs against broker positions.
type Bridge struct {
	ledger          Ledger
	querier         broker.PositionQuerier
	logger          logrus.FieldLogger
	now             func() time.Time
	legs            map[string]*legSync
	records         *ring[Record]
	config          Config
	pass            uint64
	passMu          sync.Mutex
	mu              sync.Mutex
	lastUnexplained bool
	lastFetchFailed bool
	blocked         bool
}

// NewBridge creates a reconciliation bridge. querier may be nil when only
// Reconcile is driven directly.
func NewBridge(ledger Ledger, querier broker.PositionQuerier, logger logrus.FieldLogger, config ...Config) *Bridge {
	if ledger == nil {
		panic("reconcile.NewBridge: ledger cannot be nil")
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	cfg := DefaultConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.RecordCapacity < 1 {
		cfg.RecordCapacity = DefaultConfig().RecordCapacity
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultConfig().FetchTimeout
	}
	return &Bridge{
		ledger:  ledger,
		querier: querier,
		logger:  logger.WithField("component", "reconcile"),
		now:     time.Now,
		legs:    make(map[string]*legSync),
		records: newRing[Record](cfg.RecordCapacity),
		config:  cfg,
	}
}

// OnFillEvent routes a fill by order reference. Fills for unknown refs are
// logged and ignored; they belong to manual or external trades.
func (b *Bridge) OnFillEvent(ctx context.Context, ev broker.FillEvent) error {
	fields := logrus.Fields{"order_ref": ev.OrderRef, "symbol": ev.Symbol}
	at := ev.Time
	if at.IsZero() {
		at = b.now()
	}
	match, err := b.ledger.ApplyFill(ev.OrderRef, ev.Price, at, ev.Quantity)
	if err != nil {
		b.logger.WithFields(fields).WithError(err).Error("Fill event rejected")
		return fmt.Errorf("fill %s: %w", ev.OrderRef, err)
	}
	if !match.Matched {
		b.logger.WithFields(fields).Info("Ignoring fill for untracked order ref")
		return nil
	}
	b.logger.WithFields(fields).WithFields(logrus.Fields{
		"position_id": match.PositionID,
		"role":        match.Role,
		"leg_id":      match.LegID,
		"close":       match.Close,
		"quantity":    ev.Quantity,
		"price":       ev.Price,
	}).Info("Fill applied")

	if b.config.ReconcileAfterFill && b.querier != nil {
		if _, err := b.reconcileNow(ctx, false); err != nil {
			b.logger.WithError(err).Warn("Post-fill reconciliation failed")
		}
	}
	return nil
}

// ReconcileNow fetches broker positions and runs a pass. A failed fetch is
// recorded and blocks new entries until a later fetch succeeds.
func (b *Bridge) ReconcileNow(ctx context.Context) (Record, error) {
	return b.reconcileNow(ctx, true)
}

func (b *Bridge) reconcileNow(ctx context.Context, counted bool) (Record, error) {
	if b.querier == nil {
		return Record{}, errors.New("reconcile: no position querier configured")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, b.config.FetchTimeout)
	defer cancel()
	items, err := b.querier.GetPositionsCtx(fetchCtx)
	if err != nil {
		b.mu.Lock()
		b.pass++
		rec := Record{
			Timestamp:   b.now().UTC(),
			Pass:        b.pass,
			FetchError:  err.Error(),
			TrackedLegs: len(b.legs),
		}
		rec.addAction(ActionBlockedNewEntries)
		b.lastFetchFailed = true
		b.records.push(rec)
		b.updateBlockLocked()
		b.mu.Unlock()
		b.logger.WithError(err).Error("Failed to get broker positions for reconciliation")
		return rec, fmt.Errorf("fetch broker positions: %w", err)
	}
	return b.reconcile(items, counted), nil
}

type symbolGroup struct {
	legs     []portfolio.LegView
	expected float64
	// lo and hi are the signed offsets from expected that in-flight entry
	// and close fills can still produce at the broker.
	lo, hi float64
}

// inflightUnits returns the signed units a leg's working entry or close order
// would still move at the broker.
func inflightUnits(leg *models.Leg) float64 {
	var units int
	switch leg.Status {
	case models.LegWorking, models.LegPartiallyFilled:
		remaining := abs(leg.Quantity) - abs(leg.FilledQuantity)
		if leg.Quantity < 0 {
			remaining = -remaining
		}
		units += remaining * leg.Multiplier
	}
	if leg.IsOpen() && leg.CloseOrderRef != "" {
		units -= leg.ExposureUnits()
	}
	return float64(units)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// lacks reports whether the broker holds less of the expected exposure than
// the core believes it has.
func lacks(expected, brokerUnits float64) bool {
	switch {
	case expected > unitTolerance:
		return brokerUnits < expected-unitTolerance
	case expected < -unitTolerance:
		return brokerUnits > expected+unitTolerance
	default:
		return false
	}
}

type ledgerOp struct {
	view   portfolio.LegView
	reason string
	expire bool
}

// Reconcile compares tracked legs with a broker position list and records the
// result. Each call counts towards the suspect pass window.
func (b *Bridge) Reconcile(brokerPositions []broker.PositionItem) Record {
	return b.reconcile(brokerPositions, true)
}

// reconcile runs one pass. Ledger mutations are decided under the state lock
// and applied after it is released, so observers never run while readers of
// the bridge wait. Passes triggered by fill events do not count towards the
// suspect pass window.
func (b *Bridge) reconcile(brokerPositions []broker.PositionItem, counted bool) Record {
	b.passMu.Lock()
	defer b.passMu.Unlock()

	rec, ops := b.diff(brokerPositions, counted)
	now := rec.Timestamp
	orphaned := make(map[string]bool)
	for _, op := range ops {
		leg := op.view.Leg
		entry := b.logger.WithFields(logrus.Fields{
			"position_id": op.view.PositionID,
			"role":        leg.Role,
			"leg_id":      leg.ID,
			"symbol":      leg.Symbol(),
		})
		if op.expire {
			if err := b.ledger.MarkLegExpired(op.view.PositionID, leg.ID, 0, now); err != nil {
				entry.WithError(err).Error("Failed to mark expired leg")
				continue
			}
			rec.addAction(ActionCorrectedLocalState)
			entry.Info("Leg past expiry and absent at broker, marked expired")
			continue
		}
		if err := b.ledger.MarkLegOrphaned(op.view.PositionID, leg.ID, op.reason, now); err != nil {
			entry.WithError(err).Error("Failed to mark leg orphaned")
			continue
		}
		orphaned[leg.ID] = true
		rec.addAction(ActionFlaggedOrphan)
		rec.addAction(ActionBlockedNewEntries)
		entry.WithField("reason", op.reason).Error("Leg escalated to orphaned")
	}

	b.mu.Lock()
	for id := range orphaned {
		b.legs[id] = &legSync{state: StateOrphaned}
	}
	if len(rec.Actions) == 0 {
		rec.Actions = []Action{ActionNone}
	}
	b.records.push(rec)
	b.updateBlockLocked()
	b.mu.Unlock()

	b.logger.WithFields(logrus.Fields{
		"pass":          rec.Pass,
		"counted":       counted,
		"tracked_legs":  rec.TrackedLegs,
		"discrepancies": len(rec.Discrepancies),
		"actions":       rec.Actions,
	}).Debug("Reconciliation pass complete")
	return rec
}

// diff builds the pass record and the ledger operations it calls for.
func (b *Bridge) diff(brokerPositions []broker.PositionItem, counted bool) (Record, []ledgerOp) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now().UTC()
	b.pass++
	b.lastFetchFailed = false
	rec := Record{Timestamp: now, Pass: b.pass}
	var ops []ledgerOp

	brokerQty := make(map[string]float64)
	brokerMult := make(map[string]int)
	for _, item := range brokerPositions {
		brokerQty[item.Symbol] += item.Quantity
		if item.Multiplier > 0 {
			brokerMult[item.Symbol] = item.Multiplier
		}
	}
	for _, q := range brokerQty {
		if math.Abs(q) > unitTolerance {
			rec.BrokerSymbols++
		}
	}

	known := make(map[string]bool)
	groups := make(map[string]*symbolGroup)
	seen := make(map[string]bool)
	for _, view := range b.ledger.TrackedLegs() {
		leg := view.Leg
		sym := leg.Symbol()
		if !leg.Status.IsTerminal() {
			known[sym] = true
		}
		if leg.Status == models.LegOrphaned {
			seen[leg.ID] = true
			b.legs[leg.ID] = &legSync{state: StateOrphaned}
			continue
		}
		if !tracked(leg.Status) {
			continue
		}
		seen[leg.ID] = true

		if leg.IsOpen() && leg.Instrument.ExpiredAt(now) && math.Abs(brokerQty[sym]) <= unitTolerance {
			rec.Discrepancies = append(rec.Discrepancies, Discrepancy{
				Symbol:        sym,
				Kind:          KindMissing,
				LegIDs:        []string{leg.ID},
				PositionIDs:   []string{view.PositionID},
				ExpectedUnits: float64(leg.ExposureUnits()),
			})
			ops = append(ops, ledgerOp{view: view, expire: true})
			delete(b.legs, leg.ID)
			continue
		}

		g := groups[sym]
		if g == nil {
			g = &symbolGroup{}
			groups[sym] = g
		}
		g.legs = append(g.legs, view)
		g.expected += float64(leg.ExposureUnits())
		if u := inflightUnits(leg); u > 0 {
			g.hi += u
		} else {
			g.lo += u
		}
		rec.TrackedLegs++
	}

	symbols := make([]string, 0, len(groups))
	for sym := range groups {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	excess := false
	for _, sym := range symbols {
		g := groups[sym]
		mult := brokerMult[sym]
		if mult == 0 {
			mult = g.legs[0].Leg.Multiplier
		}
		brokerUnits := brokerQty[sym] * float64(mult)
		if math.Abs(brokerUnits-g.expected) <= unitTolerance {
			b.markInSync(g.legs)
			continue
		}

		d := Discrepancy{
			Symbol:         sym,
			ExpectedUnits:  g.expected,
			BrokerUnits:    brokerUnits,
			BrokerQuantity: brokerQty[sym],
			Kind:           KindQuantityMismatch,
		}
		for _, view := range g.legs {
			d.LegIDs = append(d.LegIDs, view.Leg.ID)
			d.PositionIDs = appendUnique(d.PositionIDs, view.PositionID)
		}

		switch {
		case brokerUnits >= g.expected+g.lo-unitTolerance && brokerUnits <= g.expected+g.hi+unitTolerance:
			// The difference is covered by working orders whose fills have not arrived yet.
			d.Kind = KindAwaitingFill
			for _, view := range g.legs {
				if inflightUnits(view.Leg) != 0 {
					b.markAwaiting(view, d, now)
				} else {
					b.markInSync([]portfolio.LegView{view})
				}
			}
		case lacks(g.expected, brokerUnits):
			if math.Abs(brokerUnits) <= unitTolerance {
				d.Kind = KindMissing
			}
			for _, view := range g.legs {
				if view.Leg.ExposureUnits() == 0 {
					b.markInSync([]portfolio.LegView{view})
					continue
				}
				if reason, escalate := b.markSuspect(view, d, now, counted); escalate {
					ops = append(ops, ledgerOp{view: view, reason: reason})
				}
			}
		default:
			// The broker holds more than the core tracks; the surplus is
			// treated like an unexplained position.
			excess = true
			for _, view := range g.legs {
				b.holdSuspect(view.Leg.ID, now)
			}
			b.logger.WithFields(logrus.Fields{
				"symbol":         sym,
				"expected_units": d.ExpectedUnits,
				"broker_units":   d.BrokerUnits,
			}).Warn("Broker holds more than tracked legs explain, not adopting surplus")
		}
		rec.Discrepancies = append(rec.Discrepancies, d)
	}

	unexplained := make([]string, 0)
	for sym, q := range brokerQty {
		if math.Abs(q) > unitTolerance && !known[sym] {
			unexplained = append(unexplained, sym)
		}
	}
	sort.Strings(unexplained)
	for _, sym := range unexplained {
		d := Discrepancy{Symbol: sym, Kind: KindUnexplained, BrokerQuantity: brokerQty[sym]}
		if m := brokerMult[sym]; m > 0 {
			d.BrokerUnits = brokerQty[sym] * float64(m)
		}
		rec.Discrepancies = append(rec.Discrepancies, d)
		b.logger.WithFields(logrus.Fields{
			"symbol":   sym,
			"quantity": brokerQty[sym],
		}).Warn("Unexplained broker position: not tracked by any leg, not adopting")
	}
	b.lastUnexplained = len(unexplained) > 0 || excess
	if b.lastUnexplained {
		rec.addAction(ActionBlockedNewEntries)
	}

	for id := range b.legs {
		if !seen[id] {
			delete(b.legs, id)
		}
	}
	return rec, ops
}

func tracked(s models.LegStatus) bool {
	return s == models.LegWorking || s == models.LegFilled || s == models.LegPartiallyFilled
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

func (b *Bridge) markInSync(views []portfolio.LegView) {
	for _, view := range views {
		s, ok := b.legs[view.Leg.ID]
		if ok && s.state == StateSuspect {
			b.logger.WithFields(logrus.Fields{
				"position_id": view.PositionID,
				"role":        view.Leg.Role,
				"leg_id":      view.Leg.ID,
				"passes":      s.passes,
			}).Info("Suspect leg back in sync with broker")
		}
		b.legs[view.Leg.ID] = &legSync{state: StateInSync}
	}
}

// holdSuspect keeps a leg SUSPECT without moving it towards escalation.
func (b *Bridge) holdSuspect(legID string, now time.Time) {
	s, ok := b.legs[legID]
	if !ok || s.state != StateSuspect {
		s = &legSync{state: StateSuspect, since: now}
		b.legs[legID] = s
	}
	s.awaiting = true
}

func (b *Bridge) markAwaiting(view portfolio.LegView, d Discrepancy, now time.Time) {
	b.holdSuspect(view.Leg.ID, now)
	b.logger.WithFields(logrus.Fields{
		"position_id":    view.PositionID,
		"role":           view.Leg.Role,
		"leg_id":         view.Leg.ID,
		"symbol":         d.Symbol,
		"expected_units": d.ExpectedUnits,
		"broker_units":   d.BrokerUnits,
	}).Info("Broker ahead of local fills, waiting for fill event")
}

// markSuspect records a mismatching pass for a leg carrying exposure the broker
// does not confirm. It returns the orphan reason once the window is exceeded.
func (b *Bridge) markSuspect(view portfolio.LegView, d Discrepancy, now time.Time, counted bool) (string, bool) {
	leg := view.Leg
	s, ok := b.legs[leg.ID]
	if !ok || s.state != StateSuspect || s.awaiting {
		s = &legSync{state: StateSuspect, since: now}
		b.legs[leg.ID] = s
	}
	if counted {
		s.passes++
	}

	entry := b.logger.WithFields(logrus.Fields{
		"position_id":    view.PositionID,
		"role":           leg.Role,
		"leg_id":         leg.ID,
		"symbol":         d.Symbol,
		"expected_units": d.ExpectedUnits,
		"broker_units":   d.BrokerUnits,
		"passes":         s.passes,
	})

	if !b.windowExceeded(s, now) {
		entry.Warn("Leg quantity not confirmed by broker, marked suspect")
		return "", false
	}
	return fmt.Sprintf("broker reports %.0f units for %s, expected %.0f, after %d passes",
		d.BrokerUnits, d.Symbol, d.ExpectedUnits, s.passes), true
}

func (b *Bridge) windowExceeded(s *legSync, now time.Time) bool {
	if b.config.MaxSuspectPasses > 0 && s.passes > b.config.MaxSuspectPasses {
		return true
	}
	return b.config.MaxSuspectAge > 0 && now.Sub(s.since) >= b.config.MaxSuspectAge
}

func (b *Bridge) orphanCount() int {
	n := 0
	for _, view := range b.ledger.TrackedLegs() {
		if view.Leg.Status == models.LegOrphaned {
			n++
		}
	}
	return n
}

func (b *Bridge) updateBlockLocked() {
	orphans := b.orphanCount()
	blocked := orphans > 0 || b.lastUnexplained || b.lastFetchFailed
	if blocked == b.blocked {
		return
	}
	b.blocked = blocked
	fields := logrus.Fields{
		"orphaned_legs": orphans,
		"unexplained":   b.lastUnexplained,
		"fetch_failed":  b.lastFetchFailed,
	}
	if blocked {
		b.logger.WithFields(fields).Error("NEW ENTRIES BLOCKED: broker state unreconciled")
	} else {
		b.logger.WithFields(fields).Warn("New entries unblocked: broker state reconciled")
	}
}

// BlockNewEntries reports whether new positions must not be opened: any
// tracked leg is orphaned, the last pass saw unexplained broker positions,
// or the last fetch failed. SUSPECT legs alone do not block.
func (b *Bridge) BlockNewEntries() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastUnexplained || b.lastFetchFailed {
		return true
	}
	return b.orphanCount() > 0
}

// Records returns the retained reconciliation history, oldest first.
func (b *Bridge) Records() []Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records.snapshot()
}

// LastRecord returns the most recent record.
func (b *Bridge) LastRecord() (Record, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.records.last()
}

// LegState returns the reconciliation sub-state of a leg. Untracked legs report IN_SYNC.
func (b *Bridge) LegState(legID string) SyncState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.legs[legID]; ok {
		return s.state
	}
	return StateInSync
}

// SuspectLegs lists legs currently inside their retry window.
func (b *Bridge) SuspectLegs() []SuspectLeg {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []SuspectLeg
	for _, view := range b.ledger.TrackedLegs() {
		s, ok := b.legs[view.Leg.ID]
		if !ok || s.state != StateSuspect {
			continue
		}
		out = append(out, SuspectLeg{
			LegID:      view.Leg.ID,
			PositionID: view.PositionID,
			Role:       view.Leg.Role,
			Symbol:     view.Leg.Symbol(),
			Passes:       s.passes,
			Since:        s.since,
			AwaitingFill: s.awaiting,
		})
	}
	return out
}
