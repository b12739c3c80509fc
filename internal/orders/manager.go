// Package orders submits closing orders for open legs and records the outcome on the book.
package orders

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/eddiefleurent/tomking_plm/internal/broker"
	"github.com/eddiefleurent/tomking_plm/internal/models"
	"github.com/eddiefleurent/tomking_plm/internal/util"
)

// Ledger is the part of the position book the manager mutates.
type Ledger interface {
	Position(id string) (*models.Position, bool)
	OpenPositions() []*models.Position
	AssignCloseOrderRef(id, role, orderRef string, reason models.ExitReason) error
	FlagCloseRetry(id, role string) error
}

// Submitter places one order, retrying as it sees fit.
type Submitter interface {
	PlaceOrderWithRetry(ctx context.Context, order *broker.LegOrder) (*broker.OrderAck, error)
}

// Config contains configuration for the close manager.
type Config struct {
	Duration    string
	TickSize    float64 // zero selects the listed-option tick per limit price
	Concurrency int
	CallTimeout time.Duration
}

// DefaultConfig is the default configuration for the close manager.
var DefaultConfig = Config{
	Duration:    "day",
	TickSize:    0,
	Concurrency: 4,
	CallTimeout: 30 * time.Second,
}

// Manager fans closing orders out across a position's legs.
type Manager struct {
	ledger    Ledger
	submitter Submitter
	logger    logrus.FieldLogger
	config    Config
}

// CloseResult reports per-role outcomes of a close request.
type CloseResult struct {
	Submitted map[string]string
	Failed    map[string]error
	Skipped   []string
}

// OK reports whether every requested leg got a closing order.
func (r CloseResult) OK() bool { return len(r.Failed) == 0 }

// NewManager creates a new close manager instance.
func NewManager(ledger Ledger, submitter Submitter, logger logrus.FieldLogger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if strings.TrimSpace(cfg.Duration) == "" {
		cfg.Duration = DefaultConfig.Duration
	}
	if cfg.TickSize < 0 {
		cfg.TickSize = DefaultConfig.TickSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig.Concurrency
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig.CallTimeout
	}

	if ledger == nil {
		panic("orders.NewManager: ledger must not be nil")
	}
	if submitter == nil {
		panic("orders.NewManager: submitter must not be nil")
	}

	return &Manager{
		ledger:    ledger,
		submitter: submitter,
		logger:    logger.WithField("component", "orders"),
		config:    cfg,
	}
}

// ClosePosition submits closing orders for every open leg of a position.
// limits maps role to limit price; a missing role is sent as a market order.
func (m *Manager) ClosePosition(ctx context.Context, positionID string, reason models.ExitReason, limits map[string]float64) (CloseResult, error) {
	return m.CloseLegs(ctx, positionID, nil, reason, limits)
}

// CloseLegs submits closing orders for the given roles, or every open leg
// when roles is empty. Legs already carrying a close order are skipped.
func (m *Manager) CloseLegs(ctx context.Context, positionID string, roles []string, reason models.ExitReason, limits map[string]float64) (CloseResult, error) {
	res := CloseResult{Submitted: map[string]string{}, Failed: map[string]error{}}
	if !reason.Valid() {
		return res, &models.ValidationError{Field: "exit_reason", Reason: fmt.Sprintf("unknown reason %q", reason)}
	}
	p, ok := m.ledger.Position(positionID)
	if !ok {
		return res, fmt.Errorf("position %s: %w", positionID, models.ErrPositionNotFound)
	}

	legs, err := m.selectLegs(p, roles, &res)
	if err != nil {
		return res, err
	}

	var (
		mu sync.Mutex
		eg errgroup.Group
	)
	eg.SetLimit(m.config.Concurrency)
	for _, leg := range legs {
		order := m.buildOrder(p.ID, leg, limits)
		role := leg.Role
		eg.Go(func() error {
			ref, err := m.submit(ctx, p.ID, role, order, reason)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Failed[role] = err
			} else {
				res.Submitted[role] = ref
			}
			return nil
		})
	}
	_ = eg.Wait()

	if !res.OK() {
		m.logger.WithFields(logrus.Fields{
			"position_id": p.ID,
			"failed":      len(res.Failed),
			"submitted":   len(res.Submitted),
		}).Warn("Some closing orders could not be placed")
	}
	return res, nil
}

func (m *Manager) selectLegs(p *models.Position, roles []string, res *CloseResult) ([]*models.Leg, error) {
	if len(roles) == 0 {
		roles = p.Roles()
	}
	var legs []*models.Leg
	for _, role := range roles {
		leg, ok := p.Leg(role)
		if !ok {
			return nil, fmt.Errorf("position %s role %s: %w", p.ID, role, models.ErrRoleNotFound)
		}
		if !leg.IsOpen() || leg.CloseOrderRef != "" {
			res.Skipped = append(res.Skipped, role)
			continue
		}
		legs = append(legs, leg)
	}
	sort.Strings(res.Skipped)
	return legs, nil
}

func (m *Manager) buildOrder(positionID string, leg *models.Leg, limits map[string]float64) *broker.LegOrder {
	qty := leg.OpenQuantity()
	if qty < 0 {
		qty = -qty
	}
	order := &broker.LegOrder{
		Tag:      orderTag(positionID, leg.Role),
		Symbol:   leg.Symbol(),
		Side:     broker.CloseSide(leg.FilledQuantity),
		Duration: m.config.Duration,
		Quantity: qty,
	}
	if limit, ok := limits[leg.Role]; ok && limit > 0 {
		tick := m.config.TickSize
		if tick == 0 {
			tick = util.OptionTick(limit)
		}
		// Round toward the marketable side.
		if order.Side == broker.SideBuyToClose {
			order.LimitPrice = util.CeilToTick(limit, tick)
		} else {
			order.LimitPrice = util.FloorToTick(limit, tick)
		}
	}
	return order
}

// submit places one closing order and records the result on the ledger.
func (m *Manager) submit(ctx context.Context, positionID, role string, order *broker.LegOrder, reason models.ExitReason) (string, error) {
	log := m.logger.WithFields(logrus.Fields{
		"position_id": positionID,
		"role":        role,
		"symbol":      order.Symbol,
	})

	callCtx, cancel := context.WithTimeout(ctx, m.config.CallTimeout)
	defer cancel()

	ack, err := m.submitter.PlaceOrderWithRetry(callCtx, order)
	if err == nil && (ack == nil || strings.TrimSpace(ack.OrderRef) == "") {
		err = fmt.Errorf("broker acknowledged without an order reference")
	}
	if err != nil {
		if ferr := m.ledger.FlagCloseRetry(positionID, role); ferr != nil {
			log.WithError(ferr).Error("Failed to flag leg for close retry")
		}
		log.WithError(err).Error("Closing order failed, leg flagged for retry")
		return "", err
	}

	if err := m.ledger.AssignCloseOrderRef(positionID, role, ack.OrderRef, reason); err != nil {
		// The order is live at the broker; reconciliation will pick up the fill or the drift.
		log.WithField("order_ref", ack.OrderRef).WithError(err).Error("Closing order placed but could not be linked to leg")
		return ack.OrderRef, err
	}
	log.WithFields(logrus.Fields{"order_ref": ack.OrderRef, "reason": reason}).Info("Closing order submitted")
	return ack.OrderRef, nil
}

// RetryFlagged resubmits closing orders for every leg flagged CloseRetry.
// The pending exit reason is reused when present.
func (m *Manager) RetryFlagged(ctx context.Context) (map[string]CloseResult, error) {
	out := make(map[string]CloseResult)
	for _, p := range m.ledger.OpenPositions() {
		byReason := make(map[models.ExitReason][]string)
		for _, leg := range p.Legs {
			if !leg.CloseRetry || !leg.IsOpen() || leg.CloseOrderRef != "" {
				continue
			}
			reason := leg.PendingExitReason
			if !reason.Valid() {
				reason = models.ExitManual
			}
			byReason[reason] = append(byReason[reason], leg.Role)
		}
		for reason, roles := range byReason {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			res, err := m.CloseLegs(ctx, p.ID, roles, reason, nil)
			if err != nil {
				m.logger.WithField("position_id", p.ID).WithError(err).Warn("Close retry failed")
				continue
			}
			merged := out[p.ID]
			out[p.ID] = merge(merged, res)
		}
	}
	return out, nil
}

func merge(a, b CloseResult) CloseResult {
	if a.Submitted == nil {
		return b
	}
	for k, v := range b.Submitted {
		a.Submitted[k] = v
	}
	for k, v := range b.Failed {
		a.Failed[k] = v
	}
	a.Skipped = append(a.Skipped, b.Skipped...)
	return a
}

// orderTag builds a broker-safe tag from the position ID and role.
func orderTag(positionID, role string) string {
	id := positionID
	if len(id) > 8 {
		id = id[:8]
	}
	tag := "plm-" + id + "-" + strings.ToLower(role)
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, tag)
}
