// Package strategy evaluates per-component exit targets for open positions.
package strategy

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/tomking_plm/internal/models"
)

// DefaultComponent is the role key whose target applies to roles without their own entry.
const DefaultComponent = "*"

// ComponentTarget configures exits for one role.
type ComponentTarget struct {
	ProfitTarget float64 // fraction of entry premium captured, e.g. 0.50
	StopLossPct  float64 // loss as a multiple of entry premium, e.g. 2.5
	MaxDTE       int     // exit when this many days or fewer remain; 0 disables
}

// Validate checks one component target.
func (c ComponentTarget) Validate() error {
	if c.ProfitTarget < 0 || c.ProfitTarget > 1 {
		return fmt.Errorf("profit_target must be between 0 and 1, got %.2f", c.ProfitTarget)
	}
	if c.StopLossPct < 0 {
		return fmt.Errorf("stop_loss_pct must be >= 0, got %.2f", c.StopLossPct)
	}
	if c.MaxDTE < 0 {
		return fmt.Errorf("max_dte must be >= 0, got %d", c.MaxDTE)
	}
	if c.ProfitTarget == 0 && c.StopLossPct == 0 && c.MaxDTE == 0 {
		return fmt.Errorf("at least one of profit_target, stop_loss_pct or max_dte is required")
	}
	return nil
}

// Targets is the exit table for one strategy.
type Targets struct {
	Components map[string]ComponentTarget
	Strategy   string
}

// ExitSignal asks for one leg to be closed.
type ExitSignal struct {
	PositionID string
	Role       string
	Reason     models.ExitReason
	Detail     string
	Mark       float64
	ProfitPct  float64
}

// Evaluator checks open legs against their strategy's component targets.
type Evaluator struct {
	targets map[string]Targets
	logger  logrus.FieldLogger
}

// NewEvaluator validates the target tables.
func NewEvaluator(tables []Targets, logger logrus.FieldLogger) (*Evaluator, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	e := &Evaluator{targets: make(map[string]Targets, len(tables)), logger: logger.WithField("component", "strategy")}
	for _, t := range tables {
		name := strings.TrimSpace(t.Strategy)
		if name == "" {
			return nil, fmt.Errorf("strategy name is required")
		}
		if _, dup := e.targets[name]; dup {
			return nil, fmt.Errorf("strategy %s configured twice", name)
		}
		if len(t.Components) == 0 {
			return nil, fmt.Errorf("strategy %s: no component targets", name)
		}
		for role, c := range t.Components {
			if err := c.Validate(); err != nil {
				return nil, fmt.Errorf("strategy %s component %s: %w", name, role, err)
			}
		}
		e.targets[name] = t
	}
	return e, nil
}

// Target returns the target for a strategy role, falling back to the default entry.
func (e *Evaluator) Target(strategyName, role string) (ComponentTarget, bool) {
	t, ok := e.targets[strategyName]
	if !ok {
		return ComponentTarget{}, false
	}
	if c, ok := t.Components[role]; ok {
		return c, true
	}
	c, ok := t.Components[DefaultComponent]
	return c, ok
}

// Evaluate returns an exit signal for every open leg that hit a target.
// Legs with a close order already working are ignored. A leg that cannot be
// priced is logged and skipped; its expiry check still runs.
func (e *Evaluator) Evaluate(p *models.Position, pricing models.PricingFunc, now time.Time) []ExitSignal {
	if p == nil {
		return nil
	}
	var signals []ExitSignal
	for _, leg := range p.OpenLegs() {
		if leg.CloseOrderRef != "" {
			continue
		}
		target, ok := e.Target(p.Strategy, leg.Role)
		if !ok {
			continue
		}
		log := e.logger.WithFields(logrus.Fields{"position_id": p.ID, "role": leg.Role})

		var (
			mark   float64
			priced bool
		)
		if pricing != nil {
			q, err := quote(pricing, leg)
			if err != nil {
				log.WithError(err).Warn("Cannot price leg for exit checks")
			} else {
				mark, priced = q.MarkPrice, true
			}
		}

		if priced {
			if sig, hit := checkPnL(p.ID, leg, target, mark); hit {
				signals = append(signals, sig)
				continue
			}
		}
		if target.MaxDTE > 0 && !leg.Instrument.Expiry.IsZero() {
			if dte := daysToExpiry(leg.Instrument.Expiry, now); dte <= target.MaxDTE {
				signals = append(signals, ExitSignal{
					PositionID: p.ID,
					Role:       leg.Role,
					Reason:     models.ExitTimeStop,
					Mark:       mark,
					Detail:     fmt.Sprintf("%d DTE <= %d", dte, target.MaxDTE),
				})
			}
		}
	}
	sort.SliceStable(signals, func(i, j int) bool { return signals[i].Role < signals[j].Role })
	return signals
}

func checkPnL(positionID string, leg *models.Leg, target ComponentTarget, mark float64) (ExitSignal, bool) {
	premium := leg.OpenCredit().Abs()
	if premium.IsZero() {
		return ExitSignal{}, false
	}
	pct, _ := leg.UnrealizedPnL(mark).Div(premium).Float64()
	sig := ExitSignal{PositionID: positionID, Role: leg.Role, Mark: mark, ProfitPct: pct}

	switch {
	case target.ProfitTarget > 0 && pct >= target.ProfitTarget-1e-9:
		sig.Reason = models.ExitProfitTarget
		sig.Detail = fmt.Sprintf("profit %.1f%% >= %.1f%%", pct*100, target.ProfitTarget*100)
		return sig, true
	case target.StopLossPct > 0 && pct <= -target.StopLossPct+1e-9:
		sig.Reason = models.ExitStopLoss
		sig.Detail = fmt.Sprintf("loss %.1f%% of premium", -pct*100)
		return sig, true
	}
	return sig, false
}

func quote(pricing models.PricingFunc, leg *models.Leg) (q models.Quote, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pricing panicked: %v", r)
		}
	}()
	q, err = pricing(leg)
	if err == nil && (math.IsNaN(q.MarkPrice) || math.IsInf(q.MarkPrice, 0) || q.MarkPrice < 0) {
		err = fmt.Errorf("unusable mark %v", q.MarkPrice)
	}
	return q, err
}

// daysToExpiry counts calendar days from now's date to the expiry date.
func daysToExpiry(expiry, now time.Time) int {
	e := time.Date(expiry.Year(), expiry.Month(), expiry.Day(), 0, 0, 0, 0, time.UTC)
	n := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(e.Sub(n).Hours() / 24)
}

// GroupByReason splits signals into per-position, per-reason role lists.
func GroupByReason(signals []ExitSignal) map[string]map[models.ExitReason][]string {
	out := make(map[string]map[models.ExitReason][]string)
	for _, s := range signals {
		byReason, ok := out[s.PositionID]
		if !ok {
			byReason = make(map[models.ExitReason][]string)
			out[s.PositionID] = byReason
		}
		byReason[s.Reason] = append(byReason[s.Reason], s.Role)
	}
	return out
}

// Marks returns a role to mark price map for the given position's signals.
func Marks(signals []ExitSignal, positionID string) map[string]float64 {
	out := make(map[string]float64)
	for _, s := range signals {
		if s.PositionID == positionID && s.Mark > 0 {
			out[s.Role] = s.Mark
		}
	}
	return out
}
