package models

import (
	"fmt"
	"math/rand"
	"testing"
	"time"
)

// expectedStatus restates the derivation table independently of DeriveStatus.
func expectedStatus(legs []*Leg) LifecycleStatus {
	anyOrphan, allTerminal, anyTerminal, allFilled := false, true, false, true
	for _, l := range legs {
		switch l.Status {
		case LegOrphaned:
			anyOrphan = true
		case LegClosed, LegExpired, LegAssigned:
			anyTerminal = true
		}
		if !(l.Status == LegClosed || l.Status == LegExpired || l.Status == LegAssigned) {
			allTerminal = false
		}
		if l.Status != LegFilled {
			allFilled = false
		}
	}
	switch {
	case anyOrphan:
		return StatusOrphaned
	case allTerminal:
		return StatusClosed
	case anyTerminal:
		return StatusPartiallyClosed
	case allFilled:
		return StatusOpen
	default:
		return StatusOpening
	}
}

func TestDeriveStatus_Table(t *testing.T) {
	mk := func(statuses ...LegStatus) []*Leg {
		legs := make([]*Leg, len(statuses))
		for i, s := range statuses {
			legs[i] = &Leg{Status: s}
		}
		return legs
	}
	tests := []struct {
		name string
		legs []*Leg
		want LifecycleStatus
	}{
		{"all pending", mk(LegPending, LegPending), StatusOpening},
		{"working and filled", mk(LegWorking, LegFilled), StatusOpening},
		{"partial fill", mk(LegPartiallyFilled, LegFilled), StatusOpening},
		{"all filled", mk(LegFilled, LegFilled, LegFilled), StatusOpen},
		{"one closed", mk(LegClosed, LegFilled, LegFilled), StatusPartiallyClosed},
		{"expired and pending", mk(LegExpired, LegPending), StatusPartiallyClosed},
		{"all terminal mix", mk(LegClosed, LegExpired, LegAssigned), StatusClosed},
		{"orphan wins over closed", mk(LegClosed, LegOrphaned), StatusOrphaned},
		{"orphan wins over open", mk(LegFilled, LegOrphaned), StatusOrphaned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveStatus(tt.legs); got != tt.want {
				t.Errorf("DeriveStatus = %s, want %s", got, tt.want)
			}
		})
	}
}

// Random operation sequences must never leave the aggregate status out of step with its legs.
func TestPositionStatus_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	now := time.Date(2026, 10, 1, 14, 30, 0, 0, time.UTC)

	type op func(p *Position, role string) error
	ops := []op{
		func(p *Position, role string) error { return p.AssignOrderRef(role, fmt.Sprintf("ord-%d", rng.Int())) },
		func(p *Position, role string) error { return p.RecordFill(role, 1.5, now, 1+rng.Intn(2)) },
		func(p *Position, role string) error {
			return p.CloseComponent(role, 0.5, now, ExitProfitTarget)
		},
		func(p *Position, role string) error { return p.MarkExpired(role, 0, now) },
		func(p *Position, role string) error { return p.MarkAssigned(role, 480, now) },
		func(p *Position, role string) error { return p.MarkOrphaned(role, "no broker match", now) },
		func(p *Position, role string) error { return p.ResolveOrphan(role, 1.0, now) },
		func(p *Position, _ string) error {
			p.CloseAll(map[string]float64{"A": 1, "B": 1, "C": 1}, now, ExitStopLoss)
			return nil
		},
	}

	for run := 0; run < 200; run++ {
		a, _ := NewLeg("A", testOption(RightPut, 480), -2, 100, 2.0)
		b, _ := NewLeg("B", testOption(RightPut, 520), 1, 100, 6.0)
		c, _ := NewLeg("C", testOption(RightCall, 600), -1, 100, 1.0)
		p, err := NewPosition("", "PROP", "", a, b, c)
		if err != nil {
			t.Fatal(err)
		}
		roles := p.Roles()
		for step := 0; step < 25; step++ {
			role := roles[rng.Intn(len(roles))]
			before := p.Copy()
			if err := ops[rng.Intn(len(ops))](p, role); err != nil {
				// Rejected mutations leave the position as it was.
				if got, want := p.Status(), before.Status(); got != want {
					t.Fatalf("run %d step %d: rejected op changed status %s -> %s", run, step, want, got)
				}
			}
			if got, want := p.Status(), expectedStatus(p.Legs); got != want {
				t.Fatalf("run %d step %d: status %s, derivation says %s", run, step, got, want)
			}
		}
	}
}
