package reconcile

import "time"

// DiscrepancyKind classifies a difference between local and broker state.
type DiscrepancyKind string

const (
	KindMissing          DiscrepancyKind = "missing"
	KindQuantityMismatch DiscrepancyKind = "quantity_mismatch"
	KindUnexplained      DiscrepancyKind = "unexplained"
	// KindAwaitingFill is a broker quantity that working orders explain
	// before their fill events have arrived.
	KindAwaitingFill DiscrepancyKind = "awaiting_fill"
)

// Action is a resolution taken during a pass.
type Action string

const (
	ActionNone                Action = "none"
	ActionCorrectedLocalState Action = "corrected_local_state"
	ActionFlaggedOrphan       Action = "flagged_orphan"
	ActionBlockedNewEntries   Action = "blocked_new_entries"
)

// SyncState is the reconciliation sub-state of a tracked leg.
type SyncState string

const (
	StateInSync   SyncState = "in_sync"
	StateSuspect  SyncState = "suspect"
	StateOrphaned SyncState = "orphaned"
)

// Discrepancy is one symbol whose local and broker quantities disagree.
// Units are signed contracts times multiplier. BrokerQuantity is the raw
// signed contract count. For an unexplained symbol whose multiplier the
// broker did not report, BrokerUnits is zero and only BrokerQuantity is set.
type Discrepancy struct {
	Symbol         string          `json:"symbol"`
	Kind           DiscrepancyKind `json:"kind"`
	LegIDs         []string        `json:"leg_ids,omitempty"`
	PositionIDs    []string        `json:"position_ids,omitempty"`
	ExpectedUnits  float64         `json:"expected_units"`
	BrokerUnits    float64         `json:"broker_units"`
	BrokerQuantity float64         `json:"broker_quantity"`
}

// Record is the outcome of one reconciliation pass.
type Record struct {
	Timestamp     time.Time     `json:"timestamp"`
	FetchError    string        `json:"fetch_error,omitempty"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Actions       []Action      `json:"actions"`
	Pass          uint64        `json:"pass"`
	TrackedLegs   int           `json:"tracked_legs"`
	BrokerSymbols int           `json:"broker_symbols"`
}

// HasAction reports whether a was taken during the pass.
func (r Record) HasAction(a Action) bool {
	for _, got := range r.Actions {
		if got == a {
			return true
		}
	}
	return false
}

func (r *Record) addAction(a Action) {
	if !r.HasAction(a) {
		r.Actions = append(r.Actions, a)
	}
}

// SuspectLeg describes a leg currently inside its retry window. AwaitingFill
// legs are ahead at the broker and never escalate.
type SuspectLeg struct {
	Since        time.Time `json:"since"`
	LegID        string    `json:"leg_id"`
	PositionID   string    `json:"position_id"`
	Role         string    `json:"role"`
	Symbol       string    `json:"symbol"`
	Passes       int       `json:"passes"`
	AwaitingFill bool      `json:"awaiting_fill"`
}
