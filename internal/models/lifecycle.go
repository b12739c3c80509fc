package models

// LifecycleStatus is the derived status of a multi-leg position.
type LifecycleStatus string

const (
	StatusOpening         LifecycleStatus = "opening"
	StatusOpen            LifecycleStatus = "open"
	StatusPartiallyClosed LifecycleStatus = "partially_closed"
	StatusClosed          LifecycleStatus = "closed"
	StatusOrphaned        LifecycleStatus = "orphaned"
)

// DeriveStatus computes the lifecycle status from leg statuses alone.
// Rules are evaluated in order: orphaned, closed, partially closed, open, opening.
func DeriveStatus(legs []*Leg) LifecycleStatus {
	if len(legs) == 0 {
		return StatusOpening
	}

	var terminal, filled int
	for _, leg := range legs {
		switch {
		case leg.Status == LegOrphaned:
			return StatusOrphaned
		case leg.Status.IsTerminal():
			terminal++
		case leg.Status == LegFilled:
			filled++
		}
	}

	switch {
	case terminal == len(legs):
		return StatusClosed
	case terminal > 0:
		return StatusPartiallyClosed
	case filled == len(legs):
		return StatusOpen
	default:
		return StatusOpening
	}
}

// IsClosed reports whether the status is CLOSED.
func (s LifecycleStatus) IsClosed() bool {
	return s == StatusClosed
}
