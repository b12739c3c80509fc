package portfolio

import (
	"time"

	"github.com/eddiefleurent/tomking_plm/internal/models"
)

// EventType names a lifecycle transition.
type EventType string

const (
	EventTracked         EventType = "tracked"
	EventOpened          EventType = "opened"
	EventComponentClosed EventType = "component_closed"
	EventPartiallyClosed EventType = "partially_closed"
	EventClosed          EventType = "closed"
	EventOrphaned        EventType = "orphaned"
	EventLegRolled       EventType = "leg_rolled"
	EventLegOrphaned     EventType = "leg_orphaned"
)

// Event is published to observers after the book lock is released.
type Event struct {
	At         time.Time              `json:"at"`
	Position   *models.Position       `json:"-"`
	Type       EventType              `json:"type"`
	PositionID string                 `json:"position_id"`
	Strategy   string                 `json:"strategy"`
	Role       string                 `json:"role,omitempty"`
	LegID      string                 `json:"leg_id,omitempty"`
	Detail     string                 `json:"detail,omitempty"`
	Status     models.LifecycleStatus `json:"status"`
	Previous   models.LifecycleStatus `json:"previous,omitempty"`
}

// Observer consumes lifecycle events. Implementations must not call back into
// the book synchronously from a goroutine that holds other locks.
type Observer interface {
	OnLifecycleEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// OnLifecycleEvent calls f(e).
func (f ObserverFunc) OnLifecycleEvent(e Event) { f(e) }

// lifecycleEvents compares two versions of a position and reports what happened.
func lifecycleEvents(before, after *models.Position, at time.Time) []Event {
	var events []Event
	mk := func(t EventType) Event {
		return Event{
			At:         at,
			Type:       t,
			PositionID: after.ID,
			Strategy:   after.Strategy,
			Status:     after.Status(),
			Position:   after,
		}
	}

	for _, leg := range after.Legs {
		prev, existed := before.LegByID(leg.ID)
		if !existed {
			if leg.RolledFrom != "" {
				e := mk(EventLegRolled)
				e.Role, e.LegID, e.Detail = leg.Role, leg.ID, "rolled from "+leg.RolledFrom
				events = append(events, e)
			}
			continue
		}
		if prev.Status == leg.Status {
			continue
		}
		switch {
		case leg.Status.IsTerminal():
			e := mk(EventComponentClosed)
			e.Role, e.LegID, e.Detail = leg.Role, leg.ID, string(leg.ExitReason)
			events = append(events, e)
		case leg.Status == models.LegOrphaned:
			e := mk(EventLegOrphaned)
			e.Role, e.LegID, e.Detail = leg.Role, leg.ID, leg.OrphanReason
			events = append(events, e)
		}
	}

	prevStatus, status := before.Status(), after.Status()
	if prevStatus == status {
		return events
	}
	var t EventType
	switch status {
	case models.StatusOpen:
		t = EventOpened
	case models.StatusPartiallyClosed:
		t = EventPartiallyClosed
	case models.StatusClosed:
		t = EventClosed
	case models.StatusOrphaned:
		t = EventOrphaned
	default:
		return events
	}
	e := mk(t)
	e.Previous = prevStatus
	return append(events, e)
}
