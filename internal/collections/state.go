package collections

import (
	"maps"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ticketing"
)

// Collection names one cached, independently refreshable view.
type Collection uint8

const (
	ActiveEvents Collection = iota + 1
	AllEvents
	MyTickets
	MyPurchases
	MyProfile
)

var collectionNames = [...]string{
	ActiveEvents: "active_events",
	AllEvents:    "all_events",
	MyTickets:    "my_tickets",
	MyPurchases:  "my_purchases",
	MyProfile:    "my_profile",
}

func (c Collection) String() string {
	if c < ActiveEvents || c > MyProfile {
		return "unknown"
	}
	return collectionNames[c]
}

// All returns every collection in declaration order.
func All() []Collection {
	return []Collection{ActiveEvents, AllEvents, MyTickets, MyPurchases, MyProfile}
}

// Trigger is a command whose success invalidates cached views.
type Trigger uint8

const (
	CreatedEvent Trigger = iota + 1
	Purchased
	MarkedUsed
	Deactivated
	Verified
)

// RefreshSet is the superset of collections a successful trigger may have
// changed. Purchased and Deactivated also refresh the cached statistics of
// the event involved; marking a ticket used changes no statistic.
func RefreshSet(t Trigger) []Collection {
	switch t {
	case CreatedEvent:
		return []Collection{ActiveEvents, AllEvents}
	case Purchased:
		return []Collection{ActiveEvents, AllEvents, MyTickets, MyPurchases, MyProfile}
	case MarkedUsed:
		return []Collection{MyTickets, MyProfile}
	case Deactivated:
		return []Collection{ActiveEvents, AllEvents}
	default:
		return nil
	}
}

func refreshesStats(t Trigger) bool {
	return t == Purchased || t == Deactivated
}

// State is one immutable snapshot of every cache of a session. A State is
// never modified after it is published; readers must not mutate the slices
// it holds.
type State struct {
	Generation uint64
	Owner      identity.Principal

	ActiveEvents []ticketing.Event
	AllEvents    []ticketing.Event
	MyTickets    []ticketing.Ticket
	MyPurchases  []ticketing.Purchase
	MyProfile    *ticketing.UserProfile
	Stats        map[uint64]ticketing.EventStats

	// Loaded records which collections hold fetched data, so an empty
	// list can be told apart from one never fetched.
	Loaded map[Collection]bool
}

// IsEmpty reports whether no cache holds data.
func (s *State) IsEmpty() bool {
	return len(s.ActiveEvents) == 0 &&
		len(s.AllEvents) == 0 &&
		len(s.MyTickets) == 0 &&
		len(s.MyPurchases) == 0 &&
		s.MyProfile == nil &&
		len(s.Stats) == 0
}

// Event looks an event up in the all-events cache, then the active one.
func (s *State) Event(id uint64) (ticketing.Event, bool) {
	for _, list := range [][]ticketing.Event{s.AllEvents, s.ActiveEvents} {
		for _, ev := range list {
			if ev.ID == id {
				return ev, true
			}
		}
	}
	return ticketing.Event{}, false
}

// Ticket looks a ticket up in the caller's ticket cache.
func (s *State) Ticket(id uint64) (ticketing.Ticket, bool) {
	for _, tk := range s.MyTickets {
		if tk.ID == id {
			return tk, true
		}
	}
	return ticketing.Ticket{}, false
}

func (s *State) clone() *State {
	next := *s
	next.Stats = maps.Clone(s.Stats)
	next.Loaded = maps.Clone(s.Loaded)
	if next.Loaded == nil {
		next.Loaded = make(map[Collection]bool)
	}
	return &next
}
