package ticketing

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"boxoffice.org/internal/clock"
	"boxoffice.org/internal/identity"
)

const defaultReputation = 100

type userEvent struct {
	user    identity.Principal
	eventID uint64
}

// InMemory implements Service with in-process concurrency safety. It is the
// reference ledger served by the local replica and used by tests; state is
// lost on restart.
type InMemory struct {
	clock clock.Clock

	mu           sync.RWMutex
	events       map[uint64]*Event
	tickets      map[uint64]*Ticket
	purchases    map[uint64]Purchase
	profiles     map[identity.Principal]*UserProfile
	userPerEvent map[userEvent]uint32
	eventSeq     uint64
	ticketSeq    uint64
	purchaseSeq  uint64
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty ledger. A nil clock uses the system clock.
func NewInMemory(c clock.Clock) *InMemory {
	if c == nil {
		c = clock.System()
	}
	return &InMemory{
		clock:        c,
		events:       make(map[uint64]*Event),
		tickets:      make(map[uint64]*Ticket),
		purchases:    make(map[uint64]Purchase),
		profiles:     make(map[identity.Principal]*UserProfile),
		userPerEvent: make(map[userEvent]uint32),
	}
}

func (s *InMemory) now() uint64 { return uint64(s.clock.Now().UnixNano()) }

func (s *InMemory) CreateEvent(ctx context.Context, d EventDraft) (Result[uint64], error) {
	caller := identity.PrincipalFromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.eventSeq++
	id := s.eventSeq
	s.events[id] = &Event{
		ID:                id,
		Name:              d.Name,
		Description:       d.Description,
		Venue:             d.Venue,
		Date:              d.Date,
		TotalTickets:      d.TotalTickets,
		AvailableTickets:  d.TotalTickets,
		PriceE8s:          d.PriceE8s,
		Organizer:         caller,
		MaxTicketsPerUser: d.MaxTicketsPerUser,
		SaleStartTime:     d.SaleStartTime,
		SaleEndTime:       d.SaleEndTime,
		IsActive:          true,
	}
	return Ok(id), nil
}

func (s *InMemory) Event(ctx context.Context, eventID uint64) (Result[Event], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return Err[Event](EventNotFound), nil
	}
	return Ok(*ev), nil
}

func (s *InMemory) AllEvents(ctx context.Context) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, len(s.events))
	for _, id := range slices.Sorted(maps.Keys(s.events)) {
		out = append(out, *s.events[id])
	}
	return out, nil
}

// ActiveEvents returns events that are active and whose sale has not ended.
func (s *InMemory) ActiveEvents(ctx context.Context) ([]Event, error) {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, 0, len(s.events))
	for _, id := range slices.Sorted(maps.Keys(s.events)) {
		ev := s.events[id]
		if ev.IsActive && ev.SaleEndTime > now {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (s *InMemory) PurchaseTickets(ctx context.Context, eventID uint64, quantity uint32) (Result[Purchase], error) {
	caller := identity.PrincipalFromContext(ctx)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	ev, ok := s.events[eventID]
	switch {
	case !ok:
		return Err[Purchase](EventNotFound), nil
	case !ev.IsActive:
		return Err[Purchase](EventInactive), nil
	case now < ev.SaleStartTime:
		return Err[Purchase](SaleNotStarted), nil
	case now > ev.SaleEndTime:
		return Err[Purchase](SaleEnded), nil
	case ev.AvailableTickets < quantity:
		return Err[Purchase](InsufficientTickets), nil
	}

	key := userEvent{user: caller, eventID: eventID}
	already := s.userPerEvent[key]
	if uint64(already)+uint64(quantity) > uint64(ev.MaxTicketsPerUser) {
		return Err[Purchase](ExceedsMaxTicketsPerUser), nil
	}

	s.purchaseSeq++
	purchase := Purchase{
		ID:           s.purchaseSeq,
		EventID:      eventID,
		Buyer:        caller,
		Quantity:     quantity,
		TotalAmount:  ev.PriceE8s * uint64(quantity),
		PurchaseTime: now,
		TicketIDs:    make([]uint64, 0, quantity),
	}
	for i := uint32(0); i < quantity; i++ {
		s.ticketSeq++
		id := s.ticketSeq
		s.tickets[id] = &Ticket{
			ID:               id,
			EventID:          eventID,
			Owner:            caller,
			SeatNumber:       fmt.Sprintf("SEAT-%d-%d", eventID, id),
			PurchaseTime:     now,
			VerificationCode: verificationCode(id, eventID),
		}
		purchase.TicketIDs = append(purchase.TicketIDs, id)
	}

	s.purchases[purchase.ID] = purchase
	ev.AvailableTickets -= quantity
	s.userPerEvent[key] = already + quantity

	profile := s.profileLocked(caller)
	profile.Purchases = append(profile.Purchases, purchase.ID)
	profile.Tickets = append(profile.Tickets, purchase.TicketIDs...)

	out := purchase
	out.TicketIDs = slices.Clone(purchase.TicketIDs)
	return Ok(out), nil
}

func (s *InMemory) UserTickets(ctx context.Context, user identity.Principal) ([]Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Ticket
	for _, id := range slices.Sorted(maps.Keys(s.tickets)) {
		if t := s.tickets[id]; t.Owner == user {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *InMemory) UserPurchases(ctx context.Context, user identity.Principal) ([]Purchase, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Purchase
	for _, id := range slices.Sorted(maps.Keys(s.purchases)) {
		if p := s.purchases[id]; p.Buyer == user {
			p.TicketIDs = slices.Clone(p.TicketIDs)
			out = append(out, p)
		}
	}
	return out, nil
}

// UserProfile returns the caller's profile, creating the default one on
// first access.
func (s *InMemory) UserProfile(ctx context.Context, user identity.Principal) (UserProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.profileLocked(user)
	out := *p
	out.Purchases = slices.Clone(p.Purchases)
	out.Tickets = slices.Clone(p.Tickets)
	return out, nil
}

// VerifyTicket checks the code only; a used ticket still verifies.
func (s *InMemory) VerifyTicket(ctx context.Context, ticketID uint64, code string) (Result[Ticket], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tickets[ticketID]
	if !ok {
		return Err[Ticket](TicketNotFound), nil
	}
	if t.VerificationCode != code {
		return Err[Ticket](InvalidVerificationCode), nil
	}
	return Ok(*t), nil
}

// UseTicket marks a ticket used. Only the event organizer may do so; the
// code and used checks run first.
func (s *InMemory) UseTicket(ctx context.Context, ticketID uint64, code string) (Result[Unit], error) {
	caller := identity.PrincipalFromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	switch {
	case !ok:
		return Err[Unit](TicketNotFound), nil
	case t.VerificationCode != code:
		return Err[Unit](InvalidVerificationCode), nil
	case t.IsUsed:
		return Err[Unit](AlreadyUsed), nil
	}
	ev, ok := s.events[t.EventID]
	if !ok {
		return Err[Unit](EventNotFound), nil
	}
	if ev.Organizer != caller {
		return Err[Unit](Unauthorized), nil
	}
	t.IsUsed = true
	return Ok(Unit{}), nil
}

func (s *InMemory) EventStatistics(ctx context.Context, eventID uint64) (Result[EventStats], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[eventID]
	if !ok {
		return Err[EventStats](EventNotFound), nil
	}
	sold := ev.Sold()
	return Ok(EventStats{
		Sold:      sold,
		Available: ev.AvailableTickets,
		Revenue:   uint64(sold) * ev.PriceE8s,
	}), nil
}

func (s *InMemory) DeactivateEvent(ctx context.Context, eventID uint64) (Result[Unit], error) {
	caller := identity.PrincipalFromContext(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return Err[Unit](EventNotFound), nil
	}
	if ev.Organizer != caller {
		return Err[Unit](Unauthorized), nil
	}
	ev.IsActive = false
	return Ok(Unit{}), nil
}

func (s *InMemory) profileLocked(user identity.Principal) *UserProfile {
	p, ok := s.profiles[user]
	if !ok {
		p = &UserProfile{Principal: user, ReputationScore: defaultReputation}
		s.profiles[user] = p
	}
	return p
}

func verificationCode(ticketID, eventID uint64) string {
	return fmt.Sprintf("%08X-%08X", ticketID, eventID)
}
