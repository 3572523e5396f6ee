// Package stream fans ledger activity out to live subscribers of the dev
// replica (the /v1/activity SSE endpoint).
package stream

import (
	"context"
	"sync"
	"time"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ticketing"
)

// Kind names a state change on the ledger.
type Kind string

const (
	EventCreated     Kind = "event_created"
	TicketsPurchased Kind = "tickets_purchased"
	TicketUsed       Kind = "ticket_used"
	EventDeactivated Kind = "event_deactivated"
)

// Activity describes one applied mutation.
type Activity struct {
	Kind      Kind               `json:"kind"`
	EventID   uint64             `json:"event_id,omitempty"`
	TicketID  uint64             `json:"ticket_id,omitempty"`
	Quantity  uint32             `json:"quantity,omitempty"`
	Principal identity.Principal `json:"principal"`
	Timestamp time.Time          `json:"timestamp"`
}

// Stream fan-outs activity to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Activity
	next int
	now  func() time.Time
}

func New() *Stream {
	return &Stream{
		subs: make(map[int]chan Activity),
		now:  time.Now,
	}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Activity {
	ch := make(chan Activity, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Subscribers reports the current subscriber count.
func (s *Stream) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Publish fan-outs a to all subscribers.
func (s *Stream) Publish(a Activity) {
	if a.Timestamp.IsZero() {
		a.Timestamp = s.now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- a:
		default:
			// slow subscriber, drop
		}
	}
}

// Publishing wraps a backend and publishes every applied mutation. Err
// outcomes and transport failures publish nothing.
type Publishing struct {
	ticketing.Service
	stream *Stream
}

var _ ticketing.Service = (*Publishing)(nil)

func Publish(backend ticketing.Service, s *Stream) *Publishing {
	return &Publishing{Service: backend, stream: s}
}

func (p *Publishing) emit(ctx context.Context, a Activity) {
	a.Principal = identity.PrincipalFromContext(ctx)
	p.stream.Publish(a)
}

func (p *Publishing) CreateEvent(ctx context.Context, d ticketing.EventDraft) (ticketing.Result[uint64], error) {
	r, err := p.Service.CreateEvent(ctx, d)
	if id, _, ok := r.Get(); err == nil && ok {
		p.emit(ctx, Activity{Kind: EventCreated, EventID: id})
	}
	return r, err
}

func (p *Publishing) PurchaseTickets(ctx context.Context, eventID uint64, quantity uint32) (ticketing.Result[ticketing.Purchase], error) {
	r, err := p.Service.PurchaseTickets(ctx, eventID, quantity)
	if pu, _, ok := r.Get(); err == nil && ok {
		p.emit(ctx, Activity{Kind: TicketsPurchased, EventID: eventID, Quantity: pu.Quantity})
	}
	return r, err
}

func (p *Publishing) UseTicket(ctx context.Context, ticketID uint64, code string) (ticketing.Result[ticketing.Unit], error) {
	r, err := p.Service.UseTicket(ctx, ticketID, code)
	if err == nil && r.IsOk() {
		p.emit(ctx, Activity{Kind: TicketUsed, TicketID: ticketID})
	}
	return r, err
}

func (p *Publishing) DeactivateEvent(ctx context.Context, eventID uint64) (ticketing.Result[ticketing.Unit], error) {
	r, err := p.Service.DeactivateEvent(ctx, eventID)
	if err == nil && r.IsOk() {
		p.emit(ctx, Activity{Kind: EventDeactivated, EventID: eventID})
	}
	return r, err
}
