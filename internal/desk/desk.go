// Package desk runs the user's commands against the ledger: each command
// validates its form, guards against duplicate submission, calls the bound
// channel, classifies the outcome and reloads the caches it may have
// changed.
package desk

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"boxoffice.org/internal/collections"
	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ids"
	"boxoffice.org/internal/obs"
	"boxoffice.org/internal/outcome"
	"boxoffice.org/internal/session"
	"boxoffice.org/internal/ticketing"
)

var (
	ErrNotSignedIn = errors.New("sign in first")
	ErrInFlight    = errors.New("a previous submission is still in progress")
)

// Sessions is the part of the session manager commands depend on.
type Sessions interface {
	Current() *session.Binding
	IsCurrent(generation uint64) bool
}

// Journal records command outcomes. *audit.Journal satisfies it.
type Journal interface {
	Record(ctx context.Context, event string, fields map[string]any)
}

// Notice is a user-facing message about a finished command.
type Notice struct {
	Command string
	OK      bool
	Message string
}

// Notifier receives notices.
type Notifier interface {
	Notify(Notice)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

// Option configures a Desk.
type Option func(*Desk)

func WithNotifier(n Notifier) Option { return func(d *Desk) { d.notifier = n } }

func WithJournal(j Journal) Option { return func(d *Desk) { d.journal = j } }

// WithCallTimeout bounds every remote call. Zero leaves the caller's
// context as is.
func WithCallTimeout(t time.Duration) Option { return func(d *Desk) { d.timeout = t } }

// WithLocation sets the zone form dates are read in.
func WithLocation(loc *time.Location) Option { return func(d *Desk) { d.loc = loc } }

// Desk holds the command orchestrators of one client.
type Desk struct {
	sessions Sessions
	cache    *collections.Synchronizer
	notifier Notifier
	journal  Journal
	timeout  time.Duration
	loc      *time.Location

	creating     atomic.Bool
	purchasing   atomic.Bool
	marking      atomic.Bool
	deactivating atomic.Bool
}

func New(sessions Sessions, cache *collections.Synchronizer, opts ...Option) *Desk {
	d := &Desk{sessions: sessions, cache: cache, loc: time.Local}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Snapshot returns the cached views.
func (d *Desk) Snapshot() *collections.State { return d.cache.Snapshot() }

// PurchaseAllowed reports whether the purchase control for ev should be
// enabled for qty tickets.
func PurchaseAllowed(ev ticketing.Event, qty uint32) bool {
	return ev.IsActive && qty >= 1 && ev.AvailableTickets >= qty
}

// CreateEvent submits a new event and returns its id.
func (d *Desk) CreateEvent(ctx context.Context, form EventForm) (uint64, error) {
	const command = "create-event"
	draft, err := form.Draft(d.loc)
	if err != nil {
		return 0, d.fail(ctx, command, outcome.Invalid(err))
	}
	var id uint64
	err = d.run(ctx, command, &d.creating, func(ctx context.Context, b *session.Binding) *outcome.Failure {
		v, f := outcome.Translate(b.Channel.CreateEvent(ctx, draft))
		if f = d.settle(b, f); f != nil {
			return f
		}
		id = v
		d.apply(ctx, b, collections.CreatedEvent, id)
		d.succeed(ctx, command, fmt.Sprintf("Event %q created with id %d", draft.Name, id), map[string]any{"event_id": id})
		return nil
	})
	return id, err
}

// PurchaseTickets buys tickets for the signed-in caller.
func (d *Desk) PurchaseTickets(ctx context.Context, form PurchaseForm) (ticketing.Purchase, error) {
	const command = "purchase"
	eventID, qty, err := form.parse()
	if err != nil {
		return ticketing.Purchase{}, d.fail(ctx, command, outcome.Invalid(err))
	}
	var p ticketing.Purchase
	err = d.run(ctx, command, &d.purchasing, func(ctx context.Context, b *session.Binding) *outcome.Failure {
		v, f := outcome.Translate(b.Channel.PurchaseTickets(ctx, eventID, qty))
		if f = d.settle(b, f); f != nil {
			return f
		}
		p = v
		d.apply(ctx, b, collections.Purchased, eventID)
		d.succeed(ctx, command, fmt.Sprintf("Purchased %d ticket(s) for event %d", p.Quantity, eventID), map[string]any{
			"event_id":    eventID,
			"purchase_id": p.ID,
			"quantity":    p.Quantity,
		})
		return nil
	})
	return p, err
}

// VerifyTicket checks a ticket and its code without changing anything. It
// takes no busy guard, so different tickets can be verified at once. A
// ticket that verifies but is already used is reported as the AlreadyUsed
// rejection with the ticket still returned.
func (d *Desk) VerifyTicket(ctx context.Context, form TicketForm) (ticketing.Ticket, error) {
	const command = "verify"
	ticketID, code, err := form.parse()
	if err != nil {
		return ticketing.Ticket{}, d.fail(ctx, command, outcome.Invalid(err))
	}
	var tk ticketing.Ticket
	err = d.run(ctx, command, nil, func(ctx context.Context, b *session.Binding) *outcome.Failure {
		v, f := outcome.Translate(b.Channel.VerifyTicket(ctx, ticketID, code))
		if f = d.settle(b, f); f != nil {
			return f
		}
		tk = v
		if tk.IsUsed {
			return outcome.Reject(ticketing.AlreadyUsed)
		}
		d.apply(ctx, b, collections.Verified, 0)
		d.succeed(ctx, command, fmt.Sprintf("Ticket %d is valid (seat %s)", tk.ID, tk.SeatNumber), map[string]any{"ticket_id": tk.ID})
		return nil
	})
	return tk, err
}

// MarkUsed consumes a ticket at the door. Only the event's organizer may.
func (d *Desk) MarkUsed(ctx context.Context, form TicketForm) error {
	const command = "use"
	ticketID, code, err := form.parse()
	if err != nil {
		return d.fail(ctx, command, outcome.Invalid(err))
	}
	return d.run(ctx, command, &d.marking, func(ctx context.Context, b *session.Binding) *outcome.Failure {
		_, f := outcome.Translate(b.Channel.UseTicket(ctx, ticketID, code))
		if f = d.settle(b, f); f != nil {
			return f
		}
		d.apply(ctx, b, collections.MarkedUsed, 0)
		d.succeed(ctx, command, fmt.Sprintf("Ticket %d marked as used", ticketID), map[string]any{"ticket_id": ticketID})
		return nil
	})
}

// DeactivateEvent closes an event for sale. Only its organizer may.
func (d *Desk) DeactivateEvent(ctx context.Context, eventID string) error {
	const command = "deactivate"
	id, err := ParseID("event id", eventID)
	if err != nil {
		return d.fail(ctx, command, outcome.Invalid(err))
	}
	return d.run(ctx, command, &d.deactivating, func(ctx context.Context, b *session.Binding) *outcome.Failure {
		_, f := outcome.Translate(b.Channel.DeactivateEvent(ctx, id))
		if f = d.settle(b, f); f != nil {
			return f
		}
		d.apply(ctx, b, collections.Deactivated, id)
		d.succeed(ctx, command, fmt.Sprintf("Event %d deactivated", id), map[string]any{"event_id": id})
		return nil
	})
}

// Event fetches one event directly from the ledger.
func (d *Desk) Event(ctx context.Context, eventID string) (ticketing.Event, error) {
	const command = "event"
	id, err := ParseID("event id", eventID)
	if err != nil {
		return ticketing.Event{}, d.fail(ctx, command, outcome.Invalid(err))
	}
	var ev ticketing.Event
	err = d.run(ctx, command, nil, func(ctx context.Context, b *session.Binding) *outcome.Failure {
		v, f := outcome.Translate(b.Channel.Event(ctx, id))
		if f = d.settle(b, f); f != nil {
			return f
		}
		ev = v
		return nil
	})
	return ev, err
}

// Stats fetches statistics for an event and caches them.
func (d *Desk) Stats(ctx context.Context, eventID string) (ticketing.EventStats, error) {
	const command = "stats"
	id, err := ParseID("event id", eventID)
	if err != nil {
		return ticketing.EventStats{}, d.fail(ctx, command, outcome.Invalid(err))
	}
	var st ticketing.EventStats
	err = d.run(ctx, command, nil, func(ctx context.Context, b *session.Binding) *outcome.Failure {
		v, f := outcome.Translate(d.cache.Stats(ctx, source(b), id))
		if f = d.settle(b, f); f != nil {
			return f
		}
		st = v
		return nil
	})
	return st, err
}

// Reload refreshes cols, or every collection when none are named. Refresh
// failures leave the affected caches stale and are reported only through
// the log; the returned error is non-nil only without a session.
func (d *Desk) Reload(ctx context.Context, cols ...collections.Collection) error {
	b := d.sessions.Current()
	if b == nil {
		return outcome.Invalid(ErrNotSignedIn)
	}
	if len(cols) == 0 {
		cols = collections.All()
	}
	_ = d.cache.Refresh(ctx, source(b), cols...)
	return nil
}

// run wraps one remote step with the shared steps of every command:
// session check, busy guard, request id, call timeout and failure reporting.
func (d *Desk) run(ctx context.Context, command string, busy *atomic.Bool, step func(context.Context, *session.Binding) *outcome.Failure) error {
	b := d.sessions.Current()
	if b == nil {
		return d.fail(ctx, command, outcome.Invalid(ErrNotSignedIn))
	}
	if busy != nil {
		if !busy.CompareAndSwap(false, true) {
			return d.fail(ctx, command, outcome.Busy(ErrInFlight))
		}
		defer busy.Store(false)
	}
	defer obs.TrackCommand(command)()

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	ctx = identity.ContextWithPrincipal(ctx, b.Principal())
	if ids.RequestIDFromContext(ctx) == "" {
		ctx = ids.WithRequestID(ctx, ids.New())
	}
	if f := step(ctx, b); f != nil {
		return d.fail(ctx, command, f)
	}
	return nil
}

// settle discards a completion whose session ended while it was in flight.
func (d *Desk) settle(b *session.Binding, f *outcome.Failure) *outcome.Failure {
	if !d.sessions.IsCurrent(b.Generation) {
		obs.Info("completion_discarded", map[string]any{"generation": b.Generation})
		return outcome.Discarded()
	}
	return f
}

func (d *Desk) fail(ctx context.Context, command string, f *outcome.Failure) error {
	if f.Category != outcome.Superseded {
		d.notify(Notice{Command: command, Message: f.Message()})
	}
	if f.Category == outcome.Rejected || f.Category == outcome.Transport {
		fields := map[string]any{"category": f.Category.String(), "detail": f.Detail}
		if f.Category == outcome.Rejected {
			fields["kind"] = f.Kind.String()
		} else {
			fields["reason"] = string(f.Reason)
		}
		d.record(ctx, command+".failed", fields)
	}
	return f
}

func (d *Desk) succeed(ctx context.Context, command, message string, fields map[string]any) {
	d.notify(Notice{Command: command, OK: true, Message: message})
	d.record(ctx, command+".completed", fields)
}

func (d *Desk) apply(ctx context.Context, b *session.Binding, t collections.Trigger, eventID uint64) {
	_ = d.cache.Apply(ctx, source(b), t, eventID)
}

func (d *Desk) notify(n Notice) {
	if d.notifier != nil {
		d.notifier.Notify(n)
	}
}

func (d *Desk) record(ctx context.Context, event string, fields map[string]any) {
	if d.journal != nil {
		d.journal.Record(ctx, event, fields)
	}
}

func source(b *session.Binding) collections.Source {
	return collections.Source{Generation: b.Generation, Owner: b.Principal(), Service: b.Channel}
}
