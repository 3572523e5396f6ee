package stream

import (
	"context"
	"testing"
	"time"

	"boxoffice.org/internal/clock"
	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ticketing"
)

func receive(t *testing.T, ch <-chan Activity) Activity {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for activity")
		return Activity{}
	}
}

func TestSubscribeAndClose(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	if s.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", s.Subscribers())
	}

	s.Publish(Activity{Kind: EventCreated, EventID: 1})
	if a := receive(t, ch); a.EventID != 1 || a.Timestamp.IsZero() {
		t.Fatalf("unexpected activity: %+v", a)
	}

	cancel()
	for range ch {
	}
	if s.Subscribers() != 0 {
		t.Fatalf("subscriber not removed")
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = s.Subscribe(ctx)
	for i := 0; i < 100; i++ {
		s.Publish(Activity{Kind: TicketUsed})
	}
}

func TestPublishingEmitsAppliedMutations(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	mem := ticketing.NewInMemory(clock.NewManual(time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)))
	svc := Publish(mem, s)
	caller := identity.Principal("organizer")
	callCtx := identity.ContextWithPrincipal(context.Background(), caller)

	day := uint64(24 * time.Hour)
	start := uint64(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	r, err := svc.CreateEvent(callCtx, ticketing.EventDraft{
		Name:              "Gala",
		Venue:             "Hall",
		Date:              start + 60*day,
		TotalTickets:      10,
		PriceE8s:          100_000_000,
		MaxTicketsPerUser: 4,
		SaleStartTime:     start,
		SaleEndTime:       start + 50*day,
	})
	id, kind, ok := r.Get()
	if err != nil || !ok {
		t.Fatalf("create: %v %v", kind, err)
	}
	a := receive(t, ch)
	if a.Kind != EventCreated || a.EventID != id || a.Principal != caller {
		t.Fatalf("unexpected activity: %+v", a)
	}

	if _, err := svc.PurchaseTickets(callCtx, id, 2); err != nil {
		t.Fatalf("purchase: %v", err)
	}
	if a := receive(t, ch); a.Kind != TicketsPurchased || a.Quantity != 2 {
		t.Fatalf("unexpected activity: %+v", a)
	}

	// rejected calls publish nothing
	if r, _ := svc.DeactivateEvent(callCtx, id+100); r.IsOk() {
		t.Fatal("expected rejection")
	}
	select {
	case a := <-ch:
		t.Fatalf("unexpected activity for rejection: %+v", a)
	default:
	}
}
