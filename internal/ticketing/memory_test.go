package ticketing

import (
	"context"
	"sync"
	"testing"
	"time"

	"boxoffice.org/internal/clock"
	"boxoffice.org/internal/identity"
)

const (
	organizer identity.Principal = "organizer-principal"
	buyer     identity.Principal = "buyer-principal"
)

var base = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func ns(t time.Time) uint64 { return uint64(t.UnixNano()) }

func as(p identity.Principal) context.Context {
	return identity.ContextWithPrincipal(context.Background(), p)
}

func draft(total uint32) EventDraft {
	return EventDraft{
		Name:              "Night Market",
		Description:       "Street food and music",
		Venue:             "Harbour Pier",
		Date:              ns(base.Add(30 * 24 * time.Hour)),
		TotalTickets:      total,
		PriceE8s:          150_000_000,
		MaxTicketsPerUser: 5,
		SaleStartTime:     ns(base.Add(-time.Hour)),
		SaleEndTime:       ns(base.Add(24 * time.Hour)),
	}
}

func mustCreate(t *testing.T, s *InMemory, d EventDraft) uint64 {
	t.Helper()
	res, err := s.CreateEvent(as(organizer), d)
	if err != nil {
		t.Fatal(err)
	}
	id, kind, ok := res.Get()
	if !ok {
		t.Fatalf("CreateEvent rejected: %s", kind)
	}
	return id
}

func TestCreateAndGetRoundTrip(t *testing.T) {
	s := NewInMemory(clock.NewManual(base))
	d := draft(100)
	id := mustCreate(t, s, d)

	res, _ := s.Event(context.Background(), id)
	ev, kind, ok := res.Get()
	if !ok {
		t.Fatalf("Event rejected: %s", kind)
	}
	if ev.Name != d.Name || ev.Description != d.Description || ev.Venue != d.Venue ||
		ev.Date != d.Date || ev.TotalTickets != d.TotalTickets || ev.PriceE8s != d.PriceE8s ||
		ev.MaxTicketsPerUser != d.MaxTicketsPerUser || ev.SaleStartTime != d.SaleStartTime ||
		ev.SaleEndTime != d.SaleEndTime {
		t.Fatalf("event fields differ from draft: %+v", ev)
	}
	if ev.AvailableTickets != ev.TotalTickets || !ev.IsActive || ev.Organizer != organizer {
		t.Fatalf("unexpected backend-computed fields: %+v", ev)
	}

	missing, _ := s.Event(context.Background(), id+1)
	if missing.Kind() != EventNotFound {
		t.Fatalf("expected EventNotFound, got %v", missing)
	}
}

func TestPurchaseDecrementsAvailability(t *testing.T) {
	s := NewInMemory(clock.NewManual(base))
	id := mustCreate(t, s, draft(100))

	res, err := s.PurchaseTickets(as(buyer), id, 3)
	if err != nil {
		t.Fatal(err)
	}
	p, kind, ok := res.Get()
	if !ok {
		t.Fatalf("purchase rejected: %s", kind)
	}
	if p.Quantity != 3 || len(p.TicketIDs) != 3 || p.TotalAmount != 450_000_000 || p.Buyer != buyer {
		t.Fatalf("unexpected purchase: %+v", p)
	}

	ev, _ := s.Event(context.Background(), id)
	if got, _, _ := ev.Get(); got.AvailableTickets != 97 {
		t.Fatalf("available = %d, want 97", got.AvailableTickets)
	}
	tickets, _ := s.UserTickets(context.Background(), buyer)
	if len(tickets) != 3 {
		t.Fatalf("buyer has %d tickets, want 3", len(tickets))
	}
	if tickets[0].VerificationCode != "00000001-00000001" || tickets[0].SeatNumber != "SEAT-1-1" {
		t.Fatalf("unexpected ticket: %+v", tickets[0])
	}
	profile, _ := s.UserProfile(context.Background(), buyer)
	if len(profile.Purchases) != 1 || len(profile.Tickets) != 3 || profile.ReputationScore != 100 {
		t.Fatalf("unexpected profile: %+v", profile)
	}
	stats, _ := s.EventStatistics(context.Background(), id)
	if st, _, _ := stats.Get(); st.Sold != 3 || st.Available != 97 || st.Revenue != 450_000_000 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestPurchaseRejections(t *testing.T) {
	clk := clock.NewManual(base)
	s := NewInMemory(clk)
	id := mustCreate(t, s, draft(4))

	cases := []struct {
		name   string
		setup  func()
		event  uint64
		qty    uint32
		expect ErrorKind
	}{
		{name: "unknown event", event: 999, qty: 1, expect: EventNotFound},
		{name: "insufficient", event: id, qty: 5, expect: InsufficientTickets},
		{name: "insufficient after purchase", setup: func() {
			if r, _ := s.PurchaseTickets(as(buyer), id, 3); !r.IsOk() {
				t.Fatalf("setup purchase rejected: %v", r)
			}
		}, event: id, qty: 2, expect: InsufficientTickets},
		{name: "not started", setup: func() { clk.Set(base.Add(-2 * time.Hour)) }, event: id, qty: 1, expect: SaleNotStarted},
		{name: "ended", setup: func() { clk.Set(base.Add(48 * time.Hour)) }, event: id, qty: 1, expect: SaleEnded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			res, err := s.PurchaseTickets(as(buyer), tc.event, tc.qty)
			if err != nil {
				t.Fatal(err)
			}
			if res.Kind() != tc.expect {
				t.Fatalf("expected %s, got %v", tc.expect, res)
			}
		})
	}
}

func TestPurchaseCapAndInactive(t *testing.T) {
	s := NewInMemory(clock.NewManual(base))
	id := mustCreate(t, s, draft(100))

	if r, _ := s.PurchaseTickets(as(buyer), id, 4); !r.IsOk() {
		t.Fatalf("first purchase rejected: %v", r)
	}
	if r, _ := s.PurchaseTickets(as(buyer), id, 2); r.Kind() != ExceedsMaxTicketsPerUser {
		t.Fatalf("expected ExceedsMaxTicketsPerUser, got %v", r)
	}

	if r, _ := s.DeactivateEvent(as(buyer), id); r.Kind() != Unauthorized {
		t.Fatalf("expected Unauthorized, got %v", r)
	}
	if r, _ := s.DeactivateEvent(as(organizer), id); !r.IsOk() {
		t.Fatalf("deactivate rejected: %v", r)
	}
	if r, _ := s.PurchaseTickets(as(buyer), id, 1); r.Kind() != EventInactive {
		t.Fatalf("expected EventInactive, got %v", r)
	}
	active, _ := s.ActiveEvents(context.Background())
	if len(active) != 0 {
		t.Fatalf("inactive event listed as active: %+v", active)
	}
	all, _ := s.AllEvents(context.Background())
	if len(all) != 1 || all[0].IsActive {
		t.Fatalf("unexpected all events: %+v", all)
	}
}

func TestUseTicketOnce(t *testing.T) {
	s := NewInMemory(clock.NewManual(base))
	id := mustCreate(t, s, draft(10))
	res, _ := s.PurchaseTickets(as(buyer), id, 1)
	p, _, _ := res.Get()
	ticketID := p.TicketIDs[0]
	code := verificationCode(ticketID, id)

	if r, _ := s.UseTicket(as(organizer), ticketID, "00000000-00000000"); r.Kind() != InvalidVerificationCode {
		t.Fatalf("expected InvalidVerificationCode, got %v", r)
	}
	if v, _ := s.VerifyTicket(context.Background(), ticketID, code); v.IsOk() {
		if tk, _, _ := v.Get(); tk.IsUsed {
			t.Fatal("wrong code marked ticket used")
		}
	}
	if r, _ := s.UseTicket(as(buyer), ticketID, code); r.Kind() != Unauthorized {
		t.Fatalf("expected Unauthorized for non-organizer, got %v", r)
	}
	if r, _ := s.UseTicket(as(organizer), ticketID, code); !r.IsOk() {
		t.Fatalf("use rejected: %v", r)
	}
	for i := 0; i < 3; i++ {
		if r, _ := s.UseTicket(as(organizer), ticketID, code); r.Kind() != AlreadyUsed {
			t.Fatalf("attempt %d: expected AlreadyUsed, got %v", i, r)
		}
	}
	if r, _ := s.UseTicket(as(organizer), 999, code); r.Kind() != TicketNotFound {
		t.Fatalf("expected TicketNotFound, got %v", r)
	}
}

func TestConcurrentPurchasesNeverOversell(t *testing.T) {
	s := NewInMemory(clock.NewManual(base))
	d := draft(50)
	d.MaxTicketsPerUser = 1000
	id := mustCreate(t, s, d)

	var wg sync.WaitGroup
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.PurchaseTickets(as(buyer), id, 1)
		}()
	}
	wg.Wait()

	res, _ := s.Event(context.Background(), id)
	ev, _, _ := res.Get()
	tickets, _ := s.UserTickets(context.Background(), buyer)
	if ev.AvailableTickets != 0 || len(tickets) != 50 {
		t.Fatalf("oversold: available=%d tickets=%d", ev.AvailableTickets, len(tickets))
	}
}
