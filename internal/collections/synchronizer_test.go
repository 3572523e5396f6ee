package collections

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ticketing"
)

const owner identity.Principal = "owner-principal"

var errDown = errors.New("ledger unavailable")

// stubLedger serves canned data and fails the methods named in fail.
type stubLedger struct {
	ticketing.Service

	fail       map[string]bool
	statsCalls atomic.Int32
	release    chan struct{}
}

func (s *stubLedger) err(method string) error {
	if s.fail[method] {
		return errDown
	}
	return nil
}

func (s *stubLedger) ActiveEvents(context.Context) ([]ticketing.Event, error) {
	return []ticketing.Event{{ID: 1, IsActive: true}}, s.err("active")
}

func (s *stubLedger) AllEvents(context.Context) ([]ticketing.Event, error) {
	return []ticketing.Event{{ID: 1, IsActive: true}, {ID: 2}}, s.err("all")
}

func (s *stubLedger) UserTickets(_ context.Context, user identity.Principal) ([]ticketing.Ticket, error) {
	if s.release != nil {
		<-s.release
	}
	return []ticketing.Ticket{{ID: 10, EventID: 1, Owner: user}}, s.err("tickets")
}

func (s *stubLedger) UserPurchases(_ context.Context, user identity.Principal) ([]ticketing.Purchase, error) {
	return []ticketing.Purchase{{ID: 5, EventID: 1, Buyer: user, Quantity: 1, TicketIDs: []uint64{10}}}, s.err("purchases")
}

func (s *stubLedger) UserProfile(_ context.Context, user identity.Principal) (ticketing.UserProfile, error) {
	return ticketing.UserProfile{Principal: user, ReputationScore: 100}, s.err("profile")
}

func (s *stubLedger) EventStatistics(_ context.Context, eventID uint64) (ticketing.Result[ticketing.EventStats], error) {
	s.statsCalls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if eventID == 404 {
		return ticketing.Err[ticketing.EventStats](ticketing.EventNotFound), nil
	}
	return ticketing.Ok(ticketing.EventStats{Sold: 3, Available: 97, Revenue: 450_000_000}), s.err("stats")
}

func source(svc ticketing.Service) Source {
	return Source{Generation: 1, Owner: owner, Service: svc}
}

func TestRefreshSetTable(t *testing.T) {
	cases := []struct {
		trigger Trigger
		want    []Collection
	}{
		{CreatedEvent, []Collection{ActiveEvents, AllEvents}},
		{Purchased, All()},
		{MarkedUsed, []Collection{MyTickets, MyProfile}},
		{Deactivated, []Collection{ActiveEvents, AllEvents}},
		{Verified, nil},
	}
	for _, tc := range cases {
		if got := RefreshSet(tc.trigger); !slices.Equal(got, tc.want) {
			t.Fatalf("RefreshSet(%d) = %v, want %v", tc.trigger, got, tc.want)
		}
	}
}

func TestRefreshAll(t *testing.T) {
	s := New()
	s.Reset(1, owner)
	if err := s.Refresh(context.Background(), source(&stubLedger{}), All()...); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	st := s.Snapshot()
	if len(st.ActiveEvents) != 1 || len(st.AllEvents) != 2 || len(st.MyTickets) != 1 || len(st.MyPurchases) != 1 {
		t.Fatalf("unexpected state: %+v", st)
	}
	if st.MyProfile == nil || st.MyProfile.Principal != owner {
		t.Fatalf("unexpected profile: %+v", st.MyProfile)
	}
	for _, c := range All() {
		if !st.Loaded[c] {
			t.Fatalf("%s not marked loaded", c)
		}
	}
}

func TestRefreshFailureLeavesOthersApplied(t *testing.T) {
	s := New()
	s.Reset(1, owner)
	before := s.Snapshot()

	err := s.Refresh(context.Background(), source(&stubLedger{fail: map[string]bool{"tickets": true}}), All()...)
	if !errors.Is(err, errDown) {
		t.Fatalf("expected joined refresh failure, got %v", err)
	}
	st := s.Snapshot()
	if st.MyTickets != nil || st.Loaded[MyTickets] {
		t.Fatalf("failed collection should stay stale: %+v", st.MyTickets)
	}
	if len(st.AllEvents) != 2 || st.MyProfile == nil {
		t.Fatalf("other collections not applied: %+v", st)
	}
	if len(before.AllEvents) != 0 {
		t.Fatal("published snapshot was mutated")
	}
}

func TestClearDiscardsLateCompletions(t *testing.T) {
	s := New()
	s.Reset(1, owner)
	ledger := &stubLedger{release: make(chan struct{})}

	done := make(chan error, 1)
	go func() { done <- s.Refresh(context.Background(), source(ledger), MyTickets) }()

	s.Clear()
	close(ledger.release)
	if err := <-done; err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if st := s.Snapshot(); !st.IsEmpty() || st.Generation != 0 {
		t.Fatalf("late completion leaked into cleared state: %+v", st)
	}

	s.Reset(2, owner)
	_ = s.Refresh(context.Background(), source(&stubLedger{}), MyTickets)
	if st := s.Snapshot(); len(st.MyTickets) != 0 {
		t.Fatal("generation 1 refresh applied to generation 2")
	}
}

func TestStatsSingleflight(t *testing.T) {
	s := New()
	s.Reset(1, owner)
	ledger := &stubLedger{release: make(chan struct{})}
	src := source(ledger)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.Stats(context.Background(), src, 1)
			if err != nil || !res.IsOk() {
				t.Errorf("Stats: %v %v", res, err)
			}
		}()
	}
	deadline := time.Now().Add(2 * time.Second)
	for ledger.statsCalls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(ledger.release)
	wg.Wait()

	if n := ledger.statsCalls.Load(); n != 1 {
		t.Fatalf("expected one shared call, got %d", n)
	}
	if got := s.Snapshot().Stats[1]; got.Available != 97 {
		t.Fatalf("stats not cached: %+v", got)
	}
}

func TestApplyRefreshesCachedStatsOnly(t *testing.T) {
	s := New()
	s.Reset(1, owner)
	ledger := &stubLedger{}
	src := source(ledger)

	if err := s.Apply(context.Background(), src, Purchased, 1); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ledger.statsCalls.Load() != 0 {
		t.Fatal("uncached stats should not be fetched")
	}

	if _, err := s.Stats(context.Background(), src, 1); err != nil {
		t.Fatal(err)
	}
	if err := s.Apply(context.Background(), src, Purchased, 1); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ledger.statsCalls.Load() != 2 {
		t.Fatalf("expected cached stats to be refreshed, calls=%d", ledger.statsCalls.Load())
	}

	if err := s.Apply(context.Background(), src, Verified, 1); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ledger.statsCalls.Load() != 2 {
		t.Fatal("verify must not refresh anything")
	}

	if err := s.Apply(context.Background(), src, MarkedUsed, 1); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if ledger.statsCalls.Load() != 2 {
		t.Fatal("marking a ticket used must not refresh statistics")
	}
}

// salesLedger reports the sales recorded so far. The first statistics call
// reads them on entry and then blocks until gate is closed.
type salesLedger struct {
	stubLedger

	mu      sync.Mutex
	sold    uint32
	calls   int
	entered chan struct{}
	gate    chan struct{}
}

func (l *salesLedger) sell(n uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sold += n
}

func (l *salesLedger) EventStatistics(context.Context, uint64) (ticketing.Result[ticketing.EventStats], error) {
	l.mu.Lock()
	l.calls++
	first, sold := l.calls == 1, l.sold
	l.mu.Unlock()
	if first {
		close(l.entered)
		<-l.gate
	}
	return ticketing.Ok(ticketing.EventStats{Sold: sold, Available: 100 - sold}), nil
}

func TestApplyOutdatesStatsReadInFlight(t *testing.T) {
	s := New()
	s.Reset(1, owner)
	ledger := &salesLedger{entered: make(chan struct{}), gate: make(chan struct{})}
	src := source(ledger)

	type result struct {
		res ticketing.Result[ticketing.EventStats]
		err error
	}
	read := make(chan result, 1)
	go func() {
		res, err := s.Stats(context.Background(), src, 7)
		read <- result{res, err}
	}()
	<-ledger.entered

	ledger.sell(3)
	if err := s.Apply(context.Background(), src, Purchased, 7); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	close(ledger.gate)

	r := <-read
	if r.err != nil {
		t.Fatalf("Stats: %v", r.err)
	}
	if got, _, ok := r.res.Get(); !ok || got.Sold != 3 {
		t.Fatalf("Stats returned %+v, want sold=3", r.res)
	}
	if got := s.Snapshot().Stats[7]; got.Sold != 3 || got.Available != 97 {
		t.Fatalf("cached %+v, want sold=3", got)
	}
}

func TestApplyDoesNotJoinOlderStatsRead(t *testing.T) {
	s := New()
	s.Reset(1, owner)
	ledger := &salesLedger{entered: make(chan struct{}), gate: make(chan struct{})}
	src := source(ledger)
	s.commit(1, "stats", func(st *State) {
		st.Stats = map[uint64]ticketing.EventStats{7: {Available: 100}}
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.Stats(context.Background(), src, 7)
	}()
	<-ledger.entered

	ledger.sell(3)
	if err := s.Apply(context.Background(), src, Purchased, 7); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if got := s.Snapshot().Stats[7]; got.Sold != 3 {
		t.Fatalf("Apply cached %+v, want sold=3", got)
	}

	close(ledger.gate)
	<-done
	if got := s.Snapshot().Stats[7]; got.Sold != 3 {
		t.Fatalf("older read overwrote the refresh: %+v", got)
	}
}

func TestStatsRejectionDropsEntry(t *testing.T) {
	s := New()
	s.Reset(1, owner)
	res, err := s.Stats(context.Background(), source(&stubLedger{}), 404)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind() != ticketing.EventNotFound {
		t.Fatalf("expected EventNotFound, got %v", res)
	}
	if _, ok := s.Snapshot().Stats[404]; ok {
		t.Fatal("rejected stats must not be cached")
	}
}
