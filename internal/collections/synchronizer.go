// Package collections keeps the client's cached views of ledger data and
// reloads the ones a command may have changed.
package collections

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/obs"
	"boxoffice.org/internal/ticketing"
)

// Source is what a refresh reads from: the session generation it belongs
// to, the caller, and the channel bound to that session.
type Source struct {
	Generation uint64
	Owner      identity.Principal
	Service    ticketing.Service
}

// Synchronizer publishes State snapshots. Writers serialize on mu and
// replace the snapshot wholesale; readers load it without locking.
type Synchronizer struct {
	mu    sync.Mutex
	state atomic.Pointer[State]
	group singleflight.Group
	// epochs counts the mutations seen per event. A statistics read started
	// under an older epoch is never cached.
	epochs map[uint64]uint64
}

// New returns a Synchronizer holding the empty anonymous state.
func New() *Synchronizer {
	s := &Synchronizer{}
	s.state.Store(&State{})
	return s
}

// Snapshot returns the current state.
func (s *Synchronizer) Snapshot() *State { return s.state.Load() }

// Reset starts an empty state for a new session.
func (s *Synchronizer) Reset(generation uint64, owner identity.Principal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Store(&State{Generation: generation, Owner: owner})
}

// Clear empties every cache. Completions still in flight are discarded
// because no session generation matches the cleared state.
func (s *Synchronizer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Store(&State{})
}

// Refresh reloads cols concurrently. Each failure is logged and counted
// and leaves that cache as it was; the others still apply. The returned
// error joins the failures for diagnostics only.
func (s *Synchronizer) Refresh(ctx context.Context, src Source, cols ...Collection) error {
	return s.run(ctx, src, cols, nil)
}

// Apply reloads the refresh set of a successful trigger. eventID selects
// cached statistics to reload alongside; zero means none. Statistics reads
// of that event already in flight are not joined and do not get cached.
func (s *Synchronizer) Apply(ctx context.Context, src Source, t Trigger, eventID uint64) error {
	var stats []uint64
	if refreshesStats(t) && eventID != 0 {
		s.mu.Lock()
		if s.epochs == nil {
			s.epochs = make(map[uint64]uint64)
		}
		s.epochs[eventID]++
		_, cached := s.state.Load().Stats[eventID]
		s.mu.Unlock()
		if cached {
			stats = append(stats, eventID)
		}
	}
	return s.run(ctx, src, RefreshSet(t), stats)
}

func (s *Synchronizer) run(ctx context.Context, src Source, cols []Collection, stats []uint64) error {
	errs := make([]error, len(cols)+len(stats))
	var wg sync.WaitGroup
	for i, col := range cols {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.refreshOne(ctx, src, col); err != nil {
				errs[i] = fmt.Errorf("%s: %w", col, err)
			}
		}()
	}
	for j, id := range stats {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Stats(ctx, src, id); err != nil {
				obs.RecordRefreshFailure("stats")
				obs.Warn("refresh_failed", map[string]any{
					"collection": "stats",
					"event_id":   id,
					"generation": src.Generation,
					"error":      err,
				})
				errs[len(cols)+j] = fmt.Errorf("stats %d: %w", id, err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Synchronizer) refreshOne(ctx context.Context, src Source, col Collection) error {
	update, err := fetch(ctx, src, col)
	if err != nil {
		obs.RecordRefreshFailure(col.String())
		obs.Warn("refresh_failed", map[string]any{
			"collection": col.String(),
			"generation": src.Generation,
			"error":      err,
		})
		return err
	}
	s.commit(src.Generation, col.String(), func(st *State) {
		update(st)
		st.Loaded[col] = true
	})
	return nil
}

func fetch(ctx context.Context, src Source, col Collection) (func(*State), error) {
	svc := src.Service
	switch col {
	case ActiveEvents:
		v, err := svc.ActiveEvents(ctx)
		return func(st *State) { st.ActiveEvents = v }, err
	case AllEvents:
		v, err := svc.AllEvents(ctx)
		return func(st *State) { st.AllEvents = v }, err
	case MyTickets:
		v, err := svc.UserTickets(ctx, src.Owner)
		return func(st *State) { st.MyTickets = v }, err
	case MyPurchases:
		v, err := svc.UserPurchases(ctx, src.Owner)
		return func(st *State) { st.MyPurchases = v }, err
	case MyProfile:
		v, err := svc.UserProfile(ctx, src.Owner)
		return func(st *State) { st.MyProfile = &v }, err
	default:
		return nil, fmt.Errorf("unknown collection %d", col)
	}
}

// commit publishes a modified copy of the current state when it still
// belongs to generation. It reports whether the change was applied.
func (s *Synchronizer) commit(generation uint64, what string, mutate func(*State)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commitLocked(generation, what, mutate)
}

func (s *Synchronizer) commitLocked(generation uint64, what string, mutate func(*State)) bool {
	cur := s.state.Load()
	if cur.Generation != generation || generation == 0 {
		obs.Info("refresh_discarded", map[string]any{
			"collection": what,
			"generation": generation,
			"current":    cur.Generation,
		})
		return false
	}
	next := cur.clone()
	mutate(next)
	s.state.Store(next)
	return true
}

// Stats fetches statistics for eventID. Concurrent requests for the same
// event within a session share one remote call, unless a mutation of the
// event lands in between: the older read is then repeated. Ok results are
// cached; a rejection drops any cached entry.
func (s *Synchronizer) Stats(ctx context.Context, src Source, eventID uint64) (ticketing.Result[ticketing.EventStats], error) {
	for {
		s.mu.Lock()
		epoch := s.epochs[eventID]
		s.mu.Unlock()

		key := strconv.FormatUint(src.Generation, 10) + "/" +
			strconv.FormatUint(eventID, 10) + "/" + strconv.FormatUint(epoch, 10)
		v, err, _ := s.group.Do(key, func() (any, error) {
			return src.Service.EventStatistics(ctx, eventID)
		})
		if err != nil {
			return ticketing.Result[ticketing.EventStats]{}, err
		}
		res := v.(ticketing.Result[ticketing.EventStats])

		s.mu.Lock()
		if s.epochs[eventID] != epoch {
			s.mu.Unlock()
			if err := ctx.Err(); err != nil {
				return ticketing.Result[ticketing.EventStats]{}, err
			}
			continue
		}
		s.commitLocked(src.Generation, "stats", func(st *State) {
			if st.Stats == nil {
				st.Stats = make(map[uint64]ticketing.EventStats)
			}
			if stats, _, ok := res.Get(); ok {
				st.Stats[eventID] = stats
			} else {
				delete(st.Stats, eventID)
			}
		})
		s.mu.Unlock()
		return res, nil
	}
}
