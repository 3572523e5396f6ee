// Package session owns the caller's authenticated identity and the remote
// channel bound to it.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/obs"
	"boxoffice.org/internal/ticketing"
)

// State is the position in the Anonymous → Authenticating → Authenticated
// → Anonymous cycle.
type State uint8

const (
	Anonymous State = iota
	Authenticating
	Authenticated
)

func (s State) String() string {
	switch s {
	case Anonymous:
		return "anonymous"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

var (
	ErrLoginInProgress      = errors.New("session: login already in progress")
	ErrAlreadyAuthenticated = errors.New("session: already authenticated")
	// ErrLoginSuperseded is returned by a login that completed after a
	// logout ended its attempt.
	ErrLoginSuperseded = errors.New("session: login superseded by logout")
)

// Channel is a remote channel as held by a session.
type Channel interface {
	ticketing.Service
	Close() error
}

// ChannelFactory builds a channel for an identity. A new identity always
// yields a new channel.
type ChannelFactory interface {
	Open(ctx context.Context, id identity.Identity) (Channel, error)
}

// FactoryFunc adapts a function to ChannelFactory.
type FactoryFunc func(ctx context.Context, id identity.Identity) (Channel, error)

func (f FactoryFunc) Open(ctx context.Context, id identity.Identity) (Channel, error) {
	return f(ctx, id)
}

// Binding is one authenticated session. It is immutable; login and logout
// replace it wholesale.
type Binding struct {
	Generation uint64
	Identity   identity.Identity
	Channel    Channel
}

// Principal is the caller the binding acts for.
func (b *Binding) Principal() identity.Principal { return b.Identity.Principal }

// Option configures a Manager.
type Option func(*Manager)

// WithOnChange registers fn to run after every binding change: with the new
// binding after login or restore, with nil after logout.
func WithOnChange(fn func(*Binding)) Option {
	return func(m *Manager) { m.hooks = append(m.hooks, fn) }
}

// Manager drives the session state machine. Transitions serialize on mu;
// the current binding is published through an atomic pointer so commands
// read it without locking. Hooks run under hookMu and only for the
// generation that is still current, so they observe transitions in order.
type Manager struct {
	provider identity.Provider
	factory  ChannelFactory
	hooks    []func(*Binding)

	logoutMu sync.Mutex
	hookMu   sync.Mutex

	mu      sync.Mutex
	state   State
	gen     uint64
	ending  chan struct{} // closed when the running logout has finished
	binding atomic.Pointer[Binding]
}

func New(provider identity.Provider, factory ChannelFactory, opts ...Option) *Manager {
	m := &Manager{provider: provider, factory: factory}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Current returns the active binding, or nil when not authenticated.
func (m *Manager) Current() *Binding { return m.binding.Load() }

// IsCurrent reports whether generation is the active session's.
func (m *Manager) IsCurrent(generation uint64) bool {
	b := m.binding.Load()
	return b != nil && b.Generation == generation
}

// Restore completes login silently when the provider still holds a valid
// session. A negative answer is the normal logged-out state.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	ok, err := m.provider.IsAuthenticated(ctx)
	if err != nil {
		return false, fmt.Errorf("session: restore: %w", err)
	}
	if !ok {
		return false, nil
	}
	gen, err := m.begin(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, fmt.Errorf("session: restore: %w", err)
		}
		return m.State() == Authenticated, nil
	}
	id, err := m.provider.Identity(ctx)
	if err != nil {
		m.abort(gen)
		if errors.Is(err, identity.ErrNotAuthenticated) {
			return false, nil
		}
		return false, fmt.Errorf("session: restore: %w", err)
	}
	if _, err := m.bind(ctx, gen, id); err != nil {
		return false, err
	}
	return true, nil
}

// Login runs the provider's interactive flow and binds a channel to the
// resulting identity. Any failure returns the session to Anonymous.
func (m *Manager) Login(ctx context.Context) (*Binding, error) {
	gen, err := m.begin(ctx)
	if err != nil {
		return nil, err
	}
	id, err := m.provider.Login(ctx)
	if err != nil {
		m.abort(gen)
		return nil, err
	}
	return m.bind(ctx, gen, id)
}

// Logout ends the session. It always succeeds for the caller: the local
// binding is dropped and caches are cleared even when the provider fails,
// in which case the failure is only logged. Calls still in flight under the
// old binding see a generation that is no longer current. A login started
// while Logout runs waits for it to finish.
func (m *Manager) Logout(ctx context.Context) {
	m.logoutMu.Lock()
	defer m.logoutMu.Unlock()

	done := make(chan struct{})
	m.mu.Lock()
	m.gen++
	gen := m.gen
	old := m.binding.Swap(nil)
	m.state = Anonymous
	m.ending = done
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.ending = nil
		m.mu.Unlock()
		close(done)
	}()

	if old != nil {
		if err := old.Channel.Close(); err != nil {
			obs.Warn("channel_close_failed", map[string]any{"generation": old.Generation, "error": err})
		}
	}
	m.notify(gen, nil)

	if err := m.provider.Logout(ctx); err != nil {
		obs.Warn("provider_logout_failed", map[string]any{"error": err})
	}
	fields := map[string]any{}
	if old != nil {
		fields["principal"] = old.Principal().String()
		fields["generation"] = old.Generation
	}
	obs.Info("session_ended", fields)
}

func (m *Manager) begin(ctx context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.awaitLogoutLocked(ctx); err != nil {
		return 0, err
	}
	switch m.state {
	case Authenticating:
		return 0, ErrLoginInProgress
	case Authenticated:
		return 0, ErrAlreadyAuthenticated
	}
	m.state = Authenticating
	m.gen++
	return m.gen, nil
}

// abort returns an attempt to Anonymous unless a logout already did. It
// reports whether the attempt had been superseded.
func (m *Manager) abort(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen == gen && m.state == Authenticating {
		m.state = Anonymous
		return false
	}
	return m.gen != gen
}

// awaitLogoutLocked waits, with mu held, until no logout is running.
func (m *Manager) awaitLogoutLocked(ctx context.Context) error {
	for m.ending != nil {
		ending := m.ending
		m.mu.Unlock()
		select {
		case <-ending:
		case <-ctx.Done():
			m.mu.Lock()
			return ctx.Err()
		}
		m.mu.Lock()
	}
	return nil
}

// release ends a provider session created by a superseded attempt once the
// logout that superseded it has finished. It is skipped when a newer
// attempt owns the provider by then.
func (m *Manager) release(ctx context.Context) {
	m.mu.Lock()
	err := m.awaitLogoutLocked(ctx)
	idle := m.state == Anonymous
	m.mu.Unlock()
	if err != nil || !idle {
		return
	}
	if err := m.provider.Logout(ctx); err != nil {
		obs.Warn("provider_logout_failed", map[string]any{"error": err})
	}
}

func (m *Manager) bind(ctx context.Context, gen uint64, id identity.Identity) (*Binding, error) {
	ch, err := m.factory.Open(ctx, id)
	if err != nil {
		if m.abort(gen) {
			m.release(ctx)
		}
		return nil, fmt.Errorf("session: open channel: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen || m.state != Authenticating {
		m.mu.Unlock()
		_ = ch.Close()
		// The provider session was created after logout asked to end it.
		m.release(ctx)
		return nil, ErrLoginSuperseded
	}
	b := &Binding{Generation: gen, Identity: id, Channel: ch}
	m.binding.Store(b)
	m.state = Authenticated
	m.mu.Unlock()

	m.notify(gen, b)
	obs.Info("session_established", map[string]any{
		"principal":  id.Principal.String(),
		"generation": gen,
		"expires_at": id.ExpiresAt,
	})
	return b, nil
}

// notify runs the hooks for gen, or nothing when a later transition has
// already taken over.
func (m *Manager) notify(gen uint64, b *Binding) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		return
	}
	for _, fn := range m.hooks {
		fn(b)
	}
}
