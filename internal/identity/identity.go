package identity

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"
)

var (
	ErrNotAuthenticated = errors.New("identity: no active session")
	ErrLoginCancelled   = errors.New("identity: login cancelled")
	ErrLoginDenied      = errors.New("identity: login denied by provider")
	ErrInvalidToken     = errors.New("identity: invalid delegation")
)

// Identity is the active caller: the session public key, the principal
// derived from it, and the provider-signed delegation presented on every
// remote call.
type Identity struct {
	Principal  Principal
	PublicKey  ed25519.PublicKey
	Delegation string
	TokenID    string
	ExpiresAt  time.Time
}

// Valid reports whether the delegation is present and not yet expired.
func (id Identity) Valid(now time.Time) bool {
	return id.Delegation != "" && !id.Principal.IsAnonymous() && now.Before(id.ExpiresAt)
}

// Provider is the authentication provider as seen by the session layer.
type Provider interface {
	// IsAuthenticated reports whether a usable session already exists.
	IsAuthenticated(ctx context.Context) (bool, error)
	// Login runs the provider's interactive flow. It returns
	// ErrLoginCancelled when the caller gives up and ErrLoginDenied when the
	// provider refuses.
	Login(ctx context.Context) (Identity, error)
	// Logout invalidates the provider session.
	Logout(ctx context.Context) error
	// Identity returns the active identity or ErrNotAuthenticated.
	Identity(ctx context.Context) (Identity, error)
}
