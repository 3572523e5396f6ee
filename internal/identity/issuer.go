package identity

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultIssuer        = "boxoffice-identity"
	defaultDelegationTTL = 8 * time.Hour
	maxDelegationTTL     = 30 * 24 * time.Hour

	delegationsPath = "/v1/delegations"
)

// DelegationClaims binds a session public key to its principal.
type DelegationClaims struct {
	PublicKey string `json:"pk"`
	jwt.RegisteredClaims
}

// Issuer signs delegations for session keys and verifies them on the
// ledger side. It is the provider half of the login flow.
type Issuer struct {
	key     ed25519.PrivateKey
	issuer  string
	ttl     time.Duration
	now     func() time.Time
	approve func(r *http.Request, p Principal) bool

	mu      sync.Mutex
	revoked map[string]time.Time // jti -> expiry
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithIssuerName overrides the iss claim.
func WithIssuerName(name string) IssuerOption {
	return func(i *Issuer) {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
	}
}

// WithDelegationTTL sets the default delegation lifetime.
func WithDelegationTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuerClock overrides the time source (tests).
func WithIssuerClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithApproval installs the hook deciding whether a login request is
// granted. Without it every well-formed request is approved.
func WithApproval(fn func(r *http.Request, p Principal) bool) IssuerOption {
	return func(i *Issuer) { i.approve = fn }
}

// NewIssuer constructs an issuer signing with key.
func NewIssuer(key ed25519.PrivateKey, opts ...IssuerOption) *Issuer {
	i := &Issuer{
		key:     key,
		issuer:  defaultIssuer,
		ttl:     defaultDelegationTTL,
		now:     time.Now,
		revoked: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// PublicKey returns the key the ledger uses to check delegations.
func (i *Issuer) PublicKey() ed25519.PublicKey {
	return i.key.Public().(ed25519.PublicKey)
}

// Issue signs a delegation for pub. A zero ttl uses the issuer default.
func (i *Issuer) Issue(pub ed25519.PublicKey, ttl time.Duration) (string, DelegationClaims, error) {
	if len(pub) != ed25519.PublicKeySize {
		return "", DelegationClaims{}, fmt.Errorf("public key has %d bytes, want %d", len(pub), ed25519.PublicKeySize)
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	if ttl > maxDelegationTTL {
		ttl = maxDelegationTTL
	}
	now := i.now().UTC()
	claims := DelegationClaims{
		PublicKey: base64.RawURLEncoding.EncodeToString(pub),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   string(PrincipalFromPublicKey(pub)),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.key)
	if err != nil {
		return "", DelegationClaims{}, fmt.Errorf("sign delegation: %w", err)
	}
	return signed, claims, nil
}

// Verify checks signature, issuer, expiry, revocation and that the subject
// is the principal of the embedded key.
func (i *Issuer) Verify(token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidToken
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	var claims DelegationClaims
	parsed, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return i.PublicKey(), nil
	})
	if err != nil || !parsed.Valid {
		return "", ErrInvalidToken
	}
	pub, err := base64.RawURLEncoding.DecodeString(claims.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return "", ErrInvalidToken
	}
	if Principal(claims.Subject) != PrincipalFromPublicKey(pub) {
		return "", ErrInvalidToken
	}
	if i.isRevoked(claims.ID) {
		return "", ErrInvalidToken
	}
	return Principal(claims.Subject), nil
}

// Revoke invalidates a delegation by id until it would have expired anyway.
func (i *Issuer) Revoke(id string, until time.Time) {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	for k, exp := range i.revoked {
		if now.After(exp) {
			delete(i.revoked, k)
		}
	}
	i.revoked[id] = until
}

func (i *Issuer) isRevoked(id string) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, ok := i.revoked[id]
	return ok
}

type delegationRequest struct {
	PublicKey     string `json:"public_key"`
	MaxTTLSeconds int64  `json:"max_ttl_seconds,omitempty"`
}

type delegationResponse struct {
	Delegation string    `json:"delegation"`
	Principal  string    `json:"principal"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Handler serves the provider endpoints used by AuthClient:
//
//	POST   /v1/delegations        login, returns a signed delegation
//	DELETE /v1/delegations/{id}   logout, revokes the delegation
func (i *Issuer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(delegationsPath, i.handleIssue)
	mux.HandleFunc(delegationsPath+"/", i.handleRevoke)
	return mux
}

func (i *Issuer) handleIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	var req delegationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid request body"})
		return
	}
	pub, err := base64.RawURLEncoding.DecodeString(req.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid public key"})
		return
	}
	principal := PrincipalFromPublicKey(pub)
	if i.approve != nil && !i.approve(r, principal) {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "login denied"})
		return
	}
	token, claims, err := i.Issue(pub, time.Duration(req.MaxTTLSeconds)*time.Second)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, delegationResponse{
		Delegation: token,
		Principal:  string(principal),
		ExpiresAt:  claims.ExpiresAt.Time,
	})
}

func (i *Issuer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.Header().Set("Allow", http.MethodDelete)
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, delegationsPath+"/")
	if id == "" || strings.Contains(id, "/") {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "delegation not found"})
		return
	}
	token, err := extractBearer(r.Header.Get("Authorization"))
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error()})
		return
	}
	if _, err := i.Verify(token); err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid delegation"})
		return
	}
	var claims DelegationClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ID != id {
		writeJSON(w, http.StatusForbidden, map[string]any{"error": "delegation mismatch"})
		return
	}
	i.Revoke(id, claims.ExpiresAt.Time)
	w.WriteHeader(http.StatusNoContent)
}

func extractBearer(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	const prefix = "bearer "
	if !strings.HasPrefix(strings.ToLower(header), prefix) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
