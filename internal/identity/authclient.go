package identity

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/fxamacker/cbor/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	sessionKeyFile = "identity.key"
	sessionFile    = "session.cbor"
	sealedFile     = "session.cbor.age"
)

// storedSession is the on-disk delegation record. The private key lives in
// its own 0600 file next to it.
type storedSession struct {
	Delegation string `cbor:"1,keyasint"`
	TokenID    string `cbor:"2,keyasint"`
	ExpiresAt  int64  `cbor:"3,keyasint"`
}

// AuthClient is the session handle against the identity provider. It keeps
// a long-lived Ed25519 key in the state directory (the principal is derived
// from it), obtains delegations for it from the provider and persists them
// so the next process can restore. Logout drops the delegation, not the key.
type AuthClient struct {
	providerURL string
	stateDir    string
	passphrase  string
	ttl         time.Duration
	httpClient  *http.Client
	now         func() time.Time
	prompt      func(providerURL string)

	mu      sync.Mutex
	key     ed25519.PrivateKey
	current *Identity
}

// AuthOption configures an AuthClient.
type AuthOption func(*AuthClient) error

// WithPassphrase encrypts the stored delegation with an age scrypt recipient.
func WithPassphrase(passphrase string) AuthOption {
	return func(c *AuthClient) error {
		c.passphrase = passphrase
		return nil
	}
}

// WithSessionTTL asks the provider for delegations of at most ttl.
func WithSessionTTL(ttl time.Duration) AuthOption {
	return func(c *AuthClient) error {
		if ttl < 0 {
			return errors.New("identity: session ttl must be >= 0")
		}
		c.ttl = ttl
		return nil
	}
}

// WithHTTPClient overrides the client used to reach the provider.
func WithHTTPClient(hc *http.Client) AuthOption {
	return func(c *AuthClient) error {
		if hc != nil {
			c.httpClient = hc
		}
		return nil
	}
}

// WithPrompt installs the hook telling the user where the provider's
// interactive flow lives before Login blocks on it.
func WithPrompt(fn func(providerURL string)) AuthOption {
	return func(c *AuthClient) error {
		c.prompt = fn
		return nil
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) AuthOption {
	return func(c *AuthClient) error {
		if now != nil {
			c.now = now
		}
		return nil
	}
}

// NewAuthClient creates the session handle. The state directory is created
// with 0700 permissions when missing.
func NewAuthClient(providerURL, stateDir string, opts ...AuthOption) (*AuthClient, error) {
	providerURL = strings.TrimRight(strings.TrimSpace(providerURL), "/")
	if providerURL == "" {
		return nil, errors.New("identity: provider url is required")
	}
	if strings.TrimSpace(stateDir) == "" {
		return nil, errors.New("identity: state dir is required")
	}
	c := &AuthClient{
		providerURL: providerURL,
		stateDir:    stateDir,
		httpClient:  &http.Client{Timeout: 2 * time.Minute},
		now:         time.Now,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, fmt.Errorf("identity: create state dir: %w", err)
	}
	return c, nil
}

var _ Provider = (*AuthClient)(nil)

// IsAuthenticated loads the stored delegation if needed and checks that it
// belongs to the session key and has not expired.
func (c *AuthClient) IsAuthenticated(ctx context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != nil && c.current.Valid(c.now()) {
		return true, nil
	}
	id, err := c.restoreLocked()
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !id.Valid(c.now()) {
		return false, nil
	}
	c.current = &id
	return true, nil
}

// Login posts the session public key to the provider and stores the
// returned delegation.
func (c *AuthClient) Login(ctx context.Context) (Identity, error) {
	c.mu.Lock()
	key, err := c.sessionKeyLocked()
	c.mu.Unlock()
	if err != nil {
		return Identity{}, err
	}
	if c.prompt != nil {
		c.prompt(c.providerURL)
	}

	pub := key.Public().(ed25519.PublicKey)
	body, err := json.Marshal(delegationRequest{
		PublicKey:     base64.RawURLEncoding.EncodeToString(pub),
		MaxTTLSeconds: int64(c.ttl / time.Second),
	})
	if err != nil {
		return Identity{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.providerURL+delegationsPath, bytes.NewReader(body))
	if err != nil {
		return Identity{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrLoginCancelled, ctx.Err())
		}
		return Identity{}, fmt.Errorf("identity: reach provider: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusForbidden:
		return Identity{}, ErrLoginDenied
	case resp.StatusCode != http.StatusOK:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Identity{}, fmt.Errorf("identity: provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out delegationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Identity{}, fmt.Errorf("identity: decode provider response: %w", err)
	}

	id, err := identityFromDelegation(pub, out.Delegation)
	if err != nil {
		return Identity{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.persistLocked(storedSession{
		Delegation: id.Delegation,
		TokenID:    id.TokenID,
		ExpiresAt:  id.ExpiresAt.Unix(),
	}); err != nil {
		return Identity{}, err
	}
	c.current = &id
	return id, nil
}

// Logout revokes the delegation at the provider and removes the local
// session. Local state is removed even when the provider call fails; the
// provider error is returned for logging.
func (c *AuthClient) Logout(ctx context.Context) error {
	c.mu.Lock()
	current := c.current
	c.current = nil
	var errs []error
	for _, name := range []string{sessionFile, sealedFile} {
		if err := os.Remove(filepath.Join(c.stateDir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	c.mu.Unlock()

	if current != nil && current.TokenID != "" {
		if err := c.revoke(ctx, *current); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Identity returns the active identity.
func (c *AuthClient) Identity(ctx context.Context) (Identity, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil || !c.current.Valid(c.now()) {
		return Identity{}, ErrNotAuthenticated
	}
	return *c.current, nil
}

func (c *AuthClient) revoke(ctx context.Context, id Identity) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.providerURL+delegationsPath+"/"+id.TokenID, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+id.Delegation)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("identity: revoke delegation: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity: revoke delegation: provider returned %d", resp.StatusCode)
	}
	return nil
}

func (c *AuthClient) restoreLocked() (Identity, error) {
	stored, err := c.loadLocked()
	if err != nil {
		return Identity{}, err
	}
	key, err := c.loadKeyLocked()
	if err != nil {
		return Identity{}, err
	}
	return identityFromDelegation(key.Public().(ed25519.PublicKey), stored.Delegation)
}

func (c *AuthClient) sessionKeyLocked() (ed25519.PrivateKey, error) {
	if c.key != nil {
		return c.key, nil
	}
	key, err := c.loadKeyLocked()
	if err == nil {
		return key, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	_, key, err = ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate session key: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(c.stateDir, sessionKeyFile), key); err != nil {
		return nil, fmt.Errorf("identity: write session key: %w", err)
	}
	c.key = key
	return key, nil
}

func (c *AuthClient) loadKeyLocked() (ed25519.PrivateKey, error) {
	if c.key != nil {
		return c.key, nil
	}
	raw, err := os.ReadFile(filepath.Join(c.stateDir, sessionKeyFile))
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity: session key has %d bytes, want %d", len(raw), ed25519.PrivateKeySize)
	}
	c.key = ed25519.PrivateKey(raw)
	return c.key, nil
}

func (c *AuthClient) persistLocked(s storedSession) error {
	data, err := cbor.Marshal(s)
	if err != nil {
		return fmt.Errorf("identity: encode session: %w", err)
	}
	if c.passphrase == "" {
		return writeFileAtomic(filepath.Join(c.stateDir, sessionFile), data)
	}
	recipient, err := age.NewScryptRecipient(c.passphrase)
	if err != nil {
		return fmt.Errorf("identity: session passphrase: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("identity: seal session: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("identity: seal session: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("identity: seal session: %w", err)
	}
	return writeFileAtomic(filepath.Join(c.stateDir, sealedFile), buf.Bytes())
}

func (c *AuthClient) loadLocked() (storedSession, error) {
	var data []byte
	if c.passphrase == "" {
		raw, err := os.ReadFile(filepath.Join(c.stateDir, sessionFile))
		if err != nil {
			return storedSession{}, err
		}
		data = raw
	} else {
		sealed, err := os.ReadFile(filepath.Join(c.stateDir, sealedFile))
		if err != nil {
			return storedSession{}, err
		}
		id, err := age.NewScryptIdentity(c.passphrase)
		if err != nil {
			return storedSession{}, fmt.Errorf("identity: session passphrase: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(sealed), id)
		if err != nil {
			return storedSession{}, fmt.Errorf("identity: unseal session: %w", err)
		}
		if data, err = io.ReadAll(r); err != nil {
			return storedSession{}, fmt.Errorf("identity: unseal session: %w", err)
		}
	}
	var s storedSession
	if err := cbor.Unmarshal(data, &s); err != nil {
		return storedSession{}, fmt.Errorf("identity: decode session: %w", err)
	}
	return s, nil
}

// identityFromDelegation reads the delegation claims without verifying the
// signature; the ledger is the verifier. It does check that the delegation
// was issued for pub.
func identityFromDelegation(pub ed25519.PublicKey, token string) (Identity, error) {
	var claims DelegationClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.PublicKey != base64.RawURLEncoding.EncodeToString(pub) {
		return Identity{}, fmt.Errorf("%w: issued for another key", ErrInvalidToken)
	}
	principal := PrincipalFromPublicKey(pub)
	if Principal(claims.Subject) != principal {
		return Identity{}, fmt.Errorf("%w: subject mismatch", ErrInvalidToken)
	}
	if claims.ExpiresAt == nil {
		return Identity{}, fmt.Errorf("%w: missing expiry", ErrInvalidToken)
	}
	return Identity{
		Principal:  principal,
		PublicKey:  pub,
		Delegation: token,
		TokenID:    claims.ID,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
