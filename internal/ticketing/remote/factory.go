package remote

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/obs"
)

// Deployment selects how the root key is obtained.
type Deployment string

const (
	DeploymentLocal      Deployment = "local"
	DeploymentStaging    Deployment = "staging"
	DeploymentProduction Deployment = "production"
)

// ParseDeployment accepts the configuration spelling of a deployment.
func ParseDeployment(s string) (Deployment, error) {
	switch d := Deployment(strings.ToLower(strings.TrimSpace(s))); d {
	case DeploymentLocal, DeploymentStaging, DeploymentProduction:
		return d, nil
	default:
		return "", fmt.Errorf("remote: unknown deployment %q", s)
	}
}

// IsProduction reports whether the pinned root key must be used.
func (d Deployment) IsProduction() bool { return d == DeploymentProduction }

var (
	ErrRootKeyRequired = errors.New("remote: production deployment requires a pinned root key")
	ErrInvalidRootKey  = errors.New("remote: root key must be a 32-byte Ed25519 public key")
	ErrNoIdentity      = errors.New("remote: identity is not usable")
)

// FactoryConfig describes where the ledger lives and how to trust it.
type FactoryConfig struct {
	Target     string
	Deployment Deployment
	// RootKey is the pinned verification key. Required in production,
	// ignored otherwise (the replica's key is fetched on open).
	RootKey ed25519.PublicKey
	// TLS dials with system roots instead of plaintext.
	TLS bool
	// RootKeyTimeout bounds the root key fetch on open.
	RootKeyTimeout time.Duration
	// DialOptions are appended after the defaults; tests use them to inject
	// a bufconn dialer.
	DialOptions []grpc.DialOption
}

// Factory opens Channels for a fixed ledger target.
type Factory struct {
	cfg FactoryConfig
}

// NewFactory validates cfg. A production deployment without a pinned root
// key is a configuration error.
func NewFactory(cfg FactoryConfig) (*Factory, error) {
	if cfg.Target == "" {
		return nil, errors.New("remote: ledger target is required")
	}
	if cfg.Deployment == "" {
		cfg.Deployment = DeploymentLocal
	}
	if cfg.Deployment.IsProduction() {
		if len(cfg.RootKey) == 0 {
			return nil, ErrRootKeyRequired
		}
		if len(cfg.RootKey) != ed25519.PublicKeySize {
			return nil, ErrInvalidRootKey
		}
	}
	if cfg.RootKeyTimeout <= 0 {
		cfg.RootKeyTimeout = 10 * time.Second
	}
	return &Factory{cfg: cfg}, nil
}

// Open dials the ledger on behalf of id. Outside production the replica's
// root key is fetched before any other call and trusted from then on.
func (f *Factory) Open(ctx context.Context, id identity.Identity) (*Channel, error) {
	if id.Delegation == "" || id.Principal.IsAnonymous() {
		return nil, ErrNoIdentity
	}
	creds := insecure.NewCredentials()
	if f.cfg.TLS {
		creds = credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithChainUnaryInterceptor(obs.UnaryClientInterceptor(), bearerInterceptor(id.Delegation)),
	}
	opts = append(opts, f.cfg.DialOptions...)
	conn, err := grpc.DialContext(ctx, f.cfg.Target, opts...)
	if err != nil {
		return nil, err
	}
	ch := &Channel{conn: conn, caller: id.Principal, rootKey: f.cfg.RootKey}
	if f.cfg.Deployment.IsProduction() {
		return ch, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, f.cfg.RootKeyTimeout)
	defer cancel()
	var reply rootKeyReply
	if err := conn.Invoke(fetchCtx, fullMethod(statusServiceName, methodRootKey), &emptyRequest{}, &reply); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("remote: fetch root key: %w", err)
	}
	if len(reply.Key) != ed25519.PublicKeySize {
		_ = conn.Close()
		return nil, ErrInvalidRootKey
	}
	ch.rootKey = ed25519.PublicKey(reply.Key)
	obs.Info("root_key_fetched", map[string]any{
		"target":     f.cfg.Target,
		"deployment": string(f.cfg.Deployment),
	})
	return ch, nil
}
