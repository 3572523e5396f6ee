package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"
)

func newTestIssuer(t *testing.T, opts ...IssuerOption) *Issuer {
	t.Helper()
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	return NewIssuer(key, opts...)
}

func TestIssueAndVerify(t *testing.T) {
	iss := newTestIssuer(t)
	pub, _, _ := ed25519.GenerateKey(rand.Reader)

	token, claims, err := iss.Issue(pub, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if claims.ID == "" {
		t.Fatal("expected jti")
	}
	p, err := iss.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p != PrincipalFromPublicKey(pub) {
		t.Fatalf("unexpected principal %s", p)
	}
}

func TestVerifyRejects(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	iss := newTestIssuer(t, WithIssuerClock(clock))
	pub, _, _ := ed25519.GenerateKey(rand.Reader)

	token, claims, err := iss.Issue(pub, time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("other issuer key", func(t *testing.T) {
		other := newTestIssuer(t, WithIssuerClock(clock))
		if _, err := other.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
	t.Run("tampered", func(t *testing.T) {
		if _, err := iss.Verify(token + "x"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
	t.Run("revoked", func(t *testing.T) {
		iss.Revoke(claims.ID, claims.ExpiresAt.Time)
		if _, err := iss.Verify(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
	t.Run("expired", func(t *testing.T) {
		fresh, _, err := iss.Issue(pub, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		now = now.Add(2 * time.Minute)
		if _, err := iss.Verify(fresh); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("expected ErrInvalidToken, got %v", err)
		}
	})
}

func TestIssueRejectsShortKey(t *testing.T) {
	iss := newTestIssuer(t)
	if _, _, err := iss.Issue([]byte("short"), 0); err == nil {
		t.Fatal("expected error for short key")
	}
}
