package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"strings"

	"github.com/zeebo/blake3"
)

// Principal is the textual form of a caller identity: a CRC-prefixed,
// base32 encoded byte string grouped in blocks of five characters.
type Principal string

// Anonymous is the principal of an unauthenticated caller.
const Anonymous Principal = "2vxsx-fae"

const (
	selfAuthenticatingTag = 0x02
	principalHashSize     = 28
	maxPrincipalBytes     = 29
)

var (
	ErrInvalidPrincipal = errors.New("identity: invalid principal")

	principalEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)
)

// PrincipalFromPublicKey derives the self-authenticating principal of a
// session key. The same key always yields the same principal.
func PrincipalFromPublicKey(pub ed25519.PublicKey) Principal {
	sum := blake3.Sum256(pub)
	raw := make([]byte, 0, maxPrincipalBytes)
	raw = append(raw, sum[:principalHashSize]...)
	raw = append(raw, selfAuthenticatingTag)
	return encodePrincipal(raw)
}

// ParsePrincipal validates the text form and checksum.
func ParsePrincipal(text string) (Principal, error) {
	text = strings.TrimSpace(strings.ToLower(text))
	if text == "" {
		return "", ErrInvalidPrincipal
	}
	raw, err := principalEncoding.DecodeString(strings.ToUpper(strings.ReplaceAll(text, "-", "")))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPrincipal, err)
	}
	if len(raw) < 4 || len(raw)-4 > maxPrincipalBytes {
		return "", ErrInvalidPrincipal
	}
	body := raw[4:]
	if binary.BigEndian.Uint32(raw[:4]) != crc32.ChecksumIEEE(body) {
		return "", fmt.Errorf("%w: checksum mismatch", ErrInvalidPrincipal)
	}
	p := encodePrincipal(body)
	if string(p) != text {
		return "", fmt.Errorf("%w: not canonical", ErrInvalidPrincipal)
	}
	return p, nil
}

func (p Principal) String() string { return string(p) }

// IsAnonymous reports whether p is empty or the anonymous principal.
func (p Principal) IsAnonymous() bool { return p == "" || p == Anonymous }

func encodePrincipal(raw []byte) Principal {
	buf := make([]byte, 4, 4+len(raw))
	binary.BigEndian.PutUint32(buf, crc32.ChecksumIEEE(raw))
	buf = append(buf, raw...)
	enc := strings.ToLower(principalEncoding.EncodeToString(buf))

	var b strings.Builder
	for i := 0; i < len(enc); i += 5 {
		if i > 0 {
			b.WriteByte('-')
		}
		end := i + 5
		if end > len(enc) {
			end = len(enc)
		}
		b.WriteString(enc[i:end])
	}
	return Principal(b.String())
}

type principalContextKey struct{}

// ContextWithPrincipal attaches the authenticated caller to the context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext returns the caller attached by the server's
// authentication interceptor, or Anonymous.
func PrincipalFromContext(ctx context.Context) Principal {
	if ctx == nil {
		return Anonymous
	}
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p == "" {
		return Anonymous
	}
	return p
}
