package remote

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ticketing"
)

const (
	ticketServiceName = "boxoffice.v1.TicketService"
	statusServiceName = "boxoffice.v1.StatusService"

	methodListActiveEvents   = "ListActiveEvents"
	methodListAllEvents      = "ListAllEvents"
	methodGetEvent           = "GetEvent"
	methodCreateEvent        = "CreateEvent"
	methodPurchaseTickets    = "PurchaseTickets"
	methodListUserTickets    = "ListUserTickets"
	methodListUserPurchases  = "ListUserPurchases"
	methodGetUserProfile     = "GetUserProfile"
	methodVerifyTicket       = "VerifyTicket"
	methodUseTicket          = "UseTicket"
	methodGetEventStatistics = "GetEventStatistics"
	methodDeactivateEvent    = "DeactivateEvent"

	methodRootKey = "RootKey"
)

// mutatingMethods require an authenticated caller.
var mutatingMethods = map[string]bool{
	methodCreateEvent:     true,
	methodPurchaseTickets: true,
	methodUseTicket:       true,
	methodDeactivateEvent: true,
}

var (
	// ErrBadSignature means a reply was not signed by the trusted root key.
	ErrBadSignature = errors.New("remote: reply signature does not verify")
	// ErrMalformedReply means a reply could not be decoded into the expected
	// shape, including Result envelopes with both or neither branch set.
	ErrMalformedReply = errors.New("remote: malformed reply")
)

func fullMethod(service, method string) string { return "/" + service + "/" + method }

type emptyRequest struct{}

type eventIDRequest struct {
	EventID uint64 `cbor:"1,keyasint"`
}

type purchaseRequest struct {
	EventID  uint64 `cbor:"1,keyasint"`
	Quantity uint32 `cbor:"2,keyasint"`
}

type userRequest struct {
	User identity.Principal `cbor:"1,keyasint"`
}

type ticketCodeRequest struct {
	TicketID uint64 `cbor:"1,keyasint"`
	Code     string `cbor:"2,keyasint"`
}

type rootKeyReply struct {
	Key []byte `cbor:"1,keyasint"`
}

// wireResult is the on-the-wire Ok/Err union. Exactly one field is set; the
// error kind travels by name.
type wireResult[T any] struct {
	Ok  *T     `cbor:"1,keyasint,omitempty"`
	Err string `cbor:"2,keyasint,omitempty"`
}

func toWire[T any](r ticketing.Result[T]) wireResult[T] {
	return ticketing.Match(r,
		func(v T) wireResult[T] { return wireResult[T]{Ok: &v} },
		func(k ticketing.ErrorKind) wireResult[T] { return wireResult[T]{Err: k.String()} },
	)
}

func (w wireResult[T]) result() (ticketing.Result[T], error) {
	switch {
	case w.Ok != nil && w.Err != "":
		return ticketing.Result[T]{}, fmt.Errorf("%w: result carries both ok and err", ErrMalformedReply)
	case w.Ok != nil:
		return ticketing.Ok(*w.Ok), nil
	case w.Err != "":
		kind, err := ticketing.ParseErrorKind(w.Err)
		if err != nil {
			return ticketing.Result[T]{}, fmt.Errorf("%w: %v", ErrMalformedReply, err)
		}
		return ticketing.Err[T](kind), nil
	default:
		return ticketing.Result[T]{}, fmt.Errorf("%w: empty result", ErrMalformedReply)
	}
}

// signedReply wraps every TicketService reply: the deterministic CBOR body
// and an Ed25519 signature by the replica's root key over method name and
// body, so a reply cannot be replayed as the answer to another method.
type signedReply struct {
	Body      cbor.RawMessage `cbor:"1,keyasint"`
	Signature []byte          `cbor:"2,keyasint"`
}

func signingPayload(method string, body []byte) []byte {
	out := make([]byte, 0, len(method)+1+len(body))
	out = append(out, method...)
	out = append(out, 0)
	return append(out, body...)
}

func signReply(key ed25519.PrivateKey, method string, body any) (*signedReply, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("remote: encode reply: %w", err)
	}
	return &signedReply{
		Body:      raw,
		Signature: ed25519.Sign(key, signingPayload(method, raw)),
	}, nil
}

func openReply(root ed25519.PublicKey, method string, reply *signedReply, out any) error {
	if len(root) != ed25519.PublicKeySize || !ed25519.Verify(root, signingPayload(method, reply.Body), reply.Signature) {
		return ErrBadSignature
	}
	if err := decMode.Unmarshal(reply.Body, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}
