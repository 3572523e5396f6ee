package ticketing

import (
	"fmt"
	"strings"
	"unicode"
)

// ErrorKind is the closed set of rejections the ledger reports inside a
// Result. It is never a transport failure.
type ErrorKind uint8

const (
	EventNotFound ErrorKind = iota + 1
	InsufficientTickets
	ExceedsMaxTicketsPerUser
	SaleNotStarted
	SaleEnded
	EventInactive
	Unauthorized
	TicketNotFound
	AlreadyUsed
	InvalidVerificationCode
)

var kindNames = [...]string{
	EventNotFound:            "EventNotFound",
	InsufficientTickets:      "InsufficientTickets",
	ExceedsMaxTicketsPerUser: "ExceedsMaxTicketsPerUser",
	SaleNotStarted:           "SaleNotStarted",
	SaleEnded:                "SaleEnded",
	EventInactive:            "EventInactive",
	Unauthorized:             "Unauthorized",
	TicketNotFound:           "TicketNotFound",
	AlreadyUsed:              "AlreadyUsed",
	InvalidVerificationCode:  "InvalidVerificationCode",
}

// ErrorKinds lists every kind in declaration order.
func ErrorKinds() []ErrorKind {
	out := make([]ErrorKind, 0, len(kindNames)-1)
	for k := EventNotFound; k <= InvalidVerificationCode; k++ {
		out = append(out, k)
	}
	return out
}

// Valid reports whether k belongs to the closed set.
func (k ErrorKind) Valid() bool { return k >= EventNotFound && k <= InvalidVerificationCode }

// String returns the wire name of the kind.
func (k ErrorKind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
	return kindNames[k]
}

// Humanize inserts a space before every internal capital letter:
// SaleNotStarted becomes "Sale Not Started".
func (k ErrorKind) Humanize() string {
	name := k.String()
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range name {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ParseErrorKind maps a wire name back to its kind. Names outside the closed
// set are an error.
func ParseErrorKind(name string) (ErrorKind, error) {
	for k := EventNotFound; k <= InvalidVerificationCode; k++ {
		if kindNames[k] == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("ticketing: unknown error kind %q", name)
}

// Unit is the success value of operations that return nothing.
type Unit struct{}

// Result is the ledger's tagged outcome: exactly one of a value or an
// ErrorKind. Build it with Ok or Err and consume it with Match or Get.
type Result[T any] struct {
	value T
	kind  ErrorKind
	ok    bool
}

// Ok wraps a success value.
func Ok[T any](v T) Result[T] { return Result[T]{value: v, ok: true} }

// Err wraps a rejection. It panics on a kind outside the closed set.
func Err[T any](k ErrorKind) Result[T] {
	if !k.Valid() {
		panic(fmt.Sprintf("ticketing: invalid error kind %d", uint8(k)))
	}
	return Result[T]{kind: k}
}

// IsOk reports whether r holds a value.
func (r Result[T]) IsOk() bool { return r.ok }

// Get returns the value and true, or the zero value, the kind and false.
func (r Result[T]) Get() (T, ErrorKind, bool) { return r.value, r.kind, r.ok }

// Kind returns the rejection kind, or zero for a success.
func (r Result[T]) Kind() ErrorKind {
	if r.ok {
		return 0
	}
	return r.kind
}

func (r Result[T]) String() string {
	if r.ok {
		return fmt.Sprintf("Ok(%v)", r.value)
	}
	return fmt.Sprintf("Err(%s)", r.kind)
}

// Match calls exactly one of the two branches.
func Match[T, R any](r Result[T], ok func(T) R, err func(ErrorKind) R) R {
	if r.ok {
		return ok(r.value)
	}
	return err(r.kind)
}
