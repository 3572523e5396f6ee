// Package outcome turns remote call results into what a command reports:
// a value, or a Failure that says whether the call was refused locally,
// may not have reached the ledger, was rejected by it, or outlived its
// session.
package outcome

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/obs"
	"boxoffice.org/internal/ticketing"
	"boxoffice.org/internal/ticketing/remote"
)

// Category is the coarse class of a failure.
type Category uint8

const (
	// Local failures are detected before any remote call.
	Local Category = iota + 1
	// Transport failures leave the call's effect unknown.
	Transport
	// Rejected failures carry a backend error kind; the call had no effect.
	Rejected
	// Superseded failures belong to a session that ended while the call was
	// in flight; the result was discarded.
	Superseded
)

func (c Category) String() string {
	switch c {
	case Local:
		return "local"
	case Transport:
		return "transport"
	case Rejected:
		return "rejected"
	case Superseded:
		return "superseded"
	default:
		return "unknown"
	}
}

// Reason refines Local and Transport failures.
type Reason string

const (
	ReasonValidation      Reason = "validation"
	ReasonBusy            Reason = "busy"
	ReasonNetwork         Reason = "network"
	ReasonSerialization   Reason = "serialization"
	ReasonUnauthenticated Reason = "unauthenticated"
	ReasonUnknown         Reason = "unknown"
)

// ErrSuperseded is wrapped by every Superseded failure.
var ErrSuperseded = errors.New("session ended before the request completed")

// Failure is the classified failure of one command.
type Failure struct {
	Category Category
	// Kind is set for Rejected failures only.
	Kind   ticketing.ErrorKind
	Reason Reason
	Detail string
	Err    error
}

func (f *Failure) Error() string {
	switch f.Category {
	case Rejected:
		return "rejected: " + f.Kind.String()
	case Local, Transport:
		return fmt.Sprintf("%s (%s): %s", f.Category, f.Reason, f.Detail)
	default:
		return f.Category.String() + ": " + f.Detail
	}
}

func (f *Failure) Unwrap() error { return f.Err }

// Message is the text shown to the user.
func (f *Failure) Message() string {
	switch f.Category {
	case Rejected:
		return f.Kind.Humanize()
	case Transport:
		return "Could not complete the request: " + f.Detail
	case Superseded:
		return "Session ended before the request completed"
	default:
		return f.Detail
	}
}

// Invalid is a Local validation failure.
func Invalid(err error) *Failure {
	return &Failure{Category: Local, Reason: ReasonValidation, Detail: err.Error(), Err: err}
}

// Busy is the Local failure of a submission made while the same command is
// still in flight.
func Busy(err error) *Failure {
	return &Failure{Category: Local, Reason: ReasonBusy, Detail: err.Error(), Err: err}
}

// Discarded is the failure reported for a completion whose session is gone.
func Discarded() *Failure {
	return &Failure{Category: Superseded, Detail: ErrSuperseded.Error(), Err: ErrSuperseded}
}

// FromTransport classifies a channel error.
func FromTransport(err error) *Failure {
	return &Failure{Category: Transport, Reason: Classify(err), Detail: detail(err), Err: err}
}

// Reject is the failure for a backend Err kind.
func Reject(kind ticketing.ErrorKind) *Failure {
	obs.RecordRejection(kind.String())
	return &Failure{Category: Rejected, Kind: kind, Detail: kind.Humanize()}
}

// Translate maps a remote call's (Result, error) pair to its value or
// Failure. A transport error wins over any result.
func Translate[T any](r ticketing.Result[T], err error) (T, *Failure) {
	var zero T
	if err != nil {
		return zero, FromTransport(err)
	}
	v, kind, ok := r.Get()
	if !ok {
		return zero, Reject(kind)
	}
	return v, nil
}

// Classify names the transport sub-reason of err.
func Classify(err error) Reason {
	switch {
	case err == nil:
		return ReasonUnknown
	case errors.Is(err, remote.ErrBadSignature), errors.Is(err, remote.ErrMalformedReply):
		return ReasonSerialization
	case errors.Is(err, identity.ErrNotAuthenticated), errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, remote.ErrNoIdentity):
		return ReasonUnauthenticated
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ReasonNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ReasonNetwork
	}
	st, ok := status.FromError(err)
	if !ok {
		return ReasonUnknown
	}
	switch st.Code() {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Canceled, codes.ResourceExhausted, codes.Aborted:
		return ReasonNetwork
	case codes.Unauthenticated, codes.PermissionDenied:
		return ReasonUnauthenticated
	case codes.Internal:
		if msg := st.Message(); strings.Contains(msg, "marshal") || strings.Contains(msg, "cbor") {
			return ReasonSerialization
		}
	}
	return ReasonUnknown
}

func detail(err error) string {
	if st, ok := status.FromError(err); ok && st.Message() != "" {
		return st.Message()
	}
	return err.Error()
}
