package ticketing

import (
	"context"

	"boxoffice.org/internal/identity"
)

// Service is the ledger's operation set. The error return is reserved for
// transport failures (the call may not have been applied); backend
// rejections travel inside Result.
//
// Mutating operations act on behalf of the caller identified by the
// channel or, server-side, by identity.PrincipalFromContext.
type Service interface {
	ActiveEvents(ctx context.Context) ([]Event, error)
	AllEvents(ctx context.Context) ([]Event, error)
	Event(ctx context.Context, eventID uint64) (Result[Event], error)
	CreateEvent(ctx context.Context, draft EventDraft) (Result[uint64], error)
	PurchaseTickets(ctx context.Context, eventID uint64, quantity uint32) (Result[Purchase], error)
	UserTickets(ctx context.Context, user identity.Principal) ([]Ticket, error)
	UserPurchases(ctx context.Context, user identity.Principal) ([]Purchase, error)
	UserProfile(ctx context.Context, user identity.Principal) (UserProfile, error)
	VerifyTicket(ctx context.Context, ticketID uint64, code string) (Result[Ticket], error)
	UseTicket(ctx context.Context, ticketID uint64, code string) (Result[Unit], error)
	EventStatistics(ctx context.Context, eventID uint64) (Result[EventStats], error)
	DeactivateEvent(ctx context.Context, eventID uint64) (Result[Unit], error)
}
