package remote

import (
	"context"
	"crypto/ed25519"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ids"
	"boxoffice.org/internal/ticketing"
)

// Channel is an authenticated connection to the ledger. Every reply is
// checked against the root key before it is decoded. A Channel is bound to
// one identity for its whole life; a new login opens a new Channel.
type Channel struct {
	conn    *grpc.ClientConn
	caller  identity.Principal
	rootKey ed25519.PublicKey
}

var _ ticketing.Service = (*Channel)(nil)

// Caller returns the principal the channel acts for.
func (c *Channel) Caller() identity.Principal { return c.caller }

// Close closes the underlying connection.
func (c *Channel) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Channel) invoke(ctx context.Context, method string, req, out any) error {
	var reply signedReply
	if err := c.conn.Invoke(ctx, fullMethod(ticketServiceName, method), req, &reply); err != nil {
		return err
	}
	return openReply(c.rootKey, method, &reply, out)
}

func invokeResult[T any](ctx context.Context, c *Channel, method string, req any) (ticketing.Result[T], error) {
	var w wireResult[T]
	if err := c.invoke(ctx, method, req, &w); err != nil {
		return ticketing.Result[T]{}, err
	}
	return w.result()
}

func (c *Channel) ActiveEvents(ctx context.Context) ([]ticketing.Event, error) {
	var out []ticketing.Event
	if err := c.invoke(ctx, methodListActiveEvents, &emptyRequest{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Channel) AllEvents(ctx context.Context) ([]ticketing.Event, error) {
	var out []ticketing.Event
	if err := c.invoke(ctx, methodListAllEvents, &emptyRequest{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Channel) Event(ctx context.Context, eventID uint64) (ticketing.Result[ticketing.Event], error) {
	return invokeResult[ticketing.Event](ctx, c, methodGetEvent, &eventIDRequest{EventID: eventID})
}

func (c *Channel) CreateEvent(ctx context.Context, draft ticketing.EventDraft) (ticketing.Result[uint64], error) {
	return invokeResult[uint64](ctx, c, methodCreateEvent, &draft)
}

func (c *Channel) PurchaseTickets(ctx context.Context, eventID uint64, quantity uint32) (ticketing.Result[ticketing.Purchase], error) {
	return invokeResult[ticketing.Purchase](ctx, c, methodPurchaseTickets, &purchaseRequest{EventID: eventID, Quantity: quantity})
}

func (c *Channel) UserTickets(ctx context.Context, user identity.Principal) ([]ticketing.Ticket, error) {
	var out []ticketing.Ticket
	if err := c.invoke(ctx, methodListUserTickets, &userRequest{User: user}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Channel) UserPurchases(ctx context.Context, user identity.Principal) ([]ticketing.Purchase, error) {
	var out []ticketing.Purchase
	if err := c.invoke(ctx, methodListUserPurchases, &userRequest{User: user}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Channel) UserProfile(ctx context.Context, user identity.Principal) (ticketing.UserProfile, error) {
	var out ticketing.UserProfile
	if err := c.invoke(ctx, methodGetUserProfile, &userRequest{User: user}, &out); err != nil {
		return ticketing.UserProfile{}, err
	}
	return out, nil
}

func (c *Channel) VerifyTicket(ctx context.Context, ticketID uint64, code string) (ticketing.Result[ticketing.Ticket], error) {
	return invokeResult[ticketing.Ticket](ctx, c, methodVerifyTicket, &ticketCodeRequest{TicketID: ticketID, Code: code})
}

func (c *Channel) UseTicket(ctx context.Context, ticketID uint64, code string) (ticketing.Result[ticketing.Unit], error) {
	return invokeResult[ticketing.Unit](ctx, c, methodUseTicket, &ticketCodeRequest{TicketID: ticketID, Code: code})
}

func (c *Channel) EventStatistics(ctx context.Context, eventID uint64) (ticketing.Result[ticketing.EventStats], error) {
	return invokeResult[ticketing.EventStats](ctx, c, methodGetEventStatistics, &eventIDRequest{EventID: eventID})
}

func (c *Channel) DeactivateEvent(ctx context.Context, eventID uint64) (ticketing.Result[ticketing.Unit], error) {
	return invokeResult[ticketing.Unit](ctx, c, methodDeactivateEvent, &eventIDRequest{EventID: eventID})
}

// Helpers -----------------------------------------------------------------

// bearerInterceptor presents the delegation on every call and forwards the
// request id when the command set one.
func bearerInterceptor(delegation string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = outgoingWithIdentity(ctx, delegation)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func outgoingWithIdentity(ctx context.Context, delegation string) context.Context {
	var pairs []string
	if delegation != "" {
		pairs = append(pairs, "authorization", "Bearer "+delegation)
	}
	if rid := ids.RequestIDFromContext(ctx); rid != "" {
		pairs = append(pairs, requestIDHeader, rid)
	}
	if len(pairs) == 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
