package remote

import (
	"context"
	"crypto/ed25519"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"boxoffice.org/internal/identity"
	"boxoffice.org/internal/ids"
	"boxoffice.org/internal/obs"
	"boxoffice.org/internal/ticketing"
)

const requestIDHeader = "x-request-id"

// Verifier checks a presented delegation and returns its principal.
// *identity.Issuer satisfies it.
type Verifier interface {
	Verify(token string) (identity.Principal, error)
}

// Server exposes a ticketing.Service over gRPC, signing every reply with
// the replica's root key.
type Server struct {
	backend  ticketing.Service
	key      ed25519.PrivateKey
	verifier Verifier
	limiter  *principalLimiter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRateLimit enables a token bucket per caller principal.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if perSecond > 0 && burst > 0 {
			s.limiter = newPrincipalLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// NewServer wraps backend. key signs replies; verifier authenticates callers.
func NewServer(backend ticketing.Service, key ed25519.PrivateKey, verifier Verifier, opts ...ServerOption) *Server {
	s := &Server{backend: backend, key: key, verifier: verifier}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RootKey is the public half of the signing key.
func (s *Server) RootKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// NewGRPCServer builds a grpc.Server with the interceptor chain and both
// services registered.
func (s *Server) NewGRPCServer(extra ...grpc.ServerOption) *grpc.Server {
	opts := append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(obs.UnaryServerInterceptor(), s.authenticate, s.rateLimit),
	}, extra...)
	g := grpc.NewServer(opts...)
	s.Register(g)
	return g
}

// Register adds TicketService and StatusService to g.
func (s *Server) Register(g grpc.ServiceRegistrar) {
	g.RegisterService(s.ticketServiceDesc(), s.backend)
	g.RegisterService(&grpc.ServiceDesc{
		ServiceName: statusServiceName,
		HandlerType: (*any)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: methodRootKey,
			Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
				req := new(emptyRequest)
				if err := dec(req); err != nil {
					return nil, err
				}
				handler := func(context.Context, any) (any, error) {
					return &rootKeyReply{Key: []byte(s.RootKey())}, nil
				}
				if interceptor == nil {
					return handler(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(statusServiceName, methodRootKey)}
				return interceptor(ctx, req, info, handler)
			},
		}},
		Metadata: "boxoffice/v1/status",
	}, s)
}

func (s *Server) ticketServiceDesc() *grpc.ServiceDesc {
	b := s.backend
	return &grpc.ServiceDesc{
		ServiceName: ticketServiceName,
		HandlerType: (*ticketing.Service)(nil),
		Methods: []grpc.MethodDesc{
			unary(s, methodListActiveEvents, func(ctx context.Context, _ *emptyRequest) (any, error) {
				return b.ActiveEvents(ctx)
			}),
			unary(s, methodListAllEvents, func(ctx context.Context, _ *emptyRequest) (any, error) {
				return b.AllEvents(ctx)
			}),
			unary(s, methodGetEvent, func(ctx context.Context, r *eventIDRequest) (any, error) {
				return wrap(b.Event(ctx, r.EventID))
			}),
			unary(s, methodCreateEvent, func(ctx context.Context, r *ticketing.EventDraft) (any, error) {
				return wrap(b.CreateEvent(ctx, *r))
			}),
			unary(s, methodPurchaseTickets, func(ctx context.Context, r *purchaseRequest) (any, error) {
				return wrap(b.PurchaseTickets(ctx, r.EventID, r.Quantity))
			}),
			unary(s, methodListUserTickets, func(ctx context.Context, r *userRequest) (any, error) {
				return b.UserTickets(ctx, r.User)
			}),
			unary(s, methodListUserPurchases, func(ctx context.Context, r *userRequest) (any, error) {
				return b.UserPurchases(ctx, r.User)
			}),
			unary(s, methodGetUserProfile, func(ctx context.Context, r *userRequest) (any, error) {
				return b.UserProfile(ctx, r.User)
			}),
			unary(s, methodVerifyTicket, func(ctx context.Context, r *ticketCodeRequest) (any, error) {
				return wrap(b.VerifyTicket(ctx, r.TicketID, r.Code))
			}),
			unary(s, methodUseTicket, func(ctx context.Context, r *ticketCodeRequest) (any, error) {
				return wrap(b.UseTicket(ctx, r.TicketID, r.Code))
			}),
			unary(s, methodGetEventStatistics, func(ctx context.Context, r *eventIDRequest) (any, error) {
				return wrap(b.EventStatistics(ctx, r.EventID))
			}),
			unary(s, methodDeactivateEvent, func(ctx context.Context, r *eventIDRequest) (any, error) {
				return wrap(b.DeactivateEvent(ctx, r.EventID))
			}),
		},
		Metadata: "boxoffice/v1/tickets",
	}
}

func wrap[T any](r ticketing.Result[T], err error) (any, error) {
	if err != nil {
		return nil, err
	}
	w := toWire(r)
	return &w, nil
}

// unary builds a MethodDesc whose handler decodes Req, calls fn and signs
// whatever it returns.
func unary[Req any](s *Server, method string, fn func(context.Context, *Req) (any, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			req := new(Req)
			if err := dec(req); err != nil {
				return nil, err
			}
			handler := func(ctx context.Context, in any) (any, error) {
				body, err := fn(ctx, in.(*Req))
				if err != nil {
					if _, ok := status.FromError(err); ok {
						return nil, err
					}
					return nil, status.Error(codes.Internal, err.Error())
				}
				return signReply(s.key, method, body)
			}
			if interceptor == nil {
				return handler(ctx, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(ticketServiceName, method)}
			return interceptor(ctx, req, info, handler)
		},
	}
}

// authenticate resolves the caller from the bearer delegation. Queries may
// be made anonymously; mutations may not. A presented but invalid
// delegation is always refused.
func (s *Server) authenticate(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if isStatusMethod(info.FullMethod) {
		return handler(ctx, req)
	}
	md, _ := metadata.FromIncomingContext(ctx)
	if rid := first(md, requestIDHeader); rid != "" {
		ctx = ids.WithRequestID(ctx, rid)
	}
	caller := identity.Anonymous
	if header := first(md, "authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || s.verifier == nil {
			return nil, status.Error(codes.Unauthenticated, "invalid authorization header")
		}
		p, err := s.verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "delegation rejected")
		}
		caller = p
	}
	if caller.IsAnonymous() && mutatingMethods[obs.MethodName(info.FullMethod)] {
		return nil, status.Error(codes.Unauthenticated, "authentication required")
	}
	return handler(identity.ContextWithPrincipal(ctx, caller), req)
}

func (s *Server) rateLimit(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if s.limiter != nil && !isStatusMethod(info.FullMethod) && !s.limiter.allow(identity.PrincipalFromContext(ctx).String()) {
		return nil, status.Error(codes.ResourceExhausted, "rate limit exceeded")
	}
	return handler(ctx, req)
}

func isStatusMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/"+statusServiceName+"/")
}

func first(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

// principalLimiter keeps a token bucket per caller; idle buckets are
// dropped lazily.
type principalLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	buckets map[string]*bucket
	swept   time.Time
}

type bucket struct {
	lim *rate.Limiter
	ts  time.Time
}

func newPrincipalLimiter(limit rate.Limit, burst int) *principalLimiter {
	return &principalLimiter{
		limit:   limit,
		burst:   burst,
		ttl:     5 * time.Minute,
		buckets: make(map[string]*bucket),
		swept:   time.Now(),
	}
}

func (l *principalLimiter) allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.swept) > time.Minute {
		for k, b := range l.buckets {
			if now.Sub(b.ts) > l.ttl {
				delete(l.buckets, k)
			}
		}
		l.swept = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.ts = now
	return b.lim.Allow()
}
