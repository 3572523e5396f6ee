package obs

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

var (
	initOnce sync.Once

	remoteCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_remote_calls_total",
			Help: "Remote ledger calls issued by the client, by method and gRPC code.",
		},
		[]string{"method", "code"},
	)

	remoteCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "boxoffice_remote_call_duration_seconds",
			Help:    "Remote ledger call latencies in seconds.",
			Buckets: prometheus.DefBuckets, // [0.005..10]
		},
		[]string{"method"},
	)

	backendRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_backend_rejections_total",
			Help: "Err outcomes reported by the ledger, by error kind.",
		},
		[]string{"kind"},
	)

	commandsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "boxoffice_commands_in_flight",
			Help: "Commands currently waiting on the ledger.",
		},
		[]string{"command"},
	)

	refreshFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_cache_refresh_failures_total",
			Help: "Background cache refreshes that failed and left the cache stale.",
		},
		[]string{"collection"},
	)

	serverRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "boxoffice_server_requests_total",
			Help: "Requests served by the ledger replica, by method and gRPC code.",
		},
		[]string{"method", "code"},
	)
)

// Init регистрирует метрики в default-регистре (однократно).
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			remoteCallsTotal,
			remoteCallDuration,
			backendRejections,
			commandsInFlight,
			refreshFailures,
			serverRequestsTotal,
			httpInFlight,
			httpRequestsTotal,
			httpRequestDuration,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// MethodName strips the service prefix from a full gRPC method name so label
// cardinality stays bounded by the service definition.
func MethodName(fullMethod string) string {
	fullMethod = strings.TrimSpace(fullMethod)
	if idx := strings.LastIndex(fullMethod, "/"); idx >= 0 {
		fullMethod = fullMethod[idx+1:]
	}
	if fullMethod == "" {
		return "unknown"
	}
	return fullMethod
}

// UnaryClientInterceptor records count and latency of every outgoing call.
func UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		name := MethodName(method)
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)
		remoteCallDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		remoteCallsTotal.WithLabelValues(name, status.Code(err).String()).Inc()
		return err
	}
}

// UnaryServerInterceptor counts served requests and logs failures.
func UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		code := status.Code(err)
		name := MethodName(info.FullMethod)
		serverRequestsTotal.WithLabelValues(name, code.String()).Inc()
		if err != nil {
			Warn("request_failed", map[string]any{
				"method":      name,
				"code":        code.String(),
				"duration_ms": time.Since(start).Milliseconds(),
				"error":       err,
			})
		}
		return resp, err
	}
}

// RecordRejection counts a backend Err outcome.
func RecordRejection(kind string) {
	backendRejections.WithLabelValues(kind).Inc()
}

// RecordRefreshFailure counts a cache refresh that left the cache stale.
func RecordRefreshFailure(collection string) {
	refreshFailures.WithLabelValues(collection).Inc()
}

// TrackCommand marks a command as in flight and returns the function that
// clears it.
func TrackCommand(command string) func() {
	g := commandsInFlight.WithLabelValues(command)
	g.Inc()
	return g.Dec
}
