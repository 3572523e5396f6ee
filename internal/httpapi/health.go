package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"boxoffice.org/internal/obs"
)

// RegisterHealth serves grpc.health.v1 on g and keeps its status in step
// with r, polling every interval until ctx ends.
func RegisterHealth(ctx context.Context, g grpc.ServiceRegistrar, r Readiness, interval time.Duration) *health.Server {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(g, hs)
	if interval <= 0 {
		interval = 5 * time.Second
	}
	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if r != nil {
			if err := r.Check(ctx); err != nil {
				status = healthpb.HealthCheckResponse_NOT_SERVING
				obs.Warn("not_ready", map[string]any{"error": err})
			}
		}
		hs.SetServingStatus("", status)
	}
	update()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				return
			case <-ticker.C:
				update()
			}
		}
	}()
	return hs
}
