// Package grpchealth exposes the standard grpc.health.v1.Health service: a
// pessimistic initial status flipped to SERVING once every registered
// health.ReadinessCheck passes on a 5s ticker.
package grpchealth

import (
	"context"
	"time"

	"google.golang.org/grpc"
	grpchealthsrv "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/quillhub/ingestflow/internal/platform/health"
)

// Server wraps the standard health server with a periodic readiness poll.
type Server struct {
	inner  *grpchealthsrv.Server
	checks []health.ReadinessCheck
}

// Register creates the health server, registers it on grpcServer, and
// returns the wrapper so Start can be called once checks are known.
func Register(grpcServer *grpc.Server, checks []health.ReadinessCheck) *Server {
	inner := grpchealthsrv.NewServer()
	inner.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(grpcServer, inner)

	return &Server{inner: inner, checks: checks}
}

// Start begins the polling loop until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.poll(ctx)
			}
		}
	}()
}

func (s *Server) poll(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING

	for _, c := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		err := c.IsReady(cctx)
		cancel()

		if err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}

	s.inner.SetServingStatus("", status)
}
