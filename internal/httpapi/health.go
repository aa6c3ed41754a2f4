package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"tenantly.dev/internal/obs"
)

// HealthService is the gRPC service name reported by HealthReporter.
const HealthService = "tenantly.console"

// HealthReporter mirrors a ReadyChecker into a gRPC health server.
type HealthReporter struct {
	Server   *health.Server
	probe    ReadyChecker
	interval time.Duration
}

func NewHealthReporter(probe ReadyChecker, interval time.Duration) *HealthReporter {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &HealthReporter{Server: health.NewServer(), probe: probe, interval: interval}
}

// Update runs the probe once and publishes the result for both the
// console service and the overall server ("").
func (h *HealthReporter) Update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if h.probe != nil {
		if err := h.probe.Check(ctx); err != nil {
			logger := obs.Logger()
			logger.Debug().Err(err).Msg("not ready")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.Server.SetServingStatus(HealthService, status)
	h.Server.SetServingStatus("", status)
	return status
}

// Run updates the status every interval until ctx ends, then reports
// NOT_SERVING so clients drain during shutdown.
func (h *HealthReporter) Run(ctx context.Context) {
	h.Update(ctx)
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Server.Shutdown()
			return
		case <-ticker.C:
			h.Update(ctx)
		}
	}
}
