package grpc

import (
	"context"
	"fmt"
	"time"

	gogrpc "google.golang.org/grpc"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	healthPollInitial = 200 * time.Millisecond
	healthPollMax     = time.Second
)

// WaitForHealth blocks until the health check for service reports SERVING
// or the context ends. Each probe is bounded to one second.
func WaitForHealth(ctx context.Context, conn *gogrpc.ClientConn, service string, logf func(string, ...any)) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	client := grpc_health_v1.NewHealthClient(conn)
	wait := healthPollInitial
	for {
		probeCtx, cancel := context.WithTimeout(ctx, time.Second)
		response, err := client.Check(probeCtx, &grpc_health_v1.HealthCheckRequest{Service: service})
		cancel()
		switch {
		case err == nil && response.GetStatus() == grpc_health_v1.HealthCheckResponse_SERVING:
			if logf != nil {
				logf("gRPC health check is SERVING")
			}
			return nil
		case err != nil:
			if logf != nil {
				logf("waiting for gRPC health: %v", err)
			}
		default:
			if logf != nil {
				logf("waiting for gRPC health: status %s", response.GetStatus().String())
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for gRPC health: %w", ctx.Err())
		case <-time.After(wait):
		}
		if wait < healthPollMax {
			wait *= 2
			if wait > healthPollMax {
				wait = healthPollMax
			}
		}
	}
}
