package scheduler

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	circleapp "github.com/osusuhq/osusu/internal/circle/app"
	"github.com/osusuhq/osusu/internal/ledger"
	platformgrpc "github.com/osusuhq/osusu/internal/platform/grpc"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls scheduler startup, storage locations, and the
// poll cadence.
type RuntimeConfig struct {
	Port         int
	MemberDBPath string
	LedgerDBPath string
	CircleDBPath string
	PollInterval time.Duration

	// ServerAddr is the circle server gRPC address. When set, the
	// scheduler waits for the server health check before polling so
	// migrations on the shared databases have completed.
	ServerAddr string
}

const (
	defaultSchedulerPort = 8081
	defaultMemberDB      = "data/members.db"
	defaultLedgerDB      = "data/ledger.db"
	defaultCircleDB      = "data/circle.db"
)

// Run starts scheduler dependencies and the polling loop.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSchedulerPort
	}
	if strings.TrimSpace(cfg.MemberDBPath) == "" {
		cfg.MemberDBPath = defaultMemberDB
	}
	if strings.TrimSpace(cfg.LedgerDBPath) == "" {
		cfg.LedgerDBPath = defaultLedgerDB
	}
	if strings.TrimSpace(cfg.CircleDBPath) == "" {
		cfg.CircleDBPath = defaultCircleDB
	}

	if addr := strings.TrimSpace(cfg.ServerAddr); addr != "" {
		conn, err := platformgrpc.DialWithHealth(ctx, addr, 30*time.Second, log.Printf, platformgrpc.DefaultClientDialOptions()...)
		if err != nil {
			return fmt.Errorf("wait for circle server %s: %w", addr, err)
		}
		_ = conn.Close()
	}

	stores, err := circleapp.OpenStores(cfg.MemberDBPath, cfg.LedgerDBPath, cfg.CircleDBPath)
	if err != nil {
		return err
	}
	defer stores.Close()

	ledgerSvc := ledger.NewService(stores.Ledger)
	circleSvc := circleapp.NewService(stores.Circle, stores.Members, ledgerSvc)
	loop := New(circleSvc, cfg.PollInterval)

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on scheduler port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("osusu.scheduler", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("scheduler listening at %v interval=%s", listener.Addr(), loop.interval)
	err = loop.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	return err
}
