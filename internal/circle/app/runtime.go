package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	circlesqlite "github.com/osusuhq/osusu/internal/circle/storage/sqlite"
	"github.com/osusuhq/osusu/internal/ledger"
	ledgersqlite "github.com/osusuhq/osusu/internal/ledger/storage/sqlite"
	membersqlite "github.com/osusuhq/osusu/internal/member/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

// RuntimeConfig controls server startup and storage locations.
type RuntimeConfig struct {
	Port         int
	MemberDBPath string
	LedgerDBPath string
	CircleDBPath string
	// OnReady runs once the services are wired, before serving. Embedding
	// processes use it to attach transports or warm caches.
	OnReady func(circles *Service, ledgerSvc *ledger.Service)
}

const (
	defaultServerPort  = 8080
	defaultMemberDB    = "data/members.db"
	defaultLedgerDB    = "data/ledger.db"
	defaultCircleDB    = "data/circle.db"
	healthServiceName  = "osusu.circle"
	ledgerServiceLabel = "osusu.ledger"
)

func ensureStorageDir(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}
	return nil
}

// Stores bundles the opened storage handles behind the runtime.
type Stores struct {
	Members *membersqlite.Store
	Ledger  *ledgersqlite.Store
	Circle  *circlesqlite.Store
}

// Close closes all storage handles, logging failures.
func (s Stores) Close() {
	for name, closer := range map[string]interface{ Close() error }{
		"member": s.Members,
		"ledger": s.Ledger,
		"circle": s.Circle,
	} {
		if err := closer.Close(); err != nil {
			log.Printf("close %s sqlite store: %v", name, err)
		}
	}
}

// OpenStores opens the three SQLite stores, creating parent directories.
func OpenStores(memberPath, ledgerPath, circlePath string) (Stores, error) {
	for _, path := range []string{memberPath, ledgerPath, circlePath} {
		if err := ensureStorageDir(path); err != nil {
			return Stores{}, err
		}
	}
	members, err := membersqlite.Open(memberPath)
	if err != nil {
		return Stores{}, fmt.Errorf("open member sqlite store: %w", err)
	}
	ledgerStore, err := ledgersqlite.Open(ledgerPath)
	if err != nil {
		_ = members.Close()
		return Stores{}, fmt.Errorf("open ledger sqlite store: %w", err)
	}
	circleStore, err := circlesqlite.Open(circlePath)
	if err != nil {
		_ = members.Close()
		_ = ledgerStore.Close()
		return Stores{}, fmt.Errorf("open circle sqlite store: %w", err)
	}
	return Stores{Members: members, Ledger: ledgerStore, Circle: circleStore}, nil
}

// Run opens storage, wires the ledger and circle services, and serves gRPC
// health until the context is canceled.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultServerPort
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

	stores, err := OpenStores(cfg.MemberDBPath, cfg.LedgerDBPath, cfg.CircleDBPath)
	if err != nil {
		return err
	}
	defer stores.Close()

	ledgerSvc := ledger.NewService(stores.Ledger)
	circleSvc := NewService(stores.Circle, stores.Members, ledgerSvc)
	if cfg.OnReady != nil {
		cfg.OnReady(circleSvc, ledgerSvc)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on server port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(ledgerServiceLabel, grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("server listening at %v", listener.Addr())
	<-ctx.Done()
	return nil
}
