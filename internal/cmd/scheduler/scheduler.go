// Package scheduler parses scheduler command flags and launches the
// polling runtime.
package scheduler

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/osusuhq/osusu/internal/platform/cmd"
	"github.com/osusuhq/osusu/internal/scheduler"
)

// Config holds scheduler command configuration.
type Config struct {
	Port         int           `env:"OSUSU_SCHEDULER_PORT" envDefault:"8081"`
	MemberDBPath string        `env:"OSUSU_MEMBER_DB_PATH" envDefault:"data/members.db"`
	LedgerDBPath string        `env:"OSUSU_LEDGER_DB_PATH" envDefault:"data/ledger.db"`
	CircleDBPath string        `env:"OSUSU_CIRCLE_DB_PATH" envDefault:"data/circle.db"`
	PollInterval time.Duration `env:"OSUSU_SCHEDULER_POLL_INTERVAL" envDefault:"1m"`
	ServerAddr   string        `env:"OSUSU_SCHEDULER_SERVER_ADDR"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The scheduler health gRPC port")
	fs.StringVar(&cfg.MemberDBPath, "member-db-path", cfg.MemberDBPath, "The member SQLite database path")
	fs.StringVar(&cfg.LedgerDBPath, "ledger-db-path", cfg.LedgerDBPath, "The ledger SQLite database path")
	fs.StringVar(&cfg.CircleDBPath, "circle-db-path", cfg.CircleDBPath, "The circle SQLite database path")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Due group poll interval")
	fs.StringVar(&cfg.ServerAddr, "server-addr", cfg.ServerAddr, "Circle server gRPC address to wait on before polling")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the scheduler runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceScheduler, func(runCtx context.Context) error {
		return scheduler.Run(runCtx, scheduler.RuntimeConfig{
			Port:         cfg.Port,
			MemberDBPath: cfg.MemberDBPath,
			LedgerDBPath: cfg.LedgerDBPath,
			CircleDBPath: cfg.CircleDBPath,
			PollInterval: cfg.PollInterval,
			ServerAddr:   cfg.ServerAddr,
		})
	})
}
