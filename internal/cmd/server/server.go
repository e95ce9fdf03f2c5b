// Package server parses server command flags and launches the runtime.
package server

import (
	"context"
	"flag"

	circleapp "github.com/osusuhq/osusu/internal/circle/app"
	entrypoint "github.com/osusuhq/osusu/internal/platform/cmd"
)

// Config holds server command configuration.
type Config struct {
	Port         int    `env:"OSUSU_SERVER_PORT" envDefault:"8080"`
	MemberDBPath string `env:"OSUSU_MEMBER_DB_PATH" envDefault:"data/members.db"`
	LedgerDBPath string `env:"OSUSU_LEDGER_DB_PATH" envDefault:"data/ledger.db"`
	CircleDBPath string `env:"OSUSU_CIRCLE_DB_PATH" envDefault:"data/circle.db"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The server health gRPC port")
	fs.StringVar(&cfg.MemberDBPath, "member-db-path", cfg.MemberDBPath, "The member SQLite database path")
	fs.StringVar(&cfg.LedgerDBPath, "ledger-db-path", cfg.LedgerDBPath, "The ledger SQLite database path")
	fs.StringVar(&cfg.CircleDBPath, "circle-db-path", cfg.CircleDBPath, "The circle SQLite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the server runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceServer, func(runCtx context.Context) error {
		return circleapp.Run(runCtx, circleapp.RuntimeConfig{
			Port:         cfg.Port,
			MemberDBPath: cfg.MemberDBPath,
			LedgerDBPath: cfg.LedgerDBPath,
			CircleDBPath: cfg.CircleDBPath,
		})
	})
}
