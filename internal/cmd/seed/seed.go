// Package seed parses seed command flags and writes the demo dataset.
package seed

import (
	"context"
	"flag"

	circleapp "github.com/osusuhq/osusu/internal/circle/app"
	entrypoint "github.com/osusuhq/osusu/internal/platform/cmd"
	"github.com/osusuhq/osusu/internal/seed"
)

// Config holds seed command configuration.
type Config struct {
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
	fs.StringVar(&cfg.MemberDBPath, "member-db-path", cfg.MemberDBPath, "The member SQLite database path")
	fs.StringVar(&cfg.LedgerDBPath, "ledger-db-path", cfg.LedgerDBPath, "The ledger SQLite database path")
	fs.StringVar(&cfg.CircleDBPath, "circle-db-path", cfg.CircleDBPath, "The circle SQLite database path")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run opens storage and applies the demo dataset.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSeed, func(runCtx context.Context) error {
		stores, err := circleapp.OpenStores(cfg.MemberDBPath, cfg.LedgerDBPath, cfg.CircleDBPath)
		if err != nil {
			return err
		}
		defer stores.Close()
		_, err = seed.Apply(runCtx, stores)
		return err
	})
}
