package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hajimari-inc/compass-crawl-api/internal/config"
	pgstore "github.com/hajimari-inc/compass-crawl-api/internal/storage/postgres"
)

// newMigrateCmd creates the 'migrate' subcommand.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [up|down|status]",
		Short: "Runs record store schema migrations",
		Long: `Applies the embedded schema migrations against the configured
Postgres record store.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE:      runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Postgres.DSN == "" {
		return fmt.Errorf("store.postgres.dsn is required for migrations")
	}
	if err := pgstore.Migrate(cmd.Context(), cfg.Store.Postgres.DSN, args[0]); err != nil {
		return fmt.Errorf("migrate %s: %w", args[0], err)
	}
	return nil
}
