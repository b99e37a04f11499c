package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hajimari-inc/compass-crawl-api/internal/config"
	"github.com/hajimari-inc/compass-crawl-api/internal/server"
)

// newServeCmd creates the 'serve' subcommand.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the crawl coordination API",
		Long: `Starts the HTTP API the browser extensions poll for work, along with
the configured event sinks and, when enabled, the server-side keyword
search pool. Runs until SIGINT or SIGTERM.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	app, err := server.Build(cmd.Context(), cfg)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	return app.Run(cmd.Context())
}
