// Package cmd defines the CLI commands for the compass-crawl-api executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compass-crawl-api",
		Short: "Coordination backend for the Compass crawl extensions.",
		Long: `compass-crawl-api is the coordination backend for the Compass
browser-extension crawlers. It hands out discovery units and search
keywords on claims, ingests scraped profiles into the shared record
store, and expands the crawl frontier from the relations each profile
reports.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: built-in defaults plus COMPASS_* environment variables)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newMigrateCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
