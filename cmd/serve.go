package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/event-scraper/internal/server"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API and
// the task workers until SIGINT or SIGTERM.
func newServeCmd(load runtimeLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the extraction API and task workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg, logger, version)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
