// Package cmd defines and implements the CLI commands for the event-scraper executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-scraper/internal/config"
	"github.com/JakeFAU/event-scraper/internal/logging"
	"github.com/JakeFAU/event-scraper/internal/metrics"
)

// version is overridden at build time with -ldflags "-X".
var version = "0.2.0"

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "event-scraper",
		Short: "Extracts structured event details from web pages and flyers.",
		Long: `event-scraper fetches event pages (headless Chrome first, plain HTTP as a
fallback), reduces them to readable text and asks each organization's LLM
provider for a structured event. Results are validated, stored in the
org's backend and delivered to callbacks.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); EVENTS_* environment variables override it")

	loader := func() (config.Config, *zap.Logger, error) {
		return loadRuntime(cfgFile)
	}
	cmd.AddCommand(newServeCmd(loader), newExtractCmd(loader))
	return cmd
}

// runtimeLoader reads configuration and builds the process logger.
type runtimeLoader func() (config.Config, *zap.Logger, error)

func loadRuntime(path string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
