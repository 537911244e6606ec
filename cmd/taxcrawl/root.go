package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/phuongtri1909/tool-gotax-sub000/internal/config"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/logging"
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "taxcrawl",
		Short: "Resilient tax-document crawler",
		Long: `taxcrawl downloads invoices, tax returns, notices and payment receipts
from the tax portal for a date range and packages them into zip bundles.

It paces and retries every portal call, rotates sessions on throttling,
validates each downloaded file and stops cleanly when a job is cancelled.`,
		Version:       getVersion(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "",
		"Configuration file (default: ./taxcrawl.yaml or $XDG_CONFIG_HOME/taxcrawl/config.yaml)")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().String("upstream", "", "Portal base URL (overrides config)")

	cmd.AddCommand(NewServeCmd())
	cmd.AddCommand(NewRunCmd())
	cmd.AddCommand(NewVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig resolves the configuration of cmd: file, environment, then
// flags. It also installs the global logger.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(config.FindConfigFile(path))
	if err != nil {
		return nil, err
	}

	if upstream, _ := cmd.Flags().GetString("upstream"); upstream != "" {
		cfg.Upstream.BaseURL = upstream
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		cfg.Log.Level = string(logging.LevelDebug)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: cmd.ErrOrStderr(),
	})
	return cfg, nil
}
