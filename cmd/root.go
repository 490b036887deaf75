// Package cmd defines the CLI commands for the marketplace scraper executable.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/JakeFAU/marketplace-scraper/internal/config"
)

// newRootCmd creates the root command and attaches the subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	var envFile string

	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "Batch product scraper for online marketplaces.",
		Long: `scraper takes a list of product search terms, runs each one against a
marketplace search page in a real browser session, and records the best
matching product for every term.`,
		SilenceUsage: true,

		// Environment files load before any subcommand reads configuration.
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("load %s: %w", envFile, err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, JSON or TOML)")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")

	load := func() (config.Config, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cmd.AddCommand(newServeCmd(load))
	cmd.AddCommand(newScrapeCmd(load))
	cmd.AddCommand(newMigrateCmd(load))
	return cmd
}

type configLoader func() (config.Config, error)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
