package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/marketplace-scraper/internal/app"
)

func newServeCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API and the background job workers",
		Long: `Starts the job API, the worker pool that executes batch scrapes, and
the scheduled maintenance tasks. Unfinished jobs from a previous run are
re-enqueued on start when worker.resume_on_start is set.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			a, err := app.Build(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
}
