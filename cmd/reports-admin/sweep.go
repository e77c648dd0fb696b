package main

import (
	"github.com/spf13/cobra"
	"github.com/target/mmk-report-api/internal/adapters/sweeper"
)

func sweepCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one sweeper pass over stale queued and running jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withInfra(cmd.Context(), infraOptions{WantServices: true}, func(in *infra) error {
				runner, err := sweeper.NewRunner(sweeper.RunnerOptions{
					Repo:   in.Store.Jobs,
					Jobs:   in.Services.Jobs,
					Config: in.Config.Sweeper,
					Logger: a.logger,
				})
				if err != nil {
					return err
				}
				res, err := runner.RunOnce(cmd.Context())
				if err != nil {
					return err
				}
				return a.printJSON(map[string]any{
					"redispatched": res.Redispatched,
					"interrupted":  res.Interrupted,
					"skipped":      res.Skipped,
				})
			})
		},
	}
}
