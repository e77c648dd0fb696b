package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/target/mmk-report-api/internal/domain/model"
)

func jobCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Inspect and create report jobs",
	}
	cmd.AddCommand(jobStatusCmd(a), jobCreateCmd(a))
	return cmd
}

func jobStatusCmd(a *app) *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Print the status of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withInfra(cmd.Context(), infraOptions{}, func(in *infra) error {
				job, err := in.Store.Jobs.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if full {
					return a.printJSON(job)
				}
				return a.printJSON(job.Status())
			})
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "print the whole job record")
	return cmd
}

func jobCreateCmd(a *app) *cobra.Command {
	var req model.CreateJobRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Queue a report job for an address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withInfra(cmd.Context(), infraOptions{WantServices: true}, func(in *infra) error {
				if in.Services.Jobs == nil {
					return errors.New("job service unavailable")
				}
				if req.EventID != "" {
					job, created, err := in.Services.Jobs.CreateJobOnce(cmd.Context(), req)
					if err != nil {
						return err
					}
					if !created {
						cmd.PrintErrln("event already has a job; nothing queued")
					}
					return a.printJSON(job.Status())
				}
				job, err := in.Services.Jobs.CreateJob(cmd.Context(), req)
				if err != nil {
					return err
				}
				return a.printJSON(job.Status())
			})
		},
	}
	cmd.Flags().StringVar(&req.Address, "address", "", "property address")
	cmd.Flags().StringVar(&req.Email, "email", "", "recipient email")
	cmd.Flags().StringVar(&req.EventID, "event-id", "", "payment event id; makes the create idempotent")
	return cmd
}
