package main

import (
	"github.com/spf13/cobra"
)

func reportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Inspect generated reports",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get <report-id>",
		Short: "Print a stored report as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withInfra(cmd.Context(), infraOptions{}, func(in *infra) error {
				report, err := in.Store.Reports.GetByID(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return a.printJSON(report)
			})
		},
	})
	return cmd
}
