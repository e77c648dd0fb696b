package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/target/mmk-report-api/internal/bootstrap"
	"github.com/target/mmk-report-api/internal/migrate"
)

const defaultMigrationTimeout = 5 * time.Minute

func migrateCmd(a *app) *cobra.Command {
	var (
		dryRun  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending PostgreSQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			db, err := bootstrap.ConnectDB(bootstrap.DatabaseConfig{DBConfig: cfg.Postgres, Logger: a.logger})
			if err != nil {
				return fmt.Errorf("connect db: %w", err)
			}
			defer func() {
				if cerr := db.Close(); cerr != nil {
					err = errors.Join(err, fmt.Errorf("close db: %w", cerr))
				}
			}()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			pending, err := migrate.Pending(ctx, db)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				cmd.Println("schema is up to date")
				return nil
			}
			for _, v := range pending {
				cmd.Println("pending:", v)
			}
			if dryRun {
				return nil
			}
			if err = bootstrap.RunMigrations(ctx, db, a.logger); err != nil {
				return err
			}
			cmd.Printf("applied %d migration(s)\n", len(pending))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	cmd.Flags().DurationVar(&timeout, "timeout", defaultMigrationTimeout, "overall migration timeout")
	return cmd
}
