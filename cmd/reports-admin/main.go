package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/target/mmk-report-api/config"
	"github.com/target/mmk-report-api/internal/bootstrap"
)

// app carries what every subcommand needs. Logs go to stderr so stdout stays
// machine-readable. Tests swap loadConfig and openInfra.
type app struct {
	out        io.Writer
	logger     *slog.Logger
	loadConfig func() (config.AppConfig, error)
	openInfra  func(ctx context.Context, cfg *config.AppConfig, opts infraOptions) (*infra, error)
}

func main() {
	a := &app{
		out:        os.Stdout,
		logger:     slog.New(slog.NewJSONHandler(os.Stderr, nil)),
		loadConfig: bootstrap.LoadConfig,
		openInfra:  connectInfra,
	}

	slog.SetDefault(a.logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd(a).ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1) //nolint:forbidigo // CLI must propagate command execution failure to callers
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "reports-admin",
		Short:         "Operational commands for the property report service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(a.out)

	root.AddCommand(migrateCmd(a))
	root.AddCommand(jobCmd(a))
	root.AddCommand(reportCmd(a))
	root.AddCommand(sweepCmd(a))
	return root
}

func (a *app) config() (*config.AppConfig, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
