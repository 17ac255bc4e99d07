// Package cmd defines the CLI commands for the scrapegate executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/scrapegate/internal/app"
	"github.com/JakeFAU/scrapegate/internal/config"
)

// service is the part of *app.App the commands drive.
type service interface {
	Run(ctx context.Context) error
	Close()
}

// newService builds the application. It is a variable so tests can swap in a fake.
var newService = func(ctx context.Context, cfg config.Config, mode app.Mode) (service, error) {
	return app.Build(ctx, cfg, mode)
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "scrapegate",
		Short: "Rate-limited, fault-tolerant page scraping service.",
		Long: `scrapegate accepts scrape requests over HTTP and runs every page fetch
through a per-domain rate limiter and a retry executor, so target sites see
polite traffic and transient failures are retried with backoff.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	cmd.AddCommand(
		newModeCmd(app.ModeServe, "Run the API and workers in one process", &cfgFile),
		newModeCmd(app.ModeAPI, "Run only the HTTP API", &cfgFile),
		newModeCmd(app.ModeWorker, "Run only the queue workers", &cfgFile),
	)
	return cmd
}

func newModeCmd(mode app.Mode, short string, cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), *cfgFile, mode)
		},
	}
}

func run(ctx context.Context, cfgFile string, mode app.Mode) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := newService(ctx, cfg, mode)
	if err != nil {
		return fmt.Errorf("build %s: %w", mode, err)
	}
	defer svc.Close()

	if err := svc.Run(ctx); err != nil {
		return fmt.Errorf("run %s: %w", mode, err)
	}
	return nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
