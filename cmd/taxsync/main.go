package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jdziat/taxsync/pkg/app"
	"github.com/jdziat/taxsync/pkg/config"
	"github.com/jdziat/taxsync/pkg/logging"
	"github.com/jdziat/taxsync/pkg/rateupdate"
)

var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configFile string
	root := &cobra.Command{
		Use:           "taxsync",
		Short:         "Tax rate synchronization and caching service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (yaml, toml or json); TAXSYNC_* variables override it")

	root.AddCommand(serveCmd(&configFile))
	root.AddCommand(migrateCmd(&configFile))
	root.AddCommand(updateCmd(&configFile))
	return root
}

// bootstrap loads configuration, builds the logger and the application and
// migrates the schema.
func bootstrap(ctx context.Context, configFile string) (*app.App, *zap.SugaredLogger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, err
	}
	a, err := app.New(cfg, app.WithLogger(logger))
	if err != nil {
		return nil, nil, err
	}
	if err := a.Migrate(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return nil, nil, err
	}
	return a, logger, nil
}

func serveCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run workers, the scheduler and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, logger, err := bootstrap(ctx, *configFile)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			return a.Serve(ctx)
		},
	}
}

func migrateCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the broker, audit and stats tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, logger, err := bootstrap(ctx, *configFile)
			if err != nil {
				return err
			}
			logger.Info("migration complete")
			return a.Shutdown(ctx)
		},
	}
}

func updateCmd(configFile *string) *cobra.Command {
	var (
		states       []string
		jurisdiction string
		force        bool
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Fetch rates once, refresh the cache and record the audit trail",
		Long: `Run a single rate update in-process, without the job queue.

Examples:
  taxsync update
  taxsync update --state CA --state TX
  taxsync update --state CA --jurisdiction "los angeles" --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, _, err := bootstrap(ctx, *configFile)
			if err != nil {
				return err
			}
			defer func() { _ = a.Shutdown(context.WithoutCancel(ctx)) }()

			sum, err := a.Updater.Process(ctx, rateupdate.Payload{
				States:       states,
				Jurisdiction: jurisdiction,
				Force:        force,
				Trigger:      rateupdate.TriggerManual,
				RequestedBy:  "cli",
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sum)
		},
	}
	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "state to update (repeatable; default all tracked states)")
	cmd.Flags().StringVarP(&jurisdiction, "jurisdiction", "j", "", "only update one county, city or zip")
	cmd.Flags().BoolVar(&force, "force", false, "refresh even when rates are unchanged")
	return cmd
}
