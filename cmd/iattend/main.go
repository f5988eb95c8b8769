package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"iattend/internal/app"
	"iattend/internal/config"
)

// FUNCTIONAL DISCOVERY: Main entry point with comprehensive error handling and signal management
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand
type rootOptions struct {
	configFile string
	dotEnvFile string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:          "iattend",
		Short:        "Live-class attendance codes with realtime rosters",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (yaml, json or toml); defaults to $"+config.EnvPrefix+"_CONFIG_FILE")
	root.PersistentFlags().StringVar(&opts.dotEnvFile, "env-file", ".env", "dotenv file read below the real environment")

	root.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSweepCmd(opts),
		newSeedCmd(opts),
		newTokenCmd(opts),
	)
	return root
}

// setup loads the configuration and builds the matching logger
func (o *rootOptions) setup() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{ConfigFile: o.configFile, DotEnvFile: o.dotEnvFile})
	if err != nil {
		return nil, nil, err
	}
	logger, err := app.NewLogger(cfg.Env, cfg.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// ARCHITECTURAL DISCOVERY: Signal handling ensures graceful shutdown in production environments
func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := app.NewApplication(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			if err := application.Run(ctx); err != nil {
				return fmt.Errorf("application error: %w", err)
			}
			return nil
		},
	}
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|status]",
		Short:     "Apply or inspect the database schema",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			store, err := app.OpenStore(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if len(args) == 1 && args[0] == "status" {
				return app.MigrationStatus(ctx, store, cfg.Database.Driver, logger)
			}

			if err := app.Migrate(ctx, store, cfg.Database.Driver, logger); err != nil {
				return err
			}
			version, err := app.SchemaVersion(ctx, store, cfg.Database.Driver, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire elapsed sessions once and run their summaries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx := cmd.Context()
			application, err := app.NewApplication(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to create application: %w", err)
			}
			defer func() { _ = application.Stop(context.Background()) }()

			expired, err := application.SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d session(s)\n", expired)
			return nil
		},
	}
}
