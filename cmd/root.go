package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/mongodb-sink/internal/app"
	"github.com/JakeFAU/mongodb-sink/internal/config"
	"github.com/JakeFAU/mongodb-sink/internal/logging"
	"github.com/JakeFAU/mongodb-sink/internal/metrics"
)

var (
	cfgFile string
	dryRun  bool
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// newApp is the application factory. It's a variable so we can replace
// it with a mock factory in tests.
var newApp = func(ctx context.Context, cfg config.Config, dry bool) (*app.App, error) {
	return app.NewApp(ctx, cfg, dry)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mongosink",
		Short: "A MongoDB persistence sink for crawled items.",
		Long: `mongosink writes structured records produced by a web crawl into
MongoDB, routing oversized field values into GridFS (or an alternative
large-object backend), optionally batching writes, upserting by unique
key, and stopping the crawl after repeated duplicate-key failures.`,

		// This hook runs BEFORE the subcommand's RunE: resolve the
		// configuration, then build and inject the application services.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			bootLogger, err := logging.New(true)
			if err != nil {
				return fmt.Errorf("initialize boot logger: %w", err)
			}

			cfg, err := config.Load(cfgFile, bootLogger)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			metrics.Init()

			appInstance, err := newApp(cmd.Context(), cfg, dryRun)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}

			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, err := resolveApp(cmd.Context()); err == nil {
				appInstance.Close(cmd.Context())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	cmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "write to in-memory stores instead of MongoDB")

	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// resolveApp pulls the injected application services out of the context.
func resolveApp(ctx context.Context) (*app.App, error) {
	appInstance, ok := ctx.Value(appKey).(*app.App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command with signal-aware cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
