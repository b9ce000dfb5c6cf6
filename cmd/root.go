// Package cmd defines and implements the CLI commands for the
// urlfetch executable: an HTTP API server and a scraper worker,
// sharing one config-driven dependency-injection container.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jake-fetch/urlfetch/internal/app"
	"github.com/jake-fetch/urlfetch/internal/bus"
	"github.com/jake-fetch/urlfetch/internal/config"
	"github.com/jake-fetch/urlfetch/internal/controlplane"
	"github.com/jake-fetch/urlfetch/internal/fetchstore"
	"github.com/jake-fetch/urlfetch/internal/httpapi"
	"github.com/jake-fetch/urlfetch/internal/logging"
	"github.com/jake-fetch/urlfetch/internal/scraper"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application services every subcommand needs. This
// allows tests to inject a mock app without constructing a real
// config-backed one.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetRepository() fetchstore.Repository
	GetBus() bus.Bus
	GetSubmitter() *controlplane.Submitter
	GetResultConsumers() *controlplane.ResultConsumers
	GetMaintenance() *controlplane.Maintenance
	GetServer() *httpapi.Server
	GetScrapeConsumer() *scraper.Consumer
}

// newAPIApp and newWorkerApp are the application factories. They are
// variables so tests can replace them with mock factories.
var (
	newAPIApp    func(ctx context.Context, cfg config.Config) (App, error) = apiAppFactory
	newWorkerApp func(ctx context.Context, cfg config.Config) (App, error) = workerAppFactory
)

func apiAppFactory(ctx context.Context, cfg config.Config) (App, error) {
	return app.NewAPIApp(ctx, cfg)
}

func workerAppFactory(ctx context.Context, cfg config.Config) (App, error) {
	return app.NewWorkerApp(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "urlfetch",
		Short: "Browser-backed URL content fetch pipeline.",
		Long: `urlfetch accepts URLs for on-demand fetching, renders them through a
headless browser, and persists the result for later retrieval. It runs as
two cooperating binaries that share one message bus and document store:
an HTTP API server that accepts submissions and serves lookups, and a
scraper worker that drains the scrape.requests queue.`,
	}

	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")
	root.AddCommand(newAPIServerCmd())
	root.AddCommand(newScraperWorkerCmd())
	root.AddCommand(newMigrateCmd())

	return root
}

// buildAppPreRun returns a PersistentPreRunE that loads config and
// builds the App via factory, storing it on the command's context for
// RunE to retrieve.
func buildAppPreRun(factory func(ctx context.Context, cfg config.Config) (App, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		appInstance, err := factory(cmd.Context(), cfg)
		if err != nil {
			return fmt.Errorf("initialize application services: %w", err)
		}

		ctx := context.WithValue(cmd.Context(), appKey, appInstance)
		cmd.SetContext(ctx)
		return nil
	}
}

// closeAppPostRun shuts down the App stored on the command's context.
func closeAppPostRun(cmd *cobra.Command, _ []string) {
	if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
		appInstance.Close()
	}
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		logging.L.Fatal("command execution failed", zap.Error(err))
	}
}
