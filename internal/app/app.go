// Package app initializes and holds the long-lived services shared by
// the API and scraper-worker binaries, acting as a dependency
// injection container built once at startup from config.Config.
package app

import (
	"context"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/jake-fetch/urlfetch/internal/bus"
	busmem "github.com/jake-fetch/urlfetch/internal/bus/memory"
	buspubsub "github.com/jake-fetch/urlfetch/internal/bus/pubsub"
	"github.com/jake-fetch/urlfetch/internal/config"
	"github.com/jake-fetch/urlfetch/internal/controlplane"
	"github.com/jake-fetch/urlfetch/internal/fetchstore"
	storemem "github.com/jake-fetch/urlfetch/internal/fetchstore/memory"
	storepg "github.com/jake-fetch/urlfetch/internal/fetchstore/postgres"
	"github.com/jake-fetch/urlfetch/internal/httpapi"
	"github.com/jake-fetch/urlfetch/internal/idgen"
	"github.com/jake-fetch/urlfetch/internal/logging"
	"github.com/jake-fetch/urlfetch/internal/obsmetrics"
	"github.com/jake-fetch/urlfetch/internal/ratelimit"
	"github.com/jake-fetch/urlfetch/internal/scraper"
)

// App holds every shared service the fetch pipeline's binaries need:
// the document-store repository, the message bus, and the
// control-plane/scraper components built on top of them. It is
// initialized once at startup and handed to whichever cobra
// subcommand runs.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	repo fetchstore.Repository
	bus  bus.Bus

	submitter   *controlplane.Submitter
	results     *controlplane.ResultConsumers
	maintenance *controlplane.Maintenance
	server      *httpapi.Server

	browser  *scraper.Browser
	consumer *scraper.Consumer

	tracerProvider *sdktrace.TracerProvider

	closeFns []func() error
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger { return a.logger }

// GetConfig returns the config this App was built from.
func (a *App) GetConfig() config.Config { return a.cfg }

// GetRepository returns the configured fetchstore.Repository.
func (a *App) GetRepository() fetchstore.Repository { return a.repo }

// GetBus returns the configured message bus.
func (a *App) GetBus() bus.Bus { return a.bus }

// GetSubmitter returns the batch-submission control-plane component.
func (a *App) GetSubmitter() *controlplane.Submitter { return a.submitter }

// GetResultConsumers returns the three result-queue consumers.
func (a *App) GetResultConsumers() *controlplane.ResultConsumers { return a.results }

// GetMaintenance returns the stale-sweep/consistency-repair component.
func (a *App) GetMaintenance() *controlplane.Maintenance { return a.maintenance }

// GetServer returns the HTTP API server. Nil unless the API binary
// built it; the scraper-worker binary has no use for it.
func (a *App) GetServer() *httpapi.Server { return a.server }

// GetScrapeConsumer returns the scrape.requests consumer. Nil unless
// the scraper-worker binary built it.
func (a *App) GetScrapeConsumer() *scraper.Consumer { return a.consumer }

// NewAPIApp builds the services the HTTP API binary needs: the
// repository, bus, control-plane components, and the httpapi.Server
// wired on top of them. It does not launch a browser.
func NewAPIApp(ctx context.Context, cfg config.Config) (*App, error) {
	a, err := newBaseApp(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a.server = httpapi.NewServer(a.submitter, a.repo, a.maintenance, cfg.Auth, a.logger)
	return a, nil
}

// NewWorkerApp builds the services the scraper-worker binary needs:
// the repository, bus, result consumers, maintenance sweeper, a
// long-lived headless browser, and the scrape.requests consumer.
func NewWorkerApp(ctx context.Context, cfg config.Config) (*App, error) {
	a, err := newBaseApp(ctx, cfg)
	if err != nil {
		return nil, err
	}

	browser, err := scraper.NewBrowser(ctx, cfg.Headless.UserAgent)
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	a.browser = browser
	a.closeFns = append(a.closeFns, browser.Close)

	limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Scrape.RateLimitRPS, DefaultBurst: cfg.Scrape.RateLimitBurst})
	attempt := scraper.NewAttempt(browser, a.bus, cfg.Headless, limiter)
	a.consumer = scraper.NewConsumer(a.bus, attempt, cfg.Scrape.ConcurrentScrapers)
	return a, nil
}

// newBaseApp builds the services common to both binaries: logger,
// tracer, repository, bus, and the three control-plane components
// that react to scrape outcomes. NewAPIApp and NewWorkerApp each add
// their own surface on top.
func newBaseApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.Init(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger.Info("initializing application services")

	obsmetrics.Init()

	tp, err := obsmetrics.InitTracerProvider(ctx, "urlfetch")
	if err != nil {
		return nil, fmt.Errorf("init tracer provider: %w", err)
	}

	a := &App{cfg: cfg, logger: logger, tracerProvider: tp}
	a.closeFns = append(a.closeFns, func() error {
		return tp.Shutdown(context.Background())
	})

	repo, err := newRepository(ctx, cfg.DB)
	if err != nil {
		return nil, err
	}
	a.repo = repo
	if closer, ok := repo.(interface{ Close() }); ok {
		a.closeFns = append(a.closeFns, func() error {
			closer.Close()
			return nil
		})
	}

	b, err := newBus(ctx, cfg.PubSub)
	if err != nil {
		return nil, err
	}
	a.bus = b
	a.closeFns = append(a.closeFns, b.Close)

	ids := idgen.New()
	a.submitter = controlplane.NewSubmitter(repo, b, ids, cfg.Scrape.DedupWindow())
	a.results = controlplane.NewResultConsumers(repo, b, cfg.Scrape.MaxRetries)
	a.maintenance = controlplane.NewMaintenance(repo, cfg.Scrape.StaleTimeout(), cfg.Scrape.MaintenanceInterval())

	logger.Info("application services initialized")
	return a, nil
}

func newRepository(ctx context.Context, cfg config.DBConfig) (fetchstore.Repository, error) {
	switch cfg.Provider {
	case "postgres":
		store, err := storepg.New(ctx, storepg.Config{
			DSN:             cfg.DSN,
			Table:           cfg.Table,
			MaxConns:        cfg.MaxConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres repository: %w", err)
		}
		return store, nil
	case "memory":
		return storemem.New(nil), nil
	default:
		return nil, fmt.Errorf("unknown db provider: %s", cfg.Provider)
	}
}

func newBus(ctx context.Context, cfg config.PubSubConfig) (bus.Bus, error) {
	switch cfg.Provider {
	case "pubsub":
		b, err := buspubsub.New(ctx, buspubsub.Config{ProjectID: cfg.ProjectID, Prefix: cfg.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init pubsub bus: %w", err)
		}
		return b, nil
	case "memory":
		return busmem.New(), nil
	default:
		return nil, fmt.Errorf("unknown pubsub provider: %s", cfg.Provider)
	}
}

// Close releases every service the App opened, in reverse acquisition
// order (tracer provider last, since other components may still log
// spans while shutting down).
func (a *App) Close() {
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		if err := a.closeFns[i](); err != nil {
			a.logger.Warn("error during shutdown", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("error syncing logger on shutdown", zap.Error(err))
	}
}
