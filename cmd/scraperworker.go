package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jake-fetch/urlfetch/internal/obsmetrics"
)

// newScraperWorkerCmd creates the 'scraperworker' subcommand, which
// drains scrape.requests against a long-lived headless browser until
// SIGINT or SIGTERM.
func newScraperWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scraperworker",
		Short: "Drain scrape requests against a headless browser",
		Long: `Starts the scraper worker: a long-lived headless Chrome process
and a pool of consumer goroutines that drain scrape.requests, attempt
each page fetch, and publish exactly one of scrape.started/results/
failures per attempt. It never writes to the document store directly;
see 'apiserver' for the consumers that apply those outcomes.`,

		PersistentPreRunE: buildAppPreRun(newWorkerApp),
		PersistentPostRun: closeAppPostRun,
		RunE:              runScraperWorkerCommand,
	}
	return cmd
}

func runScraperWorkerCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("/healthz", obsmetrics.HealthzHandler())
	mux.Handle("/metrics", obsmetrics.Handler())
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", appInstance.GetConfig().Server.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listener started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener exited", zap.Error(err))
		}
	}()

	logger.Info("scraper worker started")
	runErr := appInstance.GetScrapeConsumer().Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics listener shutdown error", zap.Error(err))
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		logger.Error("scrape consumer exited", zap.Error(runErr))
		return runErr
	}
	logger.Info("scraper worker stopped")
	return nil
}
