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
)

// newAPIServerCmd creates the 'apiserver' subcommand, which serves
// the HTTP submission/lookup surface until SIGINT or SIGTERM.
func newAPIServerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apiserver",
		Short: "Serve the HTTP submission and lookup API",
		Long: `Starts the HTTP API that accepts batch URL submissions and serves
record lookups, history, and the consistency-repair admin operation.
It publishes scrape requests onto the message bus and never touches a
browser itself; see 'scraperworker' for the consumer half.`,

		PersistentPreRunE: buildAppPreRun(newAPIApp),
		PersistentPostRun: closeAppPostRun,
		RunE:              runAPIServerCommand,
	}
	return cmd
}

func runAPIServerCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	maintCtx, cancelMaint := context.WithCancel(ctx)
	defer cancelMaint()
	go func() {
		if err := appInstance.GetMaintenance().Run(maintCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("maintenance loop exited", zap.Error(err))
		}
	}()

	resultsCtx, cancelResults := context.WithCancel(ctx)
	defer cancelResults()
	go func() {
		if err := appInstance.GetResultConsumers().Run(resultsCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("result consumers exited", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", appInstance.GetConfig().Server.Port),
		Handler:           appInstance.GetServer().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}
