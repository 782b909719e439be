package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"medidocs.io/docflow/internal/api"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "docflow-server",
		Short: "Clinical document generation and e-signature service",
	}

	rootCmd.AddCommand(
		serveCmd(),
		generateCmd(),
		searchCmd(),
		statusCmd(),
		syncCmd(),
		consentURLCmd(),
		tokenCmd(),
		deleteCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var syncInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(syncInterval)
		},
	}
	cmd.Flags().DurationVar(&syncInterval, "sync-interval", 0, "poll pending envelopes at this interval (0 disables)")
	return cmd
}

func runServer(syncInterval time.Duration) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := loadApp(ctx, os.Stdout)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	apiHandler := api.NewAPIHandler(a.pipeline, a.cfg.APIJWTSecret, logger)
	router := api.NewRouter(apiHandler)

	serverAddr := fmt.Sprintf(":%s", a.cfg.HTTPPort)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // generation and signing can be slow
		IdleTimeout:  120 * time.Second,
	}

	if syncInterval > 0 {
		go runSyncLoop(ctx, a, syncInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", serverAddr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
	}
	logger.Info().Msg("shutting down server")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server exited gracefully")
	return nil
}

func runSyncLoop(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := a.pipeline.SyncPending(ctx)
			updated := 0
			for _, r := range results {
				if r.Updated {
					updated++
				}
			}
			a.logger.Debug().Int("checked", len(results)).Int("updated", updated).Msg("signature sync tick")
		}
	}
}
