package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/app"
	"github.com/shehryarbajwa/browserbase-stream/internal/config"
	"github.com/shehryarbajwa/browserbase-stream/internal/logging"
)

func newServeCmd(load func() (*config.Config, error), configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the streaming server and its worker pool",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()

			return serve(cmd.Context(), cfg, *configPath, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, configPath string, log *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	launcher, err := app.NewLauncher(cfg, configPath, log)
	if err != nil {
		return err
	}

	a := app.New(cfg, launcher, log)
	if err := a.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("server listening",
			zap.String("addr", cfg.Server.Addr),
			zap.String("worker_mode", cfg.Workers.Mode),
			zap.String("browser_provider", cfg.Browser.Provider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down server gracefully")
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// WebSocket connections are hijacked, so Shutdown does not wait on them;
	// the app closes every session itself.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server forced to shutdown", zap.Error(err))
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Warn("worker pool shutdown incomplete", zap.Error(err))
	}

	if runErr == nil {
		log.Info("server stopped cleanly")
	}
	return runErr
}
