package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/app"
	"github.com/shehryarbajwa/browserbase-stream/internal/config"
	"github.com/shehryarbajwa/browserbase-stream/internal/logging"
)

// newWorkerCmd is started by the server for each pool slot in process mode.
// It speaks the worker protocol on stdin/stdout and logs to stderr.
func newWorkerCmd(load func() (*config.Config, error)) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run a single browser worker on stdin/stdout",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if id == "" {
				return errors.New("--id is required")
			}
			cfg, err := load()
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer log.Sync()
			log = log.With(zap.String("worker", id))

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			// The supervisor stops workers with a shutdown request; SIGTERM
			// is the fallback when it cannot.
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
			defer stop()
			signal.Ignore(os.Interrupt)

			return app.RunWorker(ctx, cfg, id, os.Stdin, os.Stdout, log)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id assigned by the supervisor")

	return cmd
}
