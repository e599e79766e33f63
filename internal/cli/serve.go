package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/datim/mechsync/internal/httpapi"
	"github.com/datim/mechsync/internal/logging"
)

const shutdownTimeout = 15 * time.Second

type ServeOptions struct {
	*RootOptions
	Addr      string
	NoSharing bool
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the trigger API",
		Long: `Serve the trigger API:

  GET  /health            liveness and the active run, if any
  GET  /metrics           Prometheus metrics
  POST /v1/sync           start a run (202), or 409 while one is running
  GET  /v1/runs           run history, newest first
  GET  /v1/runs/{id}      one run
  GET  /v1/runs/stream    websocket of run events`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from configuration)")
	cmd.Flags().BoolVar(&opts.NoSharing, "no-sharing", false, "do not create or change user groups and sharing")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	cfg, err := loadConfig(opts.RootOptions, applyFeedFlags("", "", opts.NoSharing))
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	a, err := newApp(cmd, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	handler := httpapi.NewServer(a.runner, a.store, httpapi.ServerConfig{
		Token:       cfg.Server.Token,
		Metrics:     a.metrics.Handler(),
		Logger:      a.logger,
		BaseContext: ctx,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Action(a.logger, "mechsync listening", "addr", cfg.Server.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return WrapExitError(ExitFailure, "server failed", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("server shutdown", "error", err)
	}
	// Runs observe ctx and stop at the next request.
	a.runner.Wait()
	return nil
}
