package cli

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/datim/mechsync/internal/config"
	"github.com/datim/mechsync/internal/dhis"
	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/runlog"
	"github.com/datim/mechsync/internal/runner"
	"github.com/datim/mechsync/internal/telemetry"
)

// app is everything a command needs, built from configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	logClose io.Closer
	metrics  *telemetry.Metrics
	store    runlog.Store
	runner   *runner.Runner
}

// loadConfig reads the configuration; tweak applies command flags before
// the configuration is checked.
func loadConfig(opts *RootOptions, tweak func(*config.Config)) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "load configuration", err)
	}
	if opts.Verbose {
		cfg.Log.Verbose = true
	}
	if tweak != nil {
		tweak(cfg)
	}
	return cfg, nil
}

func newApp(cmd *cobra.Command, cfg *config.Config) (*app, error) {
	if err := cfg.Check(); err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	logOpts := cfg.LogOptions()
	logOpts.Console = cmd.ErrOrStderr()
	logger, logClose, err := logging.Open(logOpts)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open logs", err)
	}
	metrics := telemetry.New()
	clientOpts := cfg.ClientOptions(logger, metrics)
	clientOpts.HTTPClient = &http.Client{Timeout: cfg.HTTPTimeout()}
	client, err := dhis.NewHTTPClient(clientOpts)
	if err != nil {
		_ = logClose.Close()
		return nil, WrapExitError(ExitCommandError, "configure dhis client", err)
	}
	store, err := runlog.BuildStoreFromDSN(cfg.RunLog.DSN)
	if err != nil {
		_ = logClose.Close()
		return nil, WrapExitError(ExitCommandError, "open run log", err)
	}
	r := runner.New(client, store, logger, runner.Options{
		Source:   cfg.Feed.Source,
		Feed:     cfg.FeedOptions(),
		Engine:   cfg.EngineOptions(),
		LockFile: cfg.LockFile,
		Metrics:  metrics,
	})
	return &app{cfg: cfg, logger: logger, logClose: logClose, metrics: metrics, store: store, runner: r}, nil
}

func (a *app) Close() error {
	return errors.Join(a.store.Close(), a.logClose.Close())
}
