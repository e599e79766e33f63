package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/datim/mechsync/internal/config"
	"github.com/datim/mechsync/internal/runlog"
)

type SyncOptions struct {
	*RootOptions
	Source     string
	FeedFormat string
	NoSharing  bool
}

func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one mechanism import",
		Long: `Load the feed and converge the metadata server onto it once.

Example:
  mechsync sync -c /etc/mechsync.yaml
  mechsync sync --source https://ilr.example.org/CSD/getDirectory/DATIM-FactsInfo --feed-format csd`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Source, "source", "", "feed source (path, file://, http(s)://, s3://)")
	cmd.Flags().StringVar(&opts.FeedFormat, "feed-format", "", "feed format (csv|csd), detected from the source when empty")
	cmd.Flags().BoolVar(&opts.NoSharing, "no-sharing", false, "do not create or change user groups and sharing")

	return cmd
}

// applyFeedFlags lets command flags win over configuration.
func applyFeedFlags(source, format string, noSharing bool) func(*config.Config) {
	return func(cfg *config.Config) {
		if source != "" {
			cfg.Feed.Source = source
		}
		if format != "" {
			cfg.Feed.Format = format
		}
		if noSharing {
			cfg.Sync.ConfigureSharing = false
		}
	}
}

func runSync(cmd *cobra.Command, opts *SyncOptions) error {
	cfg, err := loadConfig(opts.RootOptions, applyFeedFlags(opts.Source, opts.FeedFormat, opts.NoSharing))
	if err != nil {
		return err
	}
	a, err := newApp(cmd, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	run, err := a.runner.Run(cmd.Context(), "cli")
	if run.ID != "" {
		if perr := printRun(printer{format: opts.Format, w: cmd.OutOrStdout()}, run); perr != nil {
			return perr
		}
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	return nil
}

func printRun(p printer, run runlog.Run) error {
	return p.emit(run, func(w io.Writer) {
		fmt.Fprintf(w, "run %s %s\n", run.ID, run.Status)
		if s := run.Summary; s != nil {
			fmt.Fprintf(w, "  lines %d, mechanisms %d, processed %d, skipped %d, discarded %d, inconsistencies %d, elapsed %s\n",
				s.Lines, s.Mechanisms, s.Processed, s.Skipped, s.Discarded, s.Inconsistencies, s.Elapsed())
		}
		if run.Error != "" {
			fmt.Fprintf(w, "  error: %s\n", run.Error)
		}
	})
}
