package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datim/mechsync/internal/feed"
	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/mechanisms"
)

type CheckOptions struct {
	*RootOptions
	Feed       bool
	Source     string
	FeedFormat string
}

func NewCheckCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and optionally analyze the feed",
		Long: `Validate the configuration. With --feed, also load the feed and print the
import analysis without contacting the metadata server.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.Feed, "feed", false, "load and analyze the feed")
	cmd.Flags().StringVar(&opts.Source, "source", "", "feed source override")
	cmd.Flags().StringVar(&opts.FeedFormat, "feed-format", "", "feed format override (csv|csd)")
	return cmd
}

type checkResult struct {
	Config string `json:"config"`
	Lines  int    `json:"lines,omitempty"`
	Report string `json:"report,omitempty"`
}

func runCheck(cmd *cobra.Command, opts *CheckOptions) error {
	cfg, err := loadConfig(opts.RootOptions, applyFeedFlags(opts.Source, opts.FeedFormat, false))
	if err != nil {
		return err
	}
	if err := cfg.Check(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	result := checkResult{Config: "ok"}
	if opts.Feed {
		logOpts := cfg.LogOptions()
		logOpts.Dir = ""
		logOpts.Console = cmd.ErrOrStderr()
		logger, closer, err := logging.Open(logOpts)
		if err != nil {
			return WrapExitError(ExitCommandError, "open logs", err)
		}
		defer closer.Close()

		records, err := feed.Load(cmd.Context(), cfg.Feed.Source, cfg.FeedOptions(), logger)
		if err != nil {
			return WrapExitError(ExitFailure, "load feed", err)
		}
		ix := mechanisms.NewIndex(records, logger)
		var report strings.Builder
		if err := mechanisms.Analyze(ix).WriteReport(&report); err != nil {
			return WrapExitError(ExitFailure, "analyze feed", err)
		}
		result.Lines = len(records)
		result.Report = report.String()
	}
	p := printer{format: opts.Format, w: cmd.OutOrStdout()}
	return p.emit(result, func(w io.Writer) {
		fmt.Fprintln(w, "configuration ok")
		if result.Report != "" {
			fmt.Fprint(w, result.Report)
		}
	})
}
