package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/datim/mechsync/internal/runlog"
)

type RunsOptions struct {
	*RootOptions
	Limit int
}

func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent sync runs from the run log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listRuns(cmd, opts)
		},
	}
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of runs to show (0 for all)")
	return cmd
}

func listRuns(cmd *cobra.Command, opts *RunsOptions) error {
	cfg, err := loadConfig(opts.RootOptions, nil)
	if err != nil {
		return err
	}
	store, err := runlog.BuildStoreFromDSN(cfg.RunLog.DSN)
	if err != nil {
		return WrapExitError(ExitCommandError, "open run log", err)
	}
	defer store.Close()

	runs, err := store.List(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitFailure, "list runs", err)
	}
	if runs == nil {
		runs = []runlog.Run{}
	}
	p := printer{format: opts.Format, w: cmd.OutOrStdout()}
	return p.emit(runs, func(w io.Writer) {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tTRIGGER\tSTATUS\tSTARTED\tPROCESSED\tERROR")
		for _, run := range runs {
			processed := "-"
			if run.Summary != nil {
				processed = fmt.Sprint(run.Summary.Processed)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				run.ID, run.Trigger, run.Status, run.StartedAt.Format(time.DateTime), processed, run.Error)
		}
		_ = tw.Flush()
	})
}
