package cli

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/datim/mechsync/internal/config"
	"github.com/datim/mechsync/internal/runner"
)

// Writers often replace the feed in several steps; wait for them to settle.
const feedSettleDelay = 2 * time.Second

type WatchOptions struct {
	*RootOptions
	Source    string
	NoSharing bool
	Interval  time.Duration
	Jitter    float64
	NoInitial bool
}

func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Re-run the import on a schedule and whenever the feed file changes",
		Long: `Run the import now, then again after each jittered interval and whenever
a local feed file is rewritten. Runs never overlap.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Source, "source", "", "feed source override")
	cmd.Flags().BoolVar(&opts.NoSharing, "no-sharing", false, "do not create or change user groups and sharing")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 0, "time between scheduled runs (default from configuration)")
	cmd.Flags().Float64Var(&opts.Jitter, "interval-jitter", -1, "interval jitter ratio (0.0-1.0)")
	cmd.Flags().BoolVar(&opts.NoInitial, "no-initial-run", false, "wait for the first trigger instead of running at start")
	return cmd
}

func runWatch(cmd *cobra.Command, opts *WatchOptions) error {
	cfg, err := loadConfig(opts.RootOptions, applyFeedFlags(opts.Source, "", opts.NoSharing))
	if err != nil {
		return err
	}
	if opts.Interval > 0 {
		cfg.Watch.Interval = config.Duration(opts.Interval)
	}
	if opts.Jitter >= 0 {
		cfg.Watch.Jitter = opts.Jitter
	}
	a, err := newApp(cmd, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	interval := cfg.Watch.Interval.Std()
	if interval <= 0 {
		interval = config.Default().Watch.Interval.Std()
	}
	w := &watcher{
		runner:   a.runner,
		logger:   a.logger,
		interval: interval,
		jitter:   clampJitterRatio(cfg.Watch.Jitter),
		path:     localFeedPath(cfg.Feed.Source),
		initial:  !opts.NoInitial,
	}
	return w.loop(cmd.Context())
}

type watcher struct {
	runner   *runner.Runner
	logger   *slog.Logger
	interval time.Duration
	jitter   float64
	path     string
	initial  bool
}

func (w *watcher) run(ctx context.Context, trigger string) {
	_, err := w.runner.Run(ctx, trigger)
	switch {
	case err == nil:
	case errors.Is(err, runner.ErrBusy), errors.Is(err, runner.ErrLocked):
		w.logger.Warn("skipping triggered run", "trigger", trigger, "error", err)
	default:
		w.logger.Error("sync run failed", "trigger", trigger, "error", err)
	}
}

func (w *watcher) loop(ctx context.Context) error {
	changes, stop, err := w.watchFeed()
	if err != nil {
		return WrapExitError(ExitCommandError, "watch feed", err)
	}
	defer stop()

	if w.initial {
		w.run(ctx, "watch:start")
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(w.interval, w.jitter, rng.Float64()))
	defer timer.Stop()
	var settle <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watch stopping", "reason", ctx.Err())
			return nil
		case <-timer.C:
			w.run(ctx, "watch:interval")
			timer.Reset(jitteredIntervalWithSample(w.interval, w.jitter, rng.Float64()))
		case <-changes:
			settle = time.After(feedSettleDelay)
		case <-settle:
			settle = nil
			w.run(ctx, "watch:feed")
		}
	}
}

// watchFeed reports writes to the local feed file. The directory is watched
// so that replacement by rename is seen too. Remote sources yield a nil
// channel.
func (w *watcher) watchFeed() (<-chan struct{}, func(), error) {
	if w.path == "" {
		return nil, func() {}, nil
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return nil, nil, err
	}
	out := make(chan struct{}, 1)
	done := make(chan struct{})
	target := filepath.Clean(w.path)
	go func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Warn("feed watcher error", "error", err)
			}
		}
	}()
	return out, func() {
		close(done)
		_ = fw.Close()
	}, nil
}

// localFeedPath returns the file behind a path or file:// source, or "".
func localFeedPath(source string) string {
	source = strings.TrimSpace(source)
	if source == "" {
		return ""
	}
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		return source
	}
	if strings.EqualFold(u.Scheme, "file") {
		return u.Host + u.Path
	}
	return ""
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
