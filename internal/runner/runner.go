// Package runner executes one sync at a time: it takes the process lock,
// loads the feed, runs the engine and records the outcome.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datim/mechsync/internal/dhis"
	"github.com/datim/mechsync/internal/feed"
	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/mechanisms"
	"github.com/datim/mechsync/internal/runlog"
	"github.com/datim/mechsync/internal/telemetry"
)

var (
	// ErrBusy means a run is already in progress in this process.
	ErrBusy = errors.New("a sync run is already in progress")
	// ErrLocked means another process holds the lock file.
	ErrLocked = errors.New("sync lock is held by another process")
)

// LoadFunc reads the feed for one run.
type LoadFunc func(ctx context.Context, source string, opts feed.Options, logger *slog.Logger) ([]mechanisms.Record, error)

type Options struct {
	Source   string
	Feed     feed.Options
	Engine   mechanisms.Options
	LockFile string

	// Metrics is optional.
	Metrics *telemetry.Metrics
	Load    LoadFunc
	Now     func() time.Time
}

type Runner struct {
	client dhis.Client
	store  runlog.Store
	logger *slog.Logger
	opts   Options
	hub    *Hub

	mu     sync.Mutex
	active string
	wg     sync.WaitGroup
}

func New(client dhis.Client, store runlog.Store, logger *slog.Logger, opts Options) *Runner {
	if logger == nil {
		logger = logging.Discard()
	}
	if store == nil {
		store = runlog.NewMemoryStore()
	}
	if opts.Load == nil {
		opts.Load = feed.Load
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{client: client, store: store, logger: logger, opts: opts, hub: NewHub()}
}

func (r *Runner) Store() runlog.Store { return r.store }

func (r *Runner) Subscribe() (<-chan Event, func()) { return r.hub.Subscribe() }

// Active returns the id of the run in progress, if any.
func (r *Runner) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != ""
}

// Run executes a sync and waits for it. The returned run is the final
// record; err is the run's failure, if any.
func (r *Runner) Run(ctx context.Context, trigger string) (runlog.Run, error) {
	run, lock, err := r.begin(ctx, trigger)
	if err != nil {
		return runlog.Run{}, err
	}
	return r.execute(ctx, run, lock)
}

// Start begins a sync in the background and returns its initial record.
// ctx governs the run itself, so it must outlive the caller's request.
func (r *Runner) Start(ctx context.Context, trigger string) (runlog.Run, error) {
	run, lock, err := r.begin(ctx, trigger)
	if err != nil {
		return runlog.Run{}, err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_, _ = r.execute(ctx, run, lock)
	}()
	return run, nil
}

// Wait blocks until background runs have finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) begin(ctx context.Context, trigger string) (runlog.Run, *Lock, error) {
	r.mu.Lock()
	if r.active != "" {
		active := r.active
		r.mu.Unlock()
		return runlog.Run{}, nil, fmt.Errorf("%w: %s", ErrBusy, active)
	}
	id, err := uuid.NewV7()
	if err != nil {
		r.mu.Unlock()
		return runlog.Run{}, nil, fmt.Errorf("new run id: %w", err)
	}
	r.active = id.String()
	r.mu.Unlock()

	var lock *Lock
	if r.opts.LockFile != "" {
		lock, err = AcquireLock(r.opts.LockFile)
		if err != nil {
			r.clearActive()
			return runlog.Run{}, nil, err
		}
	}
	run := runlog.Run{
		ID:        id.String(),
		Trigger:   trigger,
		Source:    r.opts.Source,
		Status:    runlog.StatusRunning,
		StartedAt: r.opts.Now().UTC(),
	}
	if err := r.store.Save(ctx, run); err != nil {
		_ = lock.Release()
		r.clearActive()
		return runlog.Run{}, nil, fmt.Errorf("record run start: %w", err)
	}
	return run, lock, nil
}

func (r *Runner) clearActive() {
	r.mu.Lock()
	r.active = ""
	r.mu.Unlock()
}

func (r *Runner) execute(ctx context.Context, run runlog.Run, lock *Lock) (runlog.Run, error) {
	defer r.clearActive()
	defer func() {
		if err := lock.Release(); err != nil {
			r.logger.Warn("release sync lock", "error", err)
		}
	}()

	logger := r.logger.With("run", run.ID)
	logging.Action(logger, "sync run started", "trigger", run.Trigger, "source", run.Source)
	if r.opts.Metrics != nil {
		r.opts.Metrics.RunStarted()
	}
	r.publish(run.ID, mechanisms.Event{Stage: "start", Message: run.Trigger}, "", nil)

	summary, err := r.sync(ctx, run, logger)

	finished := r.opts.Now().UTC()
	run.FinishedAt = &finished
	run.Summary = summary
	run.Status = runlog.StatusSucceeded
	if err != nil {
		run.Status = runlog.StatusFailed
		run.Error = err.Error()
		logging.Fatal(logger, "sync run failed", "error", err)
	} else {
		logging.Action(logger, "sync run finished", "elapsed", finished.Sub(run.StartedAt).Round(time.Second))
	}
	// The record must land even when ctx was cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if serr := r.store.Save(saveCtx, run); serr != nil {
		logger.Error("record run result", "error", serr)
	}
	if r.opts.Metrics != nil {
		r.opts.Metrics.RunFinished(string(run.Status), summary)
	}
	r.publish(run.ID, mechanisms.Event{Stage: "finished"}, string(run.Status), err)
	return run, err
}

func (r *Runner) sync(ctx context.Context, run runlog.Run, logger *slog.Logger) (*mechanisms.Summary, error) {
	records, err := r.opts.Load(ctx, r.opts.Source, r.opts.Feed, logger)
	if err != nil {
		return nil, fmt.Errorf("load feed: %w", err)
	}
	opts := r.opts.Engine
	forward := opts.OnEvent
	opts.OnEvent = func(ev mechanisms.Event) {
		if forward != nil {
			forward(ev)
		}
		r.publish(run.ID, ev, "", nil)
	}
	return mechanisms.NewEngine(r.client, logger, opts).Run(ctx, records)
}

func (r *Runner) publish(runID string, ev mechanisms.Event, status string, err error) {
	out := Event{RunID: runID, Time: r.opts.Now().UTC(), Event: ev, Status: status}
	if err != nil {
		out.Error = err.Error()
	}
	r.hub.Publish(out)
}
