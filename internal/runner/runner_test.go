package runner

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datim/mechsync/internal/dhistest"
	"github.com/datim/mechsync/internal/feed"
	"github.com/datim/mechsync/internal/mechanisms"
	"github.com/datim/mechsync/internal/runlog"
	"github.com/datim/mechsync/internal/telemetry"
)

const feedCSV = "Country,FY,Cycle,Code,Legacy,Name,Agency,Partner,PartnerCode,Start,End,Active\n" +
	"Kenya,2017,COP,10001,,Mech One,USAID,Acme Health,100,,,1\n"

func seededServer() *dhistest.Server {
	srv := dhistest.New()
	root := srv.SeedOrgUnit("Global", "", nil)
	africa := srv.SeedOrgUnit("Africa", root, nil)
	srv.SeedOrgUnit("Kenya", africa, nil)
	return srv
}

func writeFeed(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "facts.csv")
	require.NoError(t, os.WriteFile(path, []byte(feedCSV), 0o644))
	return path
}

func TestRunRecordsSuccess(t *testing.T) {
	srv := seededServer()
	store := runlog.NewMemoryStore()
	metrics := telemetry.New()
	r := New(srv, store, nil, Options{
		Source:   writeFeed(t),
		LockFile: filepath.Join(t.TempDir(), "mechsync.lock"),
		Metrics:  metrics,
		Engine:   mechanisms.Options{ConfigureSharing: true},
	})
	events, unsubscribe := r.Subscribe()
	defer unsubscribe()

	run, err := r.Run(context.Background(), "test")
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusSucceeded, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 1, run.Summary.Processed)
	require.NotNil(t, run.FinishedAt)

	stored, err := store.Get(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusSucceeded, stored.Status)
	assert.Equal(t, "test", stored.Trigger)

	assert.NotNil(t, srv.Find("categoryOption", "code", "10001"))

	var stages []string
	for len(events) > 0 {
		ev := <-events
		assert.Equal(t, run.ID, ev.RunID)
		stages = append(stages, ev.Stage)
	}
	require.NotEmpty(t, stages)
	assert.Equal(t, "start", stages[0])
	assert.Equal(t, "finished", stages[len(stages)-1])
	assert.Contains(t, stages, "mechanism")
	assert.Contains(t, stages, "done")

	_, active := r.Active()
	assert.False(t, active)
}

func TestRunRecordsFeedFailure(t *testing.T) {
	store := runlog.NewMemoryStore()
	r := New(seededServer(), store, nil, Options{Source: filepath.Join(t.TempDir(), "missing.csv")})

	run, err := r.Run(context.Background(), "cli")
	require.Error(t, err)
	assert.Equal(t, runlog.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "load feed")

	runs, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runlog.StatusFailed, runs[0].Status)
}

func TestStartRejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	loading := make(chan struct{})
	r := New(seededServer(), nil, nil, Options{
		Load: func(ctx context.Context, source string, opts feed.Options, logger *slog.Logger) ([]mechanisms.Record, error) {
			close(loading)
			<-release
			return nil, errors.New("stopped")
		},
	})

	first, err := r.Start(context.Background(), "http")
	require.NoError(t, err)
	<-loading

	id, active := r.Active()
	assert.True(t, active)
	assert.Equal(t, first.ID, id)

	_, err = r.Start(context.Background(), "http")
	assert.ErrorIs(t, err, ErrBusy)

	close(release)
	r.Wait()
	_, active = r.Active()
	assert.False(t, active)

	got, err := r.Store().Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusFailed, got.Status)
}

func TestRunFailsFastWhenLocked(t *testing.T) {
	lockPath := filepath.Join(t.TempDir(), "mechsync.lock")
	held, err := AcquireLock(lockPath)
	require.NoError(t, err)
	defer held.Release()

	r := New(seededServer(), nil, nil, Options{Source: writeFeed(t), LockFile: lockPath})
	_, err = r.Run(context.Background(), "cli")
	assert.ErrorIs(t, err, ErrLocked)
	_, active := r.Active()
	assert.False(t, active)

	require.NoError(t, held.Release())
	again, err := AcquireLock(lockPath)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub()
	ch, unsubscribe := hub.Subscribe()
	for i := 0; i < subscriberBuffer+10; i++ {
		hub.Publish(Event{RunID: "r", Time: time.Unix(int64(i), 0)})
	}
	assert.Len(t, ch, subscriberBuffer)
	unsubscribe()
	unsubscribe()
	assert.Zero(t, hub.Subscribers())
}
