package runlog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datim/mechsync/internal/mechanisms"
)

var base = time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC)

func sampleRun(i int) Run {
	return Run{
		ID:        fmt.Sprintf("run-%02d", i),
		Trigger:   "test",
		Status:    StatusRunning,
		StartedAt: base.Add(time.Duration(i) * time.Hour),
	}
}

// exerciseStore checks the behaviour every store shares.
func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	runs, err := store.List(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, runs)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.Save(ctx, sampleRun(i)))
	}

	finished := base.Add(2*time.Hour + 5*time.Minute)
	done := sampleRun(2)
	done.Status = StatusSucceeded
	done.FinishedAt = &finished
	done.Summary = &mechanisms.Summary{Lines: 10, Processed: 8, Discarded: 2}
	require.NoError(t, store.Save(ctx, done))

	got, err := store.Get(ctx, "run-02")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, got.Status)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, finished.Equal(*got.FinishedAt))
	require.NotNil(t, got.Summary)
	assert.Equal(t, 8, got.Summary.Processed)

	runs, err = store.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, []string{"run-03", "run-02", "run-01"}, []string{runs[0].ID, runs[1].ID, runs[2].ID})

	runs, err = store.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-03", runs[0].ID)

	_, err = store.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = store.Save(ctx, Run{Trigger: "x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "runs.json")
	store := NewFileStore(path)
	exerciseStore(t, store)

	// A fresh store over the same file sees the history.
	reopened := NewFileStore(path)
	runs, err := reopened.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
}

func TestFileStoreCapsHistory(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "runs.json"))
	store.MaxRuns = 2
	for i := 1; i <= 4; i++ {
		require.NoError(t, store.Save(context.Background(), sampleRun(i)))
	}
	runs, err := store.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "run-04", runs[0].ID)
	assert.Equal(t, "run-03", runs[1].ID)
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	exerciseStore(t, store)
}

func TestBuildStoreFromDSN(t *testing.T) {
	dir := t.TempDir()
	cases := []struct {
		dsn  string
		want string
	}{
		{"", "*runlog.MemoryStore"},
		{"memory://", "*runlog.MemoryStore"},
		{filepath.Join(dir, "a.json"), "*runlog.FileStore"},
		{"file://" + filepath.Join(dir, "b.json"), "*runlog.FileStore"},
		{"sqlite://" + filepath.Join(dir, "c.db"), "*runlog.SQLiteStore"},
		{"postgres://user@localhost/mechsync?sslmode=disable", "*runlog.PostgresStore"},
	}
	for _, tc := range cases {
		store, err := BuildStoreFromDSN(tc.dsn)
		require.NoError(t, err, tc.dsn)
		assert.Equal(t, tc.want, fmt.Sprintf("%T", store), tc.dsn)
		_ = store.Close()
	}

	fs, err := BuildStoreFromDSN("file://" + filepath.Join(dir, "b.json"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.json"), fs.(*FileStore).Path)

	_, err = BuildStoreFromDSN("redis://localhost")
	require.Error(t, err)
}

func TestRegisteredFactoryWins(t *testing.T) {
	called := false
	RegisterStoreFactory("Custom", func(dsn string) (Store, error) {
		called = true
		return NewMemoryStore(), nil
	})
	_, err := BuildStoreFromDSN("custom://anything")
	require.NoError(t, err)
	assert.True(t, called)
}
