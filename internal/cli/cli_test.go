package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datim/mechsync/internal/dhistest"
	"github.com/datim/mechsync/internal/runlog"
)

const feedCSV = "Country,FY,Cycle,Code,Legacy,Name,Agency,Partner,PartnerCode,Start,End,Active\n" +
	"Kenya,2017,COP,10001,,Mech One,USAID,Acme Health,100,,,1\n" +
	"Kenya,2017,COP,10002,,Mech Two,HHS/CDC,Acme Health,100,,,1\n"

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRootCommandHasSubcommands(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"sync", "watch", "serve", "runs", "check"} {
		found, _, err := cmd.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, found.Name())
	}
	for _, flag := range []string{"config", "verbose", "format"} {
		assert.NotNil(t, cmd.PersistentFlags().Lookup(flag), flag)
	}
}

func TestInvalidFormatIsCommandError(t *testing.T) {
	_, _, err := execute(t, "check", "--format", "yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("boom")))
	wrapped := WrapExitError(ExitCommandError, "bad", errors.New("cause"))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.Contains(t, wrapped.Error(), "cause")
}

func TestConfigErrorsExitWithCommandError(t *testing.T) {
	bad := writeFile(t, "mechsync.yaml", "dhis:\n  host: nowhere\n")
	_, _, err := execute(t, "sync", "-c", bad)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	// Valid file, but nothing to sync against.
	empty := writeFile(t, "empty.yaml", "")
	_, _, err = execute(t, "sync", "-c", empty)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "dhis.url")
}

func TestSyncAgainstEmulator(t *testing.T) {
	srv := dhistest.New()
	root := srv.SeedOrgUnit("Global", "", nil)
	africa := srv.SeedOrgUnit("Africa", root, nil)
	srv.SeedOrgUnit("Kenya", africa, nil)
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	runs := filepath.Join(t.TempDir(), "runs.json")
	t.Setenv("MECHSYNC_DHIS_URL", httpSrv.URL)
	t.Setenv("MECHSYNC_DHIS_USERNAME", "importer")
	t.Setenv("MECHSYNC_DHIS_PASSWORD", "secret")
	t.Setenv("MECHSYNC_DHIS_MAX_RETRIES", "0")
	t.Setenv("MECHSYNC_LOG_LEVEL", "ACTION")
	t.Setenv("MECHSYNC_RUNLOG_DSN", "file://"+runs)
	t.Setenv("MECHSYNC_LOCK_FILE", filepath.Join(t.TempDir(), "mechsync.lock"))

	out, _, err := execute(t, "sync", "--format", "json", "--source", writeFile(t, "facts.csv", feedCSV))
	require.NoError(t, err)

	var run runlog.Run
	require.NoError(t, json.Unmarshal([]byte(out), &run))
	assert.Equal(t, runlog.StatusSucceeded, run.Status)
	assert.Equal(t, "cli", run.Trigger)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 2, run.Summary.Processed)

	assert.NotNil(t, srv.Find("categoryOption", "code", "10001"))
	assert.NotNil(t, srv.Find("categoryOption", "code", "10002"))

	listed, _, err := execute(t, "runs", "--format", "json")
	require.NoError(t, err)
	var history []runlog.Run
	require.NoError(t, json.Unmarshal([]byte(listed), &history))
	require.Len(t, history, 1)
	assert.Equal(t, run.ID, history[0].ID)
}

func TestSyncFailureExitsWithFailure(t *testing.T) {
	srv := dhistest.New()
	httpSrv := httptest.NewServer(srv)
	defer httpSrv.Close()

	t.Setenv("MECHSYNC_DHIS_URL", httpSrv.URL)
	t.Setenv("MECHSYNC_DHIS_USERNAME", "importer")
	t.Setenv("MECHSYNC_LOG_LEVEL", "ACTION")

	out, _, err := execute(t, "sync", "--source", filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "load feed")
}

func TestRunsListsFileHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.json")
	store := runlog.NewFileStore(path)
	started := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(context.Background(), runlog.Run{
		ID: "run-a", Trigger: "watch:interval", Status: runlog.StatusFailed,
		StartedAt: started, Error: "load feed: http 503",
	}))
	t.Setenv("MECHSYNC_RUNLOG_DSN", "file://"+path)

	out, _, err := execute(t, "runs")
	require.NoError(t, err)
	assert.Contains(t, out, "TRIGGER")
	assert.Contains(t, out, "run-a")
	assert.Contains(t, out, "watch:interval")
	assert.Contains(t, out, "2026-03-01 06:00:00")
	assert.Contains(t, out, "load feed: http 503")
}

func TestCheckAnalyzesFeed(t *testing.T) {
	t.Setenv("MECHSYNC_DHIS_URL", "https://datim.example.org")
	t.Setenv("MECHSYNC_DHIS_USERNAME", "importer")
	t.Setenv("MECHSYNC_LOG_LEVEL", "ACTION")

	out, _, err := execute(t, "check", "--feed", "--source", writeFile(t, "facts.csv", feedCSV))
	require.NoError(t, err)
	assert.Contains(t, out, "configuration ok")
	assert.Contains(t, out, "Processing 2 import lines")
	assert.Contains(t, out, "Kenya Partners:")

	out, _, err = execute(t, "check", "--format", "json", "--source", "/unused.csv")
	require.NoError(t, err)
	var result checkResult
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "ok", result.Config)
	assert.Empty(t, result.Report)
}

func TestLocalFeedPath(t *testing.T) {
	assert.Equal(t, "/data/facts.csv", localFeedPath("/data/facts.csv"))
	assert.Equal(t, "/data/facts.csv", localFeedPath("file:///data/facts.csv"))
	assert.Equal(t, `C:\feeds\facts.csv`, localFeedPath(`C:\feeds\facts.csv`))
	assert.Equal(t, "", localFeedPath("https://ilr.example.org/facts.csv"))
	assert.Equal(t, "", localFeedPath("s3://feeds/facts.csv"))
	assert.Equal(t, "", localFeedPath("  "))
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Minute
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0, 0.9))
	assert.InDelta(t, float64(9*time.Minute), float64(jitteredIntervalWithSample(base, 0.1, 0)), float64(time.Millisecond))
	assert.InDelta(t, float64(11*time.Minute), float64(jitteredIntervalWithSample(base, 0.1, 1)), float64(time.Millisecond))
	assert.Equal(t, base, jitteredIntervalWithSample(base, 0.1, 0.5))
	assert.Equal(t, time.Millisecond, jitteredIntervalWithSample(base, 1, 0))
	assert.Equal(t, time.Duration(0), jitteredIntervalWithSample(0, 0.5, 0.5))
	assert.Equal(t, 1.0, clampJitterRatio(4))
	assert.Equal(t, 0.0, clampJitterRatio(-1))
}
