package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenWritesLevelBandsToDailyFiles(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer
	fixed := func() time.Time { return time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC) }

	logger, closer, err := Open(Options{Dir: dir, MinLevel: LevelDebug, Console: &console, Now: fixed})
	require.NoError(t, err)

	Action(logger, "added mechanism", "code", "12345")
	logger.Info("agency in country")
	logger.Debug("cache hit")
	Trace(logger, "GET /api/userGroups.json")
	require.NoError(t, closer.Close())

	read := func(name string) string {
		data, err := os.ReadFile(filepath.Join(dir, name))
		require.NoError(t, err)
		return string(data)
	}

	action := read("2024-03-09.1.action.txt")
	assert.Contains(t, action, "level=ACTION")
	assert.Contains(t, action, "added mechanism")
	assert.NotContains(t, action, "agency in country")

	info := read("2024-03-09.2.info.txt")
	assert.Contains(t, info, "agency in country")
	assert.Contains(t, info, "added mechanism")

	debug := read("2024-03-09.3.debug.txt")
	assert.Contains(t, debug, "cache hit")
	assert.NotContains(t, debug, "GET /api/userGroups.json")

	_, err = os.Stat(filepath.Join(dir, "2024-03-09.4.trace.txt"))
	assert.True(t, os.IsNotExist(err), "trace band below minimum level must not be opened")

	assert.Contains(t, console.String(), "added mechanism")
	assert.NotContains(t, console.String(), "agency in country")
}

func TestVerboseConsoleIncludesDebug(t *testing.T) {
	var console bytes.Buffer
	logger, closer, err := Open(Options{Console: &console, Verbose: true})
	require.NoError(t, err)
	defer closer.Close()

	logger.Debug("preloading cache")
	Trace(logger, "too chatty")

	assert.Contains(t, console.String(), "preloading cache")
	assert.NotContains(t, console.String(), "too chatty")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]struct {
		want    any
		wantErr bool
	}{
		"action": {want: LevelAction},
		"TRACE":  {want: LevelTrace},
		"4":      {want: LevelAction},
		"7":      {want: LevelFatal},
		"":       {want: LevelTrace},
		"loud":   {wantErr: true},
	}
	for raw, tc := range cases {
		got, err := ParseLevel(raw)
		if tc.wantErr {
			assert.Error(t, err, raw)
			continue
		}
		require.NoError(t, err, raw)
		assert.Equal(t, tc.want, got, raw)
	}
}
