package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/emstat/internal/db"
	"github.com/banshee-data/emstat/internal/fsutil"
)

func seededStore(t *testing.T) (*db.DB, string) {
	t.Helper()
	store, err := db.NewDB(filepath.Join(t.TempDir(), "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	start := time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)
	id, err := store.CreateRun("espico1.2", "cv.mscr", start)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		v := -0.5 + 0.25*float64(i-1)
		require.NoError(t, store.RecordReading(id, db.NewReading(i, v, v*1e-6, nil, nil)))
	}
	require.NoError(t, store.FinishRun(id, db.OutcomeCompleted, start.Add(1500*time.Millisecond), 5))
	return store, id
}

func TestRunsTable(t *testing.T) {
	store, id := seededStore(t)
	_, err := store.CreateRun("espico1.2", "", time.Now())
	require.NoError(t, err)

	runs, err := store.Runs(0)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, runsTable(&buf, runs))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "RUN"))
	// Newest first: the open run has no duration yet.
	assert.Contains(t, lines[1], "running")
	assert.Contains(t, lines[2], id)
	assert.Contains(t, lines[2], "1.5s")
	assert.Contains(t, lines[2], "completed")
}

func TestExportRun(t *testing.T) {
	store, id := seededStore(t)
	fsys := fsutil.NewMemoryFileSystem()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "out", "run.csv")
	pngPath := filepath.Join(dir, "out", "run.png")

	require.NoError(t, exportRun(fsys, store, id, csvPath, pngPath))

	data, err := fsys.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(string(data), "\n"))

	data, err = fsys.ReadFile(pngPath)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestExportRun_Errors(t *testing.T) {
	store, id := seededStore(t)
	fsys := fsutil.NewMemoryFileSystem()

	err := exportRun(fsys, store, "missing", filepath.Join(t.TempDir(), "x.csv"), "")
	assert.ErrorIs(t, err, db.ErrRunNotFound)

	err = exportRun(fsys, store, id, "/etc/emstat/run.csv", "")
	assert.Error(t, err)
	assert.False(t, fsys.Exists("/etc/emstat/run.csv"))
}
