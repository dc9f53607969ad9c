package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/emstat/internal/db"
	"github.com/banshee-data/emstat/internal/recorder"
	"github.com/banshee-data/emstat/internal/serialmux"
	"github.com/banshee-data/emstat/internal/session"
)

const cvScript = "e\nvar c\nvar p\nset_pgstat_mode 2\nmeas_loop_cv p c -500m -500m 500m 10m 1\n  pck_start\n  pck_add p\n  pck_add c\n  pck_end\nendloop\n\n"

func simulatedSession(dev *serialmux.SimulatedDevice) *session.Session {
	d := &serialmux.Dialer{Path: simulatorPort, Options: serialmux.PortOptions{ReadTimeout: 5 * time.Millisecond}, Open: dev.Open}
	return session.New(d.Dial, session.Options{HandshakeDelay: 10 * time.Millisecond, VerifyTimeout: time.Second})
}

func TestExecute_Completed(t *testing.T) {
	dev := serialmux.NewSimulatedDevice()
	dev.Points = 12

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := execute(ctx, simulatedSession(dev), []byte(cvScript), nil)
	require.NoError(t, err)

	assert.Equal(t, db.OutcomeCompleted, res.Outcome)
	assert.Equal(t, "espico1.2", res.Device)
	require.Len(t, res.Readings, 12)
	assert.Equal(t, 1, res.Readings[0].Index)
	assert.InDelta(t, -0.5, res.Readings[0].Voltage, 1e-6)
	require.NotNil(t, res.Readings[0].Range)
}

func TestExecute_AbortOnCancel(t *testing.T) {
	dev := serialmux.NewSimulatedDevice()
	dev.Points = 1000
	dev.Interval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	guard := time.AfterFunc(10*time.Second, cancel)
	defer guard.Stop()

	res, err := execute(ctx, simulatedSession(dev), []byte(cvScript), func(ev session.Event) {
		if r, ok := ev.(session.ReadingAdded); ok && r.Index == 3 {
			cancel()
		}
	})
	require.NoError(t, err)
	assert.Equal(t, db.OutcomeAborted, res.Outcome)
	assert.GreaterOrEqual(t, len(res.Readings), 3)
	assert.Less(t, len(res.Readings), 1000)
}

func TestExecute_Rejected(t *testing.T) {
	dev := serialmux.NewSimulatedDevice()
	dev.Version = "esother2.0"

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := execute(ctx, simulatedSession(dev), []byte(cvScript), nil)
	assert.ErrorIs(t, err, errRejected)
}

func TestExecute_Recorded(t *testing.T) {
	store, err := db.NewDB(filepath.Join(t.TempDir(), "run.db"))
	require.NoError(t, err)
	defer store.Close()

	dev := serialmux.NewSimulatedDevice()
	dev.Points = 6
	rec := recorder.New(store, nil)
	rec.SetScriptName("cv.mscr")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err = execute(ctx, simulatedSession(dev), []byte(cvScript), rec.Handle)
	require.NoError(t, err)

	runs, err := store.Runs(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, db.OutcomeCompleted, runs[0].Outcome)
	assert.Equal(t, "cv.mscr", runs[0].ScriptName)
	assert.Equal(t, 6, runs[0].Points)
}

func TestReadScript(t *testing.T) {
	b, name, err := readScript("-", strings.NewReader("e\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "stdin", name)
	assert.Equal(t, "e\n\n", string(b))

	_, _, err = readScript(filepath.Join(t.TempDir(), "missing.mscr"), nil)
	assert.Error(t, err)
}

func TestReadingTable(t *testing.T) {
	var buf bytes.Buffer
	dev := serialmux.NewSimulatedDevice()
	dev.Points = 2
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := execute(ctx, simulatedSession(dev), []byte(cvScript), nil)
	require.NoError(t, err)

	require.NoError(t, readingTable(&buf, res.Readings))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "INDEX"))
	assert.Contains(t, lines[1], "V")
	assert.Contains(t, lines[1], "OK")
}
