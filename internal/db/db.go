// Package db stores measurement runs and their readings in SQLite.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/emstat/internal/mscript"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeRunning      Outcome = "running"
	OutcomeCompleted    Outcome = "completed"
	OutcomeAborted      Outcome = "aborted"
	OutcomeDisconnected Outcome = "disconnected"
)

type DB struct {
	*sql.DB
	path string
}

// Run is one script execution.
type Run struct {
	RunID      string     `json:"run_id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Device     string     `json:"device"`
	ScriptName string     `json:"script_name"`
	Outcome    Outcome    `json:"outcome"`
	Points     int        `json:"points"`
}

// Reading is a stored data package. Nil fields were not reported by the
// device.
type Reading struct {
	Index   int                    `json:"index"`
	Voltage *float64               `json:"voltage"`
	Current *float64               `json:"current"`
	Status  *mscript.ReadingStatus `json:"status,omitempty"`
	Range   *mscript.CurrentRange  `json:"range,omitempty"`
}

// NewReading builds a Reading, mapping NaN values to nil.
func NewReading(index int, voltage, current float64, status *mscript.ReadingStatus, rng *mscript.CurrentRange) Reading {
	return Reading{
		Index:   index,
		Voltage: nullable(voltage),
		Current: nullable(current),
		Status:  status,
		Range:   rng,
	}
}

func nullable(v float64) *float64 {
	if math.IsNaN(v) {
		return nil
	}
	return &v
}

// VoltageOrNaN returns the potential, or NaN when absent.
func (r Reading) VoltageOrNaN() float64 { return orNaN(r.Voltage) }

// CurrentOrNaN returns the current, or NaN when absent.
func (r Reading) CurrentOrNaN() float64 { return orNaN(r.Current) }

func orNaN(p *float64) float64 {
	if p == nil {
		return math.NaN()
	}
	return *p
}

// OpenDB opens the database at path without running migrations. The
// migrate command uses it to inspect and change the schema version.
func OpenDB(path string) (*DB, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	// foreign_keys and busy_timeout are per connection, so they go in the DSN
	// where every pooled connection picks them up.
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := sqlDB.Exec(p); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return &DB{DB: sqlDB, path: path}, nil
}

// NewDB opens the database at path and migrates it to the latest schema.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func fromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(math.Round(frac*1e9))).UTC()
}

// CreateRun inserts a running run and returns its id.
func (db *DB) CreateRun(device, scriptName string, startedAt time.Time) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO runs (run_id, started_at, device, script_name, outcome) VALUES (?, ?, ?, ?, ?)`,
		id, unixSeconds(startedAt), device, scriptName, OutcomeRunning,
	)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}
	return id, nil
}

// RecordReading stores one reading of a run. Recording the same index twice
// replaces the earlier row.
func (db *DB) RecordReading(runID string, r Reading) error {
	var status, rng sql.NullInt64
	if r.Status != nil {
		status = sql.NullInt64{Int64: int64(*r.Status), Valid: true}
	}
	if r.Range != nil {
		rng = sql.NullInt64{Int64: int64(r.Range.Index), Valid: true}
	}
	_, err := db.Exec(
		`INSERT OR REPLACE INTO readings (run_id, idx, voltage, current, status, current_range)
		VALUES (?, ?, ?, ?, ?, ?)`,
		runID, r.Index, r.Voltage, r.Current, status, rng,
	)
	if err != nil {
		return fmt.Errorf("failed to record reading %d of run %s: %w", r.Index, runID, err)
	}
	return nil
}

// FinishRun records how a run ended.
func (db *DB) FinishRun(runID string, outcome Outcome, endedAt time.Time, points int) error {
	res, err := db.Exec(
		`UPDATE runs SET outcome = ?, ended_at = ?, points = ? WHERE run_id = ?`,
		outcome, unixSeconds(endedAt), points, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

const runColumns = `run_id, started_at, ended_at, device, script_name, outcome, points`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var (
		r       Run
		started float64
		ended   sql.NullFloat64
	)
	if err := s.Scan(&r.RunID, &started, &ended, &r.Device, &r.ScriptName, &r.Outcome, &r.Points); err != nil {
		return Run{}, err
	}
	r.StartedAt = fromUnixSeconds(started)
	if ended.Valid {
		t := fromUnixSeconds(ended.Float64)
		r.EndedAt = &t
	}
	return r, nil
}

// Runs returns the most recent runs, newest first. A limit of zero or less
// returns them all.
func (db *DB) Runs(limit int) ([]Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Run returns one run.
func (db *DB) Run(runID string) (Run, error) {
	r, err := scanRun(db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return r, err
}

// Readings returns the readings of a run in package order.
func (db *DB) Readings(runID string) ([]Reading, error) {
	if _, err := db.Run(runID); err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT idx, voltage, current, status, current_range FROM readings WHERE run_id = ? ORDER BY idx`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		var (
			r                Reading
			voltage, current sql.NullFloat64
			status, rng      sql.NullInt64
		)
		if err := rows.Scan(&r.Index, &voltage, &current, &status, &rng); err != nil {
			return nil, err
		}
		if voltage.Valid {
			r.Voltage = &voltage.Float64
		}
		if current.Valid {
			r.Current = &current.Float64
		}
		if status.Valid {
			s := mscript.ReadingStatus(status.Int64)
			r.Status = &s
		}
		if rng.Valid {
			cr, ok := mscript.CurrentRangeByIndex(int(rng.Int64))
			if !ok {
				cr = mscript.CurrentRange{Index: int(rng.Int64), Name: fmt.Sprintf("range 0x%02X", rng.Int64)}
			}
			r.Range = &cr
		}
		readings = append(readings, r)
	}
	return readings, rows.Err()
}
