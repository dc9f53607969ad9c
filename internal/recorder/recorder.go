// Package recorder persists session events as runs and readings.
package recorder

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/emstat/internal/db"
	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/session"
	"github.com/banshee-data/emstat/internal/timeutil"
)

// Store is the subset of *db.DB the recorder writes to.
type Store interface {
	CreateRun(device, scriptName string, startedAt time.Time) (string, error)
	RecordReading(runID string, r db.Reading) error
	FinishRun(runID string, outcome db.Outcome, endedAt time.Time, points int) error
}

// Recorder opens a run for every script sent and closes it with the outcome
// the session reports. Handle must be called from one goroutine; the other
// methods are safe for concurrent use.
type Recorder struct {
	store Store
	clock timeutil.Clock

	mu         sync.Mutex
	scriptName string
	device     string
	runID      string
	points     int
	aborting   bool
}

// New returns a Recorder writing to store. A nil clock means real time.
func New(store Store, clock timeutil.Clock) *Recorder {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Recorder{store: store, clock: clock}
}

// SetScriptName labels the next run.
func (r *Recorder) SetScriptName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scriptName = name
}

// CurrentRun returns the id of the open run, or "".
func (r *Recorder) CurrentRun() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// Run handles events until the channel closes or ctx is done. Each event is
// also passed to the optional observers after it was recorded.
func (r *Recorder) Run(ctx context.Context, events <-chan session.Event, observers ...func(session.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				r.finish(db.OutcomeDisconnected)
				return
			}
			r.Handle(ev)
			for _, o := range observers {
				o(ev)
			}
		}
	}
}

// Handle records one event.
func (r *Recorder) Handle(ev session.Event) {
	switch ev := ev.(type) {
	case session.DeviceVerified:
		r.mu.Lock()
		r.device = ev.Version
		r.mu.Unlock()
	case session.ScriptSent:
		// A run left open by a lost abort acknowledgement ends here.
		r.finish(db.OutcomeAborted)
		r.start()
	case session.ReadingAdded:
		r.record(ev.Reading)
	case session.MeasurementEnded:
		r.count(ev.Count)
		r.finish(db.OutcomeCompleted)
	case session.MeasurementAborted:
		r.count(ev.Count)
		r.finish(db.OutcomeAborted)
	case session.StateChanged:
		switch {
		case ev.From == session.StateScriptRunning && ev.To == session.StateIdleConnected:
			r.mu.Lock()
			r.aborting = r.runID != ""
			r.mu.Unlock()
		case ev.To == session.StateIdle:
			r.mu.Lock()
			outcome := db.OutcomeDisconnected
			if r.aborting {
				outcome = db.OutcomeAborted
			}
			r.mu.Unlock()
			r.finish(outcome)
		}
	}
}

func (r *Recorder) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.store.CreateRun(r.device, r.scriptName, r.clock.Now())
	if err != nil {
		monitoring.Logf("recorder: %v", err)
		return
	}
	r.runID, r.points, r.aborting = id, 0, false
	r.scriptName = ""
}

func (r *Recorder) record(reading session.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runID == "" {
		return
	}
	row := db.NewReading(reading.Index, reading.Voltage, reading.Current, reading.Status, reading.Range)
	if err := r.store.RecordReading(r.runID, row); err != nil {
		monitoring.Logf("recorder: %v", err)
		return
	}
	r.points = max(r.points, reading.Index)
}

// count raises the point total to what the device reported, which includes
// packages that could not be stored.
func (r *Recorder) count(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = max(r.points, n)
}

func (r *Recorder) finish(outcome db.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runID == "" {
		return
	}
	if err := r.store.FinishRun(r.runID, outcome, r.clock.Now(), r.points); err != nil {
		monitoring.Logf("recorder: %v", err)
	}
	monitoring.Debugf("recorder: run %s %s with %d readings", r.runID, outcome, r.points)
	r.runID, r.points, r.aborting = "", 0, false
}
