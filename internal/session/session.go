// Package session drives a MethodSCRIPT device connection: it performs the
// version handshake, streams scripts, and turns the reply lines into events
// and an accumulated set of readings.
//
// All state changes happen on the goroutine running (*Session).Run. Requests
// such as Connect or SendScript are posted to that goroutine and wait for it
// to handle them; accessors return snapshots.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/mscript"
	"github.com/banshee-data/emstat/internal/timeutil"
)

// Conn is an open device connection.
type Conn interface {
	// SendCommand writes one newline terminated command.
	SendCommand(cmd string) error
	// Lines delivers complete reply lines, delimiter included. It is closed
	// when the connection stops reading.
	Lines() <-chan string
	// Err returns the reason Lines was closed, if any.
	Err() error
	// Close releases the connection.
	Close() error
}

// DialFunc opens a connection to the device.
type DialFunc func(ctx context.Context) (Conn, error)

const (
	DefaultHandshakeDelay = 200 * time.Millisecond
	DefaultVerifyTimeout  = 4 * time.Second
	DefaultEventBuffer    = 256

	// shutdownFlushTimeout bounds how long Run waits for a consumer to take
	// the events queued when it stops.
	shutdownFlushTimeout = 500 * time.Millisecond
)

// Options tune a Session. Zero values select the defaults.
type Options struct {
	// HandshakeDelay separates the flushing newline from the version query.
	HandshakeDelay time.Duration
	// VerifyTimeout bounds the wait for the version terminator.
	VerifyTimeout time.Duration
	// Signatures identify supported devices in the version response.
	Signatures []string
	// ContinueAfterLoopEnd keeps the script running after a '*' line and
	// waits for the empty line that ends the script.
	ContinueAfterLoopEnd bool
	// EventBuffer is the capacity of the Events channel.
	EventBuffer int
	Clock       timeutil.Clock
}

func (o Options) withDefaults() Options {
	if o.HandshakeDelay <= 0 {
		o.HandshakeDelay = DefaultHandshakeDelay
	}
	if o.VerifyTimeout <= 0 {
		o.VerifyTimeout = DefaultVerifyTimeout
	}
	if len(o.Signatures) == 0 {
		o.Signatures = mscript.DefaultSignatures
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = DefaultEventBuffer
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

type op int

const (
	opConnect op = iota
	opSendScript
	opAbort
	opDisconnect
)

type request struct {
	op     op
	script []string
	reply  chan error
}

// Session owns one device connection and the readings of the current script.
type Session struct {
	dial DialFunc
	opts Options

	requests chan request
	events   chan Event
	done     chan struct{}
	started  atomic.Bool

	mu       sync.RWMutex
	state    AppState
	device   string
	points   int
	readings []Reading
	voltages []float64
	currents []float64

	// Fields below are only touched by Run.
	conn         Conn
	lines        <-chan string
	response     strings.Builder
	queried      bool
	handshake    timeutil.Timer
	verify       timeutil.Timer
	abortPending bool
	abortSent    bool
	endedAt      int
	pending      []Event
}

// New returns an idle Session that opens connections with dial.
func New(dial DialFunc, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		dial:     dial,
		opts:     opts,
		requests: make(chan request),
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
		endedAt:  -1,
	}
}

// Events delivers session events in order. Events are queued internally, so a
// slow reader never stalls the session. The channel is closed when Run
// returns.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current AppState.
func (s *Session) State() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Device returns the version text of the verified device, or "".
func (s *Session) Device() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device
}

// Points returns the number of packages received since the last script was
// sent.
func (s *Session) Points() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.points
}

// Readings returns a copy of the readings of the current script.
func (s *Session) Readings() []Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Reading(nil), s.readings...)
}

// Voltages returns a copy of the potentials received for the current script.
func (s *Session) Voltages() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64(nil), s.voltages...)
}

// Currents returns a copy of the currents received for the current script.
func (s *Session) Currents() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]float64(nil), s.currents...)
}

// Connect opens the connection and starts the version handshake. It returns
// once the handshake is under way; DeviceVerified or DeviceRejected follows.
func (s *Session) Connect(ctx context.Context) error {
	return s.do(ctx, request{op: opConnect})
}

// SendScript reads a MethodSCRIPT from r and writes it to the device line by
// line. The readings of the previous script are discarded.
func (s *Session) SendScript(ctx context.Context, r io.Reader) error {
	var script []string
	for line, err := range mscript.ScriptLines(r) {
		if err != nil {
			return fmt.Errorf("failed to read script: %w", err)
		}
		script = append(script, line)
	}
	return s.do(ctx, request{op: opSendScript, script: script})
}

// Abort asks the device to stop the running script. Aborting when no script
// runs is a no-op.
func (s *Session) Abort(ctx context.Context) error {
	return s.do(ctx, request{op: opAbort})
}

// Disconnect closes the connection, aborting a running script first.
func (s *Session) Disconnect(ctx context.Context) error {
	return s.do(ctx, request{op: opDisconnect})
}

func (s *Session) do(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case s.requests <- req:
	case <-s.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-s.done:
		select {
		case err := <-req.reply:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes requests, reply lines and timers until ctx is cancelled. An
// open connection is closed before Run returns, and queued events, including
// the final StateChanged to Idle, are delivered before Events is closed.
func (s *Session) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session: Run called more than once")
	}
	defer close(s.events)
	defer close(s.done)

	for {
		var (
			out  chan<- Event
			next Event
		)
		if len(s.pending) > 0 {
			out, next = s.events, s.pending[0]
		}

		select {
		case <-ctx.Done():
			s.shutdown()
			s.flush()
			return ctx.Err()

		case req := <-s.requests:
			req.reply <- s.handle(ctx, req)

		case line, ok := <-s.lines:
			if !ok {
				s.connectionLost()
				continue
			}
			if !strings.HasSuffix(line, string(mscript.Delimiter)) {
				line += string(mscript.Delimiter)
			}
			s.handleLine(mscript.Line(line))

		case <-timerC(s.handshake):
			s.handshake = nil
			s.sendVersionQuery()

		case <-timerC(s.verify):
			s.verify = nil
			s.verificationTimedOut()

		case out <- next:
			s.pending[0] = nil
			s.pending = s.pending[1:]
		}
	}
}

// flush hands the queued events to the consumer, dropping what is left once
// shutdownFlushTimeout has passed.
func (s *Session) flush() {
	if len(s.pending) == 0 {
		return
	}
	deadline := time.NewTimer(shutdownFlushTimeout)
	defer deadline.Stop()
	for len(s.pending) > 0 {
		select {
		case s.events <- s.pending[0]:
			s.pending[0] = nil
			s.pending = s.pending[1:]
		case <-deadline.C:
			monitoring.Logf("session: dropped %d events on shutdown", len(s.pending))
			s.pending = nil
			return
		}
	}
}

func timerC(t timeutil.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C()
}

func (s *Session) emit(ev Event) {
	s.pending = append(s.pending, ev)
}

func (s *Session) setState(to AppState) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	if from == to {
		return
	}
	monitoring.SessionState.Set(float64(to))
	s.emit(StateChanged{From: from, To: to})
}

func (s *Session) refuse(what string) error {
	err := &TransitionError{Op: what, State: s.State()}
	s.emit(Diagnostic{Err: err})
	return err
}

func (s *Session) write(cmd string) error {
	if err := s.conn.SendCommand(cmd); err != nil {
		return transportErr("write", err)
	}
	return nil
}

func (s *Session) handle(ctx context.Context, req request) error {
	switch req.op {
	case opConnect:
		return s.connect(ctx)
	case opSendScript:
		return s.sendScript(req.script)
	case opAbort:
		return s.abort()
	case opDisconnect:
		return s.disconnect()
	default:
		return fmt.Errorf("unknown request %d", req.op)
	}
}

func (s *Session) connect(ctx context.Context) error {
	if s.State() != StateIdle {
		return s.refuse("connect")
	}
	conn, err := s.dial(ctx)
	if err != nil {
		err = transportErr("dial", err)
		s.emit(TransportError{Err: err})
		return err
	}
	s.conn = conn
	s.lines = conn.Lines()
	s.response.Reset()
	s.queried = false

	// A bare newline discards any half-written command left on the device.
	if err := s.write(mscript.CmdFlush); err != nil {
		s.emit(TransportError{Err: err})
		s.teardown()
		return err
	}
	s.setState(StateConnecting)
	s.handshake = s.opts.Clock.NewTimer(s.opts.HandshakeDelay)
	monitoring.Logf("session: connecting, version query in %v", s.opts.HandshakeDelay)
	return nil
}

func (s *Session) sendVersionQuery() {
	if s.State() != StateConnecting {
		return
	}
	s.verify = s.opts.Clock.NewTimer(s.opts.VerifyTimeout)
	if err := s.write(mscript.CmdVersion); err != nil {
		s.fail(err)
		return
	}
	s.queried = true
}

func (s *Session) verificationTimedOut() {
	if s.State() != StateConnecting {
		return
	}
	monitoring.Logf("session: no version response within %v", s.opts.VerifyTimeout)
	s.emit(DeviceRejected{Version: versionText(s.response.String()), Err: ErrVerificationTimeout})
	s.teardown()
}

func (s *Session) finishVerification() {
	stopTimer(&s.verify)
	resp := s.response.String()
	version := versionText(resp)

	if !mscript.HasSignature(resp, s.opts.Signatures) {
		monitoring.Logf("session: rejected device %q", version)
		s.emit(DeviceRejected{
			Version: version,
			Err:     fmt.Errorf("%w: version %q has none of %q", ErrVerificationFailed, version, s.opts.Signatures),
		})
		s.teardown()
		return
	}

	s.mu.Lock()
	s.device = version
	s.mu.Unlock()
	monitoring.Logf("session: verified device %q", version)
	s.emit(DeviceVerified{Version: version})
	s.setState(StateIdleConnected)
}

// versionText joins the version lines of a response without their markers.
func versionText(resp string) string {
	var parts []string
	for _, l := range strings.Split(resp, string(mscript.Delimiter)) {
		if mscript.Classify(mscript.Line(l)) == mscript.ReplyVersion {
			parts = append(parts, strings.TrimRight(l[1:], "\r"))
		}
	}
	return strings.Join(parts, "\n")
}

func (s *Session) sendScript(script []string) error {
	if s.State() != StateIdleConnected {
		return s.refuse("send script")
	}

	s.mu.Lock()
	s.points = 0
	s.readings = nil
	s.voltages = nil
	s.currents = nil
	s.mu.Unlock()
	s.abortPending = false
	s.abortSent = false
	s.endedAt = -1

	for _, line := range script {
		if err := s.write(line); err != nil {
			monitoring.Logf("session: script send failed: %v", err)
			s.emit(TransportError{Err: err})
			return err
		}
	}
	s.emit(ScriptSent{Lines: len(script)})
	s.setState(StateScriptRunning)
	return nil
}

func (s *Session) abort() error {
	switch s.State() {
	case StateScriptRunning:
		if err := s.write(mscript.CmdAbort); err != nil {
			s.fail(err)
			return err
		}
		s.abortPending = true
		s.abortSent = true
		s.setState(StateIdleConnected)
		return nil
	case StateIdleConnected:
		if s.abortSent {
			return nil
		}
		if err := s.write(mscript.CmdAbort); err != nil {
			s.fail(err)
			return err
		}
		s.abortSent = true
		return nil
	default:
		return s.refuse("abort")
	}
}

func (s *Session) disconnect() error {
	if s.State() == StateIdle {
		return nil
	}
	if s.State() == StateScriptRunning {
		if err := s.write(mscript.CmdAbort); err != nil {
			monitoring.Logf("session: abort before disconnect failed: %v", err)
		}
	}
	return s.teardown()
}

// fail reports a transport failure and resets the session.
func (s *Session) fail(err error) {
	monitoring.Logf("session: %v", err)
	s.emit(TransportError{Err: err})
	s.teardown()
}

func (s *Session) connectionLost() {
	err := s.conn.Err()
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	s.fail(transportErr("read", err))
}

func (s *Session) shutdown() {
	if s.conn == nil {
		return
	}
	if s.State() == StateScriptRunning {
		if err := s.write(mscript.CmdAbort); err != nil {
			monitoring.Logf("session: abort on shutdown failed: %v", err)
		}
	}
	if err := s.teardown(); err != nil {
		monitoring.Logf("session: close on shutdown failed: %v", err)
	}
}

// teardown closes the connection and returns to Idle, discarding the readings.
func (s *Session) teardown() error {
	stopTimer(&s.handshake)
	stopTimer(&s.verify)

	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.conn = nil
	s.lines = nil
	s.response.Reset()
	s.queried = false
	s.abortPending = false
	s.abortSent = false

	s.mu.Lock()
	s.device = ""
	s.points = 0
	s.readings = nil
	s.voltages = nil
	s.currents = nil
	s.mu.Unlock()

	s.setState(StateIdle)
	return err
}

func stopTimer(t *timeutil.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (s *Session) handleLine(line mscript.Line) {
	kind := mscript.Classify(line)
	monitoring.RepliesClassified.WithLabelValues(kind.String()).Inc()

	switch s.State() {
	case StateConnecting:
		if !s.queried {
			monitoring.Debugf("session: discarding %q before version query", line.String())
			return
		}
		s.response.WriteString(string(line))
		if kind == mscript.ReplyLoopEnd {
			s.finishVerification()
		}

	case StateIdleConnected:
		switch kind {
		case mscript.ReplyAborted:
			if s.abortPending {
				s.abortPending = false
				s.emit(MeasurementAborted{Count: s.Points()})
			}
		case mscript.ReplyUnknown:
			s.unexpected(line)
		default:
			monitoring.Debugf("session: ignoring %s line %q while idle", kind, line.String())
		}

	case StateScriptRunning:
		s.handleRunningLine(kind, line)

	default:
		monitoring.Debugf("session: ignoring %q in state %s", line.String(), s.State())
	}
}

func (s *Session) handleRunningLine(kind mscript.ReplyKind, line mscript.Line) {
	switch kind {
	case mscript.ReplyMeasuring:
		s.emit(MeasurementStarted{})

	case mscript.ReplyPackage:
		s.addPackage(line)

	case mscript.ReplyLoopEnd:
		s.emit(MeasurementEnded{Count: s.Points()})
		if s.opts.ContinueAfterLoopEnd {
			s.endedAt = s.Points()
			return
		}
		s.setState(StateIdleConnected)

	case mscript.ReplyEmptyLine:
		if s.endedAt != s.Points() {
			s.emit(MeasurementEnded{Count: s.Points()})
		}
		s.setState(StateIdleConnected)

	case mscript.ReplyAborted:
		s.emit(MeasurementAborted{Count: s.Points()})
		s.setState(StateIdleConnected)

	case mscript.ReplyEcho, mscript.ReplyVersion:
		// The device echoes 'e' when it accepts a script.

	default:
		s.unexpected(line)
	}
}

func (s *Session) unexpected(line mscript.Line) {
	err := fmt.Errorf("%w: %q", mscript.ErrUnexpectedLine, line.String())
	monitoring.Debugf("session: %v", err)
	s.emit(Diagnostic{Line: line.String(), Err: err})
}

func (s *Session) addPackage(line mscript.Line) {
	vars, err := mscript.ParsePackage(line)
	if err != nil {
		monitoring.DecodeErrors.Add(float64(countErrors(err)))
		monitoring.Logf("session: %v", err)
		s.emit(Diagnostic{Line: line.String(), Err: err})
	}

	s.mu.Lock()
	s.points++
	r := Reading{
		Index:     s.points,
		Voltage:   math.NaN(),
		Current:   math.NaN(),
		Variables: vars,
	}
	for _, v := range vars {
		switch v.ID {
		case mscript.VarPotential:
			r.Voltage = v.Value
			s.voltages = append(s.voltages, v.Value)
		case mscript.VarCurrent:
			r.Current = v.Value
			r.Status = v.Status
			r.Range = v.Range
			s.currents = append(s.currents, v.Value)
		}
	}
	s.readings = append(s.readings, r)
	s.mu.Unlock()

	monitoring.ReadingsRecorded.Inc()
	s.emit(ReadingAdded{Reading: r})
}

func countErrors(err error) int {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		return len(joined.Unwrap())
	}
	return 1
}
