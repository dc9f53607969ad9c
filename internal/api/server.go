// Package api serves the HTTP interface: session control, live readings,
// stored runs and their exports.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/emstat/internal/db"
	"github.com/banshee-data/emstat/internal/export"
	"github.com/banshee-data/emstat/internal/httputil"
	"github.com/banshee-data/emstat/internal/monitoring"
	"github.com/banshee-data/emstat/internal/security"
	"github.com/banshee-data/emstat/internal/session"
	"github.com/banshee-data/emstat/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// maxScriptBytes bounds the body of POST /api/script.
const maxScriptBytes = 1 << 20

// requestTimeout bounds how long a command waits for the session goroutine.
const requestTimeout = 5 * time.Second

// Controller is the part of *session.Session the server drives.
type Controller interface {
	State() session.AppState
	Device() string
	Points() int
	Readings() []session.Reading
	Connect(ctx context.Context) error
	SendScript(ctx context.Context, r io.Reader) error
	Abort(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// RunStore is the read side of *db.DB.
type RunStore interface {
	Runs(limit int) ([]db.Run, error)
	Run(runID string) (db.Run, error)
	Readings(runID string) ([]db.Reading, error)
}

// ScriptLabeler names the run that the next script opens.
type ScriptLabeler interface {
	SetScriptName(name string)
}

type Server struct {
	sess    Controller
	store   RunStore
	labeler ScriptLabeler
}

// NewServer returns a Server. store and labeler may be nil, in which case the
// run endpoints answer 503 and scripts stay unnamed.
func NewServer(sess Controller, store RunStore, labeler ScriptLabeler) *Server {
	return &Server{sess: sess, store: store, labeler: labeler}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/api/readings", s.listReadings)
	mux.HandleFunc("/api/connect", s.command("connecting", s.sess.Connect))
	mux.HandleFunc("/api/abort", s.command("aborting", s.sess.Abort))
	mux.HandleFunc("/api/disconnect", s.command("disconnecting", s.sess.Disconnect))
	mux.HandleFunc("/api/script", s.sendScript)
	mux.HandleFunc("GET /api/runs", s.listRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.showRun)
	mux.HandleFunc("GET /api/runs/{id}/readings", s.listRunReadings)
	mux.HandleFunc("GET /api/runs/{id}/export.csv", s.exportCSV)
	mux.HandleFunc("GET /api/runs/{id}/plot.png", s.exportPNG)
	mux.HandleFunc("/debug/chart", s.handleChart)
	mux.Handle("/metrics", monitoring.MetricsHandler())
	return mux
}

// Handler is ServeMux wrapped in LoggingMiddleware.
func (s *Server) Handler() http.Handler {
	return LoggingMiddleware(s.ServeMux())
}

// stateResponse is the body of GET /api/state.
type stateResponse struct {
	State  session.AppState `json:"state"`
	Device string           `json:"device,omitempty"`
	Points int              `json:"points"`
	RunID  string           `json:"run_id,omitempty"`
}

type currentRunner interface {
	CurrentRun() string
}

func (s *Server) showState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := stateResponse{
		State:  s.sess.State(),
		Device: s.sess.Device(),
		Points: s.sess.Points(),
	}
	if cr, ok := s.labeler.(currentRunner); ok {
		resp.RunID = cr.CurrentRun()
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) showVersion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, version.Get())
}

// liveReadings converts the session accumulator to the stored form, which
// encodes absent values as null.
func liveReadings(readings []session.Reading) []db.Reading {
	out := make([]db.Reading, len(readings))
	for i, r := range readings {
		out[i] = db.NewReading(r.Index, r.Voltage, r.Current, r.Status, r.Range)
	}
	return out
}

func (s *Server) listReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, liveReadings(s.sess.Readings()))
}

// command adapts a session request to a POST handler answering 202.
func (s *Server) command(status string, fn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			writeSessionError(w, err)
			return
		}
		httputil.Accepted(w, status)
	}
}

func (s *Server) sendScript(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxScriptBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.WriteJSONError(w, http.StatusRequestEntityTooLarge, "script too large")
			return
		}
		httputil.BadRequest(w, fmt.Sprintf("failed to read script: %v", err))
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		httputil.BadRequest(w, "empty script")
		return
	}

	if s.labeler != nil {
		s.labeler.SetScriptName(r.URL.Query().Get("name"))
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	if err := s.sess.SendScript(ctx, bytes.NewReader(body)); err != nil {
		writeSessionError(w, err)
		return
	}
	httputil.Accepted(w, "script sent")
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrInvalidTransition):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, session.ErrNotRunning),
		errors.Is(err, session.ErrTransport),
		errors.Is(err, context.DeadlineExceeded):
		httputil.ServiceUnavailable(w, err.Error())
	default:
		httputil.InternalServerError(w, err.Error())
	}
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "no run store")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			httputil.BadRequest(w, "invalid limit")
			return
		}
		limit = n
	}
	runs, err := s.store.Runs(limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list runs: %v", err))
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

// lookupRun writes the error response itself and reports whether the run
// was found.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (db.Run, bool) {
	if s.store == nil {
		httputil.ServiceUnavailable(w, "no run store")
		return db.Run{}, false
	}
	run, err := s.store.Run(r.PathValue("id"))
	if errors.Is(err, db.ErrRunNotFound) {
		httputil.NotFound(w, "run not found")
		return db.Run{}, false
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load run: %v", err))
		return db.Run{}, false
	}
	return run, true
}

func (s *Server) runReadings(w http.ResponseWriter, r *http.Request) (db.Run, []db.Reading, bool) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return run, nil, false
	}
	readings, err := s.store.Readings(run.RunID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load readings: %v", err))
		return run, nil, false
	}
	return run, readings, true
}

func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if run, ok := s.lookupRun(w, r); ok {
		httputil.WriteJSONOK(w, run)
	}
}

func (s *Server) listRunReadings(w http.ResponseWriter, r *http.Request) {
	_, readings, ok := s.runReadings(w, r)
	if !ok {
		return
	}
	if readings == nil {
		readings = []db.Reading{}
	}
	httputil.WriteJSONOK(w, readings)
}

// exportName is the download name of a run export.
func exportName(run db.Run, ext string) string {
	base := run.RunID
	if run.ScriptName != "" {
		base = security.SanitizeFilename(run.ScriptName) + "-" + run.StartedAt.UTC().Format("20060102T150405")
	}
	return base + ext
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	run, readings, ok := s.runReadings(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := export.WriteCSV(&buf, readings); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to write csv: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exportName(run, ".csv")))
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) exportPNG(w http.ResponseWriter, r *http.Request) {
	run, readings, ok := s.runReadings(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	err := export.WritePNG(&buf, runTitle(run), readings)
	if errors.Is(err, export.ErrNoPoints) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}

func runTitle(run db.Run) string {
	if run.ScriptName != "" {
		return run.ScriptName
	}
	return "run " + run.RunID
}
