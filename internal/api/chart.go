package api

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/emstat/internal/db"
	"github.com/banshee-data/emstat/internal/export"
	"github.com/banshee-data/emstat/internal/httputil"
)

// handleChart renders current against potential as an interactive chart.
// Without ?run= it shows the readings of the current script.
func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	title, subtitle := "Live measurement", s.sess.State().String()
	var readings []db.Reading
	if runID := r.URL.Query().Get("run"); runID != "" {
		if s.store == nil {
			httputil.ServiceUnavailable(w, "no run store")
			return
		}
		run, err := s.store.Run(runID)
		if errors.Is(err, db.ErrRunNotFound) {
			httputil.NotFound(w, "run not found")
			return
		}
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load run: %v", err))
			return
		}
		if readings, err = s.store.Readings(runID); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to load readings: %v", err))
			return
		}
		title, subtitle = runTitle(run), string(run.Outcome)
	} else {
		readings = liveReadings(s.sess.Readings())
	}

	var buf bytes.Buffer
	if err := renderVoltammogram(&buf, title, subtitle, readings); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

func renderVoltammogram(buf *bytes.Buffer, title, subtitle string, readings []db.Reading) error {
	pts := export.Points(readings)
	data := make([]opts.ScatterData, 0, len(pts))
	for _, p := range pts {
		data = append(data, opts.ScatterData{Value: []interface{}{p.X, p.Y}})
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "emstat " + title, Width: "900px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("%s points=%d", subtitle, len(data))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Type: "value", Name: "Potential (V)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Type: "value", Name: "Current (µA)", NameLocation: "middle", NameGap: 50}),
	)
	scatter.AddSeries("current", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	return scatter.Render(buf)
}
