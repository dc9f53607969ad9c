// Package export writes stored runs as CSV tables and voltammogram plots.
package export

import (
	"encoding/csv"
	"errors"
	"fmt"
	"image/color"
	"io"
	"io/fs"
	"math"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/emstat/internal/db"
	"github.com/banshee-data/emstat/internal/fsutil"
	"github.com/banshee-data/emstat/internal/security"
)

// ErrNoPoints is returned by WritePNG when no reading has both a potential
// and a current.
var ErrNoPoints = errors.New("no plottable readings")

// CSVHeader is the first row written by WriteCSV.
var CSVHeader = []string{"index", "potential_v", "current_a", "status", "current_range"}

// WriteCSV writes one row per reading. Values the device did not report are
// left empty.
func WriteCSV(w io.Writer, readings []db.Reading) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	for _, r := range readings {
		row := []string{strconv.Itoa(r.Index), formatFloat(r.Voltage), formatFloat(r.Current), "", ""}
		if r.Status != nil {
			row[3] = r.Status.String()
		}
		if r.Range != nil {
			row[4] = r.Range.Name
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

// Points returns the (potential, current) pairs of readings that carry both,
// with current scaled to microamperes.
func Points(readings []db.Reading) plotter.XYs {
	pts := make(plotter.XYs, 0, len(readings))
	for _, r := range readings {
		v, c := r.VoltageOrNaN(), r.CurrentOrNaN()
		if math.IsNaN(v) || math.IsNaN(c) {
			continue
		}
		pts = append(pts, plotter.XY{X: v, Y: c * 1e6})
	}
	return pts
}

// WritePNG draws current against potential and encodes the plot as PNG.
func WritePNG(w io.Writer, title string, readings []db.Reading) error {
	pts := Points(readings)
	if len(pts) == 0 {
		return ErrNoPoints
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Potential (V)"
	p.Y.Label.Text = "Current (µA)"
	p.Add(plotter.NewGrid())

	line, err := plotter.NewLine(pts)
	if err != nil {
		return fmt.Errorf("failed to create line: %w", err)
	}
	line.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	line.Width = vg.Points(1.5)
	p.Add(line)

	wt, err := p.WriterTo(8*vg.Inch, 5*vg.Inch, "png")
	if err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	_, err = wt.WriteTo(w)
	return err
}

// SaveFile validates path as an export destination, creates its directory
// and writes the file through write. The file is removed if write or Close
// fails.
func SaveFile(fsys fsutil.FileSystem, path string, write func(io.Writer) error, extraDirs ...string) error {
	if err := security.ValidateExportPath(path, extraDirs...); err != nil {
		return err
	}
	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	err = write(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if rerr := fsys.Remove(path); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
			return errors.Join(err, fmt.Errorf("failed to remove partial %s: %w", path, rerr))
		}
		return err
	}
	return nil
}
