package main

import (
	"fmt"
	"io"
	"math"
	"strings"
	"text/tabwriter"

	"github.com/banshee-data/emstat/internal/session"
)

// describeEvent renders an event as one log line.
func describeEvent(ev session.Event) string {
	switch ev := ev.(type) {
	case session.StateChanged:
		return fmt.Sprintf("state %s -> %s", ev.From, ev.To)
	case session.DeviceVerified:
		return fmt.Sprintf("device verified: %s", ev.Version)
	case session.DeviceRejected:
		return fmt.Sprintf("device rejected (%q): %v", ev.Version, ev.Err)
	case session.ScriptSent:
		return fmt.Sprintf("script sent (%d lines)", ev.Lines)
	case session.MeasurementStarted:
		return "measurement started"
	case session.ReadingAdded:
		return "reading " + formatReading(ev.Reading)
	case session.MeasurementEnded:
		return fmt.Sprintf("measurement ended after %d packages", ev.Count)
	case session.MeasurementAborted:
		return fmt.Sprintf("measurement aborted after %d packages", ev.Count)
	case session.TransportError:
		return fmt.Sprintf("transport error: %v", ev.Err)
	case session.Diagnostic:
		return fmt.Sprintf("%v: %q", ev.Err, ev.Line)
	default:
		return fmt.Sprintf("%T", ev)
	}
}

func formatValue(v float64, unit string) string {
	if math.IsNaN(v) {
		return "-"
	}
	return fmt.Sprintf("%.6g %s", v, unit)
}

func formatReading(r session.Reading) string {
	parts := []string{
		fmt.Sprintf("#%d", r.Index),
		"E=" + formatValue(r.Voltage, "V"),
		"I=" + formatValue(r.Current, "A"),
	}
	if r.Status != nil {
		parts = append(parts, "status="+r.Status.String())
	}
	if r.Range != nil {
		parts = append(parts, "range="+r.Range.Name)
	}
	return strings.Join(parts, " ")
}

// readingTable writes readings as aligned columns.
func readingTable(w io.Writer, readings []session.Reading) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tPOTENTIAL\tCURRENT\tSTATUS\tRANGE")
	for _, r := range readings {
		status, rng := "-", "-"
		if r.Status != nil {
			status = r.Status.String()
		}
		if r.Range != nil {
			rng = r.Range.Name
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.Index, formatValue(r.Voltage, "V"), formatValue(r.Current, "A"), status, rng)
	}
	return tw.Flush()
}
