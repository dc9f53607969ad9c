package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transport metrics
	BytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emstat_serial_bytes_read_total",
		Help: "Bytes read from the device port.",
	})

	LinesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emstat_serial_lines_read_total",
		Help: "Complete reply lines assembled from the device port.",
	})

	LinesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emstat_serial_lines_dropped_total",
		Help: "Lines skipped because a lossy subscriber was not keeping up.",
	})

	CommandsSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emstat_serial_commands_sent_total",
		Help: "Commands written to the device port.",
	})

	// Decoder metrics
	RepliesClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "emstat_replies_total",
			Help: "Reply lines handled by the session, by kind.",
		},
		[]string{"kind"},
	)

	DecodeErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emstat_decode_errors_total",
		Help: "Package fields dropped because they could not be decoded.",
	})

	// Session metrics
	SessionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "emstat_session_state",
		Help: "Current session state (0 idle, 1 connecting, 2 idle connected, 3 script running).",
	})

	ReadingsRecorded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "emstat_readings_total",
		Help: "Readings added to the measurement accumulator.",
	})
)

func init() {
	prometheus.MustRegister(
		BytesRead,
		LinesRead,
		LinesDropped,
		CommandsSent,
		RepliesClassified,
		DecodeErrors,
		SessionState,
		ReadingsRecorded,
	)
}

// MetricsHandler serves the registered metrics in the Prometheus text format.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
