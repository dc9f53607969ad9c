package monitoring

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics(t *testing.T) {
	before := testutil.ToFloat64(RepliesClassified.WithLabelValues("package"))
	RepliesClassified.WithLabelValues("package").Inc()
	if got := testutil.ToFloat64(RepliesClassified.WithLabelValues("package")); got != before+1 {
		t.Errorf("replies{kind=package} = %v, want %v", got, before+1)
	}

	SessionState.Set(3)
	if got := testutil.ToFloat64(SessionState); got != 3 {
		t.Errorf("session state = %v, want 3", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	BytesRead.Add(12)

	w := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"emstat_serial_bytes_read_total", "emstat_session_state", "emstat_readings_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}
