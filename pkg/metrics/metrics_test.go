package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Received("start_exam")
	m.Dropped(ReasonMalformed)
	m.Delivered("exam_started", 3)
	m.DeliveryFailed()
	m.SetConnections(4)
	m.SetLiveSessions(2)
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Received("start_exam")
	m.Received("start_exam")
	m.Dropped(ReasonUnknownSession)
	m.Delivered("exam_started", 3)
	m.Delivered("exam_started", 0)
	m.SetLiveSessions(1)

	if got := testutil.ToFloat64(m.EventsReceived.WithLabelValues("start_exam")); got != 2 {
		t.Errorf("events_received_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventsDropped.WithLabelValues(ReasonUnknownSession)); got != 1 {
		t.Errorf("events_dropped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Deliveries.WithLabelValues("exam_started")); got != 3 {
		t.Errorf("deliveries_total = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.LiveSessions); got != 1 {
		t.Errorf("live_sessions = %v, want 1", got)
	}
}

func TestHandler_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.SetConnections(7)

	w := httptest.NewRecorder()
	Handler(reg).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "examrelay_connections 7") {
		t.Errorf("expected gauge in exposition, got:\n%s", w.Body.String())
	}
}
