package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RunEnqueued("chat")
	m.RunFinished("chat", "succeeded", 1)
	m.EventAppended("chat")
	m.Admission("allowed", "")
	m.Reconcile("raised")
	m.SubscriberAdded()
	m.SubscriberRemoved()
	m.BroadcastDropped()
	m.SubscriptionReaped()
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.RunEnqueued("chat")
	m.RunEnqueued("chat")
	m.RunEnqueued("image")
	if got := testutil.ToFloat64(m.RunsEnqueued.WithLabelValues("chat")); got != 2 {
		t.Errorf("chat enqueued = %v, want 2", got)
	}

	m.Admission("rejected", "rate")
	if got := testutil.ToFloat64(m.AdmissionDecisions.WithLabelValues("rejected", "rate")); got != 1 {
		t.Errorf("rejected/rate = %v, want 1", got)
	}

	m.SubscriberAdded()
	m.SubscriberAdded()
	m.SubscriberRemoved()
	if got := testutil.ToFloat64(m.HubSubscribers); got != 1 {
		t.Errorf("subscribers = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.EventAppended("chat")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `runstream_events_appended_total{kind="chat"} 1`) {
		t.Errorf("metrics output missing counter:\n%s", body)
	}
}
