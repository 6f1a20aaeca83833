package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	m := New()

	m.ObserveJob("dispatcher", "sent", 2*time.Second)
	m.ObserveJob("dispatcher", "sent", time.Second)
	m.IncDelivery("slack", "failed")
	m.IncAgentRequest("no_response")
	m.SetResultCounts(map[string]int64{"PENDING": 3, "SENT": 7})

	if got := testutil.ToFloat64(m.jobRuns.WithLabelValues("dispatcher", "sent")); got != 2 {
		t.Errorf("job runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("slack", "failed")); got != 1 {
		t.Errorf("deliveries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.agentCalls.WithLabelValues("no_response")); got != 1 {
		t.Errorf("agent requests = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.results.WithLabelValues("PENDING")); got != 3 {
		t.Errorf("pending gauge = %v, want 3", got)
	}

	m.SetResultCounts(map[string]int64{"PENDING": 0})
	if got := testutil.ToFloat64(m.results.WithLabelValues("PENDING")); got != 0 {
		t.Errorf("pending gauge = %v, want 0 after refresh", got)
	}
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveJob("producer", "inserted", time.Second)
	m.IncDelivery("mock", "sent")
	m.IncAgentRequest("error")
	m.SetResultCounts(map[string]int64{"SENT": 1})
	if m.Registry() != nil {
		t.Error("nil Metrics should have no registry")
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.IncDelivery("webhook", "sent")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if !strings.Contains(string(body), `courier_deliveries_total{channel="webhook",result="sent"} 1`) {
		t.Errorf("exposition missing delivery counter:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("exposition missing go collector")
	}
}
