package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestQueueMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewQueueMetrics(reg)

	m.IncClaim(QueueInbox, true)
	m.IncClaim(QueueInbox, false)
	m.IncClaim(QueueInbox, false)
	m.IncCompletion(QueueOutbox, "sent")
	m.AddRecovered(QueueOutbox, 3)
	m.AddRecovered(QueueOutbox, 0)
	m.ObserveDispatch(QueueOutbox, 20*time.Millisecond)

	if got := testutil.ToFloat64(m.claims.WithLabelValues(QueueInbox, ClaimLost)); got != 2 {
		t.Fatalf("expected 2 lost claims, got %f", got)
	}
	if got := testutil.ToFloat64(m.claims.WithLabelValues(QueueInbox, ClaimWon)); got != 1 {
		t.Fatalf("expected 1 won claim, got %f", got)
	}
	if got := testutil.ToFloat64(m.completions.WithLabelValues(QueueOutbox, "sent")); got != 1 {
		t.Fatalf("expected 1 completion, got %f", got)
	}
	if got := testutil.ToFloat64(m.recovered.WithLabelValues(QueueOutbox)); got != 3 {
		t.Fatalf("expected 3 recovered, got %f", got)
	}
	if n := testutil.CollectAndCount(m.dispatch); n != 1 {
		t.Fatalf("expected one dispatch series, got %d", n)
	}
}

func TestQueueMetricsNilSafe(t *testing.T) {
	var m *QueueMetrics
	m.IncClaim(QueueInbox, true)
	m.IncCompletion(QueueInbox, "done")
	m.AddRecovered(QueueInbox, 1)
	m.ObserveDispatch(QueueInbox, time.Second)

	NewQueueMetrics(nil).IncClaim(QueueOutbox, false)
}

func TestHTTPMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)
	m.Observe(http.MethodPost, "/api/v1/interactions", http.StatusAccepted, 5*time.Millisecond)

	if got := testutil.ToFloat64(m.requests.WithLabelValues(http.MethodPost, "/api/v1/interactions", "202")); got != 1 {
		t.Fatalf("expected 1 request, got %f", got)
	}
	NewHTTPMetrics(nil).Observe(http.MethodGet, "", http.StatusOK, 0)
}
