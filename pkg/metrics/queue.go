package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	QueueInbox  = "inbox"
	QueueOutbox = "outbox"

	ClaimWon  = "won"
	ClaimLost = "lost"
)

// QueueMetrics tracks claim contention, outcomes and recoveries per queue.
type QueueMetrics struct {
	claims      *prometheus.CounterVec
	completions *prometheus.CounterVec
	recovered   *prometheus.CounterVec
	dispatch    *prometheus.HistogramVec
}

// NewQueueMetrics registers queue metrics on reg. A nil registerer yields a
// no-op recorder.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	if reg == nil {
		return &QueueMetrics{}
	}
	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_claims_total",
		Help:      "Claim attempts by queue and result.",
	}, []string{"queue", "result"})
	completions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_completions_total",
		Help:      "Completed records by queue and resulting status.",
	}, []string{"queue", "status"})
	recovered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "queue_timeout_recovered_total",
		Help:      "Records returned to retry by the processing timeout sweep.",
	}, []string{"queue"})
	dispatch := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "queue_dispatch_duration_seconds",
		Help:      "Time spent in the handler or notifier for one record.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue"})
	reg.MustRegister(claims, completions, recovered, dispatch)
	return &QueueMetrics{
		claims:      claims,
		completions: completions,
		recovered:   recovered,
		dispatch:    dispatch,
	}
}

func (q *QueueMetrics) IncClaim(queue string, won bool) {
	if q == nil || q.claims == nil {
		return
	}
	result := ClaimLost
	if won {
		result = ClaimWon
	}
	q.claims.WithLabelValues(normalizeLabel(queue), result).Inc()
}

func (q *QueueMetrics) IncCompletion(queue, status string) {
	if q == nil || q.completions == nil {
		return
	}
	q.completions.WithLabelValues(normalizeLabel(queue), normalizeLabel(status)).Inc()
}

func (q *QueueMetrics) AddRecovered(queue string, count int64) {
	if q == nil || q.recovered == nil || count <= 0 {
		return
	}
	q.recovered.WithLabelValues(normalizeLabel(queue)).Add(float64(count))
}

func (q *QueueMetrics) ObserveDispatch(queue string, duration time.Duration) {
	if q == nil || q.dispatch == nil {
		return
	}
	q.dispatch.WithLabelValues(normalizeLabel(queue)).Observe(duration.Seconds())
}
