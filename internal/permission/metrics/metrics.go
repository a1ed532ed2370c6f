package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the permission outbox.
// Tracks committed events, guard rejections and fan-out drops.
type Metrics struct {
	EventsCommitted *prometheus.CounterVec
	CommitsRejected *prometheus.CounterVec
	CommitDuration  prometheus.Histogram
	FanoutDropped   *prometheus.CounterVec
	RequestsCreated prometheus.Counter
	ViewsRebuilt    prometheus.Counter
}

// New registers the permission metrics with reg. Tests pass a fresh
// prometheus.NewRegistry() to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_permission_events_committed_total",
			Help: "Events appended to the permission event log, by kind and resulting status",
		}, []string{"kind", "status"}),
		CommitsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_permission_commits_rejected_total",
			Help: "Commit attempts rejected before anything was recorded, by reason",
		}, []string{"reason"}),
		CommitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentflow_permission_commit_duration_seconds",
			Help:    "Duration of outbox commits including lock acquisition",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		FanoutDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_permission_fanout_dropped_total",
			Help: "Committed events not delivered to a subscriber because its buffer was full",
		}, []string{"subscriber"}),
		RequestsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "consentflow_permission_requests_created_total",
			Help: "Permission requests created",
		}),
		ViewsRebuilt: factory.NewCounter(prometheus.CounterOpts{
			Name: "consentflow_permission_views_rebuilt_total",
			Help: "Permission views re-projected from the event log",
		}),
	}
}

func (m *Metrics) IncrementCommitted(kind, status string) {
	m.EventsCommitted.WithLabelValues(kind, status).Inc()
}

// IncrementRejected records a rejected commit. reason is a guard error kind
// or a domain error code.
func (m *Metrics) IncrementRejected(reason string) {
	m.CommitsRejected.WithLabelValues(reason).Inc()
}

// ObserveCommit records the duration of a commit.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveCommit(start time.Time) {
	m.CommitDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementDropped(subscriber string) {
	m.FanoutDropped.WithLabelValues(subscriber).Inc()
}

func (m *Metrics) IncrementCreated() {
	m.RequestsCreated.Inc()
}

func (m *Metrics) AddRebuilt(n int) {
	m.ViewsRebuilt.Add(float64(n))
}
