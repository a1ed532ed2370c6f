package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics of the HTTP API and the background
// workers.
type Metrics struct {
	FulfillmentOutcomes *prometheus.CounterVec
	SweepTimedOut       prometheus.Counter
	SweepSkipped        prometheus.Counter
	SweepDuration       prometheus.Histogram
	PollResults         *prometheus.CounterVec
	PollDuration        prometheus.Histogram
	RetryDecisions      *prometheus.CounterVec
	StatusMessages      *prometheus.CounterVec
	HTTPLatency         *prometheus.HistogramVec
}

// New creates and registers the worker metrics with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		FulfillmentOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_fulfillment_notifications_total",
			Help: "Data notifications handled by the fulfillment tracker, by outcome",
		}, []string{"outcome"}),
		SweepTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "consentflow_timeout_sweep_timed_out_total",
			Help: "Requests moved to timed_out by the sweeper",
		}),
		SweepSkipped: factory.NewCounter(prometheus.CounterOpts{
			Name: "consentflow_timeout_sweep_skipped_total",
			Help: "Stale candidates skipped because their status changed concurrently",
		}),
		SweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentflow_timeout_sweep_duration_seconds",
			Help:    "Duration of a timeout sweep",
			Buckets: prometheus.DefBuckets,
		}),
		PollResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_polling_results_total",
			Help: "Data fetches by region connector and result",
		}, []string{"connector", "result"}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentflow_polling_round_duration_seconds",
			Help:    "Duration of a full polling round",
			Buckets: prometheus.DefBuckets,
		}),
		RetryDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_adapter_failures_total",
			Help: "Classified adapter failures, by outcome",
		}, []string{"outcome"}),
		StatusMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "consentflow_status_messages_total",
			Help: "Connection status messages handed to the publisher, by result",
		}, []string{"result"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "consentflow_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route pattern and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (m *Metrics) IncrementFulfillment(outcome string) {
	m.FulfillmentOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddSweep(timedOut, skipped int) {
	m.SweepTimedOut.Add(float64(timedOut))
	m.SweepSkipped.Add(float64(skipped))
}

// ObserveSweep records the duration of a sweep.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveSweep(start time.Time) {
	m.SweepDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementPoll(connector, result string) {
	m.PollResults.WithLabelValues(connector, result).Inc()
}

func (m *Metrics) ObservePollRound(start time.Time) {
	m.PollDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementRetryDecision(outcome string) {
	m.RetryDecisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementStatusMessage(result string) {
	m.StatusMessages.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, start time.Time) {
	m.HTTPLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
}
