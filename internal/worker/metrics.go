package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the worker's Prometheus collectors
type Metrics struct {
	MessagesReceived prometheus.Counter
	JobsProcessed    *prometheus.CounterVec
	ResultsPublished prometheus.Counter
	ResultsDropped   prometheus.Counter
	Retries          *prometheus.CounterVec
	JobDuration      prometheus.Histogram
	InFlight         prometheus.Gauge
}

// NewMetrics registers the worker collectors on reg. A nil reg leaves them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		MessagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "campaign_worker_messages_received_total",
			Help: "Total messages received from the generate queue",
		}),
		JobsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_worker_jobs_processed_total",
			Help: "Total jobs processed, by outcome",
		}, []string{"outcome"}),
		ResultsPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "campaign_worker_results_published_total",
			Help: "Total result envelopes published",
		}),
		ResultsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "campaign_worker_results_dropped_total",
			Help: "Total result envelopes that could not be published",
		}),
		Retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "campaign_worker_retries_total",
			Help: "Total retry attempts, by operation",
		}, []string{"operation"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "campaign_worker_job_duration_seconds",
			Help:    "Time from receipt to acknowledgment of a job",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "campaign_worker_jobs_in_flight",
			Help: "Jobs currently being processed",
		}),
	}
}
