package delivery

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks upload outcomes.
type Metrics struct {
	uploads    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   prometheus.Gauge
	queueDepth prometheus.Gauge
}

// NewMetrics creates the delivery metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		uploads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crashship_uploads_total",
				Help: "Uploads attempted by the delivery engine",
			},
			[]string{"kind", "outcome"}, // kind: report, attachment
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crashship_upload_duration_seconds",
				Help:    "Time spent in the ingestion collaborator per upload",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
			},
			[]string{"kind"},
		),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashship_uploads_in_flight",
			Help: "Reports currently being uploaded",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crashship_delivery_queue_depth",
			Help: "Approved reports waiting for a worker",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.uploads, m.duration, m.inFlight, m.queueDepth)
	}
	return m
}

const (
	kindReport     = "report"
	kindAttachment = "attachment"

	outcomeSuccess   = "success"
	outcomeTransient = "transient"
	outcomePermanent = "permanent"
)
