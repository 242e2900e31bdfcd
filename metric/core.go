package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains service-level metrics shared across components
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	MessagesPublished  *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec

	// Fleet metrics
	DevicesConnected   prometheus.Gauge
	SessionsActive     prometheus.Gauge
	BrokerClientMetric *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics instance with all service metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openmoxie",
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of messages received",
			},
			[]string{"service", "type"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openmoxie",
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of messages processed",
			},
			[]string{"service", "type", "status"},
		),

		MessagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openmoxie",
				Subsystem: "messages",
				Name:      "published_total",
				Help:      "Total number of messages published",
			},
			[]string{"service", "topic"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "openmoxie",
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Message processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "openmoxie",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by class",
			},
			[]string{"service", "class"},
		),

		DevicesConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "openmoxie",
				Subsystem: "fleet",
				Name:      "devices_connected",
				Help:      "Number of devices currently connected",
			},
		),

		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "openmoxie",
				Subsystem: "fleet",
				Name:      "sessions_active",
				Help:      "Number of active conversation sessions",
			},
		),

		BrokerClientMetric: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "openmoxie",
				Subsystem: "broker",
				Name:      "client_metric",
				Help:      "Broker-reported client metrics from $SYS topics",
			},
			[]string{"metric"},
		),
	}
}
