package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for lifecycle notifications.
type Metrics struct {
	// Sent counts messages by kind and result.
	Sent *prometheus.CounterVec

	// SendDuration is the time to hand one message to the mailer.
	SendDuration prometheus.Histogram

	// Retries is the total number of retry attempts.
	Retries prometheus.Counter

	// LastScanFailures is the number of failed sends in the most recent scan.
	LastScanFailures prometheus.Gauge
}

// NewMetrics creates notification metrics registered with reg.
// A nil reg creates unregistered metrics.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Sent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_sent_total",
				Help:      "Total number of lifecycle notifications by kind and result",
			},
			[]string{"kind", "result"},
		),

		SendDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "notification_send_duration_seconds",
				Help:      "Time to send a notification",
				Buckets:   []float64{.01, .05, .1, .5, 1, 2, 5},
			},
		),

		Retries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notification_retries_total",
				Help:      "Total number of notification retry attempts",
			},
		),

		LastScanFailures: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "notification_last_scan_failures",
				Help:      "Failed sends in the most recent notifier scan",
			},
		),
	}
}
