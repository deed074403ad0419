// Package metrics exposes Prometheus instrumentation for the SEPA client.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// singleton instance
	instance *Metrics
	once     sync.Once
)

// Metrics holds Prometheus metrics for the SEPA client
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Subscription metrics
	SubscriptionsActive       prometheus.Gauge
	NotificationsTotal        prometheus.Counter
	NotificationsDroppedTotal prometheus.Counter
	ConnectionLossesTotal     prometheus.Counter
}

// GetMetrics returns the metrics singleton
func GetMetrics() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

// newMetrics initializes and registers all metrics
func newMetrics() *Metrics {
	m := &Metrics{}

	m.RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sepa_requests_total",
			Help: "Total number of query/update/subscribe/unsubscribe requests",
		},
		[]string{"operation", "outcome"},
	)

	m.RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sepa_request_duration_seconds",
			Help:    "Request round-trip duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // from 1ms to ~16s
		},
		[]string{"operation"},
	)

	m.SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sepa_subscriptions_active",
			Help: "Number of currently active subscriptions",
		},
	)

	m.NotificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sepa_notifications_total",
			Help: "Total number of notifications delivered to handlers",
		},
	)

	m.NotificationsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sepa_notifications_dropped_total",
			Help: "Notifications dropped because their subscription was already closed",
		},
	)

	m.ConnectionLossesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sepa_connection_losses_total",
			Help: "Subscription connections lost before an explicit unsubscribe",
		},
	)

	return m
}
