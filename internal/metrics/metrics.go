// Package metrics exposes the pipeline's failure and throughput counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	eventsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flapjack_events_rejected_total",
		Help: "Total number of inbound events rejected as malformed",
	})
	eventsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flapjack_events_dropped_total",
		Help: "Total number of valid events dropped (unknown check, stale sample)",
	})
	eventsProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flapjack_events_processed_total",
		Help: "Total number of events applied to checks",
	})
	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flapjack_notifications_total",
		Help: "Total number of notifications emitted by the processor",
	}, []string{"type"})
	alertsDeliveredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flapjack_alerts_delivered_total",
		Help: "Total number of alerts delivered per medium",
	}, []string{"medium"})
	alertsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flapjack_alerts_failed_total",
		Help: "Total number of alerts permanently failed per medium",
	}, []string{"medium"})
)

// Register registers all pipeline collectors. Call once at startup.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		eventsRejectedTotal,
		eventsDroppedTotal,
		eventsProcessedTotal,
		notificationsTotal,
		alertsDeliveredTotal,
		alertsFailedTotal,
	)
}

// IncEventRejected counts one malformed inbound event.
func IncEventRejected() { eventsRejectedTotal.Inc() }

// IncEventDropped counts one valid but unprocessable event.
func IncEventDropped() { eventsDroppedTotal.Inc() }

// IncEventProcessed counts one applied event.
func IncEventProcessed() { eventsProcessedTotal.Inc() }

// IncNotification counts one emitted notification by type.
func IncNotification(notificationType string) {
	notificationsTotal.WithLabelValues(notificationType).Inc()
}

// IncAlertDelivered counts one successful delivery on a medium.
func IncAlertDelivered(medium string) { alertsDeliveredTotal.WithLabelValues(medium).Inc() }

// IncAlertFailed counts one permanently failed delivery on a medium.
func IncAlertFailed(medium string) { alertsFailedTotal.WithLabelValues(medium).Inc() }
