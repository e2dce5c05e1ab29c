// Package metrics exposes Prometheus instrumentation for the outbound
// scheduler and its delivery workers. Metrics are registered on the default
// registry and served by the admin API's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SchedulerWakeups counts control loop wake-ups that led to a rescan.
	SchedulerWakeups = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postflux_scheduler_wakeups_total",
			Help: "Total number of scheduler rescans",
		},
	)

	// SchedulerDispatched counts delivery attempts handed to the dispatcher.
	SchedulerDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "postflux_scheduler_dispatched_total",
			Help: "Total number of delivery attempts dispatched",
		},
	)

	// SchedulerHolds counts holds recorded by reason.
	SchedulerHolds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postflux_scheduler_holds_total",
			Help: "Total number of holds recorded, by reason",
		},
		[]string{"reason"},
	)

	// SchedulerDueItems tracks the size of the last due-set enumeration.
	SchedulerDueItems = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postflux_scheduler_due_items",
			Help: "Number of due items seen in the last rescan",
		},
	)

	// SchedulerPaused reports whether the scheduler is paused (1) or not (0).
	SchedulerPaused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postflux_scheduler_paused",
			Help: "Whether the outbound scheduler is paused",
		},
	)

	// DeliveryAttempts counts delivery attempts by outcome
	// (delivered, tempfail, permfail, expired, throttled).
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postflux_delivery_attempts_total",
			Help: "Total number of per-domain delivery attempts, by outcome",
		},
		[]string{"outcome"},
	)

	// DeliveryDuration observes per-attempt delivery latency.
	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "postflux_delivery_duration_seconds",
			Help:    "Delivery attempt duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
	)

	// SpoolMessages tracks the number of messages currently spooled.
	SpoolMessages = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "postflux_spool_messages",
			Help: "Number of messages currently in the spool",
		},
	)
)
