// Package metrics holds the Prometheus collectors of the sync engine.
// Collectors register with the default registry, served by promhttp on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_passes_total",
			Help: "Mailbox sync passes by outcome.",
		},
		[]string{
			"outcome", // completed, already_in_flight, skipped, cancelled, failed
		},
	)
	SyncChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sync_changes_total",
			Help: "Local message changes applied by sync passes.",
		},
		[]string{
			"kind", // inserted, updated, removed
		},
	)
	SyncPassDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mailsync_sync_pass_duration_seconds",
			Help:    "Duration of sync passes that began.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)
	WatchEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_watch_events_total",
			Help: "Live watch lifecycle events.",
		},
		[]string{
			"event", // started, stopped, restarted, degraded, healed
		},
	)
	ActiveWatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mailsync_watches_active",
			Help: "Live IDLE watches currently running.",
		},
	)
	PushNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_push_notifications_total",
			Help: "Push notifications received by result.",
		},
		[]string{
			"result", // enqueued, stale, unknown, invalid
		},
	)
	PushRenewals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_push_renewals_total",
			Help: "Push subscription renewals by result.",
		},
		[]string{
			"result", // ok, error
		},
	)
	MaintenanceActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_maintenance_actions_total",
			Help: "Recovery actions taken by the maintenance supervisor.",
		},
		[]string{
			"action", // reaped_sync, reaped_cancel, released_lease, abandoned_send, step_error
		},
	)
	Sends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_sends_total",
			Help: "Outbound send attempts by result.",
		},
		[]string{
			"result", // succeeded, retriable, failed, duplicate
		},
	)
	Jobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_jobs_total",
			Help: "Executed jobs by kind and result.",
		},
		[]string{
			"kind",
			"result", // done, retry, failed
		},
	)
	EventsAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailsync_events_total",
			Help: "Sync events appended to the event stream.",
		},
		[]string{
			"type",
		},
	)
)
