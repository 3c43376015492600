package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleet_sync"

var (
	SnapshotsApplied = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "snapshots_applied_total", Help: "Snapshot replace-sets applied to the store"}, []string{"feed"})
	SnapshotsStale   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "snapshots_stale_total", Help: "Snapshots discarded because a newer sequence was already applied"}, []string{"feed"})
	FetchErrors      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "fetch_errors_total", Help: "Failed snapshot fetches"}, []string{"feed"})
	FetchLatency     = promauto.NewHistogramVec(prometheus.HistogramOpts{Namespace: namespace, Name: "fetch_duration_seconds", Help: "Snapshot fetch latency", Buckets: prometheus.DefBuckets}, []string{"feed"})
	TicksDropped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "poll_ticks_dropped_total", Help: "Scheduled polls skipped because a fetch was still outstanding"})
	RefreshTriggers  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "refresh_triggers_total", Help: "Out-of-band snapshot fetch requests"}, []string{"reason"})
	EntitiesRemoved  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "entities_removed_total", Help: "Entities removed because a snapshot no longer contained them"}, []string{"collection"})

	PushMessages    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "push_messages_total", Help: "Messages received on the event stream"}, []string{"type"})
	PushInvalid     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "push_messages_invalid_total", Help: "Event stream messages that could not be decoded"})
	StreamConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "stream_connected", Help: "1 while the event stream is connected"})
	StreamReconnect = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stream_reconnects_total", Help: "Event stream reconnections"})

	PendingEdits  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "pending_edits", Help: "Local edits awaiting confirmation"})
	EditsResolved = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "edits_resolved_total", Help: "Local edits resolved by outcome"}, []string{"outcome"})
	FieldsHeld    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "snapshot_fields_held_total", Help: "Snapshot fields dropped in favour of a pending local edit"})

	PODUploads      = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "pod_uploads_total", Help: "Proof-of-delivery uploads by result"}, []string{"result"})
	Transitions     = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "stop_transitions_total", Help: "Stop status transition calls"}, []string{"status", "result"})
	PartialCommits  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "partial_commits_total", Help: "POD saved but status transition failed"})
	DriversOnline   = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers seen within the presence window"})
	NotifySessions  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "notify_sessions", Help: "Connected UI websocket sessions"})
	GeoMirrorErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geo_mirror_errors_total", Help: "Failed redis geo mirror writes"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
