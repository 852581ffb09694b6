package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "vendor_tracking"

var (
	LocationUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Location updates by source and outcome"},
		[]string{"source", "result"},
	)
	GeocodeFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "geocode_failures_total", Help: "Reverse geocoding failures and timeouts"})
	VendorsOnline        = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "vendors_online", Help: "Number of discoverable vendors"})
	StopsCompletedTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "stops_completed_total", Help: "Roaming stops marked completed"})
	ProfileWriteErrors   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "profile_write_errors_total", Help: "Failed write-behind updates to the profile store"})

	ProximityQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "proximity_queries_total", Help: "Proximity queries by kind"},
		[]string{"kind"},
	)
	ProximityLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "proximity_query_seconds", Help: "Proximity query latency", Buckets: prometheus.DefBuckets},
		[]string{"kind"},
	)

	BroadcastEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_events_total", Help: "Events enqueued to subscribers by event kind"},
		[]string{"event"},
	)
	BroadcastDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "broadcast_drops_total", Help: "Connections dropped during delivery"},
		[]string{"reason"},
	)
	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open push-channel connections"})

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
