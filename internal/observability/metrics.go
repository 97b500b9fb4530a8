package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	TripsRequested   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_requested_total", Help: "Trips created by clients"})
	TripTransitions  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Applied trip status transitions"}, []string{"to"})
	AcceptConflicts  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Accept attempts that lost the race"})
	TripsReclaimed   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_reclaimed_total", Help: "Unaccepted trips cancelled by the reclaimer"})
	InvoicesCreated  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "invoices_created_total", Help: "Invoices issued on first payment confirmation"})
	WSConnections    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_connections", Help: "Open realtime connections"})
	DriversOnline    = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_connected", Help: "Drivers with a joined connection"})
	RoomDeliveries   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "room_deliveries_total", Help: "Frames delivered to room members"}, []string{"event"})
	EventsHandled    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "events_total", Help: "Inbound realtime events by outcome"}, []string{"event", "outcome"})
	LocationUpdates  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "location_updates_total", Help: "Driver position updates, by whether they were persisted"}, []string{"persisted"})
	StreamDropped    = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: "stream_dropped_total", Help: "Outbound stream messages dropped because the publish queue was full"}, []string{"stream"})
	ReclaimSweepTime = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "reclaim_sweep_seconds", Help: "Duration of orphan reclaim sweeps"})

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
