package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	RoomsCreated         prometheus.Counter
	Transitions          *prometheus.CounterVec
	EventErrors          *prometheus.CounterVec
	PersistFailures      prometheus.Counter
	PersistRetries       prometheus.Counter
	DirtyRooms           prometheus.Gauge
	Overloaded           prometheus.Counter
	ClockSkew            prometheus.Counter
	SendFailures         prometheus.Counter
	NotificationsDropped prometheus.Counter
	LiveSessions         prometheus.Gauge
	CallDuration         prometheus.Histogram
}

// New registers the service metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RoomsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "consult_rooms_created_total",
			Help: "Rooms created.",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_room_events_total",
			Help: "Room events applied, by event kind and resulting status.",
		}, []string{"event", "status"}),
		EventErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "consult_room_event_errors_total",
			Help: "Room events rejected, by event kind and error.",
		}, []string{"event", "error"}),
		PersistFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "consult_persist_failures_total",
			Help: "Room record writes that failed or timed out.",
		}),
		PersistRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "consult_persist_retries_total",
			Help: "Background rewrites of rooms with unpersisted state.",
		}),
		DirtyRooms: f.NewGauge(prometheus.GaugeOpts{
			Name: "consult_dirty_rooms",
			Help: "Rooms whose in-memory state is ahead of the store.",
		}),
		Overloaded: f.NewCounter(prometheus.CounterOpts{
			Name: "consult_room_overloaded_total",
			Help: "Events rejected because the per-room queue was full.",
		}),
		ClockSkew: f.NewCounter(prometheus.CounterOpts{
			Name: "consult_clock_skew_total",
			Help: "Calls whose duration was clamped to zero.",
		}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "consult_send_failures_total",
			Help: "Messages that could not be handed to a peer session.",
		}),
		NotificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "consult_notifications_dropped_total",
			Help: "Call-ended notifications dropped because the bus was full.",
		}),
		LiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "consult_live_sessions",
			Help: "Transport sessions attached to rooms.",
		}),
		CallDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "consult_call_duration_seconds",
			Help:    "Duration of ended calls.",
			Buckets: []float64{30, 60, 300, 600, 900, 1800, 3600, 7200},
		}),
	}
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
