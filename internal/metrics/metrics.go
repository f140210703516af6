// Package metrics holds the coordinator's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const Namespace = "collabd"

// Edit outcomes.
const (
	EditDirect      = "direct"
	EditTransformed = "transformed"
	EditReset       = "reset"
	EditRejected    = "rejected"
	EditDuplicate   = "duplicate"
)

type Metrics struct {
	registry *prometheus.Registry

	Rooms            prometheus.Gauge
	Sessions         prometheus.Gauge
	Edits            *prometheus.CounterVec
	DebugTransitions *prometheus.CounterVec
	Broadcasts       prometheus.Counter
	DroppedFrames    prometheus.Counter
	SessionTimeouts  prometheus.Counter
	Dispatch         *prometheus.HistogramVec
}

// New registers the collectors in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		Rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "rooms",
			Help:      "Rooms currently alive",
		}),
		Sessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "sessions",
			Help:      "Connected sessions across all rooms",
		}),
		Edits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "edits_total",
			Help:      "Edit operations by outcome",
		}, []string{"outcome"}),
		DebugTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "debug_transitions_total",
			Help:      "Debug session state transitions by target state",
		}, []string{"state"}),
		Broadcasts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "broadcast_frames_total",
			Help:      "Frames queued to sessions",
		}),
		DroppedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames that could not be queued because a session's buffer was full",
		}),
		SessionTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "session_timeouts_total",
			Help:      "Sessions removed for inactivity",
		}),
		Dispatch: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent handling an inbound message",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"type"}),
	}
}

// ObserveDispatch records how long handling a message of type t took.
func (m *Metrics) ObserveDispatch(t string, start time.Time) {
	m.Dispatch.WithLabelValues(t).Observe(time.Since(start).Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
