package chatsync

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons reported by Metrics.
const (
	dropMalformed  = "malformed"
	dropOutOfScope = "out_of_scope"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	eventsReceived *prometheus.CounterVec
	eventsDropped  *prometheus.CounterVec
	reconnects     prometheus.Counter
	state          *prometheus.GaugeVec
	httpDuration   *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_received_total",
			Help: "Inbound realtime events applied, by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_events_dropped_total",
			Help: "Inbound realtime events dropped, by reason.",
		}, []string{"reason"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_reconnect_attempts_total",
			Help: "Realtime reconnect attempts.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "chatsync_connection_state",
			Help: "1 for the current realtime connection state, 0 otherwise.",
		}, []string{"state"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	if reg != nil {
		reg.MustRegister(m.eventsReceived, m.eventsDropped, m.reconnects, m.state, m.httpDuration)
	}
	return m
}

func (m *Metrics) eventReceived(kind EventKind) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) eventDropped(reason string) {
	if m == nil {
		return
	}
	m.eventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	for _, st := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateReconnecting, StateFailed} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) observeHTTP(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}
