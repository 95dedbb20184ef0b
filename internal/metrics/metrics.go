// Package metrics exposes Prometheus collectors for the sync core. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	sends           *prometheus.CounterVec
	decryptFailures prometheus.Counter
	activeFeeds     prometheus.Gauge
	rosterHeals     prometheus.Counter
	compensations   prometheus.Counter
	connections     prometheus.Gauge
}

// New builds the collectors and registers them on reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Messages appended to a feed, by conversation kind.",
		}, []string{"kind"}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_decrypt_failures_total",
			Help: "Messages rendered as unavailable.",
		}),
		activeFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_active_feeds",
			Help: "Open conversation feeds.",
		}),
		rosterHeals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_roster_heals_total",
			Help: "Roster entries recreated because they were missing.",
		}),
		compensations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatsync_create_compensations_total",
			Help: "Conversation creations rolled back after a partial failure.",
		}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatsync_ws_active_connections",
			Help: "Active websocket connections.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sends, m.decryptFailures, m.activeFeeds, m.rosterHeals, m.compensations, m.connections)
	}
	return m
}

func (m *Metrics) MessageSent(kind string) {
	if m != nil {
		m.sends.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) DecryptFailed() {
	if m != nil {
		m.decryptFailures.Inc()
	}
}

func (m *Metrics) FeedOpened() {
	if m != nil {
		m.activeFeeds.Inc()
	}
}

func (m *Metrics) FeedClosed() {
	if m != nil {
		m.activeFeeds.Dec()
	}
}

func (m *Metrics) RosterHealed() {
	if m != nil {
		m.rosterHeals.Inc()
	}
}

func (m *Metrics) Compensated() {
	if m != nil {
		m.compensations.Inc()
	}
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

// Handler returns an http.Handler for Prometheus scraping.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
