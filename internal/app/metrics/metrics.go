/*
Package metrics exposes the broker's Prometheus counters and gauges.

All recording methods accept a nil *Metrics, so components can run without instrumentation.
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pairup"

// Relay outcomes.
const (
	RelayDelivered     = "delivered"
	RelayNoPartner     = "no_partner"
	RelayPartnerGone   = "partner_gone"
	RelayBackendError  = "backend_error"
	RelaySendFailed    = "send_failed"
	RelayNotRelayable  = "not_relayable"
	RelayInvalidFormat = "invalid"
)

// Candidate discard reasons.
const (
	DiscardSelf     = "self"
	DiscardNotLive  = "not_live"
	DiscardLinkFail = "link_failed"
)

// Metrics owns a private registry so tests and multiple instances do not collide.
type Metrics struct {
	registry *prometheus.Registry

	matches             prometheus.Counter
	waiting             prometheus.Counter
	teardowns           *prometheus.CounterVec
	candidatesDiscarded *prometheus.CounterVec
	relayMessages       *prometheus.CounterVec
	connectionsActive   prometheus.Gauge
	participants        *prometheus.GaugeVec
}

// New creates and registers every collector, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "matches_total",
			Help:      "Partnerships created.",
		}),
		waiting: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "waiting_total",
			Help:      "Times a participant was told to wait.",
		}),
		teardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Teardown calls, by whether a partnership was dissolved.",
		}, []string{"partnered"}),
		candidatesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_discarded_total",
			Help:      "Waiting-pool candidates discarded during matching.",
		}, []string{"reason"}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Signaling messages handled by the relay, by event and outcome.",
		}, []string{"event", "outcome"}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Open signaling connections on this process.",
		}),
		participants: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "participants",
			Help:      "Connected participants on this process, by observed pairing state.",
		}, []string{"state"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.matches,
		m.waiting,
		m.teardowns,
		m.candidatesDiscarded,
		m.relayMessages,
		m.connectionsActive,
		m.participants,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) MatchCreated() {
	if m == nil {
		return
	}
	m.matches.Inc()
}

func (m *Metrics) ParticipantWaiting() {
	if m == nil {
		return
	}
	m.waiting.Inc()
}

func (m *Metrics) Teardown(partnered bool) {
	if m == nil {
		return
	}
	label := "false"
	if partnered {
		label = "true"
	}
	m.teardowns.WithLabelValues(label).Inc()
}

func (m *Metrics) CandidateDiscarded(reason string) {
	if m == nil {
		return
	}
	m.candidatesDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) Relay(event, outcome string) {
	if m == nil {
		return
	}
	m.relayMessages.WithLabelValues(event, outcome).Inc()
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
}

// StateChanged moves one participant between observed-state buckets. An empty from or to is skipped.
func (m *Metrics) StateChanged(from, to string) {
	if m == nil {
		return
	}
	if from != "" {
		m.participants.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.participants.WithLabelValues(to).Inc()
	}
}
