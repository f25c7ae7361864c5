package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters exported by the core. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	MessagesIngested    *prometheus.CounterVec
	MessagesCollapsed   *prometheus.CounterVec
	TimestampFallbacks  prometheus.Counter
	FullResyncs         prometheus.Counter
	ServerResets        prometheus.Counter
	CallTransitions     *prometheus.CounterVec
	IceCandidatesBuffer prometheus.Counter
	Reconnects          prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatter_messages_ingested_total",
			Help: "Messages merged into a room's canonical list by source.",
		}, []string{"source"}),
		MessagesCollapsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatter_messages_collapsed_total",
			Help: "Duplicate records collapsed by matching rule.",
		}, []string{"rule"}),
		TimestampFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatter_timestamp_fallbacks_total",
			Help: "Timestamps that could not be parsed and were replaced by the current time.",
		}),
		FullResyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatter_sync_full_resyncs_total",
			Help: "Full resyncs triggered by an empty incremental fetch.",
		}),
		ServerResets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatter_sync_resets_total",
			Help: "Room caches cleared because the full resync came back empty.",
		}),
		CallTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatter_call_transitions_total",
			Help: "Call state transitions by target state.",
		}, []string{"state"}),
		IceCandidatesBuffer: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatter_ice_candidates_buffered_total",
			Help: "Remote ICE candidates buffered before the remote description was applied.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatter_socket_reconnects_total",
			Help: "Socket reconnect attempts.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.MessagesIngested, m.MessagesCollapsed, m.TimestampFallbacks,
			m.FullResyncs, m.ServerResets, m.CallTransitions,
			m.IceCandidatesBuffer, m.Reconnects,
		)
	}
	return m
}

func (m *Metrics) ingested(source string) {
	if m == nil {
		return
	}
	m.MessagesIngested.WithLabelValues(source).Inc()
}

func (m *Metrics) collapsed(rule string) {
	if m == nil {
		return
	}
	m.MessagesCollapsed.WithLabelValues(rule).Inc()
}

func (m *Metrics) timestampFallback() {
	if m == nil {
		return
	}
	m.TimestampFallbacks.Inc()
}

func (m *Metrics) fullResync() {
	if m == nil {
		return
	}
	m.FullResyncs.Inc()
}

func (m *Metrics) serverReset() {
	if m == nil {
		return
	}
	m.ServerResets.Inc()
}

func (m *Metrics) callTransition(s CallState) {
	if m == nil {
		return
	}
	m.CallTransitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) iceBuffered() {
	if m == nil {
		return
	}
	m.IceCandidatesBuffer.Inc()
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.Reconnects.Inc()
}
