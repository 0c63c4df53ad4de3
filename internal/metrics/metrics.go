// Package metrics defines the counters, gauges, and histograms of
// spec.md §4.7/§7. Each Transport owns one Metrics value, registered
// against a caller-supplied prometheus.Registerer so embedding
// binaries can expose them on their own mux; the core never serves
// HTTP itself.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConnectionState enumerates the values of the connection_state gauge,
// matching the states of spec.md §3.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// Metrics bundles every collector the core emits to.
type Metrics struct {
	AckReceivedTotal     *prometheus.CounterVec
	AckTimeoutTotal      prometheus.Counter
	IdempotentDropTotal  prometheus.Counter
	RetryAttemptsTotal   *prometheus.CounterVec
	MessageAbandonedTotal *prometheus.CounterVec
	HandshakeTotal       *prometheus.CounterVec
	ReconnectionTotal    *prometheus.CounterVec
	HeartbeatTotal       *prometheus.CounterVec
	DedupCacheHitsTotal  prometheus.Counter
	DedupCacheEvictions  prometheus.Counter
	LateAckTotal         prometheus.Counter
	OrphanAckTotal       prometheus.Counter

	ConnectionStateGauge prometheus.Gauge
	DedupCacheSizeGauge  prometheus.Gauge

	StateLockHoldSeconds prometheus.Histogram
	AckLatencySeconds    *prometheus.HistogramVec
}

// New constructs the collector set with the given namespace (e.g.
// "cync_transport") and registers them against reg. A nil reg skips
// registration, useful for tests that only want the collectors'
// observation methods without a live registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AckReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "ack_received_total", Help: "ACK packets received, by type and outcome.",
		}, []string{"type", "outcome"}),
		AckTimeoutTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ack_timeout_total", Help: "Sends that timed out waiting for an ACK.",
		}),
		IdempotentDropTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "idempotent_drop_total", Help: "Duplicate inbound packets dropped after re-ACK.",
		}),
		RetryAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retry_attempts_total", Help: "Retry attempts, by attempt number.",
		}, []string{"attempt"}),
		MessageAbandonedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "message_abandoned_total", Help: "Messages abandoned, by reason.",
		}, []string{"reason"}),
		HandshakeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handshake_total", Help: "Handshake attempts, by outcome.",
		}, []string{"outcome"}),
		ReconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnection_total", Help: "Reconnections, by triggering reason.",
		}, []string{"reason"}),
		HeartbeatTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_total", Help: "Heartbeats, by outcome.",
		}, []string{"outcome"}),
		DedupCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dedup_cache_hits_total", Help: "Inbound packets recognized as duplicates.",
		}),
		DedupCacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "dedup_cache_evictions_total", Help: "Dedup cache entries evicted (size or TTL).",
		}),
		LateAckTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "late_ack_total", Help: "0x7B ACKs that arrived after their send had already timed out.",
		}),
		OrphanAckTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "orphan_ack_total", Help: "FIFO ACKs received with no corresponding pending request.",
		}),
		ConnectionStateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state", Help: "Current connection state (0=Disconnected,1=Connecting,2=Connected,3=Reconnecting).",
		}),
		DedupCacheSizeGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "dedup_cache_size", Help: "Current number of entries in the dedup cache.",
		}),
		StateLockHoldSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "state_lock_hold_seconds", Help: "Time the connection state lock was held.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}),
		AckLatencySeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ack_latency_seconds", Help: "Time from send to matching ACK, by packet type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
	}

	if reg != nil {
		collectors := []prometheus.Collector{
			m.AckReceivedTotal, m.AckTimeoutTotal, m.IdempotentDropTotal,
			m.RetryAttemptsTotal, m.MessageAbandonedTotal, m.HandshakeTotal,
			m.ReconnectionTotal, m.HeartbeatTotal, m.DedupCacheHitsTotal,
			m.DedupCacheEvictions, m.LateAckTotal, m.OrphanAckTotal,
			m.ConnectionStateGauge, m.DedupCacheSizeGauge,
			m.StateLockHoldSeconds, m.AckLatencySeconds,
		}
		for _, c := range collectors {
			// Ignore AlreadyRegisteredError so tests may construct several
			// Metrics against the same default registry in sequence.
			if err := reg.Register(c); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					_ = are
					continue
				}
			}
		}
	}

	return m
}

// SetConnectionState updates the connection_state gauge.
func (m *Metrics) SetConnectionState(s ConnectionState) {
	m.ConnectionStateGauge.Set(float64(s))
}
