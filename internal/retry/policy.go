// Package retry derives the connection's timeouts from a measured
// latency baseline and produces jittered exponential backoff delays,
// per spec.md §4.4.
package retry

import "time"

// Policy holds the derived timeouts and backoff parameters for one
// connection. Construct with NewPolicy; all fields are read-only after
// construction.
type Policy struct {
	MeasuredP99      time.Duration
	AckTimeout       time.Duration
	HandshakeTimeout time.Duration
	HeartbeatTimeout time.Duration
	CleanupInterval  time.Duration

	MaxRetries      int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	BackoffJitter   float64
}

// clampDuration constrains d to [lo, hi].
func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

// NewPolicy derives ack/handshake/heartbeat timeouts and the cleanup
// interval from measuredP99, following spec.md §4.4:
//
//	ack_timeout       = 2.5 * p99
//	handshake_timeout = 2.5 * ack_timeout
//	heartbeat_timeout = max(3 * ack_timeout, 10s)
//	cleanup_interval  = clamp(ack_timeout/3, 10s, 60s)
func NewPolicy(measuredP99 time.Duration, maxRetries int, backoffCap time.Duration, jitter float64) Policy {
	ackTimeout := time.Duration(float64(measuredP99) * 2.5)
	handshakeTimeout := time.Duration(float64(ackTimeout) * 2.5)
	heartbeatTimeout := 3 * ackTimeout
	if heartbeatTimeout < 10*time.Second {
		heartbeatTimeout = 10 * time.Second
	}
	cleanupInterval := clampDuration(ackTimeout/3, 10*time.Second, 60*time.Second)

	return Policy{
		MeasuredP99:      measuredP99,
		AckTimeout:        ackTimeout,
		HandshakeTimeout:  handshakeTimeout,
		HeartbeatTimeout:  heartbeatTimeout,
		CleanupInterval:   cleanupInterval,
		MaxRetries:        maxRetries,
		BackoffBase:       ackTimeout,
		BackoffCap:        backoffCap,
		BackoffJitter:     jitter,
	}
}

// DefaultMeasuredP99 is the spec's default measured ACK latency (51ms).
const DefaultMeasuredP99 = 51 * time.Millisecond

// DefaultMaxRetries, DefaultBackoffCap, DefaultBackoffJitter are the
// remaining spec.md §6 configuration defaults.
const (
	DefaultMaxRetries    = 3
	DefaultBackoffCap    = 2 * time.Second
	DefaultBackoffJitter = 0.1
)

// DefaultPolicy returns the policy implied by the spec's defaults.
func DefaultPolicy() Policy {
	return NewPolicy(DefaultMeasuredP99, DefaultMaxRetries, DefaultBackoffCap, DefaultBackoffJitter)
}
