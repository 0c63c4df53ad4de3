package cynctransport

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/jslamartina/cync-transport/internal/logging"
)

// Options is the single configuration record recognized by the core,
// per spec.md §6. Every field has a default matching the spec; zero
// values are replaced by DefaultOptions()'s values in New.
type Options struct {
	Host string
	Port int

	MeasuredP99Ms         float64
	MaxRetries            int
	BackoffBaseMs         float64 // 0 selects ack_timeout, per spec.md §6
	BackoffCapMs          float64
	BackoffJitterFraction float64

	DedupMaxEntries int
	DedupTTLMs      int

	HeartbeatIntervalMs int

	// CloudForward is unused by the core; it exists so an embedding
	// relay can carry its own configuration alongside the transport's
	// without a second config type.
	CloudForward bool

	MetricsNamespace string
	Registerer       prometheus.Registerer
	Logger           *zerolog.Logger
}

// DefaultOptions returns the options implied by spec.md §4.4/§6.
func DefaultOptions() Options {
	return Options{
		MeasuredP99Ms:         51.0,
		MaxRetries:            3,
		BackoffCapMs:          2000,
		BackoffJitterFraction: 0.1,
		DedupMaxEntries:       1000,
		DedupTTLMs:            300000,
		HeartbeatIntervalMs:   60000,
		MetricsNamespace:      "cync_transport",
	}
}

// Validate replaces zero or negative fields with DefaultOptions' values
// (BackoffBaseMs is left as is) and rejects an empty Host or a
// non-positive Port.
func (o *Options) Validate() error {
	defaults := DefaultOptions()
	if o.MeasuredP99Ms <= 0 {
		o.MeasuredP99Ms = defaults.MeasuredP99Ms
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaults.MaxRetries
	}
	if o.BackoffCapMs <= 0 {
		o.BackoffCapMs = defaults.BackoffCapMs
	}
	if o.BackoffJitterFraction <= 0 {
		o.BackoffJitterFraction = defaults.BackoffJitterFraction
	}
	if o.DedupMaxEntries <= 0 {
		o.DedupMaxEntries = defaults.DedupMaxEntries
	}
	if o.DedupTTLMs <= 0 {
		o.DedupTTLMs = defaults.DedupTTLMs
	}
	if o.HeartbeatIntervalMs <= 0 {
		o.HeartbeatIntervalMs = defaults.HeartbeatIntervalMs
	}
	if o.MetricsNamespace == "" {
		o.MetricsNamespace = defaults.MetricsNamespace
	}
	if o.Host == "" {
		return fmt.Errorf("cynctransport: Host is required")
	}
	if o.Port <= 0 {
		return fmt.Errorf("cynctransport: Port must be positive")
	}
	return nil
}

func (o Options) measuredP99() time.Duration {
	return time.Duration(o.MeasuredP99Ms * float64(time.Millisecond))
}

func (o Options) backoffCap() time.Duration {
	return time.Duration(o.BackoffCapMs * float64(time.Millisecond))
}

func (o Options) dedupTTL() time.Duration {
	return time.Duration(o.DedupTTLMs) * time.Millisecond
}

func (o Options) heartbeatInterval() time.Duration {
	return time.Duration(o.HeartbeatIntervalMs) * time.Millisecond
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return logging.New(nil)
}
