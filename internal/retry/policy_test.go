package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewPolicyDerivedTimeouts(t *testing.T) {
	p := NewPolicy(51*time.Millisecond, 3, 2*time.Second, 0.1)

	assert.Equal(t, 127500*time.Microsecond, p.AckTimeout) // 2.5 * 51ms
	assert.Equal(t, p.AckTimeout*5/2, p.HandshakeTimeout)
	assert.Equal(t, 10*time.Second, p.HeartbeatTimeout) // max(3*ack, 10s)
	assert.GreaterOrEqual(t, p.CleanupInterval, 10*time.Second)
	assert.LessOrEqual(t, p.CleanupInterval, 60*time.Second)
}

func TestHeartbeatTimeoutFloorsAtTenSeconds(t *testing.T) {
	// With a tiny p99, 3*ack_timeout would be well under 10s.
	p := NewPolicy(1*time.Millisecond, 3, 2*time.Second, 0.1)
	assert.Equal(t, 10*time.Second, p.HeartbeatTimeout)
}

func TestHeartbeatTimeoutScalesAboveFloor(t *testing.T) {
	// p99 large enough that 3*ack_timeout exceeds 10s.
	p := NewPolicy(2*time.Second, 3, 2*time.Second, 0.1)
	assert.Equal(t, 3*p.AckTimeout, p.HeartbeatTimeout)
}

func TestCleanupIntervalClamped(t *testing.T) {
	// Very small ack_timeout clamps up to 10s.
	p := NewPolicy(1*time.Millisecond, 3, 2*time.Second, 0.1)
	assert.Equal(t, 10*time.Second, p.CleanupInterval)

	// Very large ack_timeout clamps down to 60s.
	p2 := NewPolicy(100*time.Second, 3, 2*time.Second, 0.1)
	assert.Equal(t, 60*time.Second, p2.CleanupInterval)
}

func TestDefaultPolicyMatchesSpecDefaults(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 51*time.Millisecond, p.MeasuredP99)
	assert.Equal(t, 3, p.MaxRetries)
	assert.Equal(t, 2*time.Second, p.BackoffCap)
	assert.Equal(t, 0.1, p.BackoffJitter)
}
