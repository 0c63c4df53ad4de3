package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff computes jittered exponential retry delays for a Policy.
//
// The spec's formula (§4.4) is
//
//	delay(attempt) = min(cap, base * 2^(attempt-1)) * U(1-j, 1+j)
//
// which is a single randomized sample around a deterministic target,
// not the library's usual stateful "grow after every call" walk. We
// get the library's non-cryptographic jitter (backoff.ExponentialBackOff
// uses math/rand internally) by building a fresh ExponentialBackOff
// per attempt with Multiplier=1 so it does not advance past the target
// interval, and taking its first NextBackOff() sample.
type Backoff struct {
	policy Policy
}

// NewBackoff constructs a Backoff bound to policy.
func NewBackoff(policy Policy) Backoff {
	return Backoff{policy: policy}
}

// Delay returns the backoff duration to wait before retry attempt k
// (1-indexed: the delay before the *first* retry is Delay(1)).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	target := b.policy.BackoffBase
	for i := 1; i < attempt; i++ {
		target *= 2
		if target >= b.policy.BackoffCap {
			target = b.policy.BackoffCap
			break
		}
	}
	if target > b.policy.BackoffCap {
		target = b.policy.BackoffCap
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = target
	eb.MaxInterval = target
	eb.Multiplier = 1
	eb.RandomizationFactor = b.policy.BackoffJitter
	eb.MaxElapsedTime = 0
	eb.Reset()

	return eb.NextBackOff()
}
