package domain

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffPolicy computes the delay before a failed job becomes eligible
// again. The delay is persisted as next_run_at, so this is a pure function
// of the attempt number rather than an in-process retry loop.
type BackoffPolicy struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	// Jitter is the +/- fraction applied to the computed delay, e.g. 0.2.
	Jitter float64
}

// DefaultBackoff matches the scheduling defaults: 30s base, x2, 10m cap,
// +/-20% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: 30 * time.Second, Factor: 2, Cap: 10 * time.Minute, Jitter: 0.2}
}

// Delay returns the backoff for the given retry attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempt-1))
	if d > float64(p.Cap) {
		d = float64(p.Cap)
	}
	if p.Jitter > 0 {
		d += (rand.Float64()*2 - 1) * p.Jitter * d
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
