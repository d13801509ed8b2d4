package resilient

import (
	"math"
	"math/rand"
	"time"
)

// backoffPolicy computes exponential retry delays with jitter.
type backoffPolicy struct {
	// initial is the base delay for the first retry, used when the
	// subscription does not carry its own base delay.
	initial time.Duration

	// max caps the computed delay.
	max time.Duration

	// multiplier is the exponential growth factor.
	multiplier float64

	// jitterFactor is the maximum jitter as a fraction of the delay, to
	// avoid a thundering herd of simultaneous retries.
	jitterFactor float64
}

// transientBackoff is the aggressive schedule for deadline-exceeded,
// resource-exhausted and internal errors, which tend to clear quickly.
var transientBackoff = backoffPolicy{
	initial:      500 * time.Millisecond,
	max:          5 * time.Second,
	multiplier:   1.5,
	jitterFactor: 0.3,
}

// standardBackoff is the schedule for every other retryable error.
var standardBackoff = backoffPolicy{
	initial:      time.Second,
	max:          30 * time.Second,
	multiplier:   2.0,
	jitterFactor: 0.3,
}

// delay returns the wait before retry number attempt (0-based). base
// overrides the policy's initial delay when positive.
func (p backoffPolicy) delay(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		base = p.initial
	}

	d := float64(base) * math.Pow(p.multiplier, float64(attempt))
	if d > float64(p.max) {
		d = float64(p.max)
	}

	if p.jitterFactor > 0 {
		// math/rand is fine for jitter, not security-critical.
		jitter := d * p.jitterFactor * (2*rand.Float64() - 1)
		d += jitter
		if d < 0 {
			d = float64(base)
		}
	}

	return time.Duration(d)
}
