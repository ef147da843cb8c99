// Package backoff computes retry delays for failed jobs. It does no I/O.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is exponential backoff with multiplicative jitter:
//
//	delay = min(Base * 2^attempts * (1 + rand[0, JitterFraction)), Max)
type Policy struct {
	Base           time.Duration
	Max            time.Duration
	JitterFraction float64

	// Rand returns a value in [0, 1). Nil means math/rand/v2.
	Rand func() float64
}

// New builds a policy, clamping the jitter fraction to [0, 1].
func New(base, maxDelay time.Duration, jitterFraction float64) Policy {
	if jitterFraction < 0 {
		jitterFraction = 0
	}
	if jitterFraction > 1 {
		jitterFraction = 1
	}
	return Policy{Base: base, Max: maxDelay, JitterFraction: jitterFraction}
}

// Floor is the delay for attempts before jitter, capped at Max.
func (p Policy) Floor(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(p.Base) * math.Pow(2, float64(attempts))
	if p.Max > 0 && d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for a job that has failed attempts times.
func (p Policy) Delay(attempts int) time.Duration {
	floor := p.Floor(attempts)
	r := rand.Float64 //nolint:gosec // jitter does not need crypto rand
	if p.Rand != nil {
		r = p.Rand
	}
	d := time.Duration(float64(floor) * (1 + r()*p.JitterFraction))
	if p.Max > 0 && d > p.Max {
		return p.Max
	}
	return d
}

// Next returns the earliest time the job becomes eligible again.
func (p Policy) Next(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}

// Between returns a uniformly random duration in [lo, hi]. It is used for
// the inter-dispatch pause, which is unrelated to failure backoff.
func Between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(rand.Int64N(int64(hi-lo)+1)) //nolint:gosec
}
