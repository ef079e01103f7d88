package journal

import (
	"math"
	"math/rand"
	"time"
)

// Policy is the retry policy for failed journal entries: exponential
// backoff with jitter, capped, with a hard attempt limit after which an
// entry goes terminal and is never retried automatically.
type Policy struct {
	// Base is the delay after the first failure.
	Base time.Duration

	// Cap bounds the delay regardless of attempt count.
	Cap time.Duration

	// MaxAttempts is the number of failures before an entry goes
	// terminal. Zero means never.
	MaxAttempts int

	// Jitter is the fractional spread applied to each delay, in [0, 1].
	Jitter float64

	// Rand overrides the jitter source in tests. Returns values in
	// [0, 1).
	Rand func() float64
}

// DefaultPolicy returns the stock retry policy.
func DefaultPolicy() Policy {
	return Policy{
		Base:        5 * time.Second,
		Cap:         5 * time.Minute,
		MaxAttempts: 8,
		Jitter:      0.1,
	}
}

// Delay returns how long to wait after the given failure count.
// attempts counts failures so far, so the first retry passes 1.
func (p Policy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	cap := p.Cap
	if cap <= 0 {
		cap = 5 * time.Minute
	}

	d := time.Duration(float64(base) * math.Pow(2, float64(attempts-1)))
	if d > cap || d <= 0 {
		d = cap
	}

	if p.Jitter > 0 {
		random := p.Rand
		if random == nil {
			random = rand.Float64
		}
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) + (random()*2-1)*spread)
		if d > cap {
			d = cap
		}
		if d < 0 {
			d = 0
		}
	}
	return d
}

// Exhausted reports whether an entry with the given failure count is out
// of automatic retries.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// NextAttempt returns the absolute time of the next retry after a
// failure at now.
func (p Policy) NextAttempt(now time.Time, attempts int) time.Time {
	return now.Add(p.Delay(attempts))
}
