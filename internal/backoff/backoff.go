// Package backoff provides retry delay strategies for the invocation gateway.
// All strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before a retry.
type Strategy interface {
	// Delay returns how long to wait before retry n (1-indexed).
	// Retry 1 is the first re-dispatch after the initial failure.
	Delay(retry int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Exponential doubles the delay each retry.
// Delay = min(Initial * 2^(retry-1), Max).
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponential creates an exponential strategy.
func NewExponential(initial, maxDelay time.Duration) *Exponential {
	return &Exponential{Initial: initial, Max: maxDelay}
}

// Delay returns Initial * 2^(retry-1), capped at Max.
func (e *Exponential) Delay(retry int) time.Duration {
	return capped(e.Initial, e.Max, retry)
}

// ExponentialWithJitter applies full jitter to an exponential base:
// a random value in [0, min(Initial * 2^(retry-1), Max)].
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// NewExponentialWithJitter creates an exponential strategy with full jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

// Delay returns a random duration in [0, min(Initial * 2^(retry-1), Max)].
func (e *ExponentialWithJitter) Delay(retry int) time.Duration {
	r := e.Rand
	if r == nil {
		r = rand.Float64 //nolint:gosec // jitter does not need crypto rand
	}
	return time.Duration(r() * float64(capped(e.Initial, e.Max, retry)))
}

// maxDuration bounds an uncapped strategy; past it the float product no
// longer converts to a positive Duration.
const maxDuration = time.Duration(math.MaxInt64)

func capped(initial, maxDelay time.Duration, retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	limit := maxDelay
	if limit <= 0 {
		limit = maxDuration
	}
	d := float64(initial) * math.Pow(2, float64(retry-1))
	if d >= float64(limit) {
		return limit
	}
	return time.Duration(d)
}

// DefaultStrategy is the gateway default: full jitter, 200ms initial, 10s max.
func DefaultStrategy() Strategy {
	return NewExponentialWithJitter(200*time.Millisecond, 10*time.Second)
}
