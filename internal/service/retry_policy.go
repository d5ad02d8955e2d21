package service

import (
	"math/rand/v2"
	"time"
)

// DefaultRetryLadder is the delay before the retry that follows each failed
// attempt. Failing once more after the last rung dead-letters the event.
var DefaultRetryLadder = []time.Duration{
	1 * time.Minute,
	5 * time.Minute,
	15 * time.Minute,
	60 * time.Minute,
}

// DefaultJitter spreads retries by up to ±20%.
const DefaultJitter = 0.2

// RetryPolicy maps a ladder position to the next delay.
type RetryPolicy struct {
	ladder []time.Duration
	jitter float64
	rand   func() float64
}

func NewRetryPolicy(ladder []time.Duration, jitter float64, randFn func() float64) *RetryPolicy {
	if randFn == nil {
		randFn = rand.Float64
	}
	return &RetryPolicy{ladder: ladder, jitter: jitter, rand: randFn}
}

func DefaultRetryPolicy() *RetryPolicy {
	return NewRetryPolicy(DefaultRetryLadder, DefaultJitter, nil)
}

// MaxAttempts is the number of attempts made before dead-lettering.
func (p *RetryPolicy) MaxAttempts() int {
	return len(p.ladder) + 1
}

// Next returns the delay after the failed attempt at the given 1-based ladder
// position. ok is false once the ladder is exhausted.
func (p *RetryPolicy) Next(position int) (delay time.Duration, ok bool) {
	if position < 1 {
		position = 1
	}
	if position > len(p.ladder) {
		return 0, false
	}
	base := p.ladder[position-1]
	factor := 1 + p.jitter*(2*p.rand()-1)
	return time.Duration(float64(base) * factor), true
}
