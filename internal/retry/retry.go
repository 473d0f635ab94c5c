package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

const (
	defaultMaxAttempts = 5
	defaultInitial     = 500 * time.Millisecond
	defaultMultiplier  = 2.0
	defaultMaxDelay    = 10 * time.Second
	defaultMaxElapsed  = 2 * time.Minute
)

// Backoff computes capped exponential delays. The zero value uses defaults.
type Backoff struct {
	Initial    time.Duration
	Multiplier float64
	Max        time.Duration
}

// Next returns the delay before attempt n (0-based).
func (b Backoff) Next(attempt int) time.Duration {
	initial := b.Initial
	if initial <= 0 {
		initial = defaultInitial
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = defaultMultiplier
	}
	max := b.Max
	if max <= 0 {
		max = defaultMaxDelay
	}

	delay := initial
	for i := 0; i < attempt; i++ {
		if delay >= max {
			return max
		}
		next := time.Duration(float64(delay) * multiplier)
		if next <= delay {
			// Multiplier of 1 or overflow: stop growing.
			return min(delay, max)
		}
		delay = next
	}
	return min(delay, max)
}

// retryable is probed on errors via errors.As; transport errors implement it.
type retryable interface {
	Retryable() bool
}

// Retryable classifies an error for retry purposes. Errors that declare
// themselves win; context cancellation is never retried; anything else is
// assumed transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Policy is a pure retry decision module: given the error, the number of
// attempts already made, and the elapsed retry time, it yields the delay
// before the next attempt or tells the caller to abort.
type Policy struct {
	MaxAttempts int
	MaxElapsed  time.Duration
	Backoff     Backoff

	// JitterFn spreads delays to avoid synchronized retry storms. Nil uses
	// a half-delay random spread; tests inject the identity.
	JitterFn func(time.Duration) time.Duration
}

// Decide returns (delay, true) to retry after delay, or (0, false) to abort.
// attempt is the number of attempts already made (>= 1).
func (p Policy) Decide(err error, attempt int, elapsed time.Duration) (time.Duration, bool) {
	if !Retryable(err) {
		return 0, false
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	if attempt >= maxAttempts {
		return 0, false
	}

	maxElapsed := p.MaxElapsed
	if maxElapsed <= 0 {
		maxElapsed = defaultMaxElapsed
	}
	if elapsed >= maxElapsed {
		return 0, false
	}

	delay := p.Backoff.Next(attempt - 1)
	if p.JitterFn != nil {
		return p.JitterFn(delay), true
	}
	return jitter(delay), true
}

// jitter keeps at least half the delay and randomizes the rest.
func jitter(delay time.Duration) time.Duration {
	if delay <= 1 {
		return delay
	}
	half := delay / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

func min(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
