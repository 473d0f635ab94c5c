package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type taggedErr struct {
	retryable bool
}

func (e *taggedErr) Error() string   { return fmt.Sprintf("tagged retryable=%v", e.retryable) }
func (e *taggedErr) Retryable() bool { return e.retryable }

func TestBackoff_Next(t *testing.T) {
	t.Parallel()

	b := Backoff{Initial: 2 * time.Second, Multiplier: 1.5, Max: 30 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 2 * time.Second},
		{attempt: 1, want: 3 * time.Second},
		{attempt: 2, want: 4500 * time.Millisecond},
		{attempt: 10, want: 30 * time.Second},
		{attempt: 100, want: 30 * time.Second},
	}
	for _, tc := range cases {
		if got := b.Next(tc.attempt); got != tc.want {
			t.Fatalf("Next(%d): got %s want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoff_ZeroValueUsesDefaults(t *testing.T) {
	t.Parallel()

	var b Backoff
	if got := b.Next(0); got != defaultInitial {
		t.Fatalf("Next(0): got %s want %s", got, defaultInitial)
	}
	if got := b.Next(1000); got != defaultMaxDelay {
		t.Fatalf("Next(1000): got %s want %s", got, defaultMaxDelay)
	}
}

func TestRetryable_Classification(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "canceled", err: context.Canceled, want: false},
		{name: "deadline", err: context.DeadlineExceeded, want: false},
		{name: "tagged retryable", err: &taggedErr{retryable: true}, want: true},
		{name: "tagged terminal", err: &taggedErr{retryable: false}, want: false},
		{name: "wrapped tagged terminal", err: fmt.Errorf("call: %w", &taggedErr{retryable: false}), want: false},
		{name: "unknown assumed transient", err: errors.New("connection reset by peer"), want: true},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("%s: got %v want %v", tc.name, got, tc.want)
		}
	}
}

func TestPolicy_Decide(t *testing.T) {
	t.Parallel()

	identity := func(d time.Duration) time.Duration { return d }
	p := Policy{
		MaxAttempts: 3,
		MaxElapsed:  time.Minute,
		Backoff:     Backoff{Initial: time.Second, Multiplier: 2, Max: 8 * time.Second},
		JitterFn:    identity,
	}
	transient := &taggedErr{retryable: true}

	delay, retry := p.Decide(transient, 1, 0)
	if !retry || delay != time.Second {
		t.Fatalf("attempt 1: got (%s, %v)", delay, retry)
	}
	delay, retry = p.Decide(transient, 2, time.Second)
	if !retry || delay != 2*time.Second {
		t.Fatalf("attempt 2: got (%s, %v)", delay, retry)
	}
	if _, retry = p.Decide(transient, 3, 3*time.Second); retry {
		t.Fatalf("attempt 3: expected abort after max attempts")
	}
	if _, retry = p.Decide(transient, 1, time.Hour); retry {
		t.Fatalf("expected abort after max elapsed")
	}
	if _, retry = p.Decide(&taggedErr{retryable: false}, 1, 0); retry {
		t.Fatalf("expected abort for terminal error")
	}
}

func TestPolicy_JitterStaysWithinDelay(t *testing.T) {
	t.Parallel()

	p := Policy{Backoff: Backoff{Initial: 4 * time.Second, Multiplier: 2, Max: time.Minute}}
	for i := 0; i < 100; i++ {
		delay, retry := p.Decide(errors.New("transient"), 1, 0)
		if !retry {
			t.Fatalf("expected retry")
		}
		if delay < 2*time.Second || delay > 4*time.Second {
			t.Fatalf("jittered delay %s outside [2s, 4s]", delay)
		}
	}
}
