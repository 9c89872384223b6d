package retry

import (
	"testing"
	"time"
)

func TestNextDelayGrowth(t *testing.T) {
	p := &Policy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     1 * time.Second,
		Multiplier:   2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{-1, 0},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, 1 * time.Second}, // capped
		{6, 1 * time.Second},
	}

	for _, tt := range tests {
		if got := p.NextDelay(tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestNextDelayJitterStaysInRange(t *testing.T) {
	p := &Policy{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   1.0,
		Jitter:       0.1,
	}

	lo := 90 * time.Millisecond
	hi := 110 * time.Millisecond
	for i := 0; i < 100; i++ {
		if got := p.NextDelay(1); got < lo || got > hi {
			t.Fatalf("NextDelay(1) = %v, want within [%v, %v]", got, lo, hi)
		}
	}
}

func TestShouldRetry(t *testing.T) {
	limited := &Policy{MaxAttempts: 3}
	if !limited.ShouldRetry(1, nil) || !limited.ShouldRetry(2, nil) {
		t.Error("expected retries below MaxAttempts")
	}
	if limited.ShouldRetry(3, nil) {
		t.Error("expected no retry at MaxAttempts")
	}

	unlimited := Default()
	if !unlimited.ShouldRetry(1_000_000, nil) {
		t.Error("default policy should retry indefinitely")
	}

	if NoRetry().ShouldRetry(1, nil) {
		t.Error("NoRetry should never retry")
	}
}
