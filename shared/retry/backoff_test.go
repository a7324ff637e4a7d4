package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoff_Exponential(t *testing.T) {
	b := NewBackoff(Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	})
	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, w := range want {
		got, ok := b.Next()
		if !ok {
			t.Fatalf("attempt %d: unexpected stop", i)
		}
		if got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
	if b.Attempt() != len(want) {
		t.Fatalf("expected attempt %d, got %d", len(want), b.Attempt())
	}
	b.Reset()
	if got, _ := b.Next(); got != 100*time.Millisecond {
		t.Fatalf("expected reset to initial delay, got %v", got)
	}
}

func TestBackoff_MaxRetries(t *testing.T) {
	b := NewBackoff(Config{InitialDelay: time.Millisecond, MaxRetries: 2})
	for i := 0; i < 2; i++ {
		if _, ok := b.Next(); !ok {
			t.Fatalf("attempt %d refused", i)
		}
	}
	if _, ok := b.Next(); ok {
		t.Fatal("expected stop after max retries")
	}
	if err := b.NextWithContext(context.Background()); !errors.Is(err, ErrMaxRetriesExceeded) {
		t.Fatalf("expected ErrMaxRetriesExceeded, got %v", err)
	}
}

func TestBackoff_ContextCanceled(t *testing.T) {
	b := NewBackoff(Config{InitialDelay: time.Minute, MaxDelay: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := b.NextWithContext(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("wait ignored the canceled context")
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	b := NewBackoff(Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 80 * time.Millisecond, Jitter: true})
	for i := 0; i < 20; i++ {
		d, _ := b.Next()
		if d < 10*time.Millisecond || d > 80*time.Millisecond {
			t.Fatalf("attempt %d: delay %v out of range", i, d)
		}
	}
}
