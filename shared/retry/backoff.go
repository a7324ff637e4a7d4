// Package retry paces reconnect attempts. The delay curve comes from
// github.com/jpillora/backoff; this package adds an attempt cap and
// context-aware waiting.
package retry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// ErrMaxRetriesExceeded is returned when the maximum retry count is reached.
var ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

// Config holds retry configuration.
type Config struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries.
	MaxDelay time.Duration
	// Multiplier is the factor by which the delay increases after each retry.
	Multiplier float64
	// MaxRetries is the maximum number of retry attempts. 0 means infinite.
	MaxRetries int
	// Jitter randomizes each delay between InitialDelay and the computed value.
	Jitter bool
}

// DefaultConfig returns the configuration used between control sessions.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxRetries:   0,
		Jitter:       true,
	}
}

// Backoff calculates successive retry delays.
type Backoff struct {
	mu         sync.Mutex
	b          *backoff.Backoff
	maxRetries int
}

// NewBackoff creates a new Backoff calculator.
func NewBackoff(cfg Config) *Backoff {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = 2.0
	}
	return &Backoff{
		b: &backoff.Backoff{
			Min:    cfg.InitialDelay,
			Max:    cfg.MaxDelay,
			Factor: cfg.Multiplier,
			Jitter: cfg.Jitter,
		},
		maxRetries: cfg.MaxRetries,
	}
}

// Next returns the next backoff duration and increments the attempt counter.
// It returns false once MaxRetries attempts have been handed out.
func (b *Backoff) Next() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxRetries > 0 && int(b.b.Attempt()) >= b.maxRetries {
		return 0, false
	}
	return b.b.Duration(), true
}

// NextWithContext waits for the backoff duration or until ctx is done.
// Returns nil if the wait completed, ctx.Err() if canceled, or
// ErrMaxRetriesExceeded.
func (b *Backoff) NextWithContext(ctx context.Context) error {
	delay, ok := b.Next()
	if !ok {
		return ErrMaxRetriesExceeded
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Reset resets the attempt counter.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.b.Reset()
	b.mu.Unlock()
}

// Attempt returns the current attempt number.
func (b *Backoff) Attempt() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(b.b.Attempt())
}
