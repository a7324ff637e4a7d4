package logging

import (
	"sync"
	"time"
)

// throttleKeysMax is the key count above which stale keys are pruned.
const throttleKeysMax = 1024

// throttle admits one message per key per interval. Keys are scoped by
// category so two subsystems never silence each other.
type throttle struct {
	mu       sync.Mutex
	interval time.Duration
	seen     map[string]time.Time
}

func newThrottle(interval time.Duration) *throttle {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &throttle{interval: interval, seen: make(map[string]time.Time)}
}

func (t *throttle) allow(cat Category, key string, now time.Time) bool {
	if t == nil {
		return true
	}
	k := string(cat) + "\x00" + key

	t.mu.Lock()
	defer t.mu.Unlock()
	if last, ok := t.seen[k]; ok && now.Sub(last) < t.interval {
		return false
	}
	t.seen[k] = now
	if len(t.seen) > throttleKeysMax {
		t.prune(now)
	}
	return true
}

func (t *throttle) prune(now time.Time) {
	cutoff := now.Add(-10 * t.interval)
	for k, last := range t.seen {
		if last.Before(cutoff) {
			delete(t.seen, k)
		}
	}
}

// RateLimitedWarn logs a warning unless the same key in cat was logged
// within the logger's rate limit interval.
func (l *Logger) RateLimitedWarn(cat Category, key string, msg string, fields ...map[string]any) {
	if l.throttle.allow(cat, key, time.Now()) {
		l.Warn(cat, msg, fields...)
	}
}
