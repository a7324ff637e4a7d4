package logging

import (
	"sync"
	"time"
)

// Event is one log entry as served by the admin events endpoint.
type Event struct {
	TimeUnix  int64    `json:"time_unix"`
	Kind      string   `json:"kind"`
	Category  Category `json:"category"`
	Component string   `json:"component"`
	Proxy     string   `json:"proxy,omitempty"`
	RunID     string   `json:"run_id,omitempty"`
	ConnID    string   `json:"conn_id,omitempty"`
	Message   string   `json:"message"`
	Detail    string   `json:"detail,omitempty"`
	Level     string   `json:"level"`
}

// EventRing is a hook that keeps the most recent entries at or above a level.
type EventRing struct {
	mu       sync.RWMutex
	events   []Event
	maxSize  int
	minLevel Level

	// Per-category rate limiting
	rateMu   sync.Mutex
	rateKeys map[string]time.Time
	rateMin  time.Duration
}

// NewEventRing creates a ring holding at most maxSize events.
func NewEventRing(maxSize int, minLevel Level) *EventRing {
	if maxSize <= 0 {
		maxSize = 500
	}
	return &EventRing{
		events:   make([]Event, 0, maxSize),
		maxSize:  maxSize,
		minLevel: minLevel,
		rateKeys: make(map[string]time.Time),
		rateMin:  time.Second, // one event per second per category+kind
	}
}

// Hook returns a Hook function for use with Logger.AddHook.
func (d *EventRing) Hook() Hook {
	return func(entry Entry) {
		if entry.Level < d.minLevel {
			return
		}

		event := Event{
			TimeUnix:  entry.Time.Unix(),
			Kind:      d.kindFromEntry(entry),
			Category:  entry.Category,
			Component: entry.Component,
			Message:   entry.Message,
			Level:     entry.LevelStr,
		}

		// Extract common fields
		if proxy, ok := entry.Fields["proxy"].(string); ok {
			event.Proxy = proxy
		}
		if runID, ok := entry.Fields["run_id"].(string); ok {
			event.RunID = runID
		}
		if id, ok := entry.Fields["conn_id"].(string); ok {
			event.ConnID = id
		}
		if detail, ok := entry.Fields["detail"].(string); ok {
			event.Detail = detail
		}
		if entry.ErrorStr != "" {
			if event.Detail == "" {
				event.Detail = entry.ErrorStr
			} else {
				event.Detail += ": " + entry.ErrorStr
			}
		}

		// Rate limit by category+kind
		rateKey := string(event.Category) + "|" + event.Kind
		if !d.allowRated(rateKey) {
			return
		}

		d.addEvent(event)
	}
}

func (d *EventRing) kindFromEntry(entry Entry) string {
	// Try to extract kind from fields
	if kind, ok := entry.Fields["kind"].(string); ok {
		return kind
	}

	// Generate kind from level and category
	prefix := ""
	switch entry.Level {
	case LevelError, LevelFatal:
		prefix = "error_"
	case LevelWarn:
		prefix = "warn_"
	default:
		prefix = "info_"
	}
	return prefix + string(entry.Category)
}

func (d *EventRing) allowRated(key string) bool {
	now := time.Now()
	d.rateMu.Lock()
	defer d.rateMu.Unlock()

	if last, ok := d.rateKeys[key]; ok {
		if now.Sub(last) < d.rateMin {
			return false
		}
	}
	d.rateKeys[key] = now
	return true
}

func (d *EventRing) addEvent(event Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.events = append(d.events, event)
	if len(d.events) > d.maxSize {
		// Remove oldest events
		copy(d.events, d.events[len(d.events)-d.maxSize:])
		d.events = d.events[:d.maxSize]
	}
}

// Events returns a copy of recent events.
func (d *EventRing) Events() []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]Event, len(d.events))
	copy(result, d.events)
	return result
}

// EventsSince returns events since the given unix timestamp.
func (d *EventRing) EventsSince(sinceUnix int64) []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []Event
	for _, e := range d.events {
		if e.TimeUnix >= sinceUnix {
			result = append(result, e)
		}
	}
	return result
}

// EventsByCategory returns events filtered by category.
func (d *EventRing) EventsByCategory(cat Category) []Event {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var result []Event
	for _, e := range d.events {
		if e.Category == cat {
			result = append(result, e)
		}
	}
	return result
}

// EventStats summarizes the ring for the admin status page.
type EventStats struct {
	TotalEvents   int            `json:"total_events"`
	EventsByLevel map[string]int `json:"events_by_level"`
	EventsByCat   map[string]int `json:"events_by_category"`
	RecentErrors  int            `json:"recent_errors"` // Errors in last 5 minutes
}

func (d *EventRing) Stats() EventStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := EventStats{
		TotalEvents:   len(d.events),
		EventsByLevel: make(map[string]int),
		EventsByCat:   make(map[string]int),
	}

	cutoff := time.Now().Add(-5 * time.Minute).Unix()
	for _, e := range d.events {
		stats.EventsByLevel[e.Level]++
		stats.EventsByCat[string(e.Category)]++
		if (e.Level == "ERROR" || e.Level == "FATAL") && e.TimeUnix >= cutoff {
			stats.RecentErrors++
		}
	}
	return stats
}
