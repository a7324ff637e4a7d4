package agent

import (
	"sort"
	"sync"
	"time"
)

// CircuitBreaker stops dialing a backend that keeps failing.
// State transitions: Closed -> Open -> HalfOpen -> Closed/Open
type CircuitBreaker struct {
	mu sync.Mutex

	failureThreshold int
	successThreshold int
	openDuration     time.Duration

	state           circuitState
	failures        int
	successes       int
	lastFailure     time.Time
	lastStateChange time.Time
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NewCircuitBreaker opens after five consecutive failures for 30s and
// closes again after two successful probes.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(5, 2, 30*time.Second)
}

func NewCircuitBreakerWithConfig(failureThreshold, successThreshold int, openDuration time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if successThreshold < 1 {
		successThreshold = 2
	}
	if openDuration < time.Millisecond {
		openDuration = 30 * time.Second
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		openDuration:     openDuration,
		state:            circuitClosed,
		lastStateChange:  time.Now(),
	}
}

// AllowRequest reports whether a dial may be attempted.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == circuitOpen {
		if time.Since(cb.lastStateChange) < cb.openDuration {
			return false
		}
		cb.state = circuitHalfOpen
		cb.lastStateChange = time.Now()
		cb.successes = 0
	}
	return true
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case circuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = circuitClosed
			cb.lastStateChange = time.Now()
			cb.failures = 0
			cb.successes = 0
		}
	case circuitClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = time.Now()
	switch cb.state {
	case circuitClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.state = circuitOpen
			cb.lastStateChange = time.Now()
		}
	case circuitHalfOpen:
		cb.state = circuitOpen
		cb.lastStateChange = time.Now()
		cb.successes = 0
	}
}

func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

type CircuitBreakerStats struct {
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:           cb.state.String(),
		Failures:        cb.failures,
		Successes:       cb.successes,
		LastFailure:     cb.lastFailure,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = circuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.lastStateChange = time.Now()
}

// BreakerSet holds one breaker per proxy, created on first use.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	newFn    func() *CircuitBreaker
}

func NewBreakerSet() *BreakerSet {
	return NewBreakerSetWithConfig(5, 2, 30*time.Second)
}

func NewBreakerSetWithConfig(failureThreshold, successThreshold int, openDuration time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*CircuitBreaker),
		newFn: func() *CircuitBreaker {
			return NewCircuitBreakerWithConfig(failureThreshold, successThreshold, openDuration)
		},
	}
}

func (s *BreakerSet) Get(proxy string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.breakers[proxy]
	if !ok {
		cb = s.newFn()
		s.breakers[proxy] = cb
	}
	return cb
}

// Stats returns every breaker that has been used, keyed by proxy.
func (s *BreakerSet) Stats() map[string]CircuitBreakerStats {
	s.mu.Lock()
	names := make([]string, 0, len(s.breakers))
	for name := range s.breakers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)

	out := make(map[string]CircuitBreakerStats, len(names))
	for _, name := range names {
		out[name] = s.Get(name).Stats()
	}
	return out
}
