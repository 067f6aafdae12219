package ratelimit

import (
	"sync"
	"time"
)

// breaker is the per-tool circuit breaker state. Transitions:
// CLOSED → (threshold consecutive failures) → OPEN → (cooldown elapsed)
// → HALF_OPEN → (next success) → CLOSED. A check made while OPEN is
// denied without touching the backing store.
type breaker struct {
	consecutiveFailures int
	lastFailureAt       time.Time
	open                bool
}

// breakerSet holds one breaker per tool name. Shared across concurrent
// requests in a warm process, so every access is under the mutex.
type breakerSet struct {
	mu        sync.Mutex
	byTool    map[string]*breaker
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func newBreakerSet(threshold int, cooldown time.Duration, clock func() time.Time) *breakerSet {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerSet{
		byTool:    make(map[string]*breaker),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     clock,
	}
}

// isOpen reports whether the breaker blocks a check right now. When the
// cooldown has elapsed the breaker half-opens: this probe is let
// through, and the breaker closes only if the probe succeeds.
func (s *breakerSet) isOpen(toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byTool[toolName]
	if !ok || !b.open {
		return false
	}
	if s.clock().Sub(b.lastFailureAt) >= s.cooldown {
		// Half-open: allow one probe through without resetting the
		// failure count; recordSuccess or recordFailure settles it.
		return false
	}
	return true
}

// recordFailure counts a consecutive store failure and returns true if
// this failure newly opened the breaker. A failed half-open probe keeps
// the breaker open and returns false.
func (s *breakerSet) recordFailure(toolName string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byTool[toolName]
	if !ok {
		b = &breaker{}
		s.byTool[toolName] = b
	}
	b.consecutiveFailures++
	b.lastFailureAt = s.clock()
	if b.consecutiveFailures >= s.threshold {
		wasOpen := b.open
		b.open = true
		return !wasOpen
	}
	return false
}

// recordSuccess resets the breaker to CLOSED.
func (s *breakerSet) recordSuccess(toolName string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byTool[toolName]
	if !ok {
		return
	}
	b.consecutiveFailures = 0
	b.open = false
}

func (s *breakerSet) state(toolName string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.byTool[toolName]
	if !ok {
		return 0, false
	}
	return b.consecutiveFailures, b.open
}
