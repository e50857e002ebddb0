package resilience

import (
	"sync"
	"time"
)

// CircuitBreaker rejects calls for a cooldown after threshold consecutive
// failures. A threshold of zero disables it.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
	now       func() time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (c *CircuitBreaker) Allow() bool {
	if c == nil || c.threshold <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.now().Before(c.openUntil)
}

// RetryAfter is how long the breaker stays open. Zero when closed.
func (c *CircuitBreaker) RetryAfter() time.Duration {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.openUntil.Sub(c.now()); d > 0 {
		return d
	}
	return 0
}

func (c *CircuitBreaker) OnSuccess() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnFailure records a failure and reports whether it opened the breaker.
func (c *CircuitBreaker) OnFailure() bool {
	if c == nil || c.threshold <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures >= c.threshold {
		c.failures = 0
		c.openUntil = c.now().Add(c.cooldown)
		return true
	}
	return false
}
