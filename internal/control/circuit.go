package control

import "time"

type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// CircuitBreaker stops polling after Threshold consecutive failed polls and
// lets one trial poll through once Cooldown has elapsed. Any success ends the
// streak. It is owned by the poll loop and not safe for concurrent use.
type CircuitBreaker struct {
	Threshold int
	Cooldown  time.Duration

	state    CircuitState
	streak   map[string]int
	failures int
	openedAt time.Time
	cause    string
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		Threshold: threshold,
		Cooldown:  cooldown,
		state:     CircuitClosed,
		streak:    map[string]int{},
	}
}

func (c *CircuitBreaker) State() CircuitState {
	return c.state
}

// Remaining returns how much of the cooldown is left at now; zero unless
// the breaker is open.
func (c *CircuitBreaker) Remaining(now time.Time) time.Duration {
	if c.state != CircuitOpen {
		return 0
	}
	if left := c.Cooldown - now.Sub(c.openedAt); left > 0 {
		return left
	}
	return 0
}

// Allow reports whether a poll may be attempted at now. An open breaker
// whose cooldown has elapsed moves to half-open and allows one trial poll.
func (c *CircuitBreaker) Allow(now time.Time) bool {
	switch c.state {
	case CircuitOpen:
		if c.Remaining(now) > 0 {
			return false
		}
		c.state = CircuitHalfOpen
		return true
	default:
		return true
	}
}

// RecordSuccess ends the failure streak and reports whether the breaker
// was open or half-open.
func (c *CircuitBreaker) RecordSuccess() (recovered bool) {
	recovered = c.state != CircuitClosed
	c.state = CircuitClosed
	c.failures = 0
	c.cause = ""
	clear(c.streak)
	return recovered
}

// RecordFailure adds a failed poll of errClass to the streak and reports
// whether it opened the breaker. A failed half-open trial poll reopens at once.
func (c *CircuitBreaker) RecordFailure(errClass string, now time.Time) (opened bool) {
	if errClass == "" {
		errClass = "unknown"
	}
	c.failures++
	c.streak[errClass]++
	switch {
	case c.state == CircuitHalfOpen:
	case c.state == CircuitClosed && c.failures >= c.Threshold:
	default:
		return false
	}
	c.state = CircuitOpen
	c.openedAt = now
	c.cause = c.dominantClass()
	return true
}

// Cause is the most frequent error class of the streak that opened the
// breaker, or "" while closed.
func (c *CircuitBreaker) Cause() string {
	return c.cause
}

// Failures is the length of the current failure streak.
func (c *CircuitBreaker) Failures() int {
	return c.failures
}

func (c *CircuitBreaker) dominantClass() string {
	best, bestN := "", 0
	for class, n := range c.streak {
		if n > bestN || (n == bestN && class < best) {
			best, bestN = class, n
		}
	}
	return best
}
