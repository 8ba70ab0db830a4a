package coordinatorsvc

import (
	"sync"
	"time"
)

// CircuitState mirrors the teacher's three-state breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // Testing recovery
	CircuitOpen                         // Rejecting new claims
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker opens claim admission when the merge FIFO backs up past a
// threshold — an agent claiming more work it cannot get merged only grows
// the backlog of branches waiting on the single sequential merge worker.
// Adapted from the teacher's queue-depth/worker-saturation breaker to a
// single merge-queue-depth signal, since the coordinator has no worker
// pool of its own to saturate.
type CircuitBreaker struct {
	mu    sync.RWMutex
	state CircuitState

	queueThreshold int
	cooldownPeriod time.Duration

	openedAt  time.Time
	testCount int
	testLimit int
}

// NewCircuitBreaker creates a breaker that opens once the merge queue depth
// exceeds queueThreshold.
func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:          CircuitClosed,
		queueThreshold: queueThreshold,
		cooldownPeriod: 30 * time.Second,
		testLimit:      5,
	}
}

// ShouldAdmit reports whether a claim should be admitted given the current
// merge queue depth.
func (cb *CircuitBreaker) ShouldAdmit(mergeQueueDepth int64) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testCount = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testCount < cb.testLimit {
			cb.testCount++
			return true
		}
		if int(mergeQueueDepth) < cb.queueThreshold/2 {
			cb.state = CircuitClosed
			return true
		}
		return false
	}

	if int(mergeQueueDepth) > cb.queueThreshold {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		return false
	}

	return cb.state == CircuitClosed
}

// RecordSuccess notifies the breaker of a successful merge, used while
// half-open to decide whether to close.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.testCount >= cb.testLimit {
		cb.state = CircuitClosed
	}
}

// RecordFailure re-opens the breaker if a test request fails while
// half-open.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.state = CircuitOpen
		cb.openedAt = time.Now()
		cb.testCount = 0
	}
}

// GetState returns the current circuit state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// String satisfies dashboard.CircuitStater so the status snapshot can read
// the breaker's state without importing CircuitState's concrete type.
func (cb *CircuitBreaker) String() string {
	return cb.GetState().String()
}
