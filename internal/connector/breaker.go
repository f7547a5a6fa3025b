package connector

import (
	"log/slog"
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerConfig struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // successes in half-open before closing
	Timeout          time.Duration // time spent open before probing
	VolumeThreshold  int           // minimum dispatches before evaluating
}

// Breaker stops dispatching to a connector that keeps failing. An open
// breaker makes the connector count as unavailable for failover.
type Breaker struct {
	mu              sync.RWMutex
	connectorID     string
	state           BreakerState
	failureCount    int
	successCount    int
	requestCount    int
	lastFailure     time.Time
	lastSuccess     time.Time
	lastStateChange time.Time
	config          BreakerConfig
	now             func() time.Time
}

func NewBreaker(connectorID string, config BreakerConfig) *Breaker {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 3
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.VolumeThreshold == 0 {
		config.VolumeThreshold = 10
	}
	return &Breaker{connectorID: connectorID, state: BreakerClosed, config: config, now: time.Now}
}

// setState must be called with mu held.
func (b *Breaker) setState(to BreakerState) {
	from := b.state
	b.state = to
	b.lastStateChange = b.now()
	slog.Info("Circuit breaker state changed",
		slog.String("connector_id", b.connectorID),
		slog.String("from_state", from.String()),
		slog.String("to_state", to.String()),
		slog.Int("failure_count", b.failureCount),
	)
}

// State reports the state, promoting an expired open breaker to half-open.
func (b *Breaker) State() BreakerState {
	b.mu.RLock()
	state, since := b.state, b.lastStateChange
	b.mu.RUnlock()
	if state == BreakerOpen && b.now().Sub(since) >= b.config.Timeout {
		return BreakerHalfOpen
	}
	return state
}

// Allow reports whether a dispatch may go through.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerOpen {
		return true
	}
	if b.now().Sub(b.lastStateChange) >= b.config.Timeout {
		b.successCount = 0
		b.failureCount = 0
		b.setState(BreakerHalfOpen)
		return true
	}
	return false
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestCount++
	b.lastSuccess = b.now()
	switch b.state {
	case BreakerHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.failureCount = 0
			b.successCount = 0
			b.setState(BreakerClosed)
		}
	case BreakerClosed:
		b.failureCount = 0
	}
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requestCount++
	b.lastFailure = b.now()
	switch b.state {
	case BreakerHalfOpen:
		b.failureCount = 0
		b.successCount = 0
		b.setState(BreakerOpen)
	case BreakerClosed:
		b.failureCount++
		if b.failureCount >= b.config.FailureThreshold && b.requestCount >= b.config.VolumeThreshold {
			b.setState(BreakerOpen)
		}
	}
}

// Reset closes the breaker, as done when the session is restarted.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.successCount = 0
	b.requestCount = 0
	if b.state != BreakerClosed {
		b.setState(BreakerClosed)
	}
}

// BreakerStats is the breaker part of a connector listing.
type BreakerStats struct {
	State        string    `json:"state"`
	FailureCount int       `json:"failure_count"`
	RequestCount int       `json:"request_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
	LastSuccess  time.Time `json:"last_success,omitempty"`
}

func (b *Breaker) Stats() BreakerStats {
	state := b.State()
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BreakerStats{
		State:        state.String(),
		FailureCount: b.failureCount,
		RequestCount: b.requestCount,
		LastFailure:  b.lastFailure,
		LastSuccess:  b.lastSuccess,
	}
}
