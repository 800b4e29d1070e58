// Package circuitbreaker implements a three-state breaker used to stop
// hammering a persona that keeps failing. Transitions: CLOSED -> OPEN on
// reaching the failure threshold, OPEN -> HALF_OPEN lazily once the
// cooldown has elapsed, HALF_OPEN -> CLOSED on success or back to OPEN
// on failure.
package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/internal/metrics"
)

// State is the breaker's position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned by Allow while the breaker is open and cooling down.
var ErrOpen = errors.New("circuit breaker is open")

// ErrTooManyProbes is returned in half-open once the probe quota is spent.
var ErrTooManyProbes = errors.New("too many probe calls in half-open state")

// Config configures a Breaker.
type Config struct {
	// Threshold is the consecutive-failure count that opens the breaker.
	Threshold int `yaml:"threshold" json:"threshold"`

	// Cooldown is how long the breaker stays open before probing.
	Cooldown time.Duration `yaml:"cooldown" json:"cooldown"`

	// HalfOpenMaxCalls bounds concurrent probes in half-open.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" json:"half_open_max_calls"`

	// OnStateChange is invoked after every transition.
	OnStateChange func(from, to State) `yaml:"-" json:"-"`
}

// Breaker counts consecutive failures and gates attempts. Callers use
// Allow before an attempt and RecordSuccess/RecordFailure after.
type Breaker struct {
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Collector

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	probeCount   int
}

// Option configures optional Breaker collaborators.
type Option func(*Breaker)

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(b *Breaker) { b.metrics = c }
}

// New creates a closed Breaker.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "circuit_breaker")),
		state:  StateClosed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether an attempt may proceed. In the open state the
// cooldown is checked lazily: the first Allow after the cooldown elapses
// moves the breaker to half-open and admits the probe.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.Cooldown {
			b.setState(StateHalfOpen)
			b.probeCount = 1
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		if b.probeCount >= b.cfg.HalfOpenMaxCalls {
			return ErrTooManyProbes
		}
		b.probeCount++
		return nil

	default:
		return fmt.Errorf("unknown breaker state %d", b.state)
	}
}

// RecordSuccess resets the breaker to closed.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.setState(StateClosed)
	}
	b.failureCount = 0
	b.probeCount = 0
}

// RecordFailure counts one failure. Reaching the threshold in closed
// state, or any failure in half-open, opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.cfg.Threshold {
			b.logger.Warn("failure threshold reached, opening breaker",
				zap.Int("failures", b.failureCount),
				zap.Int("threshold", b.cfg.Threshold),
			)
			b.open()
		}

	case StateHalfOpen:
		b.logger.Warn("probe failed, reopening breaker")
		b.open()
	}
}

// State returns the current state, applying the lazy cooldown check so
// callers see HALF_OPEN once the cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.Cooldown {
		b.setState(StateHalfOpen)
		b.probeCount = 0
	}
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset forces the breaker closed and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.setState(StateClosed)
	}
	b.failureCount = 0
	b.probeCount = 0
}

func (b *Breaker) open() {
	b.openedAt = time.Now()
	b.probeCount = 0
	b.setState(StateOpen)
	b.metrics.RecordBreakerTrip()
}

// setState must run with b.mu held.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.metrics.SetBreakerState(int(to))
	b.logger.Info("breaker state changed",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
	)
	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(from, to)
	}
}
