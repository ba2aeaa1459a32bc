package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/modelmux/modelmux/internal/metrics"
)

// State of a breaker.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrOpen is returned when the breaker refuses a call.
var ErrOpen = errors.New("circuit breaker is open")

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold uint32        // consecutive failures to open
	SuccessThreshold uint32        // consecutive half-open successes to close
	Timeout          time.Duration // open -> half-open delay
	MaxHalfOpen      uint32        // max in-flight probes while half-open
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		MaxHalfOpen:      1,
	}
}

type breaker struct {
	state     State
	failures  uint32
	successes uint32
	inFlight  uint32
	openedAt  time.Time
}

// Registry tracks one breaker per model id. A model that keeps failing
// is taken out of the candidate rotation until its timeout elapses,
// then probed with a bounded number of half-open calls.
type Registry struct {
	config Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(config Config, logger *zap.Logger) *Registry {
	if config.FailureThreshold == 0 {
		config = DefaultConfig()
	}
	return &Registry{
		config:   config,
		logger:   logger,
		now:      time.Now,
		breakers: make(map[string]*breaker),
	}
}

// SetClock overrides the time source. Tests only.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

func (r *Registry) get(modelID string) *breaker {
	b, ok := r.breakers[modelID]
	if !ok {
		b = &breaker{state: StateClosed}
		r.breakers[modelID] = b
	}
	return b
}

// Allow reports whether a call to the model may proceed. A successful
// Allow must be balanced by RecordSuccess or RecordFailure.
func (r *Registry) Allow(modelID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(modelID)
	switch b.state {
	case StateOpen:
		if r.now().Sub(b.openedAt) < r.config.Timeout {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.successes = 0
		b.inFlight = 0
		r.logger.Info("Circuit breaker half-open",
			zap.String("model", modelID))
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= r.config.MaxHalfOpen {
			return ErrOpen
		}
		b.inFlight++
	}
	return nil
}

// Abandon releases the slot taken by a successful Allow when the call
// was cancelled before producing an outcome. The breaker state and
// counters are left unchanged; the probe slot must not stay occupied.
func (r *Registry) Abandon(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(modelID)
	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}
}

// RecordSuccess notes a successful call.
func (r *Registry) RecordSuccess(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(modelID)
	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		if b.inFlight > 0 {
			b.inFlight--
		}
		b.successes++
		if b.successes >= r.config.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			r.logger.Info("Circuit breaker closed",
				zap.String("model", modelID))
		}
	}
}

// RecordFailure notes a failed call, opening the breaker when the
// threshold is reached. Any half-open failure reopens immediately.
func (r *Registry) RecordFailure(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := r.get(modelID)
	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= r.config.FailureThreshold {
			r.open(modelID, b)
		}
	case StateHalfOpen:
		if b.inFlight > 0 {
			b.inFlight--
		}
		r.open(modelID, b)
	}
}

func (r *Registry) open(modelID string, b *breaker) {
	b.state = StateOpen
	b.openedAt = r.now()
	metrics.CircuitBreakerTrips.WithLabelValues(modelID).Inc()
	r.logger.Warn("Circuit breaker opened",
		zap.String("model", modelID),
		zap.Uint32("failures", b.failures))
}

// State returns the current state for a model.
func (r *Registry) State(modelID string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[modelID]
	if !ok {
		return StateClosed
	}
	if b.state == StateOpen && r.now().Sub(b.openedAt) >= r.config.Timeout {
		return StateHalfOpen
	}
	return b.state
}
