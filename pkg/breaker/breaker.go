// Package breaker implements a per-component circuit breaker. Repeated
// serious failures open the circuit; after a recovery timeout a bounded
// number of trial calls probe the component before the circuit closes again.
package breaker

import (
	"sync"
	"time"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/telemetry"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls one registry of circuit breakers.
type Config struct {
	// FailureThreshold opens the circuit when this many counted failures
	// accumulate while closed.
	FailureThreshold int `json:"failure_threshold"`
	// SuccessThreshold closes a half-open circuit after this many successes.
	SuccessThreshold int `json:"success_threshold"`
	// RecoveryTimeout is how long an open circuit waits before admitting
	// trial calls.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	HalfOpenMaxCalls int `json:"half_open_max_calls"`
	// MinSeverity is the least severity that counts as a failure. Lesser
	// failures are recorded in stats but never trip the circuit.
	MinSeverity mcperrors.Severity `json:"min_severity"`

	Logger logging.Logger
	Sink   telemetry.Sink
}

// DefaultConfig returns the defaults the breaker ships with.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
		MinSeverity:      mcperrors.SeverityHigh,
	}
}

// Stats is a snapshot of one breaker's counters.
type Stats struct {
	Component     string    `json:"component"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	Successes     int       `json:"successes"`
	TotalFailures int64     `json:"total_failures"`
	TotalCalls    int64     `json:"total_calls"`
	OpenedAt      time.Time `json:"opened_at,omitzero"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
}

// Breaker is the circuit for one component.
type Breaker struct {
	component string
	cfg       Config
	logger    logging.Logger
	sink      telemetry.Sink

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	halfOpenCalls int
	openedAt      time.Time
	lastFailureAt time.Time
	totalFailures int64
	totalCalls    int64
}

func newBreaker(component string, cfg Config, logger logging.Logger, sink telemetry.Sink) *Breaker {
	return &Breaker{
		component: component,
		cfg:       cfg,
		logger:    logger.WithFields(logging.String("breaker", component)),
		sink:      sink,
		state:     StateClosed,
	}
}

// Allow reports whether a call may proceed. An open circuit transitions to
// half-open once the recovery timeout has elapsed; while half-open, at most
// HalfOpenMaxCalls callers are admitted concurrently.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.RecoveryTimeout {
			return b.rejection()
		}
		b.transition(StateHalfOpen)
		b.halfOpenCalls = 1
		return nil
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return b.rejection()
		}
		b.halfOpenCalls++
		return nil
	}
	return nil
}

// rejection builds the circuit-open failure. Caller holds the lock.
func (b *Breaker) rejection() *mcperrors.ClassifiedError {
	return mcperrors.Newf(mcperrors.CategoryCircuitBreaker, mcperrors.SeverityHigh,
		"circuit breaker for %s is %s", b.component, b.state)
}

// RecordSuccess records a successful call. While half-open, enough successes
// close the circuit and zero all counters. Outside half-open it is a
// statistics-only update: a success while closed does not erase accumulated
// failures.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	b.successes++
	if b.halfOpenCalls > 0 {
		b.halfOpenCalls--
	}
	if b.successes >= b.cfg.SuccessThreshold {
		b.transition(StateClosed)
		b.failures = 0
		b.successes = 0
		b.halfOpenCalls = 0
	}
}

// RecordFailure records a failed call. Failures below MinSeverity only touch
// stats. While closed, counted failures accumulate toward the threshold;
// while half-open, a single counted failure reopens the circuit.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.lastFailureAt = time.Now()

	var classified *mcperrors.ClassifiedError
	if mcperrors.As(err, &classified) && !classified.Severity().AtLeast(b.cfg.MinSeverity) {
		return
	}

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.open()
		}
	case StateHalfOpen:
		b.open()
	}
}

// open transitions to the open state. Caller holds the lock.
func (b *Breaker) open() {
	b.transition(StateOpen)
	b.openedAt = time.Now()
	b.successes = 0
	b.halfOpenCalls = 0
}

// transition records a state change. Caller holds the lock.
func (b *Breaker) transition(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.logger.Info("circuit state changed",
		logging.String("from", string(prev)),
		logging.String("to", string(next)))
	b.sink.RecordCircuitTransition(b.component, string(next))
}

// State returns the current circuit state without admitting a call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// IsOpen reports whether calls are currently rejected outright.
func (b *Breaker) IsOpen() bool {
	return b.State() == StateOpen
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Component:     b.component,
		State:         b.state,
		Failures:      b.failures,
		Successes:     b.successes,
		TotalFailures: b.totalFailures,
		TotalCalls:    b.totalCalls,
		OpenedAt:      b.openedAt,
		LastFailureAt: b.lastFailureAt,
	}
}

// Reset forces the circuit closed and zeroes all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failures = 0
	b.successes = 0
	b.halfOpenCalls = 0
	b.openedAt = time.Time{}
}

// Registry owns one breaker per component. Registries are instance-owned;
// there is no process-global registry.
type Registry struct {
	cfg    Config
	logger logging.Logger
	sink   telemetry.Sink

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = DefaultConfig().HalfOpenMaxCalls
	}
	if cfg.MinSeverity == "" {
		cfg.MinSeverity = DefaultConfig().MinSeverity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = telemetry.NewNopSink()
	}
	return &Registry{
		cfg:      cfg,
		logger:   logger,
		sink:     sink,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for the component, creating it on first use.
func (r *Registry) Get(component string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[component]
	if !ok {
		b = newBreaker(component, r.cfg, r.logger, r.sink)
		r.breakers[component] = b
	}
	return b
}

// Execute runs fn under the component's breaker, recording the outcome.
func (r *Registry) Execute(component string, fn func() error) error {
	b := r.Get(component)
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// StatsAll returns a snapshot of every breaker in the registry.
func (r *Registry) StatsAll() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Stats()
	}
	return out
}

// ResetAll forces every breaker closed.
func (r *Registry) ResetAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
