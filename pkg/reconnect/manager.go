// Package reconnect drives automatic reconnection for named components with
// configurable backoff, a per-component attempt registry and post-recovery
// health probing.
package reconnect

import (
	"context"
	"sync"
	"time"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/telemetry"
)

// Config controls the reconnection manager.
type Config struct {
	MaxAttempts int           `json:"max_attempts"`
	Backoff     BackoffConfig `json:"backoff"`

	// ImmediateCategories reconnect after ImmediateDelay instead of the
	// backoff curve. Socket drops on an otherwise healthy link recover
	// fastest this way.
	ImmediateCategories []mcperrors.Category `json:"immediate_categories"`
	ImmediateDelay      time.Duration        `json:"immediate_delay"`

	// ExcludedCategories never trigger reconnection; attempting one is
	// refused with a terminal failure.
	ExcludedCategories []mcperrors.Category `json:"excluded_categories"`

	// HealthProbe runs on HealthProbeInterval after a successful
	// reconnection. A failed probe stops the loop and re-enters reconnection.
	HealthProbe         func(ctx context.Context) error `json:"-"`
	HealthProbeInterval time.Duration                   `json:"health_probe_interval"`

	Logger logging.Logger
	Sink   telemetry.Sink
}

// DefaultConfig returns the defaults the manager ships with.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 10,
		Backoff:     DefaultBackoffConfig(),
		ImmediateCategories: []mcperrors.Category{
			mcperrors.CategorySocket,
		},
		ImmediateDelay: 100 * time.Millisecond,
		ExcludedCategories: []mcperrors.Category{
			mcperrors.CategoryAuthentication,
			mcperrors.CategoryConfiguration,
			mcperrors.CategorySecurity,
			mcperrors.CategoryValidation,
		},
		HealthProbeInterval: 30 * time.Second,
	}
}

// State is the per-component reconnection record.
type State struct {
	Component     string    `json:"component"`
	Attempts      int       `json:"attempts"`
	Reconnecting  bool      `json:"reconnecting"`
	LastAttemptAt time.Time `json:"last_attempt_at,omitzero"`
	LastError     string    `json:"last_error,omitempty"`
	RecoveredAt   time.Time `json:"recovered_at,omitzero"`
}

// inflight is the shared outcome of one reconnection run. The result is set
// before done is closed and never written again, so readers that saw done
// close read it without a lock.
type inflight struct {
	done   chan struct{}
	result error
}

type componentState struct {
	mu            sync.Mutex
	attempts      int
	current       *inflight
	lastAttemptAt time.Time
	lastError     string
	recoveredAt   time.Time

	probeCancel context.CancelFunc
}

// Manager owns one reconnection state per component and guarantees a single
// in-flight reconnection per component.
type Manager struct {
	cfg    Config
	logger logging.Logger
	sink   telemetry.Sink

	mu         sync.Mutex
	components map[string]*componentState

	wg sync.WaitGroup
}

// NewManager creates a manager with its own component registry.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	sink := cfg.Sink
	if sink == nil {
		sink = telemetry.NewNopSink()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Manager{
		cfg:        cfg,
		logger:     logger.WithFields(logging.String("component", "reconnect")),
		sink:       sink,
		components: make(map[string]*componentState),
	}
}

func (m *Manager) component(name string) *componentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs, ok := m.components[name]
	if !ok {
		cs = &componentState{}
		m.components[name] = cs
	}
	return cs
}

// excluded reports whether the error category is on the deny-list.
func (m *Manager) excluded(category mcperrors.Category) bool {
	for _, c := range m.cfg.ExcludedCategories {
		if c == category {
			return true
		}
	}
	return false
}

// immediate reports whether the error category reconnects without backoff.
func (m *Manager) immediate(category mcperrors.Category) bool {
	for _, c := range m.cfg.ImmediateCategories {
		if c == category {
			return true
		}
	}
	return false
}

// Reconnect runs the reconnection loop for the component until the attempt
// function succeeds, attempts are exhausted, or the context is done. A second
// call while one is in flight for the same component does not start another
// loop; it collapses onto the running one and returns its outcome.
func (m *Manager) Reconnect(ctx context.Context, component string, attempt func(context.Context) error, errType mcperrors.Category) error {
	if m.excluded(errType) {
		err := mcperrors.Newf(errType, mcperrors.SeverityCritical,
			"reconnection refused for %s: category %s is excluded", component, errType)
		m.sink.RecordError(ctx, err)
		return err
	}

	cs := m.component(component)
	cs.mu.Lock()
	if run := cs.current; run != nil {
		cs.mu.Unlock()
		m.logger.Debug("reconnection already in flight, awaiting its outcome",
			logging.String("target", component))
		select {
		case <-run.done:
			return run.result
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	run := &inflight{done: make(chan struct{})}
	cs.current = run
	if cancel := cs.probeCancel; cancel != nil {
		cs.probeCancel = nil
		cancel()
	}
	cs.mu.Unlock()

	err := m.reconnectLoop(ctx, cs, component, attempt, errType)

	cs.mu.Lock()
	cs.current = nil
	cs.mu.Unlock()
	run.result = err
	close(run.done)
	return err
}

// reconnectLoop is the single in-flight run for a component.
func (m *Manager) reconnectLoop(ctx context.Context, cs *componentState, component string, attempt func(context.Context) error, errType mcperrors.Category) error {
	for {
		cs.mu.Lock()
		cs.attempts++
		attemptNo := cs.attempts
		cs.lastAttemptAt = time.Now()
		cs.mu.Unlock()

		if attemptNo > m.cfg.MaxAttempts {
			cs.mu.Lock()
			cs.attempts = 0
			cs.mu.Unlock()
			err := mcperrors.Newf(mcperrors.CategoryNetwork, mcperrors.SeverityCritical,
				"reconnection for %s abandoned after %d attempts", component, m.cfg.MaxAttempts)
			m.sink.RecordError(ctx, err)
			m.sink.RecordReconnectAttempt(component, attemptNo-1, false)
			return err
		}

		delay := m.cfg.Backoff.Delay(attemptNo)
		if m.immediate(errType) {
			delay = m.cfg.ImmediateDelay
		}

		m.logger.Info("reconnecting",
			logging.String("target", component),
			logging.Int("attempt", attemptNo),
			logging.Duration("delay", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		err := attempt(ctx)
		m.sink.RecordReconnectAttempt(component, attemptNo, err == nil)
		if err == nil {
			cs.mu.Lock()
			cs.attempts = 0
			cs.lastError = ""
			cs.recoveredAt = time.Now()
			cs.mu.Unlock()
			m.logger.Info("reconnected",
				logging.String("target", component),
				logging.Int("attempts", attemptNo))
			m.startHealthProbe(component, attempt)
			return nil
		}

		cs.mu.Lock()
		cs.lastError = err.Error()
		cs.mu.Unlock()
		m.logger.Warn("reconnection attempt failed",
			logging.String("target", component),
			logging.Int("attempt", attemptNo),
			logging.ErrorField(err))
	}
}

// startHealthProbe launches the recurring probe loop for the component. The
// loop stops itself on the first failed probe and re-enters reconnection.
func (m *Manager) startHealthProbe(component string, attempt func(context.Context) error) {
	if m.cfg.HealthProbe == nil || m.cfg.HealthProbeInterval <= 0 {
		return
	}

	cs := m.component(component)
	probeCtx, cancel := context.WithCancel(context.Background())

	cs.mu.Lock()
	if cs.probeCancel != nil {
		cs.probeCancel()
	}
	cs.probeCancel = cancel
	cs.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.HealthProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
			}

			if err := m.cfg.HealthProbe(probeCtx); err != nil {
				m.logger.Warn("health probe failed, reconnecting",
					logging.String("target", component),
					logging.ErrorField(err))
				cs.mu.Lock()
				if cs.probeCancel != nil {
					cs.probeCancel()
					cs.probeCancel = nil
				}
				cs.mu.Unlock()
				if rerr := m.Reconnect(context.Background(), component, attempt, mcperrors.CategoryNetwork); rerr != nil {
					m.logger.Error("reconnection after failed probe abandoned",
						logging.String("target", component),
						logging.ErrorField(rerr))
				}
				return
			}
		}
	}()
}

// State returns a snapshot of the component's reconnection record.
func (m *Manager) State(component string) State {
	cs := m.component(component)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return State{
		Component:     component,
		Attempts:      cs.attempts,
		Reconnecting:  cs.current != nil,
		LastAttemptAt: cs.lastAttemptAt,
		LastError:     cs.lastError,
		RecoveredAt:   cs.recoveredAt,
	}
}

// Reset zeroes the component's attempt counter.
func (m *Manager) Reset(component string) {
	cs := m.component(component)
	cs.mu.Lock()
	cs.attempts = 0
	cs.lastError = ""
	cs.mu.Unlock()
}

// Stop cancels all health-probe loops and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, cs := range m.components {
		cs.mu.Lock()
		if cs.probeCancel != nil {
			cs.probeCancel()
			cs.probeCancel = nil
		}
		cs.mu.Unlock()
	}
	m.mu.Unlock()
	m.wg.Wait()
}
