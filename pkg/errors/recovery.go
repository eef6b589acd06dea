package errors

import "time"

// CircuitProbe reports whether the circuit for the failing component is open.
// The selector consults it before choosing any strategy other than escalation.
type CircuitProbe func() bool

// SelectorConfig configures strategy selection.
type SelectorConfig struct {
	// Overrides maps categories to fixed strategies consulted first.
	Overrides map[Category]RecoveryStrategy

	// Default is used when no override applies and the generic rules
	// (retry-if-retryable, skip-if-low) do not fire.
	Default RecoveryStrategy

	// RetryDelay seeds the delay of generic retry strategies.
	RetryDelay time.Duration

	// RetryMaxAttempts bounds generic retry strategies.
	RetryMaxAttempts int
}

// DefaultSelectorConfig returns the selection table the client ships with.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		Overrides: map[Category]RecoveryStrategy{
			CategoryNetwork:        {Action: ActionReconnect, Delay: time.Second, MaxAttempts: 5},
			CategorySocket:         {Action: ActionReconnect, Delay: time.Second, MaxAttempts: 5},
			CategoryRateLimit:      {Action: ActionRetry, Delay: 5 * time.Second, MaxAttempts: 3},
			CategoryAuthentication: {Action: ActionManual, RequiresApproval: true},
			CategoryConfiguration:  {Action: ActionManual, RequiresApproval: true},
			CategorySecurity:       {Action: ActionEscalate, RequiresApproval: true},
			CategoryCircuitBreaker: {Action: ActionEscalate, RequiresApproval: true},
		},
		Default:          RecoveryStrategy{Action: ActionEscalate},
		RetryDelay:       time.Second,
		RetryMaxAttempts: 3,
	}
}

// Selector chooses a RecoveryStrategy for a classified failure.
type Selector struct {
	config SelectorConfig
}

// NewSelector creates a strategy selector. Zero-valued config fields fall back
// to the defaults.
func NewSelector(config SelectorConfig) *Selector {
	defaults := DefaultSelectorConfig()
	if config.Overrides == nil {
		config.Overrides = defaults.Overrides
	}
	if config.Default.Action == "" {
		config.Default = defaults.Default
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.RetryMaxAttempts <= 0 {
		config.RetryMaxAttempts = defaults.RetryMaxAttempts
	}
	return &Selector{config: config}
}

// SelectStrategy resolves the strategy for a failure. Precedence: category
// override, open circuit, retry when retryable, skip when low severity, then
// the configured default. circuitOpen may be nil when no breaker guards the
// failing component.
func (s *Selector) SelectStrategy(ce *ClassifiedError, circuitOpen CircuitProbe) RecoveryStrategy {
	if ce == nil {
		return s.config.Default
	}

	if strategy, ok := s.config.Overrides[ce.Category()]; ok {
		return strategy
	}

	if circuitOpen != nil && circuitOpen() {
		return RecoveryStrategy{Action: ActionEscalate, RequiresApproval: true}
	}

	if ce.Retryable() {
		return RecoveryStrategy{
			Action:      ActionRetry,
			Delay:       s.config.RetryDelay,
			MaxAttempts: s.config.RetryMaxAttempts,
		}
	}

	if ce.Severity() == SeverityLow {
		return RecoveryStrategy{Action: ActionSkip}
	}

	return s.config.Default
}
