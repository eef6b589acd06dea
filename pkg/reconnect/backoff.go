package reconnect

import (
	"math/rand"
	"time"
)

// Strategy names a delay-growth curve for reconnection attempts.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// BackoffConfig controls the delay between reconnection attempts.
type BackoffConfig struct {
	Strategy     Strategy      `json:"strategy"`
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	// JitterRange spreads each delay by +/- this fraction so a fleet of
	// clients does not reconnect in lockstep.
	JitterRange float64 `json:"jitter_range"`
}

// DefaultBackoffConfig returns exponential backoff from 1s to 30s with 10%
// jitter.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Strategy:     StrategyExponential,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterRange:  0.1,
	}
}

// Delay computes the delay before the given attempt (1-based). The raw delay
// grows per the strategy, is clamped to MaxDelay, then jittered.
func (c BackoffConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay float64
	switch c.Strategy {
	case StrategyLinear:
		delay = float64(c.InitialDelay) * float64(attempt)
	case StrategyFixed:
		delay = float64(c.InitialDelay)
	default:
		multiplier := c.Multiplier
		if multiplier < 1 {
			multiplier = 2
		}
		delay = float64(c.InitialDelay)
		for i := 1; i < attempt; i++ {
			delay *= multiplier
			if max := float64(c.MaxDelay); max > 0 && delay >= max {
				delay = max
				break
			}
		}
	}

	if max := float64(c.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	if c.JitterRange > 0 {
		jitter := delay * c.JitterRange
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
