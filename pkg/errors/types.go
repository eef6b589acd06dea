// Package errors provides structured error classification for the client
// runtime. Every raw failure is mapped to a ClassifiedError carrying a
// category, severity and a recoverability verdict, which the reconnection
// manager, circuit breaker and transport orchestrator act on.
package errors

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// As finds the first ClassifiedError in err's chain. It exists because this
// package shadows the standard errors package at call sites.
func As(err error, target **ClassifiedError) bool {
	return stderrors.As(err, target)
}

// Category represents the failure taxonomy used for recovery decisions.
type Category string

const (
	CategoryNetwork          Category = "network"
	CategorySocket           Category = "socket"
	CategoryProtocol         Category = "protocol"
	CategoryTimeout          Category = "timeout"
	CategoryRateLimit        Category = "rate_limit"
	CategoryAuthentication   Category = "authentication"
	CategoryValidation       Category = "validation"
	CategoryToolExecution    Category = "tool_execution"
	CategoryResourceAccess   Category = "resource_access"
	CategoryPromptGeneration Category = "prompt_generation"
	CategorySerialization    Category = "serialization"
	CategoryCircuitBreaker   Category = "circuit_breaker"
	CategoryConfiguration    Category = "configuration"
	CategorySecurity         Category = "security"
	CategoryUnknown          Category = "unknown"
)

// Severity indicates how critical a failure is. It escalates with repeated
// attempts, see Classifier.ClassifyAttempt.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// rank orders severities for comparisons.
func (s Severity) rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 1
	}
}

// AtLeast reports whether s is at least as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.rank() >= other.rank()
}

// RecoveryAction names a concrete recovery behavior.
type RecoveryAction string

const (
	ActionRetry     RecoveryAction = "retry"
	ActionReconnect RecoveryAction = "reconnect"
	ActionReset     RecoveryAction = "reset"
	ActionFallback  RecoveryAction = "fallback"
	ActionSkip      RecoveryAction = "skip"
	ActionEscalate  RecoveryAction = "escalate"
	ActionManual    RecoveryAction = "manual"
)

// RecoveryStrategy is the selector's verdict on how to recover from a failure.
type RecoveryStrategy struct {
	Action           RecoveryAction `json:"action"`
	Delay            time.Duration  `json:"delay,omitempty"`
	MaxAttempts      int            `json:"max_attempts,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
}

// ClassifiedError is the immutable result of classifying one raw failure.
type ClassifiedError struct {
	id          string
	message     string
	category    Category
	severity    Severity
	code        int
	context     map[string]interface{}
	recoverable bool
	retryable   bool
	humanNeeded bool
	strategy    *RecoveryStrategy
	occurredAt  time.Time
	cause       error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("[%s/%s] %s", e.category, e.severity, e.message)
}

// Unwrap returns the underlying cause for errors.Is/As traversal.
func (e *ClassifiedError) Unwrap() error { return e.cause }

// ID returns the correlation id assigned at classification time.
func (e *ClassifiedError) ID() string { return e.id }

// Message returns the sanitized failure message.
func (e *ClassifiedError) Message() string { return e.message }

// Category returns the failure category.
func (e *ClassifiedError) Category() Category { return e.category }

// Severity returns the failure severity.
func (e *ClassifiedError) Severity() Severity { return e.severity }

// Code returns the JSON-RPC error code when one was available, else 0.
func (e *ClassifiedError) Code() int { return e.code }

// Context returns a copy of the classification context.
func (e *ClassifiedError) Context() map[string]interface{} {
	if e.context == nil {
		return nil
	}
	out := make(map[string]interface{}, len(e.context))
	for k, v := range e.context {
		out[k] = v
	}
	return out
}

// Recoverable reports whether local recovery may be attempted.
func (e *ClassifiedError) Recoverable() bool { return e.recoverable }

// Retryable reports whether the failed operation may be retried as-is.
func (e *ClassifiedError) Retryable() bool { return e.retryable }

// RequiresHumanIntervention reports whether the failure must be surfaced to an
// operator instead of retried.
func (e *ClassifiedError) RequiresHumanIntervention() bool { return e.humanNeeded }

// Strategy returns the selected recovery strategy, nil before selection.
func (e *ClassifiedError) Strategy() *RecoveryStrategy { return e.strategy }

// OccurredAt returns the classification timestamp.
func (e *ClassifiedError) OccurredAt() time.Time { return e.occurredAt }

// WithStrategy returns a copy of the error carrying the selected strategy.
// The receiver is never mutated.
func (e *ClassifiedError) WithStrategy(s RecoveryStrategy) *ClassifiedError {
	out := *e
	out.strategy = &s
	return &out
}

// WithContext returns a copy of the error with an extra context entry.
func (e *ClassifiedError) WithContext(key string, value interface{}) *ClassifiedError {
	out := *e
	out.context = make(map[string]interface{}, len(e.context)+1)
	for k, v := range e.context {
		out.context[k] = v
	}
	out.context[key] = value
	return &out
}

// newClassified builds a ClassifiedError and derives the recoverability
// verdict from the fixed category/severity tables.
func newClassified(cause error, message string, category Category, severity Severity, code int) *ClassifiedError {
	return &ClassifiedError{
		id:          uuid.NewString(),
		message:     sanitizeMessage(message),
		category:    category,
		severity:    severity,
		code:        code,
		recoverable: isRecoverable(category, severity),
		retryable:   isRetryable(category, severity),
		humanNeeded: needsHuman(category, severity),
		occurredAt:  time.Now(),
		cause:       cause,
	}
}

// New constructs a ClassifiedError directly, bypassing rule matching. Used by
// components that know the category of the failures they raise.
func New(message string, category Category, severity Severity) *ClassifiedError {
	return newClassified(nil, message, category, severity, 0)
}

// Newf constructs a ClassifiedError with a formatted message.
func Newf(category Category, severity Severity, format string, args ...interface{}) *ClassifiedError {
	return newClassified(nil, fmt.Sprintf(format, args...), category, severity, 0)
}

// Wrap constructs a ClassifiedError around a cause.
func Wrap(cause error, message string, category Category, severity Severity) *ClassifiedError {
	return newClassified(cause, message, category, severity, 0)
}

// isRecoverable implements the fixed recoverability table: critical failures
// and the security/authentication/configuration categories are terminal.
func isRecoverable(category Category, severity Severity) bool {
	if severity == SeverityCritical {
		return false
	}
	switch category {
	case CategorySecurity, CategoryAuthentication, CategoryConfiguration:
		return false
	}
	return true
}

// isRetryable implements the fixed retry table.
func isRetryable(category Category, severity Severity) bool {
	if severity == SeverityCritical {
		return false
	}
	switch category {
	case CategoryAuthentication, CategoryValidation, CategoryConfiguration,
		CategoryCircuitBreaker, CategorySecurity:
		return false
	}
	return true
}

// needsHuman implements the fixed human-intervention table.
func needsHuman(category Category, severity Severity) bool {
	switch category {
	case CategoryAuthentication, CategoryConfiguration:
		return true
	case CategorySecurity:
		return severity == SeverityCritical
	}
	return false
}
