package errors

import (
	"context"
	"errors"
	"strings"

	"github.com/mcpwire/mcpwire/pkg/protocol"
)

// rule matches free-text failure messages against a category. Rules are
// evaluated in order; the first match wins, so the more specific categories
// come first.
type rule struct {
	terms    []string
	category Category
	severity Severity
}

// classificationRules is the ordered heuristic table. Substring matching on
// free text is inherently brittle (a tool literally named "timeout" would
// match the timeout rule), which is why ClassifyAttempt consults structured
// JSON-RPC codes before ever reaching this table.
var classificationRules = []rule{
	{[]string{"tls", "certificate", "x509", "ssl"}, CategorySecurity, SeverityCritical},
	{[]string{"auth", "unauthorized", "forbidden", "permission", "credential"}, CategoryAuthentication, SeverityCritical},
	{[]string{"rate limit", "too many requests", "429"}, CategoryRateLimit, SeverityMedium},
	{[]string{"circuit breaker", "circuit open"}, CategoryCircuitBreaker, SeverityHigh},
	{[]string{"timeout", "timed out", "deadline exceeded"}, CategoryTimeout, SeverityMedium},
	{[]string{"serialize", "deserialize", "marshal", "unmarshal"}, CategorySerialization, SeverityMedium},
	{[]string{"parse", "jsonrpc", "protocol", "malformed"}, CategoryProtocol, SeverityHigh},
	{[]string{"websocket", "socket", "ping", "pong", "close code"}, CategorySocket, SeverityHigh},
	{[]string{"network", "connection", "dial", "refused", "reset by peer", "broken pipe", "dns", "eof", "unreachable"}, CategoryNetwork, SeverityHigh},
	{[]string{"config", "configuration"}, CategoryConfiguration, SeverityHigh},
	{[]string{"validation", "invalid", "schema"}, CategoryValidation, SeverityMedium},
	{[]string{"tool"}, CategoryToolExecution, SeverityMedium},
	{[]string{"resource"}, CategoryResourceAccess, SeverityMedium},
	{[]string{"prompt"}, CategoryPromptGeneration, SeverityMedium},
}

// codeCategories maps structured JSON-RPC codes onto the taxonomy. Codes are
// authoritative: a response that says "unauthorized" is an authentication
// failure no matter what its message text contains.
var codeCategories = map[protocol.ErrorCode]struct {
	category Category
	severity Severity
}{
	protocol.ParseError:       {CategoryProtocol, SeverityHigh},
	protocol.InvalidRequest:   {CategoryProtocol, SeverityHigh},
	protocol.MethodNotFound:   {CategoryProtocol, SeverityMedium},
	protocol.InvalidParams:    {CategoryValidation, SeverityMedium},
	protocol.InternalError:    {CategoryUnknown, SeverityHigh},
	protocol.CodeUnauthorized: {CategoryAuthentication, SeverityCritical},
	protocol.CodeForbidden:    {CategoryAuthentication, SeverityCritical},
	protocol.CodeNotFound:     {CategoryResourceAccess, SeverityMedium},
	protocol.CodeConflict:     {CategoryValidation, SeverityMedium},
	protocol.CodeValidation:   {CategoryValidation, SeverityMedium},
	protocol.CodeRateLimited:  {CategoryRateLimit, SeverityMedium},
}

// Classifier maps raw failures to ClassifiedErrors.
type Classifier struct{}

// NewClassifier creates a classifier.
func NewClassifier() *Classifier {
	return &Classifier{}
}

// Classify maps a raw failure on its first attempt.
func (c *Classifier) Classify(err error) *ClassifiedError {
	return c.ClassifyAttempt(err, 1)
}

// ClassifyAttempt maps a raw failure, escalating severity with the attempt
// count: categories that start at high become critical after more than 2
// attempts, categories that start at medium become high after more than 3.
func (c *Classifier) ClassifyAttempt(err error, attempt int) *ClassifiedError {
	if err == nil {
		return nil
	}

	// Already classified failures pass through with escalation applied.
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		if esc := escalate(classified.severity, attempt); esc != classified.severity {
			return newClassified(classified, classified.message, classified.category, esc, classified.code)
		}
		return classified
	}

	category, severity, code := baseClassification(err)
	severity = escalate(severity, attempt)
	ce := newClassified(err, err.Error(), category, severity, code)
	if attempt > 1 {
		ce = ce.WithContext("attempt", attempt)
	}
	return ce
}

// baseClassification resolves category and severity before escalation,
// preferring structured signals over text heuristics.
func baseClassification(err error) (Category, Severity, int) {
	var wireErr *protocol.Error
	if errors.As(err, &wireErr) {
		if entry, ok := codeCategories[wireErr.Code]; ok {
			return entry.category, entry.severity, int(wireErr.Code)
		}
		return CategoryUnknown, SeverityMedium, int(wireErr.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, SeverityMedium, 0
	}
	if errors.Is(err, context.Canceled) {
		return CategoryUnknown, SeverityLow, 0
	}

	msg := strings.ToLower(err.Error())
	for _, r := range classificationRules {
		for _, term := range r.terms {
			if strings.Contains(msg, term) {
				return r.category, r.severity, 0
			}
		}
	}
	return CategoryUnknown, SeverityMedium, 0
}

// escalate raises severity for repeated failures of the same operation.
func escalate(s Severity, attempt int) Severity {
	switch s {
	case SeverityHigh:
		if attempt > 2 {
			return SeverityCritical
		}
	case SeverityMedium:
		if attempt > 3 {
			return SeverityHigh
		}
	}
	return s
}

// sanitizeMessage strips control characters, redacts credential-shaped
// key=value fragments and caps the message length.
func sanitizeMessage(msg string) string {
	const maxLen = 512

	msg = strings.Map(func(r rune) rune {
		if r < 32 || r == 127 {
			return ' '
		}
		return r
	}, msg)

	for _, key := range []string{"password=", "token=", "secret=", "apikey=", "api_key="} {
		offset := 0
		for {
			idx := strings.Index(strings.ToLower(msg[offset:]), key)
			if idx < 0 {
				break
			}
			start := offset + idx + len(key)
			end := start
			for end < len(msg) && msg[end] != ' ' && msg[end] != '&' && msg[end] != '"' {
				end++
			}
			msg = msg[:start] + "[redacted]" + msg[end:]
			offset = start + len("[redacted]")
		}
	}

	if len(msg) > maxLen {
		msg = msg[:maxLen] + "..."
	}
	return strings.TrimSpace(msg)
}
