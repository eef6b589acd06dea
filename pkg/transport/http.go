package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
)

// HTTP is the request/response binding. Each request is one POST round trip;
// server-initiated messages arrive over an optional SSE push channel.
type HTTP struct {
	*baseTransport

	client *http.Client
	// pushClient has no global timeout; the SSE body stays open indefinitely.
	pushClient *http.Client

	requestRate *slidingWindow
	cache       *responseCache

	pushMu     sync.Mutex
	pushCancel context.CancelFunc
	pushWg     sync.WaitGroup
}

// NewHTTP creates the HTTP transport. The config must already have been
// validated by transport.New.
func NewHTTP(cfg Config) (*HTTP, error) {
	if err := validateEndpointHost(cfg.Endpoint, cfg.BlockPrivateHosts); err != nil {
		return nil, err
	}

	t := &HTTP{
		baseTransport: newBaseTransport(TypeHTTP, cfg),
		client: &http.Client{
			Timeout: cfg.RequestTimeout,
		},
		pushClient:  &http.Client{},
		requestRate: newSlidingWindow(cfg.RateLimit.MaxRequests, cfg.RateLimit.Window),
	}
	if cfg.EnableCaching {
		t.cache = newResponseCache(cfg.CacheTTL)
	}
	return t, nil
}

// Connect marks the transport usable and, when push is enabled, opens the SSE
// listener. There is no persistent request connection to establish.
func (t *HTTP) Connect(ctx context.Context) error {
	if t.destroyed.Load() {
		return mcperrors.New("transport destroyed", mcperrors.CategoryNetwork, mcperrors.SeverityHigh)
	}
	if t.IsConnected() {
		return nil
	}

	t.setState(StateConnecting)

	if t.cfg.EnablePush {
		pushCtx, cancel := context.WithCancel(context.Background())
		t.pushMu.Lock()
		t.pushCancel = cancel
		t.pushMu.Unlock()
		t.pushWg.Add(1)
		go t.pushLoop(pushCtx)
	}

	t.setState(StateConnected)
	return nil
}

// pushLoop keeps an SSE stream open to the endpoint and feeds each event
// through the correlator, so out-of-band responses and notifications are
// delivered the same way websocket frames are.
func (t *HTTP) pushLoop(ctx context.Context) {
	defer t.pushWg.Done()

	for ctx.Err() == nil {
		if err := t.readPushStream(ctx); err != nil && ctx.Err() == nil {
			t.logger.Warn("push stream interrupted, retrying",
				logging.ErrorField(err),
				logging.Duration("retry_in", t.cfg.Retry.InitialDelay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(t.cfg.Retry.InitialDelay):
			}
		}
	}
}

func (t *HTTP) readPushStream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.cfg.Endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := t.pushClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return mcperrors.Newf(mcperrors.CategoryNetwork, mcperrors.SeverityMedium,
			"push stream returned status %d", res.StatusCode)
	}

	for ev, err := range sse.Read(res.Body, nil) {
		if err != nil {
			return err
		}
		if ev.Data == "" {
			continue
		}
		t.correlator.HandleMessage(ctx, []byte(ev.Data))
	}
	return nil
}

// SendRequest issues one POST round trip with retry. The response body routes
// through the correlator so a response delivered out of band (over the push
// channel) still settles the pending entry.
func (t *HTTP) SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.cfg.RequestTimeout
	}

	codec := t.correlator.Codec()
	paramsJSON, err := json.Marshal(params)
	if err != nil && params != nil {
		return nil, mcperrors.Wrap(err, "failed to marshal params",
			mcperrors.CategorySerialization, mcperrors.SeverityMedium)
	}

	if t.cache != nil {
		if cached, ok := t.cache.get(method, paramsJSON); ok {
			t.logger.Debug("cache hit", logging.String("method", method))
			return cached, nil
		}
	}

	now := time.Now()
	if !t.requestRate.allow(now) {
		retryAfter := t.requestRate.retryAfter(now)
		if retryAfter <= 0 {
			retryAfter = t.cfg.RateLimit.RetryAfter
		}
		rlErr := mcperrors.Newf(mcperrors.CategoryRateLimit, mcperrors.SeverityMedium,
			"request rate limit exceeded, retry after %s", retryAfter).
			WithContext("retry_after", retryAfter.String())
		t.sink.RecordError(ctx, rlErr)
		return nil, rlErr
	}

	id := codec.NextID()
	payload, err := newRequestMessage(codec, id, method, params)
	if err != nil {
		return nil, err
	}

	pending, err := t.correlator.Register(id, timeout)
	if err != nil {
		return nil, err
	}

	// The POST runs concurrently with the await so a stalled server cannot
	// delay the deadline rejection armed on the pending entry.
	start := time.Now()
	go func() {
		if perr := t.postWithRetry(ctx, id, payload); perr != nil {
			t.correlator.Reject(id, perr)
		}
	}()

	result, err := pending.Await(ctx)
	t.stats.recordRequest(time.Since(start), err)
	t.sink.RecordRequest(ctx, string(TypeHTTP), method, statusOf(err), time.Since(start))

	if err == nil && t.cache != nil {
		t.cache.put(method, paramsJSON, result)
	}
	return result, err
}

// postWithRetry runs the retry loop: exponential backoff with a max-delay
// clamp and jitter, aborted early for non-retryable failures.
func (t *HTTP) postWithRetry(ctx context.Context, id string, payload []byte) error {
	retry := t.cfg.Retry
	attempts := retry.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = t.postOnce(ctx, payload)
		if lastErr == nil {
			return nil
		}

		var classified *mcperrors.ClassifiedError
		if mcperrors.As(lastErr, &classified) && !classified.Retryable() {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := backoffDelay(retry, attempt)
		t.logger.Debug("retrying request",
			logging.String("id", id),
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.ErrorField(lastErr))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoffDelay computes initial*factor^(attempt-1), clamped to MaxDelay, with
// +/- JitterFraction applied.
func backoffDelay(retry RetryConfig, attempt int) time.Duration {
	factor := retry.BackoffFactor
	if factor < 1 {
		factor = 2
	}
	delay := float64(retry.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= factor
	}
	if max := float64(retry.MaxDelay); max > 0 && delay > max {
		delay = max
	}
	if retry.JitterFraction > 0 {
		jitter := delay * retry.JitterFraction
		delay += (rand.Float64()*2 - 1) * jitter
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// postOnce performs one POST and routes the body through the correlator.
func (t *HTTP) postOnce(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return mcperrors.Wrap(err, "failed to build HTTP request",
			mcperrors.CategoryNetwork, mcperrors.SeverityMedium)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	res, err := t.client.Do(req)
	if err != nil {
		return mcperrors.Wrap(err, "HTTP request failed",
			mcperrors.CategoryNetwork, mcperrors.SeverityMedium)
	}
	defer res.Body.Close()

	if err := statusToError(res); err != nil {
		t.sink.RecordError(ctx, err)
		return err
	}

	body, err := io.ReadAll(io.LimitReader(res.Body, int64(t.cfg.MaxMessageSize)+1))
	if err != nil {
		return mcperrors.Wrap(err, "failed to read response body",
			mcperrors.CategoryNetwork, mcperrors.SeverityMedium)
	}
	if len(body) == 0 {
		// Accepted with no body: the response arrives over the push channel.
		return nil
	}

	t.correlator.HandleMessage(ctx, body)
	return nil
}

// statusToError maps HTTP status codes to classified failures. 2xx is nil.
func statusToError(res *http.Response) *mcperrors.ClassifiedError {
	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return mcperrors.Newf(mcperrors.CategoryAuthentication, mcperrors.SeverityHigh,
			"server returned status %d", res.StatusCode)
	case res.StatusCode == http.StatusTooManyRequests:
		err := mcperrors.Newf(mcperrors.CategoryRateLimit, mcperrors.SeverityMedium,
			"server returned status %d", res.StatusCode)
		if ra := res.Header.Get("Retry-After"); ra != "" {
			if secs, perr := strconv.Atoi(ra); perr == nil {
				err = err.WithContext("retry_after", (time.Duration(secs) * time.Second).String())
			}
		}
		return err
	case res.StatusCode >= 500:
		return mcperrors.Newf(mcperrors.CategoryNetwork, mcperrors.SeverityMedium,
			"server returned status %d", res.StatusCode)
	default:
		return mcperrors.Newf(mcperrors.CategoryProtocol, mcperrors.SeverityMedium,
			"server returned status %d", res.StatusCode)
	}
}

// SendNotification issues a fire-and-forget POST. Non-2xx statuses are
// reported but there is no retry for notifications.
func (t *HTTP) SendNotification(ctx context.Context, method string, params interface{}) error {
	codec := t.correlator.Codec()
	payload, err := newNotificationMessage(codec, method, params)
	if err != nil {
		return err
	}
	err = t.postOnce(ctx, payload)
	t.stats.recordNotification(err)
	return err
}

// SendMessage posts a pre-serialized payload.
func (t *HTTP) SendMessage(ctx context.Context, raw []byte) error {
	return t.postOnce(ctx, raw)
}

// Disconnect stops the push listener and rejects all in-flight requests.
func (t *HTTP) Disconnect() error {
	t.pushMu.Lock()
	cancel := t.pushCancel
	t.pushCancel = nil
	t.pushMu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.pushWg.Wait()

	t.correlator.CancelAll(connectionClosedError(TypeHTTP))
	t.setState(StateDisconnected)
	return nil
}

// Destroy disconnects and releases all resources.
func (t *HTTP) Destroy() error {
	if !t.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.Disconnect()
	t.correlator.Close()
	t.events.clear()
	if t.cache != nil {
		t.cache.purge()
	}
	t.client.CloseIdleConnections()
	t.pushClient.CloseIdleConnections()
	return err
}

// HealthCheck probes the endpoint with a HEAD request.
func (t *HTTP) HealthCheck(ctx context.Context) HealthStatus {
	details := map[string]interface{}{
		"state":   string(t.ConnectionState()),
		"pending": t.correlator.PendingCount(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.cfg.Endpoint, nil)
	if err != nil {
		details["probe_error"] = err.Error()
		return HealthStatus{Healthy: false, Details: details}
	}
	res, err := t.client.Do(req)
	if err != nil {
		details["probe_error"] = err.Error()
		return HealthStatus{Healthy: false, Details: details}
	}
	res.Body.Close()
	details["probe_status"] = res.StatusCode

	return HealthStatus{
		Healthy: t.IsConnected() && res.StatusCode < 500,
		Details: details,
	}
}

// Diagnostics returns a point-in-time debugging snapshot.
func (t *HTTP) Diagnostics(ctx context.Context) DiagnosticsReport {
	checks := map[string]string{
		"endpoint_validation": "ok",
		"push_enabled":        strconv.FormatBool(t.cfg.EnablePush),
		"caching_enabled":     strconv.FormatBool(t.cache != nil),
	}
	if err := validateEndpointHost(t.cfg.Endpoint, t.cfg.BlockPrivateHosts); err != nil {
		checks["endpoint_validation"] = err.Error()
	}

	return DiagnosticsReport{
		Transport: TypeHTTP,
		Endpoint:  t.cfg.Endpoint,
		State:     t.ConnectionState(),
		Stats:     t.stats.snapshot(),
		Checks:    checks,
	}
}
