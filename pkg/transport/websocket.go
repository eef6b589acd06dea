package transport

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
)

// WebSocket is the persistent-socket binding. It keeps one long-lived
// connection, queues outbound messages while disconnected, and runs a
// ping/pong health loop that forces a disconnect after too many missed pongs.
type WebSocket struct {
	*baseTransport

	connMu sync.RWMutex
	conn   *websocket.Conn

	queueMu sync.Mutex
	queue   [][]byte

	missedMu    sync.Mutex
	missedPings int

	// lossMu guards lossHandled, which collapses concurrent close/loss
	// notifications from the read and ping loops into one handling pass.
	lossMu      sync.Mutex
	lossHandled bool

	connectAttempts *slidingWindow

	loopMu     sync.Mutex
	loopCancel context.CancelFunc
	loopWg     sync.WaitGroup

	reconnector Reconnector
	component   string
}

// NewWebSocket creates the websocket transport. The config must already have
// been validated by transport.New.
func NewWebSocket(cfg Config) (*WebSocket, error) {
	if err := validateEndpointHost(cfg.Endpoint, cfg.BlockPrivateHosts); err != nil {
		return nil, err
	}
	return &WebSocket{
		baseTransport:   newBaseTransport(TypeWebSocket, cfg),
		connectAttempts: newSlidingWindow(cfg.ConnectRateLimit.MaxRequests, cfg.ConnectRateLimit.Window),
		component:       string(TypeWebSocket),
	}, nil
}

// SetReconnector wires the reconnection manager that unexpected connection
// loss should trigger.
func (t *WebSocket) SetReconnector(r Reconnector, component string) {
	t.reconnector = r
	if component != "" {
		t.component = component
	}
}

// Connect dials the endpoint and starts the read and ping loops. Connection
// attempts, not messages, are rate limited.
func (t *WebSocket) Connect(ctx context.Context) error {
	if t.destroyed.Load() {
		return mcperrors.New("transport destroyed", mcperrors.CategoryNetwork, mcperrors.SeverityHigh)
	}
	if t.IsConnected() {
		return nil
	}

	now := time.Now()
	if !t.connectAttempts.allow(now) {
		retryAfter := t.connectAttempts.retryAfter(now)
		if retryAfter <= 0 {
			retryAfter = t.cfg.ConnectRateLimit.RetryAfter
		}
		err := mcperrors.Newf(mcperrors.CategoryRateLimit, mcperrors.SeverityMedium,
			"connection attempt rate limit exceeded, retry after %s", retryAfter)
		t.sink.RecordError(ctx, err)
		return err
	}

	t.setState(StateConnecting)

	dialCtx := ctx
	if t.cfg.ConnectionTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, t.cfg.ConnectionTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, t.cfg.Endpoint, nil)
	if err != nil {
		t.setState(StateError)
		classified := mcperrors.Wrap(err, "websocket dial failed",
			mcperrors.CategoryNetwork, mcperrors.SeverityHigh)
		t.sink.RecordError(ctx, classified)
		return classified
	}
	conn.SetReadLimit(int64(t.correlator.Codec().MaxMessageSize()))

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	t.missedMu.Lock()
	t.missedPings = 0
	t.missedMu.Unlock()

	t.lossMu.Lock()
	t.lossHandled = false
	t.lossMu.Unlock()

	t.setState(StateConnected)

	loopCtx, cancel := context.WithCancel(context.Background())
	t.loopMu.Lock()
	t.loopCancel = cancel
	t.loopMu.Unlock()

	t.loopWg.Add(1)
	go t.readLoop(loopCtx, conn)
	if t.cfg.PingInterval > 0 {
		t.loopWg.Add(1)
		go t.pingLoop(loopCtx, conn)
	}

	t.flushQueue(loopCtx, conn)
	return nil
}

// flushQueue drains messages queued while disconnected.
func (t *WebSocket) flushQueue(ctx context.Context, conn *websocket.Conn) {
	t.queueMu.Lock()
	queued := t.queue
	t.queue = nil
	t.queueMu.Unlock()

	for _, data := range queued {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			t.logger.Warn("failed to flush queued message", logging.ErrorField(err))
			return
		}
	}
	if len(queued) > 0 {
		t.logger.Debug("flushed offline queue", logging.Int("messages", len(queued)))
	}
}

// readLoop pulls inbound frames and routes them through the correlator.
// Replies to inbound requests are written back on the same connection.
func (t *WebSocket) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.loopWg.Done()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.handleReadError(ctx, err)
			return
		}

		if resp := t.correlator.HandleMessage(ctx, data); resp != nil {
			payload, serr := t.correlator.Codec().Serialize(resp)
			if serr != nil {
				t.logger.Error("failed to serialize reply", logging.ErrorField(serr))
				continue
			}
			if werr := conn.Write(ctx, websocket.MessageText, payload); werr != nil {
				t.logger.Warn("failed to write reply", logging.ErrorField(werr))
			}
		}
	}
}

// handleReadError distinguishes orderly shutdown from unexpected loss. A
// non-normal close code is connection loss and triggers the reconnector. The
// read and ping loops can both observe the same dead connection; only the
// first caller handles it, later ones return without emitting anything.
func (t *WebSocket) handleReadError(ctx context.Context, err error) {
	if ctx.Err() != nil || t.destroyed.Load() {
		// Loop canceled by Disconnect/Destroy; state already handled there.
		return
	}

	t.lossMu.Lock()
	if t.lossHandled {
		t.lossMu.Unlock()
		return
	}
	t.lossHandled = true
	t.lossMu.Unlock()

	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		t.logger.Info("peer closed connection", logging.String("status", status.String()))
		t.teardownConn()
		t.correlator.CancelAll(connectionClosedError(TypeWebSocket))
		t.setState(StateDisconnected)
		return
	}

	classified := mcperrors.Wrap(err, "websocket connection lost",
		mcperrors.CategorySocket, mcperrors.SeverityHigh)
	t.sink.RecordError(ctx, classified)
	t.events.emit(Event{Type: EventConnectionLost, Transport: TypeWebSocket, Err: classified})

	t.teardownConn()
	t.correlator.CancelAll(classified)
	t.setState(StateReconnecting)

	if t.reconnector != nil {
		go func() {
			if rerr := t.reconnector.Reconnect(context.Background(), t.component, t.Connect, classified.Category()); rerr != nil {
				t.logger.Error("reconnection failed", logging.ErrorField(rerr))
				t.setState(StateError)
			}
		}()
	}
}

// pingLoop probes the peer on a fixed interval. Each missed pong increments a
// counter; exceeding the threshold is treated as connection loss, not a
// silent stall.
func (t *WebSocket) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer t.loopWg.Done()

	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		pingCtx, cancel := context.WithTimeout(ctx, t.cfg.PongTimeout)
		err := conn.Ping(pingCtx)
		cancel()

		if err == nil {
			t.missedMu.Lock()
			t.missedPings = 0
			t.missedMu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		missed, exceeded := t.recordMissedPing()
		t.logger.Warn("missed pong", logging.Int("missed", missed),
			logging.Int("threshold", t.cfg.MaxMissedPings))

		if exceeded {
			t.handleReadError(ctx, mcperrors.Newf(mcperrors.CategorySocket, mcperrors.SeverityHigh,
				"websocket missed %d pings, forcing disconnect", missed))
			return
		}
	}
}

// recordMissedPing bumps the missed-pong counter and reports whether it now
// exceeds MaxMissedPings. The connection survives exactly MaxMissedPings
// misses; one more forces the disconnect.
func (t *WebSocket) recordMissedPing() (int, bool) {
	t.missedMu.Lock()
	defer t.missedMu.Unlock()
	t.missedPings++
	return t.missedPings, t.missedPings > t.cfg.MaxMissedPings
}

// SendRequest registers a pending entry, writes the request frame and awaits
// the correlated response.
func (t *WebSocket) SendRequest(ctx context.Context, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = t.cfg.RequestTimeout
	}

	codec := t.correlator.Codec()
	id := codec.NextID()
	req, err := newRequestMessage(codec, id, method, params)
	if err != nil {
		return nil, err
	}

	pending, err := t.correlator.Register(id, timeout)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := t.writeOrQueue(ctx, req); err != nil {
		t.correlator.Reject(id, err)
		// Drain the settled entry so stats see the failure exactly once.
		_, _ = pending.Await(ctx)
		t.stats.recordRequest(time.Since(start), err)
		return nil, err
	}

	result, err := pending.Await(ctx)
	t.stats.recordRequest(time.Since(start), err)
	t.sink.RecordRequest(ctx, string(TypeWebSocket), method, statusOf(err), time.Since(start))
	return result, err
}

// SendNotification writes a notification frame without awaiting a reply.
func (t *WebSocket) SendNotification(ctx context.Context, method string, params interface{}) error {
	codec := t.correlator.Codec()
	notif, err := newNotificationMessage(codec, method, params)
	if err != nil {
		return err
	}
	err = t.writeOrQueue(ctx, notif)
	t.stats.recordNotification(err)
	return err
}

// SendMessage sends a pre-serialized payload.
func (t *WebSocket) SendMessage(ctx context.Context, raw []byte) error {
	return t.writeOrQueue(ctx, raw)
}

// writeOrQueue writes when connected and enqueues while disconnected. The
// queue is bounded; enqueue past the bound fails loudly.
func (t *WebSocket) writeOrQueue(ctx context.Context, data []byte) error {
	t.connMu.RLock()
	conn := t.conn
	connected := conn != nil && t.IsConnected()
	t.connMu.RUnlock()

	if connected {
		if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
			return mcperrors.Wrap(err, "websocket write failed",
				mcperrors.CategorySocket, mcperrors.SeverityHigh)
		}
		return nil
	}

	t.queueMu.Lock()
	defer t.queueMu.Unlock()
	if t.cfg.QueueSize > 0 && len(t.queue) >= t.cfg.QueueSize {
		return mcperrors.Newf(mcperrors.CategorySocket, mcperrors.SeverityHigh,
			"offline queue full (%d messages), dropping send", len(t.queue))
	}
	t.queue = append(t.queue, data)
	return nil
}

// Disconnect closes the connection and rejects all in-flight requests.
func (t *WebSocket) Disconnect() error {
	t.stopLoops()
	t.teardownConn()
	t.correlator.CancelAll(connectionClosedError(TypeWebSocket))
	t.setState(StateDisconnected)
	return nil
}

// Destroy disconnects and releases all resources.
func (t *WebSocket) Destroy() error {
	if !t.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.Disconnect()
	t.correlator.Close()
	t.events.clear()
	t.queueMu.Lock()
	t.queue = nil
	t.queueMu.Unlock()
	return err
}

func (t *WebSocket) stopLoops() {
	t.loopMu.Lock()
	cancel := t.loopCancel
	t.loopCancel = nil
	t.loopMu.Unlock()
	if cancel != nil {
		cancel()
	}
	t.loopWg.Wait()
}

func (t *WebSocket) teardownConn() {
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
}

// HealthCheck reports liveness based on connection state and the ping
// counter.
func (t *WebSocket) HealthCheck(ctx context.Context) HealthStatus {
	t.missedMu.Lock()
	missed := t.missedPings
	t.missedMu.Unlock()

	healthy := t.IsConnected() && missed <= t.cfg.MaxMissedPings
	return HealthStatus{
		Healthy: healthy,
		Details: map[string]interface{}{
			"state":        string(t.ConnectionState()),
			"missed_pings": missed,
			"pending":      t.correlator.PendingCount(),
		},
	}
}

// Diagnostics returns a point-in-time debugging snapshot.
func (t *WebSocket) Diagnostics(ctx context.Context) DiagnosticsReport {
	t.queueMu.Lock()
	queued := len(t.queue)
	t.queueMu.Unlock()

	checks := map[string]string{
		"endpoint_validation": "ok",
		"offline_queue_depth": strconv.Itoa(queued),
	}
	if err := validateEndpointHost(t.cfg.Endpoint, t.cfg.BlockPrivateHosts); err != nil {
		checks["endpoint_validation"] = err.Error()
	}

	return DiagnosticsReport{
		Transport: TypeWebSocket,
		Endpoint:  t.cfg.Endpoint,
		State:     t.ConnectionState(),
		Stats:     t.stats.snapshot(),
		Checks:    checks,
	}
}
