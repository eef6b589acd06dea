// Package correlation matches asynchronous JSON-RPC responses to outstanding
// requests by id and routes inbound messages to request resolution, method
// handlers or notification handlers.
package correlation

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/logging"
	"github.com/mcpwire/mcpwire/pkg/protocol"
	"github.com/mcpwire/mcpwire/pkg/telemetry"
)

// MethodHandler handles an inbound request addressed to this client.
type MethodHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// NotificationHandler handles an inbound notification. Notifications never
// produce a reply, even when the handler fails.
type NotificationHandler func(ctx context.Context, params json.RawMessage)

// Result is the terminal outcome of a pending request.
type Result struct {
	Value json.RawMessage
	Err   error
}

// Pending is the caller's handle on an outstanding request.
type Pending struct {
	id string
	ch chan Result
}

// ID returns the request id this handle tracks.
func (p *Pending) ID() string { return p.id }

// Await blocks until the request settles or the context is done.
func (p *Pending) Await(ctx context.Context) (json.RawMessage, error) {
	select {
	case res := <-p.ch:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type pendingEntry struct {
	ch    chan Result
	timer *time.Timer
}

// Correlator owns the pending-request table. Every request id is unique among
// currently outstanding requests; a response whose id matches no entry is an
// orphan and is dropped with a diagnostic.
type Correlator struct {
	codec  *protocol.Codec
	logger logging.Logger
	sink   telemetry.Sink

	mu      sync.Mutex
	pending map[string]*pendingEntry
	closed  bool

	handlerMu     sync.RWMutex
	methods       map[string]MethodHandler
	notifications map[string]NotificationHandler
}

// New creates a correlator. A nil codec gets a default one; nil logger and
// sink are replaced with no-ops.
func New(codec *protocol.Codec, logger logging.Logger, sink telemetry.Sink) *Correlator {
	if codec == nil {
		codec = protocol.NewCodec(0)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if sink == nil {
		sink = telemetry.NewNopSink()
	}
	return &Correlator{
		codec:         codec,
		logger:        logger,
		sink:          sink,
		pending:       make(map[string]*pendingEntry),
		methods:       make(map[string]MethodHandler),
		notifications: make(map[string]NotificationHandler),
	}
}

// Codec returns the codec this correlator deserializes with.
func (c *Correlator) Codec() *protocol.Codec { return c.codec }

// Register creates a pending entry for id and arms its deadline timer. The
// returned handle settles exactly once: on resolve, reject or timeout.
func (c *Correlator) Register(id string, timeout time.Duration) (*Pending, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, mcperrors.New("correlator is closed", mcperrors.CategoryNetwork, mcperrors.SeverityHigh)
	}
	if _, exists := c.pending[id]; exists {
		return nil, mcperrors.Newf(mcperrors.CategoryProtocol, mcperrors.SeverityHigh,
			"duplicate request id %q", id)
	}

	entry := &pendingEntry{ch: make(chan Result, 1)}
	if timeout > 0 {
		entry.timer = time.AfterFunc(timeout, func() {
			c.Reject(id, mcperrors.Newf(mcperrors.CategoryTimeout, mcperrors.SeverityMedium,
				"request %s timed out after %s", id, timeout))
		})
	}
	c.pending[id] = entry

	return &Pending{id: id, ch: entry.ch}, nil
}

// Resolve settles the pending entry with a value. It reports false when the
// id is unknown (already settled or never registered); late responses are
// dropped, never double-delivered.
func (c *Correlator) Resolve(id string, value json.RawMessage) bool {
	return c.settle(id, Result{Value: value})
}

// Reject settles the pending entry with an error. Unknown ids are a no-op.
func (c *Correlator) Reject(id string, err error) bool {
	return c.settle(id, Result{Err: err})
}

func (c *Correlator) settle(id string, res Result) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	entry.ch <- res
	return true
}

// PendingCount returns the number of outstanding requests.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// RegisterMethodHandler registers a handler for inbound requests.
func (c *Correlator) RegisterMethodHandler(method string, handler MethodHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.methods[method] = handler
}

// RegisterNotificationHandler registers a handler for inbound notifications.
func (c *Correlator) RegisterNotificationHandler(method string, handler NotificationHandler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.notifications[method] = handler
}

// UnregisterNotificationHandler removes a notification handler.
func (c *Correlator) UnregisterNotificationHandler(method string) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	delete(c.notifications, method)
}

// HandleMessage deserializes one inbound payload and routes it. When the
// inbound message was a request, the returned response must be sent back to
// the peer; for responses and notifications it is nil. Malformed payloads are
// classified and reported; a synthetic error response is produced only when a
// request-shaped id could still be recovered.
func (c *Correlator) HandleMessage(ctx context.Context, raw []byte) *protocol.Response {
	msg, err := c.codec.Deserialize(raw)
	if err != nil {
		classified := mcperrors.Wrap(err, "failed to deserialize inbound message",
			mcperrors.CategorySerialization, mcperrors.SeverityMedium)
		c.sink.RecordError(ctx, classified)
		c.logger.Warn("dropping malformed inbound payload",
			logging.ErrorField(err), logging.Int("bytes", len(raw)))

		if id, ok := protocol.RecoverRequestID(raw); ok {
			resp, respErr := protocol.NewErrorResponse(id, protocol.ParseError, "parse error", nil)
			if respErr == nil {
				return resp
			}
		}
		return nil
	}

	switch m := msg.(type) {
	case *protocol.Request:
		return c.handleRequest(ctx, m)
	case *protocol.Response:
		c.handleResponse(ctx, m)
	case *protocol.Notification:
		c.handleNotification(ctx, m)
	}
	return nil
}

func (c *Correlator) handleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	c.handlerMu.RLock()
	handler, ok := c.methods[req.Method]
	c.handlerMu.RUnlock()

	if !ok {
		resp, _ := protocol.NewErrorResponse(req.ID, protocol.MethodNotFound,
			"method not found: "+req.Method, nil)
		return resp
	}

	result, err := handler(ctx, req.Params)
	if err != nil {
		wireErr := mcperrors.ToWireError(err)
		resp, _ := protocol.NewErrorResponse(req.ID, wireErr.Code, wireErr.Message, wireErr.Data)
		return resp
	}

	resp, err := protocol.NewResponse(req.ID, result)
	if err != nil {
		resp, _ = protocol.NewErrorResponse(req.ID, protocol.InternalError,
			"failed to marshal result", nil)
		return resp
	}
	return resp
}

func (c *Correlator) handleResponse(ctx context.Context, resp *protocol.Response) {
	key := protocol.IDKey(resp.ID)
	if resp.Error != nil {
		classified := mcperrors.FromWireError(resp.Error)
		c.sink.RecordError(ctx, classified)
		if !c.Reject(key, classified) {
			c.logger.Debug("dropping orphan error response", logging.String("id", key))
		}
		return
	}
	if !c.Resolve(key, resp.Result) {
		c.logger.Debug("dropping orphan response", logging.String("id", key))
	}
}

func (c *Correlator) handleNotification(ctx context.Context, notif *protocol.Notification) {
	c.handlerMu.RLock()
	handler, ok := c.notifications[notif.Method]
	c.handlerMu.RUnlock()

	if !ok {
		c.logger.Debug("no handler for notification", logging.String("method", notif.Method))
		return
	}
	handler(ctx, notif.Params)
}

// CancelAll rejects every outstanding request with the given error. Used on
// disconnect and destroy so no caller hangs on a dead connection.
func (c *Correlator) CancelAll(err error) {
	c.mu.Lock()
	entries := c.pending
	c.pending = make(map[string]*pendingEntry)
	c.mu.Unlock()

	for _, entry := range entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		entry.ch <- Result{Err: err}
	}
}

// Close cancels all outstanding requests and refuses new registrations.
func (c *Correlator) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.CancelAll(mcperrors.New("connection closed", mcperrors.CategoryNetwork, mcperrors.SeverityHigh))
}
