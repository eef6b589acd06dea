package protocol

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"
)

// DefaultMaxMessageSize bounds inbound payloads when no ceiling is configured.
const DefaultMaxMessageSize = 4 << 20 // 4 MiB

// Codec serializes and deserializes JSON-RPC messages and generates request
// ids. Ids are monotonic within a codec instance and salted with the creation
// timestamp so ids from a restarted client never collide with stale replies.
type Codec struct {
	maxMessageSize int
	idPrefix       string
	salt           int64
	nextID         atomic.Int64
}

// NewCodec creates a codec with the given inbound size ceiling. A zero or
// negative ceiling falls back to DefaultMaxMessageSize.
func NewCodec(maxMessageSize int) *Codec {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Codec{
		maxMessageSize: maxMessageSize,
		idPrefix:       "req",
		salt:           time.Now().UnixMilli(),
	}
}

// SetIDPrefix overrides the prefix used for generated request ids.
func (c *Codec) SetIDPrefix(prefix string) {
	if prefix != "" {
		c.idPrefix = prefix
	}
}

// NextID returns a unique request id.
func (c *Codec) NextID() string {
	return fmt.Sprintf("%s-%d-%d", c.idPrefix, c.salt, c.nextID.Add(1))
}

// MaxMessageSize returns the configured inbound byte ceiling.
func (c *Codec) MaxMessageSize() int {
	return c.maxMessageSize
}

// Serialize encodes a message for the wire.
func (c *Codec) Serialize(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("cannot serialize nil message")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize %s: %w", msg.Kind(), err)
	}
	return data, nil
}

// rawEnvelope is the minimal shape needed to discriminate message kinds. The
// id stays raw because JSON-RPC allows both strings and numbers.
type rawEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// idPresent reports whether the payload carried a usable id. A JSON null id
// (sent on replies to unparseable requests) counts as absent.
func idPresent(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

// decodeID turns a raw id into its typed value: string ids decode to string,
// numeric ids to json.Number so their wire form survives re-serialization.
func decodeID(raw json.RawMessage) interface{} {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return string(raw)
}

// Deserialize decodes a wire payload into a typed message. Payloads that
// exceed the size ceiling, carry the wrong protocol version, or match none of
// the three shapes are rejected.
func (c *Codec) Deserialize(data []byte) (Message, error) {
	if len(data) > c.maxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds limit %d", len(data), c.maxMessageSize)
	}

	var env rawEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed JSON-RPC payload: %w", err)
	}
	if env.JSONRPC != JSONRPCVersion {
		return nil, fmt.Errorf("unsupported jsonrpc version %q", env.JSONRPC)
	}

	hasID := idPresent(env.ID)
	switch {
	case hasID && env.Method != "":
		return &Request{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
			ID:             decodeID(env.ID),
			Method:         env.Method,
			Params:         env.Params,
		}, nil
	case hasID && (env.Result != nil || env.Error != nil):
		return &Response{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
			ID:             decodeID(env.ID),
			Result:         env.Result,
			Error:          env.Error,
		}, nil
	case !hasID && env.Method != "":
		return &Notification{
			JSONRPCMessage: JSONRPCMessage{JSONRPC: JSONRPCVersion},
			Method:         env.Method,
			Params:         env.Params,
		}, nil
	default:
		return nil, fmt.Errorf("payload matches no JSON-RPC message shape")
	}
}

// RecoverRequestID extracts the id from a request-shaped payload that failed
// deserialization, so a synthetic error response can still be addressed. It
// returns false when no id is recoverable.
func RecoverRequestID(data []byte) (interface{}, bool) {
	var env struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, false
	}
	if !idPresent(env.ID) || env.Method == "" {
		return nil, false
	}
	return decodeID(env.ID), true
}
