package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodecRoundTripRequest(t *testing.T) {
	codec := NewCodec(0)

	req, err := NewRequest("req-1", "tools/call", map[string]interface{}{
		"name": "echo",
		"text": "héllo wörld ☃",
	})
	require.NoError(t, err)

	data, err := codec.Serialize(req)
	require.NoError(t, err)

	msg, err := codec.Deserialize(data)
	require.NoError(t, err)

	decoded, ok := msg.(*Request)
	require.True(t, ok, "expected *Request, got %T", msg)
	assert.Equal(t, "req-1", decoded.ID)
	assert.Equal(t, "tools/call", decoded.Method)

	var params map[string]interface{}
	require.NoError(t, json.Unmarshal(decoded.Params, &params))
	assert.Equal(t, "héllo wörld ☃", params["text"])
}

func TestCodecRoundTripResponse(t *testing.T) {
	codec := NewCodec(0)

	resp, err := NewResponse("req-2", map[string]string{"status": "ok"})
	require.NoError(t, err)

	data, err := codec.Serialize(resp)
	require.NoError(t, err)

	msg, err := codec.Deserialize(data)
	require.NoError(t, err)

	decoded, ok := msg.(*Response)
	require.True(t, ok, "expected *Response, got %T", msg)
	assert.Equal(t, "req-2", decoded.ID)
	assert.Nil(t, decoded.Error)
}

func TestCodecRoundTripErrorResponse(t *testing.T) {
	codec := NewCodec(0)

	resp, err := NewErrorResponse("req-3", MethodNotFound, "method not found: nope", nil)
	require.NoError(t, err)

	data, err := codec.Serialize(resp)
	require.NoError(t, err)

	msg, err := codec.Deserialize(data)
	require.NoError(t, err)

	decoded, ok := msg.(*Response)
	require.True(t, ok)
	require.NotNil(t, decoded.Error)
	assert.Equal(t, MethodNotFound, decoded.Error.Code)
}

func TestCodecRoundTripNotification(t *testing.T) {
	codec := NewCodec(0)

	notif, err := NewNotification("progress", map[string]int{"pct": 50})
	require.NoError(t, err)

	data, err := codec.Serialize(notif)
	require.NoError(t, err)

	msg, err := codec.Deserialize(data)
	require.NoError(t, err)

	decoded, ok := msg.(*Notification)
	require.True(t, ok, "expected *Notification, got %T", msg)
	assert.Equal(t, "progress", decoded.Method)
}

func TestCodecEmptyParams(t *testing.T) {
	codec := NewCodec(0)

	req, err := NewRequest("req-4", "ping", nil)
	require.NoError(t, err)

	data, err := codec.Serialize(req)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"params"`)

	msg, err := codec.Deserialize(data)
	require.NoError(t, err)
	decoded := msg.(*Request)
	assert.Empty(t, decoded.Params)
}

func TestCodecRejectsOversizedPayload(t *testing.T) {
	codec := NewCodec(64)

	payload := `{"jsonrpc":"2.0","method":"x","params":{"pad":"` +
		strings.Repeat("a", 128) + `"}}`
	_, err := codec.Deserialize([]byte(payload))
	if err == nil {
		t.Fatal("expected size-limit error")
	}
	assert.Contains(t, err.Error(), "exceeds limit")
}

func TestCodecRejectsWrongVersion(t *testing.T) {
	codec := NewCodec(0)

	_, err := codec.Deserialize([]byte(`{"jsonrpc":"1.0","id":"1","method":"ping"}`))
	if err == nil {
		t.Fatal("expected version error")
	}
}

func TestCodecRejectsShapelessPayload(t *testing.T) {
	codec := NewCodec(0)

	// Valid JSON, valid version, but neither request, response nor
	// notification.
	_, err := codec.Deserialize([]byte(`{"jsonrpc":"2.0"}`))
	if err == nil {
		t.Fatal("expected shape error")
	}
}

func TestCodecRejectsMalformedJSON(t *testing.T) {
	codec := NewCodec(0)

	_, err := codec.Deserialize([]byte(`{"jsonrpc":`))
	if err == nil {
		t.Fatal("expected parse error")
	}
}

func TestNextIDUnique(t *testing.T) {
	codec := NewCodec(0)
	codec.SetIDPrefix("ws")

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := codec.NextID()
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		assert.True(t, strings.HasPrefix(id, "ws-"))
	}
}

func TestNextIDSaltedAcrossInstances(t *testing.T) {
	// Two codecs created at different times must not hand out colliding ids.
	a := NewCodec(0)
	b := NewCodec(0)
	b.salt = a.salt + 1

	if a.NextID() == b.NextID() {
		t.Fatal("ids from distinct codecs collided")
	}
}

func TestCodecAcceptsNumericIDs(t *testing.T) {
	codec := NewCodec(0)

	msg, err := codec.Deserialize([]byte(`{"jsonrpc":"2.0","id":7,"method":"sampling/createMessage"}`))
	require.NoError(t, err)
	req, ok := msg.(*Request)
	require.True(t, ok, "expected *Request, got %T", msg)
	assert.Equal(t, json.Number("7"), req.ID)

	msg, err = codec.Deserialize([]byte(`{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`))
	require.NoError(t, err)
	resp, ok := msg.(*Response)
	require.True(t, ok, "expected *Response, got %T", msg)
	assert.Equal(t, json.Number("7"), resp.ID)
}

func TestCodecNumericIDSurvivesReply(t *testing.T) {
	codec := NewCodec(0)

	msg, err := codec.Deserialize([]byte(`{"jsonrpc":"2.0","id":42,"method":"ping"}`))
	require.NoError(t, err)
	req := msg.(*Request)

	// A reply addressed with the request's id keeps the numeric wire form.
	reply, err := NewResponse(req.ID, map[string]bool{"ok": true})
	require.NoError(t, err)
	data, err := codec.Serialize(reply)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"id":42`)
	assert.NotContains(t, string(data), `"id":"42"`)
}

func TestCodecNullIDIsNotAnID(t *testing.T) {
	codec := NewCodec(0)

	// A null id does not make a method-bearing payload a request.
	msg, err := codec.Deserialize([]byte(`{"jsonrpc":"2.0","id":null,"method":"progress"}`))
	require.NoError(t, err)
	_, ok := msg.(*Notification)
	assert.True(t, ok, "expected *Notification, got %T", msg)
}

func TestRecoverRequestID(t *testing.T) {
	id, ok := RecoverRequestID([]byte(`{"jsonrpc":"3.0","id":"req-9","method":"ping"}`))
	require.True(t, ok)
	assert.Equal(t, "req-9", id)

	id, ok = RecoverRequestID([]byte(`{"jsonrpc":"3.0","id":12,"method":"ping"}`))
	require.True(t, ok)
	assert.Equal(t, json.Number("12"), id)

	_, ok = RecoverRequestID([]byte(`{"jsonrpc":"2.0","method":"ping"}`))
	assert.False(t, ok)

	_, ok = RecoverRequestID([]byte(`{"jsonrpc":"2.0","id":null,"method":"ping"}`))
	assert.False(t, ok)

	_, ok = RecoverRequestID([]byte(`not json`))
	assert.False(t, ok)
}
