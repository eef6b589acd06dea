package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	mcperrors "github.com/mcpwire/mcpwire/pkg/errors"
	"github.com/mcpwire/mcpwire/pkg/protocol"
)

// echoServer answers every JSON-RPC request with a fixed result.
func echoServer(t *testing.T, hits *atomic.Int64, result string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var req protocol.Request
		require.NoError(t, json.Unmarshal(body, &req))

		w.Header().Set("Content-Type", "application/json")
		resp, err := protocol.NewResponse(req.ID, json.RawMessage(result))
		require.NoError(t, err)
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func testHTTPConfig(endpoint string) Config {
	cfg := DefaultConfig(endpoint)
	cfg.Retry.InitialDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 50 * time.Millisecond
	return cfg
}

func TestHTTPSendRequestRoundTrip(t *testing.T) {
	server := echoServer(t, nil, `{"ok":true}`)
	defer server.Close()

	tr, err := New(TypeHTTP, testHTTPConfig(server.URL))
	require.NoError(t, err)
	defer tr.Destroy()

	require.NoError(t, tr.Connect(context.Background()))
	require.True(t, tr.IsConnected())

	result, err := tr.SendRequest(context.Background(), "tools/list", nil, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))

	stats := tr.Stats()
	assert.Equal(t, int64(1), stats.RequestsSent)
	assert.Zero(t, stats.Failures)
}

func TestHTTPRequestTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer server.Close()

	cfg := testHTTPConfig(server.URL)
	cfg.Retry.MaxRetries = 0
	tr, err := New(TypeHTTP, cfg)
	require.NoError(t, err)
	defer tr.Destroy()
	require.NoError(t, tr.Connect(context.Background()))

	start := time.Now()
	_, err = tr.SendRequest(context.Background(), "initialize", nil, 200*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second, "rejection must not wait for the stalled POST")

	var classified *mcperrors.ClassifiedError
	require.True(t, mcperrors.As(err, &classified))
	assert.Equal(t, mcperrors.CategoryTimeout, classified.Category())
	assert.True(t, classified.Retryable())
}

func TestHTTPRetriesServerErrors(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req protocol.Request
		require.NoError(t, json.Unmarshal(body, &req))
		resp, _ := protocol.NewResponse(req.ID, json.RawMessage(`"recovered"`))
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	tr, err := New(TypeHTTP, testHTTPConfig(server.URL))
	require.NoError(t, err)
	defer tr.Destroy()
	require.NoError(t, tr.Connect(context.Background()))

	result, err := tr.SendRequest(context.Background(), "ping", nil, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, `"recovered"`, string(result))
	assert.Equal(t, int64(3), hits.Load())
}

func TestHTTPNeverRetriesAuthFailures(t *testing.T) {
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tr, err := New(TypeHTTP, testHTTPConfig(server.URL))
	require.NoError(t, err)
	defer tr.Destroy()
	require.NoError(t, tr.Connect(context.Background()))

	_, err = tr.SendRequest(context.Background(), "ping", nil, 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, int64(1), hits.Load(), "auth failures must not be retried")

	var classified *mcperrors.ClassifiedError
	require.True(t, mcperrors.As(err, &classified))
	assert.Equal(t, mcperrors.CategoryAuthentication, classified.Category())
	assert.False(t, classified.Retryable())
}

func TestHTTPRateLimitRejects(t *testing.T) {
	server := echoServer(t, nil, `{}`)
	defer server.Close()

	cfg := testHTTPConfig(server.URL)
	cfg.RateLimit = RateLimitConfig{MaxRequests: 1, Window: time.Minute, RetryAfter: time.Second}
	tr, err := New(TypeHTTP, cfg)
	require.NoError(t, err)
	defer tr.Destroy()
	require.NoError(t, tr.Connect(context.Background()))

	_, err = tr.SendRequest(context.Background(), "ping", nil, 5*time.Second)
	require.NoError(t, err)

	_, err = tr.SendRequest(context.Background(), "ping", nil, 5*time.Second)
	require.Error(t, err)

	var classified *mcperrors.ClassifiedError
	require.True(t, mcperrors.As(err, &classified))
	assert.Equal(t, mcperrors.CategoryRateLimit, classified.Category())
	assert.True(t, classified.Retryable())
	assert.Contains(t, classified.Context(), "retry_after")
}

func TestHTTPResponseCaching(t *testing.T) {
	var hits atomic.Int64
	server := echoServer(t, &hits, `{"cached":true}`)
	defer server.Close()

	cfg := testHTTPConfig(server.URL)
	cfg.EnableCaching = true
	cfg.CacheTTL = time.Minute
	tr, err := New(TypeHTTP, cfg)
	require.NoError(t, err)
	defer tr.Destroy()
	require.NoError(t, tr.Connect(context.Background()))

	params := map[string]string{"cursor": ""}
	for i := 0; i < 3; i++ {
		result, err := tr.SendRequest(context.Background(), "tools/list", params, 5*time.Second)
		require.NoError(t, err)
		assert.JSONEq(t, `{"cached":true}`, string(result))
	}
	assert.Equal(t, int64(1), hits.Load(), "repeat calls should hit the cache")

	// Different params bypass the cached entry.
	_, err = tr.SendRequest(context.Background(), "tools/list", map[string]string{"cursor": "p2"}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), hits.Load())
}

func TestHTTPSendNotification(t *testing.T) {
	var gotMethod atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var notif protocol.Notification
		require.NoError(t, json.Unmarshal(body, &notif))
		gotMethod.Store(notif.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tr, err := New(TypeHTTP, testHTTPConfig(server.URL))
	require.NoError(t, err)
	defer tr.Destroy()
	require.NoError(t, tr.Connect(context.Background()))

	require.NoError(t, tr.SendNotification(context.Background(), "progress", map[string]int{"pct": 10}))
	assert.Equal(t, "progress", gotMethod.Load())
}

func TestHTTPDisconnectRejectsPending(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	tr, err := New(TypeHTTP, testHTTPConfig(server.URL))
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := tr.SendRequest(context.Background(), "ping", nil, 30*time.Second)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tr.Disconnect())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request survived disconnect")
	}
	require.NoError(t, tr.Destroy())
}

func TestHTTPDestroyedTransportRefusesConnect(t *testing.T) {
	tr, err := New(TypeHTTP, testHTTPConfig("http://example.com/mcp"))
	require.NoError(t, err)
	require.NoError(t, tr.Destroy())
	require.Error(t, tr.Connect(context.Background()))
}

func TestHTTPConcurrentRequests(t *testing.T) {
	var hits atomic.Int64
	server := echoServer(t, &hits, `{"ok":true}`)
	defer server.Close()

	cfg := testHTTPConfig(server.URL)
	cfg.RateLimit.MaxRequests = 0 // disabled
	tr, err := New(TypeHTTP, cfg)
	require.NoError(t, err)
	defer tr.Destroy()
	require.NoError(t, tr.Connect(context.Background()))

	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			_, err := tr.SendRequest(ctx, "tools/list", nil, 5*time.Second)
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int64(16), hits.Load())
	assert.Equal(t, int64(16), tr.Stats().RequestsSent)
}

func TestHTTPPushDeliversNotifications(t *testing.T) {
	notif, err := protocol.NewNotification("resources/updated", map[string]string{"uri": "file:///x"})
	require.NoError(t, err)
	payload, err := json.Marshal(notif)
	require.NoError(t, err)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "text/event-stream" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer server.Close()

	cfg := testHTTPConfig(server.URL)
	cfg.EnablePush = true
	tr, err := New(TypeHTTP, cfg)
	require.NoError(t, err)
	defer tr.Destroy()

	got := make(chan string, 1)
	tr.OnNotification("resources/updated", func(ctx context.Context, params json.RawMessage) {
		got <- string(params)
	})

	require.NoError(t, tr.Connect(context.Background()))

	select {
	case params := <-got:
		assert.Contains(t, params, "file:///x")
	case <-time.After(2 * time.Second):
		t.Fatal("push notification never dispatched")
	}
}
