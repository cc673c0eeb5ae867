package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/pulse/internal/logging"
	"github.com/rendis/pulse/internal/sse"
	"github.com/rendis/pulse/internal/streaming"
	"github.com/rendis/pulse/pkg/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestServer(t *testing.T) (*httptest.Server, *streaming.MemoryHub) {
	t.Helper()
	hub := streaming.NewMemoryHub()
	srv := httptest.NewServer(NewServer(Deps{Hub: hub, Logger: logging.Discard()}).Handler())
	t.Cleanup(srv.Close)
	return srv, hub
}

func publish(t *testing.T, baseURL string, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(baseURL+"/api/publish", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSSE_ConnectionThenPublished(t *testing.T) {
	srv, hub := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/run/r-1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	next := frameReader(t, resp.Body)
	frame := next()
	assert.Equal(t, "connection", frame.Event)

	var hello schema.ConnectionEvent
	require.NoError(t, json.Unmarshal(frame.Data, &hello))
	assert.Equal(t, schema.RunScope("r-1"), hello.Scope)
	assert.NotEmpty(t, hello.SubscriptionID)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	pr := publish(t, srv.URL, `{"scope_kind":"run","scope_id":"r-2","kind":"run-update","payload":{"run_id":"r-2","status":"running"}}`)
	assert.Equal(t, http.StatusAccepted, pr.StatusCode)
	pr = publish(t, srv.URL, `{"scope_kind":"run","scope_id":"r-1","kind":"run-update","id":"ev-9","payload":{"run_id":"r-1","status":"completed"}}`)
	assert.Equal(t, http.StatusAccepted, pr.StatusCode)

	frame = next()
	assert.Equal(t, "run-update", frame.Event)
	assert.Equal(t, "ev-9", frame.ID)
	assert.JSONEq(t, `{"run_id":"r-1","status":"completed"}`, string(frame.Data))
}

func TestSSE_RawPayloadAndDefaultIDs(t *testing.T) {
	srv, hub := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/workflow/wk", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	next := frameReader(t, resp.Body)
	next()
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	publish(t, srv.URL, `{"scope_kind":"workflow","scope_id":"wk","kind":"workflow-update","raw":"{not json"}`)
	publish(t, srv.URL, `{"scope_kind":"workflow","scope_id":"wk","kind":"workflow-update","payload":{"workflow_key":"wk"}}`)

	frame := next()
	assert.Equal(t, "{not json", string(frame.Data))
	assert.Equal(t, "1", frame.ID)

	frame = next()
	assert.Equal(t, "2", frame.ID)
}

func TestSSE_KeepAlive(t *testing.T) {
	hub := streaming.NewMemoryHub()
	srv := httptest.NewServer(NewServer(Deps{Hub: hub, Logger: logging.Discard(), KeepAlive: 20 * time.Millisecond}).Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/sse/user/7", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 4096)
	var got []byte
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !bytes.Contains(got, []byte(": keep-alive")) {
		n, err := resp.Body.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Contains(t, string(got), ": keep-alive")
}

// frameReader returns a function yielding the next frame from r.
func frameReader(t *testing.T, r io.Reader) func() sse.Frame {
	t.Helper()
	next, stop := iter.Pull2(sse.Read(r))
	t.Cleanup(stop)
	return func() sse.Frame {
		t.Helper()
		f, err, ok := next()
		require.True(t, ok, "stream ended")
		require.NoError(t, err)
		return f
	}
}

func TestSSE_InvalidScope(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/sse/tenant/1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPublish_Validation(t *testing.T) {
	srv, _ := newTestServer(t)

	cases := map[string]string{
		"not json":      `{`,
		"unknown field": `{"scope_kind":"run","scope_id":"1","kind":"run-update","extra":1}`,
		"missing id":    `{"scope_kind":"run","kind":"run-update"}`,
		"bad kind":      `{"scope_kind":"org","scope_id":"1","kind":"run-update"}`,
		"missing kind":  `{"scope_kind":"run","scope_id":"1"}`,
		"kind with LF":  `{"scope_kind":"run","scope_id":"1","kind":"run-update\n\nevent: error\ndata: {}"}`,
		"kind with CR":  `{"scope_kind":"run","scope_id":"1","kind":"run-update\rdata: x"}`,
		"id with LF":    `{"scope_kind":"run","scope_id":"1","kind":"run-update","id":"1\nevent: error"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp := publish(t, srv.URL, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServe_StartStop(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := listener.Addr().String()
	listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewServer(Deps{Logger: logging.Discard()})
	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 3*time.Second, 50*time.Millisecond, "relay did not start")

	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not shut down in time")
	}
	http.DefaultClient.CloseIdleConnections()
}
