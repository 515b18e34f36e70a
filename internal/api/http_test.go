package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqlite/mqlite/internal/broker"
	"github.com/mqlite/mqlite/internal/clock"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	b := broker.New(clock.System{}, nil)
	srv := NewServer(":0", b, Options{ReceiveMax: 10, WaitTimeMax: time.Second}, nil)
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestQueueLifecycle(t *testing.T) {
	ts := newTestServer(t)

	resp, body := doJSON(t, http.MethodPut, ts.URL+"/v1/queues/orders", map[string]any{
		"visibility_ms": 30000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/v1/queues/orders", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/v1/queues", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []queueInfo
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "orders", list[0].Name)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/queues/orders", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/v1/queues/orders", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCreateQueueRejectsBadConfig(t *testing.T) {
	ts := newTestServer(t)

	// dead-letter target without a max receive count
	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/queues/q", map[string]any{
		"dlq": "q-dlq",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendReceiveAckRoundtrip(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/queues/tasks", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/tasks/messages", map[string]any{
		"body":       map[string]string{"task": "process-order"},
		"attributes": map[string]string{"trace_id": "t-1"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sent sendResponse
	require.NoError(t, json.Unmarshal(body, &sent))
	require.NotEmpty(t, sent.ID)
	assert.False(t, sent.Deduplicated)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/queues/tasks:receive", map[string]any{
		"max": 1,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var msgs []receivedMessage
	require.NoError(t, json.Unmarshal(body, &msgs))
	require.Len(t, msgs, 1)
	assert.Equal(t, sent.ID, msgs[0].ID)
	assert.Equal(t, 1, msgs[0].ReceiveCount)
	require.NotEmpty(t, msgs[0].Receipt)

	// ack with the receipt
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/queues/tasks/messages:ack", map[string]any{
		"receipt": msgs[0].Receipt,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack ackResponse
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.True(t, ack.OK)

	// acking again is an idempotent no-op
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/v1/queues/tasks/messages:ack", map[string]any{
		"receipt": msgs[0].Receipt,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.False(t, ack.OK)

	// gone from lookup
	resp, _ = doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/queues/tasks/messages/%s", ts.URL, sent.ID), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSendValidation(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/missing/messages", map[string]any{
		"body": "x",
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPut, ts.URL+"/v1/queues/q", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/queues/q/messages", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "`body` is required")
}

func TestFIFODedupOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/queues/orders.fifo", map[string]any{
		"fifo": true,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	send := map[string]any{"body": map[string]string{"n": "1"}, "dedup_id": "d1"}

	_, body := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/orders.fifo/messages", send)
	var first sendResponse
	require.NoError(t, json.Unmarshal(body, &first))

	_, body = doJSON(t, http.MethodPost, ts.URL+"/v1/queues/orders.fifo/messages", send)
	var second sendResponse
	require.NoError(t, json.Unmarshal(body, &second))

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.ID, second.ID)
}

func TestVisibilityEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/queues/q", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/v1/queues/q/messages/nope:visibility", map[string]any{
		"visibility_ms": 1000,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, body := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/q/messages", map[string]any{"body": 1})
	var sent sendResponse
	require.NoError(t, json.Unmarshal(body, &sent))

	resp, _ = doJSON(t, http.MethodPost,
		fmt.Sprintf("%s/v1/queues/q/messages/%s:visibility", ts.URL, sent.ID),
		map[string]any{"visibility_ms": 60000})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLookupEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPut, ts.URL+"/v1/queues/q", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	_, body := doJSON(t, http.MethodPost, ts.URL+"/v1/queues/q/messages", map[string]any{"body": "x"})
	var sent sendResponse
	require.NoError(t, json.Unmarshal(body, &sent))

	resp, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/v1/queues/q/messages/%s", ts.URL, sent.ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var m receivedMessage
	require.NoError(t, json.Unmarshal(body, &m))
	assert.Equal(t, sent.ID, m.ID)
	assert.Equal(t, 0, m.ReceiveCount)
	assert.Empty(t, m.Receipt)

	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/v1/queues/q/messages/unknown", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}
