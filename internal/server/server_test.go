package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"

	"github.com/rcliao/memory-hub/internal/config"
	"github.com/rcliao/memory-hub/internal/hub"
	"github.com/rcliao/memory-hub/internal/model"
)

func newTestServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.DB = filepath.Join(t.TempDir(), "hub.db")
	cfg.Webhook.BaseDelay = 10 * time.Millisecond
	h, err := hub.Open(context.Background(), &cfg, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(New(h, nil).Handler())
	t.Cleanup(func() {
		ts.Close()
		h.Close()
	})
	return h, ts
}

func do(t *testing.T, ts *httptest.Server, method, path, agent string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	if agent != "" {
		req.Header.Set(HeaderAgentID, agent)
		req.Header.Set(HeaderAgentProtocol, "mcp")
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type sseEvent struct {
	name string
	data string
}

func openSSE(t *testing.T, ts *httptest.Server, channel string) *bufio.Reader {
	t.Helper()
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(ts.URL + "/events/stream?channel=" + channel)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	br := bufio.NewReader(resp.Body)
	hello := readSSE(t, br)
	require.Equal(t, "connected", hello.name)
	return br
}

func readSSE(t *testing.T, br *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line, err := br.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.name != "" || ev.data != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestMemoryLifecycleOverREST(t *testing.T) {
	_, ts := newTestServer(t)

	resp := do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "proj", "key": "db", "content": "postgres"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created model.Memory
	decode(t, resp, &created)
	assert.Equal(t, "cursor", created.CreatedBy)
	assert.Equal(t, model.ProtocolMCP, created.SourceProtocol)

	resp = do(t, ts, "GET", "/api/memories/proj/db", "claude", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var recalled model.Memory
	decode(t, resp, &recalled)
	assert.Equal(t, 1, recalled.AccessCount)

	resp = do(t, ts, "GET", "/api/memories/proj/db?peek=true", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var peeked model.Memory
	decode(t, resp, &peeked)
	assert.Equal(t, 1, peeked.AccessCount)

	resp = do(t, ts, "DELETE", "/api/memories/proj/db", "cursor", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, ts, "GET", "/api/memories/proj/db", "cursor", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, ts, "GET", "/api/events?types=memory_created,memory_recalled,memory_deleted", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page eventsPage
	decode(t, resp, &page)
	require.Len(t, page.Events, 3)
	assert.Equal(t, "memory_created", page.Events[0].Type)
	assert.Equal(t, "memory_recalled", page.Events[1].Type)
	assert.Equal(t, "claude", page.Events[1].SourceAgent)
	assert.Equal(t, "memory_deleted", page.Events[2].Type)
	assert.Equal(t, page.Events[2].ID, page.NextSinceID)
}

func TestErrorStatusCodes(t *testing.T) {
	_, ts := newTestServer(t)

	req, err := http.NewRequest("GET", ts.URL+"/api/events", nil)
	require.NoError(t, err)
	req.Header.Set(HeaderAgentProtocol, "carrier-pigeon")
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
	}{
		{"bad since_id", "GET", "/api/events?since_id=abc", nil, http.StatusBadRequest},
		{"unknown type filter", "GET", "/api/events?types=nope", nil, http.StatusBadRequest},
		{"memory events cannot be posted", "POST", "/api/events", map[string]any{"type": "memory_created"}, http.StatusBadRequest},
		{"non-object payload", "POST", "/api/events", map[string]any{"type": "pattern_learned", "data": []int{1}}, http.StatusBadRequest},
		{"bad importance", "POST", "/api/events", map[string]any{"type": "pattern_learned", "importance": 11}, http.StatusBadRequest},
		{"bad filter", "GET", "/events/stream?channel=color:red", nil, http.StatusBadRequest},
		{"unknown subscription", "GET", "/api/subscriptions/sub_missing", nil, http.StatusNotFound},
		{"unknown agent", "GET", "/api/agents/ghost", nil, http.StatusNotFound},
		{"bad webhook url", "POST", "/api/subscriptions", map[string]any{"channel": "*", "webhook_url": "ftp://x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, ts, tt.method, tt.path, "", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			var body errorBody
			decode(t, resp, &body)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestPostPatternLearned(t *testing.T) {
	_, ts := newTestServer(t)
	resp := do(t, ts, "POST", "/api/events", "analyzer", map[string]any{
		"type":       "pattern_learned",
		"profile":    "work",
		"importance": 6,
		"data":       map[string]any{"pattern": "prefers sqlite"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var ev model.WireEvent
	decode(t, resp, &ev)
	assert.Equal(t, "pattern_learned", ev.Type)
	assert.Equal(t, "analyzer", ev.SourceAgent)
	assert.Equal(t, model.ProtocolMCP, ev.SourceProtocol)
	assert.JSONEq(t, `{"pattern":"prefers sqlite"}`, string(ev.Data))
}

func TestSSEDeliversMatchingEvents(t *testing.T) {
	_, ts := newTestServer(t)
	br := openSSE(t, ts, "type:memory_updated")

	do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "p", "key": "k", "content": "v1"})
	do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "p", "key": "k", "content": "v2"})

	ev := readSSE(t, br)
	assert.Equal(t, "memory_updated", ev.name)
	var w model.WireEvent
	require.NoError(t, json.Unmarshal([]byte(ev.data), &w))
	assert.Equal(t, "cursor", w.SourceAgent)
	assert.Equal(t, "p", w.Profile)
}

func TestWebSocketDeliversEvents(t *testing.T) {
	_, ts := newTestServer(t)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/updates?channel=agent:cursor"
	ws, err := websocket.Dial(url, "", "http://localhost/")
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetDeadline(time.Now().Add(10*time.Second)))

	var h hello
	require.NoError(t, websocket.JSON.Receive(ws, &h))
	assert.Equal(t, "connected", h.Type)
	assert.Equal(t, "agent:cursor", h.Channel)

	do(t, ts, "POST", "/api/memories", "claude", map[string]any{"ns": "p", "key": "other", "content": "x"})
	do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "p", "key": "k", "content": "v"})

	var ev model.WireEvent
	require.NoError(t, websocket.JSON.Receive(ws, &ev))
	assert.Equal(t, "memory_created", ev.Type)
	assert.Equal(t, "cursor", ev.SourceAgent)
}

func TestDurablePollAndAck(t *testing.T) {
	_, ts := newTestServer(t)

	resp := do(t, ts, "POST", "/api/subscriptions", "indexer", map[string]any{"channel": "type:memory_created"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var sub model.Subscription
	decode(t, resp, &sub)
	assert.Equal(t, "indexer", sub.SubscriberID)

	do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "p", "key": "a", "content": "1"})
	do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "p", "key": "a", "content": "2"})
	do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "p", "key": "b", "content": "3"})

	resp = do(t, ts, "GET", "/api/subscriptions/"+sub.ID+"/poll", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var batch pollResponse
	decode(t, resp, &batch)
	require.Len(t, batch.Events, 2)
	assert.Equal(t, batch.Events[1].ID, batch.Cursor)

	resp = do(t, ts, "POST", "/api/subscriptions/"+sub.ID+"/ack", "", ackRequest{EventID: batch.Cursor})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var acked model.Subscription
	decode(t, resp, &acked)
	assert.Equal(t, batch.Cursor, acked.LastDeliveredID)

	resp = do(t, ts, "GET", "/api/subscriptions/"+sub.ID+"/poll", "", nil)
	var empty pollResponse
	decode(t, resp, &empty)
	assert.Empty(t, empty.Events)

	resp = do(t, ts, "DELETE", "/api/subscriptions/"+sub.ID, "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, ts, "GET", "/api/subscriptions/"+sub.ID, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentAndTrustEndpoints(t *testing.T) {
	h, ts := newTestServer(t)

	do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "p", "key": "k", "content": "v"})
	do(t, ts, "DELETE", "/api/memories/p/k", "cursor", nil)
	require.NoError(t, h.CatchUp(context.Background()))

	resp := do(t, ts, "GET", "/api/agents", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Agents []model.Agent `json:"agents"`
		Online []string      `json:"online"`
	}
	decode(t, resp, &list)
	require.Len(t, list.Agents, 1)
	assert.Equal(t, "cursor", list.Agents[0].ID)
	assert.Equal(t, []string{"cursor"}, list.Online)

	resp = do(t, ts, "GET", "/api/trust/signals/cursor", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sigs struct {
		Score   float64             `json:"trust_score"`
		Signals []model.TrustSignal `json:"signals"`
	}
	decode(t, resp, &sigs)
	require.Len(t, sigs.Signals, 1)
	assert.Equal(t, model.SignalQuickDelete, sigs.Signals[0].Type)
	assert.Less(t, sigs.Score, 1.0)

	resp = do(t, ts, "GET", "/api/trust/stats", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[string]any
	decode(t, resp, &stats)
	assert.EqualValues(t, 1, stats["agents"])

	resp = do(t, ts, "DELETE", "/api/agents/cursor", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = do(t, ts, "GET", "/api/agents/cursor", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLiveClientsAndWebhookSeeOneUpdate(t *testing.T) {
	h, ts := newTestServer(t)

	var posts atomic.Int32
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		posts.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer target.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Webhooks.Run(ctx)

	resp := do(t, ts, "POST", "/api/subscriptions", "", map[string]any{
		"channel":     "type:memory_updated",
		"webhook_url": target.URL,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "p", "key": "k", "content": "v1"})
	first := openSSE(t, ts, "type:memory_updated")
	second := openSSE(t, ts, "type:memory_updated")
	do(t, ts, "POST", "/api/memories", "cursor", map[string]any{"ns": "p", "key": "k", "content": "v2"})

	assert.Equal(t, "memory_updated", readSSE(t, first).name)
	assert.Equal(t, "memory_updated", readSSE(t, second).name)
	require.Eventually(t, func() bool { return posts.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, posts.Load())

	resp = do(t, ts, "GET", "/api/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]any
	decode(t, resp, &health)
	assert.Equal(t, "ok", health["status"])
}
