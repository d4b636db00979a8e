package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/attendsync/internal/attendance"
	"github.com/agentworkforce/attendsync/internal/kvstore"
	"github.com/agentworkforce/attendsync/internal/remote"
)

type stubTransport struct {
	mu     sync.Mutex
	writes []remote.Payload
}

func (s *stubTransport) Write(ctx context.Context, endpoint string, payload remote.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, payload)
	return nil
}

func (s *stubTransport) Snapshot(ctx context.Context, endpoint string) ([]remote.Item, error) {
	return nil, nil
}

func newTestEngine(t *testing.T) *attendance.Engine {
	t.Helper()
	engine, err := attendance.New(kvstore.NewMemoryStore(), &stubTransport{}, attendance.Options{
		Sleep: func(context.Context, time.Duration) error { return nil },
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func TestHealthIsPublic(t *testing.T) {
	server := NewServerWithConfig(newTestEngine(t), ServerConfig{Token: "secret"})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthRequiredWhenTokenConfigured(t *testing.T) {
	server := NewServerWithConfig(newTestEngine(t), ServerConfig{Token: "secret"})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/records"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/records",
		headers: map[string]string{"Authorization": "Bearer wrong"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/records",
		headers: map[string]string{"Authorization": "Bearer secret"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d (%s)", resp.Code, resp.Body.String())
	}
}

func TestMarkLifecycle(t *testing.T) {
	engine := newTestEngine(t)
	server := NewServer(engine)

	resp := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/marks",
		headers: map[string]string{"X-Correlation-Id": "corr_1"},
		body:    map[string]any{"studentId": " a1 ", "name": "Alice", "email": "A@X.com", "status": "P"},
	})
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (%s)", resp.Code, resp.Body.String())
	}
	if got := resp.Header().Get("X-Correlation-Id"); got != "corr_1" {
		t.Fatalf("expected correlation id echo, got %q", got)
	}
	var marked MarkResponse
	if err := json.NewDecoder(resp.Body).Decode(&marked); err != nil {
		t.Fatalf("decode mark response: %v", err)
	}
	if marked.Record.StudentID != "A1" || marked.Pending != 1 {
		t.Fatalf("unexpected mark response: %+v", marked)
	}

	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/marks/status",
		body:   map[string]any{"studentIds": []string{"a1", "zz"}, "status": "absent"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on status update, got %d (%s)", resp.Code, resp.Body.String())
	}
	var updated StatusUpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&updated); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if len(updated.Records) != 1 || updated.Records[0].Status != attendance.StatusAbsent || updated.Pending != 2 {
		t.Fatalf("unexpected status update response: %+v", updated)
	}

	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/records/remove",
		body:   map[string]any{"studentIds": []string{"A1"}},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on remove, got %d (%s)", resp.Code, resp.Body.String())
	}

	resp = doRequest(t, server, request{method: http.MethodGet, path: "/v1/records"})
	var listed RecordsResponse
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode records: %v", err)
	}
	if len(listed.Records) != 0 || len(listed.Tombstones) != 1 || listed.Tombstones[0] != "A1" {
		t.Fatalf("unexpected records after remove: %+v", listed)
	}
}

func TestMarkValidationErrors(t *testing.T) {
	server := NewServer(newTestEngine(t))

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/marks",
		body:   map[string]any{"studentId": "  ", "name": "Nobody"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing id, got %d", resp.Code)
	}
	var payload ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if payload.Code != "invalid_input" || payload.CorrelationID == "" {
		t.Fatalf("unexpected error payload: %+v", payload)
	}

	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/marks/status",
		body:   map[string]any{"studentIds": []string{"A1"}, "status": "late"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", resp.Code)
	}

	resp = doRawRequest(t, server, http.MethodPost, "/v1/marks", []byte("{"))
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", resp.Code)
	}

	resp = doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/records/remove",
		body:   map[string]any{"studentIds": []string{}},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty remove, got %d", resp.Code)
	}
}

func TestStatusUpdateRequiresStatus(t *testing.T) {
	engine := newTestEngine(t)
	server := NewServer(engine)
	if _, err := engine.Mark(attendance.MarkInput{StudentID: "a1", Status: "A"}); err != nil {
		t.Fatalf("mark: %v", err)
	}

	for _, body := range []map[string]any{
		{"studentIds": []string{"a1"}},
		{"studentIds": []string{"a1"}, "status": "  "},
	} {
		resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/marks/status", body: body})
		if resp.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %v, got %d (%s)", body, resp.Code, resp.Body.String())
		}
		var payload ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			t.Fatalf("decode error: %v", err)
		}
		if payload.Code != "invalid_input" {
			t.Fatalf("expected invalid_input, got %+v", payload)
		}
	}

	records := engine.Records()
	if len(records) != 1 || records[0].Status != attendance.StatusAbsent {
		t.Fatalf("expected record to stay absent, got %+v", records)
	}
	if pending := engine.PendingCount(); pending != 1 {
		t.Fatalf("expected no extra task queued, got pending %d", pending)
	}
}

func TestClosedEngineReturns503(t *testing.T) {
	engine := newTestEngine(t)
	server := NewServer(engine)
	_ = engine.Close()

	resp := doRequest(t, server, request{
		method: http.MethodPost,
		path:   "/v1/marks",
		body:   map[string]any{"studentId": "A1"},
	})
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestEndpointClearAndFlush(t *testing.T) {
	engine := newTestEngine(t)
	server := NewServer(engine)

	resp := doRequest(t, server, request{
		method: http.MethodPut,
		path:   "/v1/sync/endpoint",
		body:   map[string]any{"endpoint": "ftp://nope"},
	})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad endpoint, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{
		method: http.MethodPut,
		path:   "/v1/sync/endpoint",
		body:   map[string]any{"endpoint": "https://records.example.test/exec"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for endpoint, got %d (%s)", resp.Code, resp.Body.String())
	}

	for _, id := range []string{"A1", "B2"} {
		if _, err := engine.Mark(attendance.MarkInput{StudentID: id}); err != nil {
			t.Fatalf("mark %s: %v", id, err)
		}
	}
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/records/clear"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for clear, got %d", resp.Code)
	}
	var status attendance.SyncStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Records != 0 || status.Tombstones != 2 || status.Pending != 2 {
		t.Fatalf("unexpected status after clear: %+v", status)
	}
	if status.Endpoint != "https://records.example.test/exec" {
		t.Fatalf("unexpected endpoint: %q", status.Endpoint)
	}

	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync/flush"})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202 for flush, got %d", resp.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(newTestEngine(t))
	resp := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/records"})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestBodyLimit(t *testing.T) {
	server := NewServerWithConfig(newTestEngine(t), ServerConfig{MaxBodyBytes: 16})
	resp := doRawRequest(t, server, http.MethodPost, "/v1/marks", []byte(`{"studentId":"`+strings.Repeat("x", 64)+`"}`))
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestRateLimitingByClient(t *testing.T) {
	server := NewServerWithConfig(newTestEngine(t), ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status"})
		if resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status"})
	if resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
	if resp.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", resp.Header().Get("Retry-After"))
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := attendance.NewMetrics(reg)
	engine, err := attendance.New(kvstore.NewMemoryStore(), &stubTransport{}, attendance.Options{Metrics: metrics})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	defer engine.Close()
	if _, err := engine.Mark(attendance.MarkInput{StudentID: "A1"}); err != nil {
		t.Fatalf("mark: %v", err)
	}

	server := NewServerWithConfig(engine, ServerConfig{Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/metrics"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "attendsync_pending_tasks 1") {
		t.Fatalf("expected pending gauge in metrics output, got:\n%s", resp.Body.String())
	}
}

func TestStatusStreamPushesChanges(t *testing.T) {
	engine := newTestEngine(t)
	httpServer := httptest.NewServer(NewServerWithConfig(engine, ServerConfig{Token: "secret"}))
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	header := http.Header{}
	header.Set("Authorization", "Bearer secret")
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(httpServer.URL, "http")+"/v1/sync/stream", &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.CloseNow()

	var status attendance.SyncStatus
	if err := wsjson.Read(ctx, conn, &status); err != nil {
		t.Fatalf("read initial status: %v", err)
	}
	if status.Pending != 0 {
		t.Fatalf("expected empty initial status, got %+v", status)
	}

	if _, err := engine.Mark(attendance.MarkInput{StudentID: "A1"}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	for status.Pending != 1 {
		if err := wsjson.Read(ctx, conn, &status); err != nil {
			t.Fatalf("read pushed status: %v", err)
		}
	}

	_ = engine.Close()
	for {
		if err := wsjson.Read(ctx, conn, &status); err != nil {
			if websocket.CloseStatus(err) != websocket.StatusGoingAway {
				t.Fatalf("expected going-away close, got %v", err)
			}
			break
		}
	}
}

func TestStreamRequiresToken(t *testing.T) {
	httpServer := httptest.NewServer(NewServerWithConfig(newTestEngine(t), ServerConfig{Token: "secret"}))
	defer httpServer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(httpServer.URL, "http")+"/v1/sync/stream", nil)
	if err == nil {
		t.Fatalf("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", resp)
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body []byte
	if r.body != nil {
		var err error
		body, err = json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(body))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func doRawRequest(t *testing.T, server http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}
