package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/user/agentrelay/internal/gateway"
	"github.com/user/agentrelay/internal/permission"
	"github.com/user/agentrelay/internal/protocol"
	"github.com/user/agentrelay/internal/state"
	"github.com/user/agentrelay/internal/tokens"
	"github.com/user/agentrelay/internal/types"
)

// scriptedSource replays fixed wire lines then EOF.
type scriptedSource struct {
	lines []string
	pos   int
}

func (s *scriptedSource) Next(ctx context.Context) (protocol.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.pos >= len(s.lines) {
		return nil, io.EOF
	}
	line := s.lines[s.pos]
	s.pos++
	return protocol.Decode([]byte(line))
}

func (s *scriptedSource) Close() error { return nil }

func newTestServer(t *testing.T, lines []string) (*Server, *state.Store, *permission.Broker) {
	t.Helper()
	store := state.NewStore(t.TempDir())
	broker := permission.NewBroker()
	factory := func(ctx context.Context, prompt string, resume types.SessionID) (gateway.ChatSource, error) {
		return &scriptedSource{lines: lines}, nil
	}
	gw := gateway.New(store, broker, factory, "opus", 2)
	gw.Start(context.Background())
	t.Cleanup(gw.Stop)

	estimator, err := tokens.NewEstimator("gpt-4")
	if err != nil {
		t.Fatalf("estimator: %v", err)
	}
	return NewServer(store, gw, broker, estimator), store, broker
}

func seedSession(t *testing.T, store *state.Store, id types.SessionID) {
	t.Helper()
	now := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	err := store.Create(context.Background(), &types.SessionMetadata{
		SessionID: id,
		Config:    types.SessionConfig{Model: "opus"},
		State:     types.SessionState{IsActive: true, CurrentTurn: 2, TotalCostUSD: 0.1},
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		t.Fatalf("seed session: %v", err)
	}
	err = store.Append(context.Background(), id, &types.ChatMessage{
		ID: types.NewMessageID(), Role: types.RoleUser, Content: "hello", Timestamp: now,
	})
	if err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("unexpected body: %s", rec.Body.String())
	}
}

func TestListSessions(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	seedSession(t, store, "sess_1")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/sessions", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []sessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "sess_1" || got[0].CurrentTurn != 2 {
		t.Errorf("unexpected sessions: %+v", got)
	}
}

func TestSessionDetail(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	seedSession(t, store, "sess_1")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/sessions/sess_1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var detail sessionDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if detail.Metadata.SessionID != "sess_1" {
		t.Errorf("unexpected metadata: %+v", detail.Metadata)
	}
	if len(detail.Messages) != 1 || detail.Messages[0].Content != "hello" {
		t.Errorf("unexpected messages: %+v", detail.Messages)
	}
	if detail.Stats == nil || detail.Stats.Messages != 1 {
		t.Errorf("expected transcript stats, got %+v", detail.Stats)
	}
}

func TestSessionDetailNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/api/sessions/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	srv, store, _ := newTestServer(t, nil)
	seedSession(t, store, "sess_1")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/sessions/sess_1", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/sessions/sess_1", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 on double delete, got %d", rec.Code)
	}
}

func TestChatRejectsBadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad JSON, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/chat", strings.NewReader(`{"prompt":""}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for empty prompt, got %d", rec.Code)
	}
}

func TestChatRejectsStaleSession(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/chat",
		strings.NewReader(`{"prompt":"hi","session_id":"long-gone"}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "cleared") {
		t.Errorf("expected a friendly explanation, got %s", rec.Body.String())
	}
}

func TestChatStreamsEvents(t *testing.T) {
	srv, _, _ := newTestServer(t, []string{
		`{"type":"system","subtype":"init","session_id":"sess_9"}`,
		`{"type":"assistant","session_id":"sess_9","message":{"role":"assistant","content":[{"type":"text","text":"Hi!"}]}}`,
		`{"type":"stream_event","session_id":"sess_9","event":{"type":"message_delta","delta":{"stop_reason":"end_turn"}}}`,
		`{"type":"result","subtype":"success","session_id":"sess_9","usage":{}}`,
	})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		bytes.NewReader([]byte(`{"prompt":"hi"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected SSE content type, got %q", ct)
	}

	var payloads []map[string]any
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var payload map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &payload); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		payloads = append(payloads, payload)
	}

	kinds := make([]string, 0, len(payloads))
	for _, p := range payloads {
		kinds = append(kinds, p["type"].(string))
	}

	want := []string{"session", "text_complete", "complete", "done"}
	if strings.Join(kinds, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected event kinds %v, want %v", kinds, want)
	}
	if payloads[0]["sessionId"] != "sess_9" {
		t.Errorf("expected session announcement, got %v", payloads[0])
	}
	if payloads[3]["text"] != "Hi!" {
		t.Errorf("expected final text in done event, got %v", payloads[3])
	}
}

func TestChatMapsStaleSessionErrors(t *testing.T) {
	srv, _, _ := newTestServer(t, []string{
		`{"type":"system","subtype":"init","session_id":"sess_9"}`,
		`{"type":"assistant","session_id":"sess_9","error":"Claude Code process exited with code 1"}`,
		`{"type":"result","subtype":"success","session_id":"sess_9","usage":{}}`,
	})

	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/chat", "application/json",
		bytes.NewReader([]byte(`{"prompt":"hi"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if strings.Contains(string(body), "exited with code 1") {
		t.Errorf("raw diagnostic leaked to the client: %s", body)
	}
	if !strings.Contains(string(body), "Session expired or not found") {
		t.Errorf("expected a friendly error frame, got: %s", body)
	}
}

func TestPermissionEndpoint(t *testing.T) {
	srv, _, broker := newTestServer(t, nil)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/permission",
		strings.NewReader(`{"request_id":"ghost","behavior":"allow"}`)))
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown request, got %d", rec.Code)
	}

	ch, err := broker.Register("req_1", "Bash", "tool_1")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/permission",
		strings.NewReader(`{"request_id":"req_1","behavior":"deny","message":"nope","interrupt":true}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	decision, err := broker.Await(context.Background(), "req_1", ch)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if decision.Behavior != permission.BehaviorDeny || decision.Message != "nope" || !decision.Interrupt {
		t.Errorf("unexpected decision: %+v", decision)
	}
}

func TestPermissionEndpointValidatesBehavior(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("POST", "/api/permission",
		strings.NewReader(`{"request_id":"r","behavior":"maybe"}`)))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}
