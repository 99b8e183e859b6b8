package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/user/agentrelay/internal/activity"
	"github.com/user/agentrelay/internal/agent"
	"github.com/user/agentrelay/internal/gateway"
	"github.com/user/agentrelay/internal/permission"
	"github.com/user/agentrelay/internal/state"
	"github.com/user/agentrelay/internal/tokens"
	"github.com/user/agentrelay/internal/types"
)

// Server is the HTTP front end: chat over SSE, session inspection, and
// permission decisions.
type Server struct {
	store     types.SessionStore
	gateway   *gateway.Gateway
	broker    *permission.Broker
	estimator *tokens.Estimator
	mux       *http.ServeMux
}

// NewServer creates a Server wired to the given stores and gateway.
func NewServer(store types.SessionStore, gw *gateway.Gateway, broker *permission.Broker, estimator *tokens.Estimator) *Server {
	s := &Server{
		store:     store,
		gateway:   gw,
		broker:    broker,
		estimator: estimator,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/", s.handleSessionDetail)
	s.mux.HandleFunc("DELETE /api/sessions/", s.handleSessionDelete)
	s.mux.HandleFunc("POST /api/permission", s.handlePermission)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// chatRequest is the JSON body for POST /api/chat.
type chatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		return
	}

	// A resumed session must still exist locally; the upstream runtime
	// gives an opaque failure for unknown IDs, so catch it here.
	if req.SessionID != "" {
		if _, err := s.store.Read(r.Context(), types.SessionID(req.SessionID)); err != nil {
			if errors.Is(err, state.ErrNotFound) {
				http.Error(w, `{"error":"session not found, it may have been cleared"}`, http.StatusNotFound)
				return
			}
			slog.Error("read session failed", "session_id", req.SessionID, "error", err)
			http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	events := make(chan agent.Event, 64)
	done := make(chan string, 1)

	run, err := s.gateway.Chat(types.SessionID(req.SessionID), req.Prompt,
		gateway.WithOnEvent(func(e agent.Event) {
			select {
			case events <- e:
			case <-ctx.Done():
			}
		}),
		gateway.WithOnComplete(func(_ *gateway.Run, final string) {
			done <- final
			close(events)
		}),
	)
	if err != nil {
		slog.Error("enqueue chat failed", "error", err)
		http.Error(w, `{"error":"server is busy, try again shortly"}`, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	sessionSent := req.SessionID != ""
	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-events:
			if !open {
				final := <-done
				s.writeSSE(w, flusher, map[string]string{"type": "done", "text": final})
				return
			}
			if !sessionSent {
				if id := run.SessionID(); id != "" {
					sessionSent = true
					s.writeSSE(w, flusher, map[string]string{"type": "session", "sessionId": string(id)})
				}
			}
			if errEvent, ok := event.(agent.Error); ok && staleSessionError(errEvent.Message) {
				slog.Warn("stale session reported by upstream", "error", errEvent.Message)
				errEvent.Message = "Session expired or not found. Please start a new conversation."
				event = errEvent
			}
			s.writeSSE(w, flusher, event)
		}
	}
}

// staleSessionError reports whether an upstream failure looks like the
// runtime refusing a session it no longer knows (the process exits
// non-zero complaining about the session or the resume flag).
func staleSessionError(msg string) bool {
	return strings.Contains(msg, "exited with code 1") ||
		strings.Contains(msg, "Session") ||
		strings.Contains(msg, "resume")
}

func (s *Server) writeSSE(w http.ResponseWriter, flusher http.Flusher, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal event failed", "error", err)
		return
	}
	if _, err := w.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
		return
	}
	flusher.Flush()
}

type sessionSummary struct {
	SessionID   string  `json:"session_id"`
	Model       string  `json:"model"`
	IsActive    bool    `json:"is_active"`
	CurrentTurn int     `json:"current_turn"`
	TotalCost   float64 `json:"total_cost_usd"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	result := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sessionSummary{
			SessionID:   string(sess.SessionID),
			Model:       sess.Config.Model,
			IsActive:    sess.State.IsActive,
			CurrentTurn: sess.State.CurrentTurn,
			TotalCost:   sess.State.TotalCostUSD,
			CreatedAt:   sess.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt:   sess.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

type sessionDetail struct {
	Metadata   *types.SessionMetadata  `json:"metadata"`
	Messages   []*types.ChatMessage    `json:"messages"`
	Stats      *tokens.TranscriptStats `json:"stats,omitempty"`
	Activities []*activity.Record      `json:"activities,omitempty"`
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if id == "" {
		http.Error(w, `{"error":"session id required"}`, http.StatusBadRequest)
		return
	}

	log, err := s.store.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
			return
		}
		slog.Error("read session failed", "session_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	detail := sessionDetail{Metadata: log.Metadata, Messages: log.Messages}
	if s.estimator != nil {
		stats := s.estimator.Transcript(log.Messages)
		detail.Stats = &stats
	}
	if s.gateway != nil {
		detail.Activities = s.gateway.Tracker(id).Activities()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detail)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if id == "" {
		http.Error(w, `{"error":"session id required"}`, http.StatusBadRequest)
		return
	}

	if err := s.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, state.ErrNotFound) {
			http.Error(w, `{"error":"session not found"}`, http.StatusNotFound)
			return
		}
		slog.Error("delete session failed", "session_id", id, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted"})
}

// permissionRequest is the JSON body for POST /api/permission.
type permissionRequest struct {
	RequestID    string         `json:"request_id"`
	Behavior     string         `json:"behavior"`
	Message      string         `json:"message"`
	UpdatedInput map[string]any `json:"updated_input"`
	Interrupt    bool           `json:"interrupt"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.RequestID == "" {
		http.Error(w, `{"error":"request_id is required"}`, http.StatusBadRequest)
		return
	}
	behavior := permission.Behavior(req.Behavior)
	if behavior != permission.BehaviorAllow && behavior != permission.BehaviorDeny {
		http.Error(w, `{"error":"behavior must be allow or deny"}`, http.StatusBadRequest)
		return
	}

	resolved := s.broker.Resolve(req.RequestID, permission.Decision{
		Behavior:     behavior,
		Message:      req.Message,
		UpdatedInput: req.UpdatedInput,
		Interrupt:    req.Interrupt,
	})
	if !resolved {
		http.Error(w, `{"error":"no pending request with that id"}`, http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "resolved"})
}
