// Package gateway orchestrates chat turns: it serializes runs per
// session, drives the upstream source through the event translator, and
// fans each semantic event out to the session log, the activity
// tracker, and the run's sink.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/user/agentrelay/internal/activity"
	"github.com/user/agentrelay/internal/agent"
	"github.com/user/agentrelay/internal/permission"
	"github.com/user/agentrelay/internal/protocol"
	"github.com/user/agentrelay/internal/state"
	"github.com/user/agentrelay/internal/types"
)

// ChatSource is an upstream source the gateway can also shut down.
type ChatSource interface {
	agent.Source
	Close() error
}

// controlSender is implemented by sources that accept permission
// decisions back on the upstream channel.
type controlSender interface {
	SendControl(protocol.ControlResponse) error
}

// SourceFactory opens the upstream stream for one chat turn. resume is
// the upstream session ID to continue, or "" for a new conversation.
type SourceFactory func(ctx context.Context, prompt string, resume types.SessionID) (ChatSource, error)

// Gateway wires chat runs to stores and trackers.
type Gateway struct {
	store   types.SessionStore
	broker  *permission.Broker
	sources SourceFactory
	model   string
	Queue   *Queue

	mu       sync.Mutex
	trackers map[types.SessionID]*activity.Tracker
}

// New creates a Gateway with the given concurrency limit for
// simultaneous run processing.
func New(store types.SessionStore, broker *permission.Broker, sources SourceFactory, model string, maxConcurrent int64) *Gateway {
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	g := &Gateway{
		store:    store,
		broker:   broker,
		sources:  sources,
		model:    model,
		Queue:    NewQueue(maxConcurrent),
		trackers: make(map[types.SessionID]*activity.Tracker),
	}
	g.Queue.SetProcessor(g.process)
	return g
}

// Start initialises the internal queue.
func (g *Gateway) Start(ctx context.Context) {
	g.Queue.Start(ctx)
}

// Stop drains the queue and waits for in-flight runs.
func (g *Gateway) Stop() {
	g.Queue.Stop()
}

// Tracker returns the activity tracker for a session, creating it on
// first use.
func (g *Gateway) Tracker(id types.SessionID) *activity.Tracker {
	g.mu.Lock()
	defer g.mu.Unlock()
	tracker, ok := g.trackers[id]
	if !ok {
		tracker = activity.NewTracker()
		g.trackers[id] = tracker
	}
	return tracker
}

// RunOption configures optional behavior on a Run.
type RunOption func(*Run)

// WithOnEvent sets a callback invoked for every semantic event.
func WithOnEvent(fn func(agent.Event)) RunOption {
	return func(r *Run) { r.OnEvent = fn }
}

// WithOnComplete sets a callback invoked with the run and the final
// assistant text once the turn sequence terminates.
func WithOnComplete(fn func(*Run, string)) RunOption {
	return func(r *Run) { r.OnComplete = fn }
}

// Chat enqueues one chat turn. sessionID is empty to start a new
// conversation or an existing ID to resume it.
func (g *Gateway) Chat(sessionID types.SessionID, prompt string, opts ...RunOption) (*Run, error) {
	run := NewRun(sessionID, prompt)
	for _, opt := range opts {
		opt(run)
	}
	if err := g.Queue.Enqueue(run); err != nil {
		return nil, err
	}
	return run, nil
}

// process drives one run to completion. It is invoked by the queue with
// run.Ctx set.
func (g *Gateway) process(run *Run) error {
	started := time.Now()
	run.StartedAt = &started
	run.Status = RunStatusRunning
	ctx := run.Ctx

	src, err := g.sources(ctx, run.Prompt, run.SessionID())
	if err != nil {
		g.finish(run, RunStatusFailed, err)
		return err
	}
	defer src.Close()

	resume := run.SessionID() != ""
	var finalText string

	events := agent.Chat(ctx, src, agent.ChatOptions{
		OnSessionID: func(sid string) {
			id := types.SessionID(sid)
			run.setSessionID(id)
			g.openSession(ctx, id, run.Prompt, resume)
		},
	})

	// The session ID is re-read per event: it is written on the source's
	// goroutine and may not be known yet when a leading control request
	// arrives.
	for event := range events {
		sid := run.SessionID()
		if sid != "" {
			g.Tracker(sid).HandleEvent(event)
		}
		g.persist(ctx, sid, event, &finalText)
		if pr, ok := event.(agent.PermissionRequest); ok {
			g.awaitPermission(ctx, src, pr)
		}
		if run.OnEvent != nil {
			run.OnEvent(event)
		}
	}

	g.finish(run, RunStatusComplete, nil)
	if run.OnComplete != nil {
		run.OnComplete(run, finalText)
	}
	return nil
}

func (g *Gateway) finish(run *Run, status RunStatus, err error) {
	ended := time.Now()
	run.EndedAt = &ended
	run.Status = status
	run.Error = err
}

// openSession creates the session file for new conversations and
// records the user prompt. Store failures are logged, not fatal: the
// turn's live event stream is worth more than its persistence.
func (g *Gateway) openSession(ctx context.Context, id types.SessionID, prompt string, resume bool) {
	now := time.Now()
	if !resume {
		metadata := &types.SessionMetadata{
			SessionID: id,
			Config:    types.SessionConfig{Model: g.model},
			State: types.SessionState{
				IsActive:  true,
				CreatedAt: now,
				UpdatedAt: now,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := g.store.Create(ctx, metadata); err != nil && !errors.Is(err, state.ErrExists) {
			slog.Error("create session failed", "session_id", id, "error", err)
		}
	}

	user := &types.ChatMessage{
		ID:        types.NewMessageID(),
		Role:      types.RoleUser,
		Content:   prompt,
		Timestamp: now,
	}
	if err := g.store.Append(ctx, id, user); err != nil {
		slog.Error("append user message failed", "session_id", id, "error", err)
	}
}

// persist maps semantic events to transcript records and metadata
// updates.
func (g *Gateway) persist(ctx context.Context, id types.SessionID, event agent.Event, finalText *string) {
	if id == "" {
		return
	}

	switch e := event.(type) {
	case agent.TextComplete:
		if !e.IsIntermediate {
			*finalText = e.Text
		}
		g.append(ctx, id, &types.ChatMessage{
			ID:        types.NewMessageID(),
			Role:      types.RoleAssistant,
			Content:   e.Text,
			Timestamp: time.Now(),
		})

	case agent.ToolResult:
		status := types.ToolStatusCompleted
		if e.IsError {
			status = types.ToolStatusFailed
		}
		g.append(ctx, id, &types.ChatMessage{
			ID:         types.NewMessageID(),
			Role:       types.RoleTool,
			Timestamp:  time.Now(),
			ToolName:   e.ToolName,
			ToolUseID:  e.ToolUseID,
			ToolInput:  e.Input,
			ToolResult: e.Result,
			ToolStatus: status,
		})

	case agent.Error:
		g.append(ctx, id, &types.ChatMessage{
			ID:        types.NewMessageID(),
			Role:      types.RoleError,
			Content:   e.Message,
			Timestamp: time.Now(),
		})

	case agent.Complete:
		g.closeTurn(ctx, id, e.Usage)
	}
}

func (g *Gateway) append(ctx context.Context, id types.SessionID, msg *types.ChatMessage) {
	if err := g.store.Append(ctx, id, msg); err != nil {
		slog.Error("append message failed", "session_id", id, "error", err)
	}
}

// closeTurn folds the turn's usage into the session metadata.
func (g *Gateway) closeTurn(ctx context.Context, id types.SessionID, usage *agent.Usage) {
	log, err := g.store.Read(ctx, id)
	if err != nil {
		slog.Error("read session for turn close failed", "session_id", id, "error", err)
		return
	}
	st := log.Metadata.State
	st.CurrentTurn++
	if usage != nil {
		st.TotalCostUSD += usage.CostUSD
	}
	st.UpdatedAt = time.Now()
	if err := g.store.UpdateMetadata(ctx, id, types.MetadataPatch{State: &st}); err != nil {
		slog.Error("update session metadata failed", "session_id", id, "error", err)
	}
}

// awaitPermission registers the request with the broker and forwards
// the eventual decision to the upstream source. Without a broker or a
// control-capable source the request is left to the runtime's own
// permission mode.
func (g *Gateway) awaitPermission(ctx context.Context, src ChatSource, req agent.PermissionRequest) {
	sender, ok := src.(controlSender)
	if !ok || g.broker == nil {
		return
	}
	ch, err := g.broker.Register(req.RequestID, req.ToolName, req.ToolUseID)
	if err != nil {
		slog.Warn("register permission request failed", "request_id", req.RequestID, "error", err)
		return
	}
	go func() {
		decision, err := g.broker.Await(ctx, req.RequestID, ch)
		if err != nil {
			return
		}
		var resp protocol.ControlResponse
		if decision.Behavior == permission.BehaviorAllow {
			input := decision.UpdatedInput
			if input == nil {
				input = req.Input
			}
			resp = protocol.NewPermissionAllow(req.RequestID, input)
		} else {
			resp = protocol.NewPermissionDeny(req.RequestID, decision.Message, decision.Interrupt)
		}
		if err := sender.SendControl(resp); err != nil {
			slog.Error("send permission decision failed", "request_id", req.RequestID, "error", err)
		}
	}()
}
