package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/user/agentrelay/internal/agent"
	"github.com/user/agentrelay/internal/types"
)

// RunStatus represents the lifecycle state of a Run.
type RunStatus string

const (
	RunStatusQueued   RunStatus = "queued"
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusFailed   RunStatus = "failed"
)

// Run is one chat turn sequence: a user prompt driven against the
// upstream runtime, with its translated events fanned out to the
// session log, the activity tracker, and the run's own sink.
type Run struct {
	ID        types.RequestID
	Prompt    string
	Status    RunStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Error     error
	Ctx       context.Context

	// OnEvent receives every semantic event in order (SSE relay,
	// terminal printer). May be nil.
	OnEvent func(event agent.Event)
	// OnComplete receives the run and the final assistant text once
	// the turn sequence terminates. May be nil.
	OnComplete func(run *Run, response string)

	// sessionID is written by the processor once the upstream names
	// the session; callers read it through SessionID.
	mu        sync.Mutex
	sessionID types.SessionID
}

// NewRun creates a queued Run. sessionID is empty for a brand-new
// conversation and set when resuming an existing one.
func NewRun(sessionID types.SessionID, prompt string) *Run {
	return &Run{
		ID:        types.NewRequestID(),
		sessionID: sessionID,
		Prompt:    prompt,
		Status:    RunStatusQueued,
		CreatedAt: time.Now(),
	}
}

// SessionID returns the session this run is bound to, or "" while the
// upstream has not yet named one.
func (r *Run) SessionID() types.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

func (r *Run) setSessionID(id types.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionID = id
}

// laneKey serializes runs of the same session; new sessions get their
// own lane since no other run can touch their (not yet named) file.
func (r *Run) laneKey() string {
	if id := r.SessionID(); id != "" {
		return string(id)
	}
	return string(r.ID)
}
