package activity

import (
	"sort"
	"sync"
	"time"

	"github.com/user/agentrelay/internal/agent"
)

// Status is the lifecycle state of one tool invocation.
type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusBackgrounded Status = "backgrounded"
)

// terminal reports whether no further transition may leave s.
func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// Record is the live projection of one tool invocation, keyed by its
// correlation ID.
type Record struct {
	ID          string         `json:"id"`
	Status      Status         `json:"status"`
	ToolName    string         `json:"toolName,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Intent      string         `json:"intent,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	StartedAt   time.Time      `json:"startedAt"`
	EndedAt     *time.Time     `json:"endedAt,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Depth       int            `json:"depth"`
	ParentID    string         `json:"parentId,omitempty"`

	seq int64
}

// Listener receives the full, time-ordered record list after every
// mutation. Listeners must not mutate tracker state.
type Listener func(records []*Record)

// Tracker folds the semantic event stream into a table of activity
// records. It is the sole mutator of its table; any number of
// subscribers may read the snapshots it publishes.
//
// The tracker is idempotent under replay: a repeated ToolStart or a
// ToolResult for an already terminal record never reverts status or
// timestamps.
type Tracker struct {
	mu        sync.Mutex
	records   map[string]*Record
	listeners map[int]Listener
	nextToken int
	nextSeq   int64
	now       func() time.Time
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records:   make(map[string]*Record),
		listeners: make(map[int]Listener),
		now:       time.Now,
	}
}

// HandleEvent applies one semantic event and notifies subscribers.
// Events that carry no activity information are ignored.
func (tr *Tracker) HandleEvent(event agent.Event) {
	tr.mu.Lock()
	switch e := event.(type) {
	case agent.ToolStart:
		tr.handleStart(e)
	case agent.ToolResult:
		tr.handleResult(e)
	}
	listeners, snapshot := tr.snapshotLocked()
	tr.mu.Unlock()

	// Listeners run outside the lock so an unsubscribe from inside a
	// callback cannot deadlock.
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (tr *Tracker) handleStart(e agent.ToolStart) {
	existing, ok := tr.records[e.ToolUseID]
	if !ok {
		now := tr.now()
		tr.nextSeq++
		tr.records[e.ToolUseID] = &Record{
			ID:          e.ToolUseID,
			Status:      StatusRunning,
			ToolName:    e.ToolName,
			Input:       e.Input,
			Intent:      e.Intent,
			DisplayName: e.DisplayName,
			StartedAt:   now,
			seq:         tr.nextSeq,
		}
		return
	}

	// Re-announced start: the stream announced the tool with empty
	// input and the batch message is completing it. Status, ordering,
	// and timestamps stay put.
	if len(e.Input) > 0 {
		existing.Input = e.Input
	}
	if existing.ToolName == "" {
		existing.ToolName = e.ToolName
	}
	if existing.Intent == "" {
		existing.Intent = e.Intent
	}
	if existing.DisplayName == "" {
		existing.DisplayName = e.DisplayName
	}
}

func (tr *Tracker) handleResult(e agent.ToolResult) {
	status := StatusCompleted
	if e.IsError {
		status = StatusError
	}

	existing, ok := tr.records[e.ToolUseID]
	if !ok {
		// A result with no prior start is a valid, if unusual,
		// terminal observation; never drop it.
		now := tr.now()
		tr.nextSeq++
		record := &Record{
			ID:        e.ToolUseID,
			Status:    status,
			ToolName:  e.ToolName,
			Input:     e.Input,
			StartedAt: now,
			EndedAt:   &now,
			Result:    e.Result,
			seq:       tr.nextSeq,
		}
		if e.IsError {
			record.Error = e.Result
		}
		tr.records[e.ToolUseID] = record
		return
	}

	// Terminal records stay terminal under replay.
	if existing.Status.terminal() {
		return
	}

	existing.Status = status
	existing.Result = e.Result
	if e.IsError {
		existing.Error = e.Result
	}
	if existing.ToolName == "" && e.ToolName != "" {
		existing.ToolName = e.ToolName
	}
	ended := tr.now()
	existing.EndedAt = &ended
}

// snapshotLocked copies the listener set and builds the ordered record
// list. Caller must hold tr.mu.
func (tr *Tracker) snapshotLocked() ([]Listener, []*Record) {
	listeners := make([]Listener, 0, len(tr.listeners))
	for _, fn := range tr.listeners {
		listeners = append(listeners, fn)
	}

	records := make([]*Record, 0, len(tr.records))
	for _, r := range tr.records {
		copied := *r
		records = append(records, &copied)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].seq < records[j].seq
		}
		return records[i].StartedAt.Before(records[j].StartedAt)
	})
	return listeners, records
}

// Activities returns every record ordered by first observation.
func (tr *Tracker) Activities() []*Record {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_, records := tr.snapshotLocked()
	return records
}

// Running returns records still awaiting a result.
func (tr *Tracker) Running() []*Record {
	return tr.filter(StatusRunning)
}

// Completed returns records that finished successfully.
func (tr *Tracker) Completed() []*Record {
	return tr.filter(StatusCompleted)
}

// Errored returns records that finished in error.
func (tr *Tracker) Errored() []*Record {
	return tr.filter(StatusError)
}

func (tr *Tracker) filter(status Status) []*Record {
	var out []*Record
	for _, r := range tr.Activities() {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}

// Get returns the record for the given correlation ID, if any.
func (tr *Tracker) Get(id string) (*Record, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r, ok := tr.records[id]
	if !ok {
		return nil, false
	}
	copied := *r
	return &copied, true
}

// Duration returns how long the invocation has run (or ran). ok is
// false for unknown IDs.
func (tr *Tracker) Duration(id string) (time.Duration, bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	r, ok := tr.records[id]
	if !ok {
		return 0, false
	}
	end := tr.now()
	if r.EndedAt != nil {
		end = *r.EndedAt
	}
	return end.Sub(r.StartedAt), true
}

// Stats summarizes the table.
type Stats struct {
	Total     int `json:"total"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Error     int `json:"error"`
}

// Stats returns current record counts by status.
func (tr *Tracker) Stats() Stats {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	stats := Stats{Total: len(tr.records)}
	for _, r := range tr.records {
		switch r.Status {
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusError:
			stats.Error++
		}
	}
	return stats
}

// Clear drops every record and notifies subscribers of the empty table.
func (tr *Tracker) Clear() {
	tr.mu.Lock()
	tr.records = make(map[string]*Record)
	listeners, snapshot := tr.snapshotLocked()
	tr.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing twice is a no-op, and unsubscribing from inside a
// listener callback is safe.
func (tr *Tracker) Subscribe(fn Listener) func() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	token := tr.nextToken
	tr.nextToken++
	tr.listeners[token] = fn
	return func() {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		delete(tr.listeners, token)
	}
}
