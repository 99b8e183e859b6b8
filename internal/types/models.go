package types

import "time"

// MessageRole classifies a persisted chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
	RoleTool      MessageRole = "tool"
	RoleError     MessageRole = "error"
)

// ToolStatus is the lifecycle state recorded on a tool message.
type ToolStatus string

const (
	ToolStatusPending      ToolStatus = "pending"
	ToolStatusRunning      ToolStatus = "running"
	ToolStatusCompleted    ToolStatus = "completed"
	ToolStatusFailed       ToolStatus = "failed"
	ToolStatusBackgrounded ToolStatus = "backgrounded"
)

// ChatMessage is one entry of a session transcript. Tool fields are only
// populated for RoleTool messages.
type ChatMessage struct {
	ID        MessageID   `json:"id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Timestamp time.Time   `json:"timestamp"`

	ToolName     string         `json:"tool_name,omitempty"`
	ToolUseID    string         `json:"tool_use_id,omitempty"`
	ToolInput    map[string]any `json:"tool_input,omitempty"`
	ToolResult   string         `json:"tool_result,omitempty"`
	ToolStatus   ToolStatus     `json:"tool_status,omitempty"`
	ToolDuration time.Duration  `json:"tool_duration,omitempty"`
	ToolIntent   string         `json:"tool_intent,omitempty"`
	DisplayName  string         `json:"display_name,omitempty"`
	ParentToolID string         `json:"parent_tool_id,omitempty"`
}

// SessionConfig holds the knobs a session was started with.
type SessionConfig struct {
	Model          string  `json:"model,omitempty"`
	PermissionMode string  `json:"permission_mode,omitempty"`
	MaxTurns       int     `json:"max_turns,omitempty"`
	MaxBudgetUSD   float64 `json:"max_budget_usd,omitempty"`
}

// SessionState is the mutable portion of session metadata.
type SessionState struct {
	IsActive     bool      `json:"is_active"`
	CurrentTurn  int       `json:"current_turn"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionMetadata is the first record of every session log file.
type SessionMetadata struct {
	SessionID SessionID     `json:"session_id"`
	Config    SessionConfig `json:"config"`
	State     SessionState  `json:"state"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// MetadataPatch carries the fields UpdateMetadata may overwrite.
// Nil fields are left untouched.
type MetadataPatch struct {
	Config *SessionConfig `json:"config,omitempty"`
	State  *SessionState  `json:"state,omitempty"`
}
