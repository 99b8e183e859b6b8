package agent

// EventKind is the wire discriminator for semantic events. The JSON
// field names follow the shape front ends already consume.
type EventKind string

const (
	EventKindStatus            EventKind = "status"
	EventKindInfo              EventKind = "info"
	EventKindTextDelta         EventKind = "text_delta"
	EventKindTextComplete      EventKind = "text_complete"
	EventKindToolStart         EventKind = "tool_start"
	EventKindToolResult        EventKind = "tool_result"
	EventKindPermissionRequest EventKind = "permission_request"
	EventKindError             EventKind = "error"
	EventKindComplete          EventKind = "complete"
)

// Event is the sealed interface over the semantic event variants. It is
// the stable output of the translation layer: front ends consume these
// and never the raw upstream stream.
type Event interface {
	Kind() EventKind
}

// Status is an advisory progress notice. No state change is implied.
type Status struct {
	Type    EventKind `json:"type"`
	Message string    `json:"message"`
}

func (e Status) Kind() EventKind { return EventKindStatus }

// Info is an advisory informational notice.
type Info struct {
	Type    EventKind `json:"type"`
	Message string    `json:"message"`
}

func (e Info) Kind() EventKind { return EventKindInfo }

// TextDelta is an incremental chunk of assistant text.
type TextDelta struct {
	Type   EventKind `json:"type"`
	Text   string    `json:"text"`
	TurnID string    `json:"turnId,omitempty"`
}

func (e TextDelta) Kind() EventKind { return EventKindTextDelta }

// TextComplete is a finished span of assistant text. IsIntermediate
// marks spans followed by tool calls before the turn ends.
type TextComplete struct {
	Type           EventKind `json:"type"`
	Text           string    `json:"text"`
	IsIntermediate bool      `json:"isIntermediate"`
	TurnID         string    `json:"turnId,omitempty"`
}

func (e TextComplete) Kind() EventKind { return EventKindTextComplete }

// ToolStart announces a tool invocation. A second ToolStart for the
// same ToolUseID means the arguments have been completed, not that the
// tool ran twice.
type ToolStart struct {
	Type        EventKind      `json:"type"`
	ToolName    string         `json:"toolName"`
	ToolUseID   string         `json:"toolUseId"`
	Input       map[string]any `json:"input"`
	Intent      string         `json:"intent,omitempty"`
	DisplayName string         `json:"displayName,omitempty"`
	TurnID      string         `json:"turnId,omitempty"`
}

func (e ToolStart) Kind() EventKind { return EventKindToolStart }

// ToolResult reports the outcome of a tool invocation. ToolName and
// Input are resolved from the correlation index and absent when the ID
// is unknown.
type ToolResult struct {
	Type      EventKind      `json:"type"`
	ToolUseID string         `json:"toolUseId"`
	ToolName  string         `json:"toolName,omitempty"`
	Result    string         `json:"result"`
	IsError   bool           `json:"isError"`
	Input     map[string]any `json:"input,omitempty"`
	TurnID    string         `json:"turnId,omitempty"`
}

func (e ToolResult) Kind() EventKind { return EventKindToolResult }

// PermissionRequest asks the host application whether a tool invocation
// may proceed. The decision travels back through the permission broker,
// not through the event stream.
type PermissionRequest struct {
	Type           EventKind      `json:"type"`
	RequestID      string         `json:"requestId"`
	ToolName       string         `json:"toolName"`
	ToolUseID      string         `json:"toolUseId"`
	Input          map[string]any `json:"input"`
	DecisionReason string         `json:"decisionReason,omitempty"`
	Suggestions    []any          `json:"suggestions,omitempty"`
}

func (e PermissionRequest) Kind() EventKind { return EventKindPermissionRequest }

// Error surfaces an upstream-reported failure verbatim.
type Error struct {
	Type    EventKind `json:"type"`
	Message string    `json:"message"`
}

func (e Error) Kind() EventKind { return EventKindError }

// Usage is the aggregate token accounting of one turn sequence. Input
// tokens include cache reads and cache creation.
type Usage struct {
	InputTokens         int     `json:"inputTokens"`
	OutputTokens        int     `json:"outputTokens"`
	CacheReadTokens     int     `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int     `json:"cacheCreationTokens,omitempty"`
	CostUSD             float64 `json:"costUsd,omitempty"`
}

// Complete terminates a turn sequence. Exactly one Complete is emitted
// per sequence, success or failure, always last.
type Complete struct {
	Type  EventKind `json:"type"`
	Usage *Usage    `json:"usage,omitempty"`
}

func (e Complete) Kind() EventKind { return EventKindComplete }
