package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates the top-level message kinds of the upstream
// stream-json protocol.
type MessageType string

const (
	MessageTypeSystem         MessageType = "system"
	MessageTypeAssistant      MessageType = "assistant"
	MessageTypeUser           MessageType = "user"
	MessageTypeResult         MessageType = "result"
	MessageTypeStreamEvent    MessageType = "stream_event"
	MessageTypeControlRequest MessageType = "control_request"
)

// ErrUnknownMessage is returned by Decode for message kinds this build
// does not recognize. Callers are expected to skip such messages, so an
// unknown kind stays non-fatal as the protocol evolves.
var ErrUnknownMessage = errors.New("unknown message type")

// Message is the sealed interface over all upstream message kinds.
type Message interface {
	MsgType() MessageType
}

// Usage tracks token consumption as reported upstream.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	OutputTokens             int `json:"output_tokens"`
}

// MessageBody is the inner API-shaped message of assistant and user
// messages.
type MessageBody struct {
	ID         string          `json:"id,omitempty"`
	Role       string          `json:"role"`
	Content    FlexibleContent `json:"content"`
	StopReason *string         `json:"stop_reason"`
	Usage      Usage           `json:"usage,omitempty"`
}

// SystemMessage carries session initialization and status notices.
type SystemMessage struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status,omitempty"`
	Model     string      `json:"model,omitempty"`
	CWD       string      `json:"cwd,omitempty"`
	Tools     []string    `json:"tools,omitempty"`
}

func (m SystemMessage) MsgType() MessageType { return MessageTypeSystem }

// AssistantMessage is a complete assistant turn message.
type AssistantMessage struct {
	Type            MessageType `json:"type"`
	SessionID       string      `json:"session_id"`
	ParentToolUseID *string     `json:"parent_tool_use_id"`
	Error           string      `json:"error,omitempty"`
	Message         MessageBody `json:"message"`
}

func (m AssistantMessage) MsgType() MessageType { return MessageTypeAssistant }

// UserMessage carries tool results echoed back by the runtime.
type UserMessage struct {
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	IsReplay        bool            `json:"isReplay,omitempty"`
	ToolUseResult   json.RawMessage `json:"tool_use_result,omitempty"`
	Message         MessageBody     `json:"message"`
}

func (m UserMessage) MsgType() MessageType { return MessageTypeUser }

// ResultMessage terminates a turn sequence with aggregate metrics.
type ResultMessage struct {
	Type          MessageType `json:"type"`
	Subtype       string      `json:"subtype"`
	SessionID     string      `json:"session_id"`
	IsError       bool        `json:"is_error"`
	Result        string      `json:"result,omitempty"`
	Errors        []string    `json:"errors,omitempty"`
	Usage         Usage       `json:"usage"`
	TotalCostUSD  float64     `json:"total_cost_usd"`
	NumTurns      int         `json:"num_turns"`
	DurationMs    int64       `json:"duration_ms"`
	DurationAPIMs int64       `json:"duration_api_ms"`
}

func (m ResultMessage) MsgType() MessageType { return MessageTypeResult }

// ResultSubtypeSuccess marks a successfully completed turn sequence.
const ResultSubtypeSuccess = "success"

// ControlRequest wraps out-of-band requests from the runtime, such as
// permission prompts.
type ControlRequest struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

func (m ControlRequest) MsgType() MessageType { return MessageTypeControlRequest }

// ControlSubtypeCanUseTool asks whether a tool invocation may proceed.
const ControlSubtypeCanUseTool = "can_use_tool"

// CanUseToolRequest is the inner payload of a can_use_tool control
// request.
type CanUseToolRequest struct {
	Subtype        string         `json:"subtype"`
	ToolName       string         `json:"tool_name"`
	ToolUseID      string         `json:"tool_use_id,omitempty"`
	Input          map[string]any `json:"input"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	Suggestions    []any          `json:"permission_suggestions,omitempty"`
}

// AsCanUseTool parses the inner request when it is a can_use_tool
// prompt. ok is false for every other control subtype.
func (m ControlRequest) AsCanUseTool() (CanUseToolRequest, bool) {
	var base struct {
		Subtype string `json:"subtype"`
	}
	if err := json.Unmarshal(m.Request, &base); err != nil || base.Subtype != ControlSubtypeCanUseTool {
		return CanUseToolRequest{}, false
	}
	var req CanUseToolRequest
	if err := json.Unmarshal(m.Request, &req); err != nil {
		return CanUseToolRequest{}, false
	}
	return req, true
}

// SessionIDOf returns the upstream session identifier a message
// carries, or "" for kinds without one.
func SessionIDOf(m Message) string {
	switch msg := m.(type) {
	case SystemMessage:
		return msg.SessionID
	case AssistantMessage:
		return msg.SessionID
	case UserMessage:
		return msg.SessionID
	case ResultMessage:
		return msg.SessionID
	case StreamEvent:
		return msg.SessionID
	default:
		return ""
	}
}

// Decode parses one line of the upstream stream into its typed message.
// Unknown kinds return ErrUnknownMessage so callers can skip them.
func Decode(data []byte) (Message, error) {
	var base struct {
		Type MessageType `json:"type"`
	}
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("decode message envelope: %w", err)
	}

	switch base.Type {
	case MessageTypeSystem:
		var m SystemMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode system message: %w", err)
		}
		return m, nil
	case MessageTypeAssistant:
		var m AssistantMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode assistant message: %w", err)
		}
		return m, nil
	case MessageTypeUser:
		var m UserMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode user message: %w", err)
		}
		return m, nil
	case MessageTypeResult:
		var m ResultMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode result message: %w", err)
		}
		return m, nil
	case MessageTypeStreamEvent:
		var m StreamEvent
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}
		return m, nil
	case MessageTypeControlRequest:
		var m ControlRequest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode control request: %w", err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, base.Type)
	}
}
