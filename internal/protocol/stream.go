package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// StreamEvent wraps one incremental update forwarded by the runtime
// while a turn is in flight.
type StreamEvent struct {
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Event           json.RawMessage `json:"event"`
}

func (m StreamEvent) MsgType() MessageType { return MessageTypeStreamEvent }

// StreamEventType discriminates the inner stream event kinds.
type StreamEventType string

const (
	StreamEventTypeMessageStart      StreamEventType = "message_start"
	StreamEventTypeContentBlockStart StreamEventType = "content_block_start"
	StreamEventTypeContentBlockDelta StreamEventType = "content_block_delta"
	StreamEventTypeContentBlockStop  StreamEventType = "content_block_stop"
	StreamEventTypeMessageDelta      StreamEventType = "message_delta"
	StreamEventTypeMessageStop       StreamEventType = "message_stop"
)

// StreamEventData is the sealed interface over inner stream events.
type StreamEventData interface {
	EventType() StreamEventType
}

// MessageStartEvent opens a new turn; its message ID identifies the turn.
type MessageStartEvent struct {
	Type    StreamEventType `json:"type"`
	Message MessageBody     `json:"message"`
}

func (e MessageStartEvent) EventType() StreamEventType { return StreamEventTypeMessageStart }

// ContentBlockStartEvent opens a content block. For tool_use blocks the
// block carries the correlation ID and tool name but an empty input;
// the input streams in afterwards.
type ContentBlockStartEvent struct {
	Type         StreamEventType `json:"type"`
	Index        int             `json:"index"`
	ContentBlock ContentBlock    `json:"content_block"`
}

func (e ContentBlockStartEvent) EventType() StreamEventType { return StreamEventTypeContentBlockStart }

// Delta is the inner delta of a content_block_delta event. The Type
// field selects which of the payload fields is meaningful.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

const (
	DeltaTypeText      = "text_delta"
	DeltaTypeThinking  = "thinking_delta"
	DeltaTypeInputJSON = "input_json_delta"
)

// ContentBlockDeltaEvent carries incremental block content.
type ContentBlockDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
	Delta Delta           `json:"delta"`
}

func (e ContentBlockDeltaEvent) EventType() StreamEventType { return StreamEventTypeContentBlockDelta }

// ContentBlockStopEvent closes a content block.
type ContentBlockStopEvent struct {
	Type  StreamEventType `json:"type"`
	Index int             `json:"index"`
}

func (e ContentBlockStopEvent) EventType() StreamEventType { return StreamEventTypeContentBlockStop }

// MessageDeltaEvent updates turn metadata; its stop reason marks the
// boundary of the text accumulated so far.
type MessageDeltaEvent struct {
	Type  StreamEventType `json:"type"`
	Delta struct {
		StopReason   *string `json:"stop_reason"`
		StopSequence *string `json:"stop_sequence"`
	} `json:"delta"`
	Usage Usage `json:"usage"`
}

func (e MessageDeltaEvent) EventType() StreamEventType { return StreamEventTypeMessageDelta }

// MessageStopEvent closes the turn's message.
type MessageStopEvent struct {
	Type StreamEventType `json:"type"`
}

func (e MessageStopEvent) EventType() StreamEventType { return StreamEventTypeMessageStop }

// ParseEvent parses the wrapped inner event. Unknown kinds are skipped
// with a nil result rather than an error.
func (m StreamEvent) ParseEvent() (StreamEventData, error) {
	var base struct {
		Type StreamEventType `json:"type"`
	}
	if err := json.Unmarshal(m.Event, &base); err != nil {
		return nil, fmt.Errorf("decode stream event envelope: %w", err)
	}

	switch base.Type {
	case StreamEventTypeMessageStart:
		var e MessageStartEvent
		if err := json.Unmarshal(m.Event, &e); err != nil {
			return nil, fmt.Errorf("decode message_start: %w", err)
		}
		return e, nil
	case StreamEventTypeContentBlockStart:
		var e ContentBlockStartEvent
		if err := json.Unmarshal(m.Event, &e); err != nil {
			return nil, fmt.Errorf("decode content_block_start: %w", err)
		}
		return e, nil
	case StreamEventTypeContentBlockDelta:
		var e ContentBlockDeltaEvent
		if err := json.Unmarshal(m.Event, &e); err != nil {
			return nil, fmt.Errorf("decode content_block_delta: %w", err)
		}
		return e, nil
	case StreamEventTypeContentBlockStop:
		var e ContentBlockStopEvent
		if err := json.Unmarshal(m.Event, &e); err != nil {
			return nil, fmt.Errorf("decode content_block_stop: %w", err)
		}
		return e, nil
	case StreamEventTypeMessageDelta:
		var e MessageDeltaEvent
		if err := json.Unmarshal(m.Event, &e); err != nil {
			return nil, fmt.Errorf("decode message_delta: %w", err)
		}
		return e, nil
	case StreamEventTypeMessageStop:
		var e MessageStopEvent
		if err := json.Unmarshal(m.Event, &e); err != nil {
			return nil, fmt.Errorf("decode message_stop: %w", err)
		}
		return e, nil
	default:
		slog.Debug("skipping unknown stream event type", "type", base.Type)
		return nil, nil
	}
}
