package agent

import (
	"log/slog"

	"github.com/user/agentrelay/internal/protocol"
)

// Translator converts the upstream message stream into semantic events.
// It is a single-pass state machine: each call to Translate consumes
// one message and returns the zero or more events it implies.
//
// A Translator owns its scratch state (pending text, current turn ID,
// the set of announced tool starts) and the tool index for exactly one
// turn sequence. It must not be shared across concurrent chats.
//
// Malformed or unrecognized messages are ignored; the only failures a
// caller sees are Error events derived from upstream-reported errors.
type Translator struct {
	index         *ToolIndex
	emittedStarts map[string]struct{}
	pendingText   string
	turnID        string
}

// NewTranslator creates a Translator with fresh scratch state.
func NewTranslator() *Translator {
	return &Translator{
		index:         NewToolIndex(),
		emittedStarts: make(map[string]struct{}),
	}
}

// Index exposes the correlation index, mainly for tests and for hosts
// that need to resolve tool metadata outside the event stream.
func (t *Translator) Index() *ToolIndex {
	return t.index
}

// TurnID returns the identifier of the turn currently being streamed,
// or "" before the first message_start.
func (t *Translator) TurnID() string {
	return t.turnID
}

// Translate consumes one upstream message and returns the semantic
// events it produces, in order.
func (t *Translator) Translate(msg protocol.Message) []Event {
	switch m := msg.(type) {
	case protocol.AssistantMessage:
		return t.translateAssistant(m)
	case protocol.StreamEvent:
		return t.translateStream(m)
	case protocol.UserMessage:
		return t.translateUser(m)
	case protocol.ResultMessage:
		return t.translateResult(m)
	case protocol.SystemMessage:
		return t.translateSystem(m)
	case protocol.ControlRequest:
		return t.translateControl(m)
	default:
		// Decode only produces the kinds above; anything else is a
		// future protocol addition and is skipped.
		slog.Debug("ignoring unhandled message kind", "type", msg.MsgType())
		return nil
	}
}

func (t *Translator) translateAssistant(m protocol.AssistantMessage) []Event {
	if m.Error != "" {
		return []Event{Error{Type: EventKindError, Message: m.Error}}
	}

	var events []Event
	var textContent string

	blocks, _ := m.Message.Content.AsBlocks()
	for _, block := range blocks {
		if block.Type == protocol.BlockTypeText {
			textContent += block.Text
		}
	}

	events = append(events, t.toolStarts(blocks)...)

	// The terminal classification of this text (intermediate or final)
	// is only known at the next message_delta boundary.
	if textContent != "" {
		t.pendingText = textContent
	}
	return events
}

// toolStarts registers every tool_use block in the index and emits
// ToolStart events with stream/batch deduplication: the first
// occurrence of an ID always emits; a repeat emits only when it
// completes previously empty input.
func (t *Translator) toolStarts(blocks protocol.ContentBlocks) []Event {
	var events []Event
	for _, block := range blocks {
		if block.Type != protocol.BlockTypeToolUse {
			continue
		}
		input := block.Input
		if input == nil {
			input = map[string]any{}
		}
		t.index.Upsert(block.ID, block.Name, input)

		if _, seen := t.emittedStarts[block.ID]; seen {
			if len(input) == 0 {
				continue
			}
			// Input completion for an already announced start. Front
			// ends treat this as an update, not a second invocation.
		} else {
			t.emittedStarts[block.ID] = struct{}{}
		}

		events = append(events, ToolStart{
			Type:        EventKindToolStart,
			ToolName:    block.Name,
			ToolUseID:   block.ID,
			Input:       input,
			Intent:      extractIntent(input),
			DisplayName: extractDisplayName(input),
			TurnID:      t.turnID,
		})
	}
	return events
}

func (t *Translator) translateStream(m protocol.StreamEvent) []Event {
	inner, err := m.ParseEvent()
	if err != nil || inner == nil {
		if err != nil {
			slog.Debug("ignoring malformed stream event", "error", err)
		}
		return nil
	}

	switch e := inner.(type) {
	case protocol.MessageStartEvent:
		if e.Message.ID != "" {
			t.turnID = e.Message.ID
		}
		return nil

	case protocol.MessageDeltaEvent:
		if t.pendingText == "" {
			return nil
		}
		isIntermediate := e.Delta.StopReason != nil && *e.Delta.StopReason == "tool_use"
		event := TextComplete{
			Type:           EventKindTextComplete,
			Text:           t.pendingText,
			IsIntermediate: isIntermediate,
			TurnID:         t.turnID,
		}
		t.pendingText = ""
		return []Event{event}

	case protocol.ContentBlockDeltaEvent:
		if e.Delta.Type != protocol.DeltaTypeText {
			return nil
		}
		return []Event{TextDelta{Type: EventKindTextDelta, Text: e.Delta.Text, TurnID: t.turnID}}

	case protocol.ContentBlockStartEvent:
		if e.ContentBlock.Type != protocol.BlockTypeToolUse {
			return nil
		}
		// Stream announcements carry the ID and name only; the input
		// arrives with the batch assistant message.
		return t.toolStarts(protocol.ContentBlocks{e.ContentBlock})

	case protocol.ContentBlockStopEvent, protocol.MessageStopEvent:
		return nil

	default:
		return nil
	}
}

func (t *Translator) translateUser(m protocol.UserMessage) []Event {
	// Replays re-deliver prior history on session resume; their tool
	// results were already translated the first time around.
	if m.IsReplay {
		return nil
	}

	var events []Event
	blocks, _ := m.Message.Content.AsBlocks()

	// Primary path: each tool_result block names its own correlation
	// ID, so matching needs no ordering assumption.
	for _, block := range blocks {
		if block.Type != protocol.BlockTypeToolResult {
			continue
		}
		entry, _ := t.index.Lookup(block.ToolUseID)
		isError := IsErrorResult(block.Content)
		if block.IsError != nil {
			isError = *block.IsError
		}
		events = append(events, ToolResult{
			Type:      EventKindToolResult,
			ToolUseID: block.ToolUseID,
			ToolName:  entry.Name,
			Result:    ResultText(block.Content),
			IsError:   isError,
			Input:     entry.Input,
			TurnID:    t.turnID,
		})
	}
	if len(events) > 0 {
		return events
	}

	// Fallback path: a consolidated result with no per-result ID gets
	// one synthesized slot per turn. Two unidentified results in the
	// same turn alias each other; documented best-effort degradation.
	if len(m.ToolUseResult) > 0 {
		id := "fallback-unknown"
		if t.turnID != "" {
			id = "fallback-" + t.turnID
		}
		entry, _ := t.index.Lookup(id)
		return []Event{ToolResult{
			Type:      EventKindToolResult,
			ToolUseID: id,
			ToolName:  entry.Name,
			Result:    ResultText(m.ToolUseResult),
			IsError:   IsErrorResult(m.ToolUseResult),
			Input:     entry.Input,
			TurnID:    t.turnID,
		}}
	}
	return nil
}

func (t *Translator) translateResult(m protocol.ResultMessage) []Event {
	usage := &Usage{
		InputTokens: m.Usage.InputTokens +
			m.Usage.CacheReadInputTokens +
			m.Usage.CacheCreationInputTokens,
		OutputTokens:        m.Usage.OutputTokens,
		CacheReadTokens:     m.Usage.CacheReadInputTokens,
		CacheCreationTokens: m.Usage.CacheCreationInputTokens,
		CostUSD:             m.TotalCostUSD,
	}

	complete := Complete{Type: EventKindComplete, Usage: usage}
	if m.Subtype == protocol.ResultSubtypeSuccess {
		return []Event{complete}
	}

	errMsg := "Query failed"
	if len(m.Errors) > 0 {
		errMsg = joinErrors(m.Errors)
	} else if m.Result != "" {
		errMsg = m.Result
	}
	// Complete follows the error so callers always see exactly one
	// terminator per turn sequence.
	return []Event{Error{Type: EventKindError, Message: errMsg}, complete}
}

func (t *Translator) translateSystem(m protocol.SystemMessage) []Event {
	switch {
	case m.Subtype == "compact_boundary":
		return []Event{Info{Type: EventKindInfo, Message: "Compacted Conversation"}}
	case m.Subtype == "status" && m.Status == "compacting":
		return []Event{Status{Type: EventKindStatus, Message: "Compacting conversation..."}}
	default:
		// Unrecognized system subtypes are the forward-compatibility
		// default: ignore.
		return nil
	}
}

func (t *Translator) translateControl(m protocol.ControlRequest) []Event {
	req, ok := m.AsCanUseTool()
	if !ok {
		return nil
	}
	input := req.Input
	if input == nil {
		input = map[string]any{}
	}
	if req.ToolUseID != "" {
		t.index.Upsert(req.ToolUseID, req.ToolName, input)
	}
	return []Event{PermissionRequest{
		Type:           EventKindPermissionRequest,
		RequestID:      m.RequestID,
		ToolName:       req.ToolName,
		ToolUseID:      req.ToolUseID,
		Input:          input,
		DecisionReason: req.DecisionReason,
		Suggestions:    req.Suggestions,
	}}
}

func joinErrors(errs []string) string {
	out := errs[0]
	for _, e := range errs[1:] {
		out += ", " + e
	}
	return out
}
