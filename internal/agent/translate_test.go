package agent

import (
	"testing"

	"github.com/user/agentrelay/internal/protocol"
)

func decodeLine(t *testing.T, line string) protocol.Message {
	t.Helper()
	msg, err := protocol.Decode([]byte(line))
	if err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return msg
}

func feed(t *testing.T, tr *Translator, lines ...string) []Event {
	t.Helper()
	var events []Event
	for _, line := range lines {
		events = append(events, tr.Translate(decodeLine(t, line))...)
	}
	return events
}

func TestAssistantTextHeldUntilMessageDelta(t *testing.T) {
	tr := NewTranslator()

	events := feed(t, tr,
		`{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"text","text":"Hello there"}]}}`,
	)
	if len(events) != 0 {
		t.Fatalf("expected no events before the delta boundary, got %d", len(events))
	}

	events = feed(t, tr,
		`{"type":"stream_event","session_id":"s1","event":{"type":"message_delta","delta":{"stop_reason":"end_turn"}}}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	tc, ok := events[0].(TextComplete)
	if !ok {
		t.Fatalf("expected TextComplete, got %T", events[0])
	}
	if tc.Text != "Hello there" {
		t.Errorf("expected text %q, got %q", "Hello there", tc.Text)
	}
	if tc.IsIntermediate {
		t.Error("end_turn text should be final, not intermediate")
	}
}

func TestTextIntermediateWhenStoppedForTools(t *testing.T) {
	tr := NewTranslator()

	events := feed(t, tr,
		`{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"text","text":"Let me check."}]}}`,
		`{"type":"stream_event","session_id":"s1","event":{"type":"message_delta","delta":{"stop_reason":"tool_use"}}}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	tc := events[0].(TextComplete)
	if !tc.IsIntermediate {
		t.Error("tool_use boundary should mark text as intermediate")
	}
}

func TestMessageDeltaWithoutPendingTextEmitsNothing(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"stream_event","session_id":"s1","event":{"type":"message_delta","delta":{"stop_reason":"end_turn"}}}`,
	)
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}

func TestTextDeltaCarriesTurnID(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"stream_event","session_id":"s1","event":{"type":"message_start","message":{"id":"msg_1","role":"assistant","content":[]}}}`,
		`{"type":"stream_event","session_id":"s1","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Hi"}}}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	td := events[0].(TextDelta)
	if td.Text != "Hi" {
		t.Errorf("expected text %q, got %q", "Hi", td.Text)
	}
	if td.TurnID != "msg_1" {
		t.Errorf("expected turn id msg_1, got %q", td.TurnID)
	}
}

func TestToolStartDeduplication(t *testing.T) {
	tr := NewTranslator()

	// Stream announcement: ID and name, no input yet.
	events := feed(t, tr,
		`{"type":"stream_event","session_id":"s1","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tool_1","name":"Bash"}}}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 start for the announcement, got %d", len(events))
	}
	first := events[0].(ToolStart)
	if first.ToolUseID != "tool_1" || first.ToolName != "Bash" {
		t.Errorf("unexpected start: %+v", first)
	}
	if len(first.Input) != 0 {
		t.Errorf("announcement should carry empty input, got %v", first.Input)
	}

	// Batch message completes the input: re-emit as an update.
	events = feed(t, tr,
		`{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool_1","name":"Bash","input":{"command":"ls"}}]}}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 start for the input completion, got %d", len(events))
	}
	second := events[0].(ToolStart)
	if second.Input["command"] != "ls" {
		t.Errorf("expected completed input, got %v", second.Input)
	}

	// A further repeat with no new input stays silent.
	events = feed(t, tr,
		`{"type":"stream_event","session_id":"s1","event":{"type":"content_block_start","index":0,"content_block":{"type":"tool_use","id":"tool_1","name":"Bash"}}}`,
	)
	if len(events) != 0 {
		t.Fatalf("expected no events for a redundant repeat, got %d", len(events))
	}
}

func TestToolStartExtractsIntentAndDisplayName(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool_1","name":"Task","input":{"description":"Inspect logs","_displayName":"Log inspector"}}]}}`,
	)
	start := events[0].(ToolStart)
	if start.Intent != "Inspect logs" {
		t.Errorf("expected intent from description, got %q", start.Intent)
	}
	if start.DisplayName != "Log inspector" {
		t.Errorf("expected display name hint, got %q", start.DisplayName)
	}
}

func TestToolResultsMatchRegardlessOfOrder(t *testing.T) {
	tr := NewTranslator()
	feed(t, tr,
		`{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool_a","name":"Read","input":{"path":"a.txt"}},{"type":"tool_use","id":"tool_b","name":"Bash","input":{"command":"ls"}}]}}`,
	)

	// Results arrive in the opposite order from the starts.
	events := feed(t, tr,
		`{"type":"user","session_id":"s1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool_b","content":"file1 file2"},{"type":"tool_result","tool_use_id":"tool_a","content":"contents of a"}]}}`,
	)
	if len(events) != 2 {
		t.Fatalf("expected 2 results, got %d", len(events))
	}
	rb := events[0].(ToolResult)
	ra := events[1].(ToolResult)
	if rb.ToolName != "Bash" || rb.Result != "file1 file2" {
		t.Errorf("unexpected result for tool_b: %+v", rb)
	}
	if ra.ToolName != "Read" || ra.Input["path"] != "a.txt" {
		t.Errorf("unexpected result for tool_a: %+v", ra)
	}
}

func TestToolResultErrorDetection(t *testing.T) {
	tr := NewTranslator()
	feed(t, tr,
		`{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool_1","name":"Bash","input":{}}]}}`,
	)

	// Explicit is_error wins over text sniffing.
	events := feed(t, tr,
		`{"type":"user","session_id":"s1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool_1","content":"all good","is_error":true}]}}`,
	)
	if !events[0].(ToolResult).IsError {
		t.Error("explicit is_error flag should mark the result as failed")
	}

	tr = NewTranslator()
	feed(t, tr,
		`{"type":"assistant","session_id":"s1","message":{"role":"assistant","content":[{"type":"tool_use","id":"tool_2","name":"Bash","input":{}}]}}`,
	)
	events = feed(t, tr,
		`{"type":"user","session_id":"s1","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool_2","content":"Error: command not found"}]}}`,
	)
	if !events[0].(ToolResult).IsError {
		t.Error("Error: prefix should mark the result as failed")
	}
}

func TestFallbackResultUsesTurnScopedID(t *testing.T) {
	tr := NewTranslator()
	feed(t, tr,
		`{"type":"stream_event","session_id":"s1","event":{"type":"message_start","message":{"id":"msg_9","role":"assistant","content":[]}}}`,
	)

	events := feed(t, tr,
		`{"type":"user","session_id":"s1","tool_use_result":"done","message":{"role":"user","content":[]}}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 fallback result, got %d", len(events))
	}
	res := events[0].(ToolResult)
	if res.ToolUseID != "fallback-msg_9" {
		t.Errorf("expected fallback-msg_9, got %q", res.ToolUseID)
	}
	if res.Result != "done" {
		t.Errorf("expected result text %q, got %q", "done", res.Result)
	}
}

func TestFallbackResultsAliasWithinOneTurn(t *testing.T) {
	tr := NewTranslator()
	feed(t, tr,
		`{"type":"stream_event","session_id":"s1","event":{"type":"message_start","message":{"id":"msg_9","role":"assistant","content":[]}}}`,
	)

	// Two unidentified results inside the same turn share the synthesized
	// ID; the second overwrites the first in any keyed projection.
	events := feed(t, tr,
		`{"type":"user","session_id":"s1","tool_use_result":"first","message":{"role":"user","content":[]}}`,
		`{"type":"user","session_id":"s1","tool_use_result":"second","message":{"role":"user","content":[]}}`,
	)
	if len(events) != 2 {
		t.Fatalf("expected 2 fallback results, got %d", len(events))
	}
	for i, event := range events {
		res := event.(ToolResult)
		if res.ToolUseID != "fallback-msg_9" {
			t.Errorf("result %d: expected fallback-msg_9, got %q", i, res.ToolUseID)
		}
	}
	if events[0].(ToolResult).Result != "first" || events[1].(ToolResult).Result != "second" {
		t.Errorf("unexpected result payloads: %+v", events)
	}
}

func TestFallbackResultWithoutTurn(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"user","session_id":"s1","tool_use_result":"done","message":{"role":"user","content":[]}}`,
	)
	if events[0].(ToolResult).ToolUseID != "fallback-unknown" {
		t.Errorf("expected fallback-unknown, got %q", events[0].(ToolResult).ToolUseID)
	}
}

func TestReplayMessagesAreSkipped(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"user","session_id":"s1","isReplay":true,"message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"tool_1","content":"stale"}]}}`,
	)
	if len(events) != 0 {
		t.Fatalf("replayed history should emit nothing, got %d events", len(events))
	}
}

func TestResultSuccessEmitsSingleComplete(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"result","subtype":"success","session_id":"s1","total_cost_usd":0.05,"usage":{"input_tokens":100,"cache_read_input_tokens":40,"cache_creation_input_tokens":10,"output_tokens":25}}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected exactly 1 event, got %d", len(events))
	}
	complete, ok := events[0].(Complete)
	if !ok {
		t.Fatalf("expected Complete, got %T", events[0])
	}
	if complete.Usage == nil {
		t.Fatal("expected usage on completion")
	}
	if complete.Usage.InputTokens != 150 {
		t.Errorf("input tokens should include cache reads and creation, got %d", complete.Usage.InputTokens)
	}
	if complete.Usage.OutputTokens != 25 {
		t.Errorf("expected 25 output tokens, got %d", complete.Usage.OutputTokens)
	}
	if complete.Usage.CostUSD != 0.05 {
		t.Errorf("expected cost 0.05, got %f", complete.Usage.CostUSD)
	}
}

func TestResultFailureEmitsErrorThenComplete(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"result","subtype":"error_during_execution","session_id":"s1","is_error":true,"errors":["boom","bang"],"usage":{}}`,
	)
	if len(events) != 2 {
		t.Fatalf("expected error then complete, got %d events", len(events))
	}
	errEvent, ok := events[0].(Error)
	if !ok {
		t.Fatalf("expected Error first, got %T", events[0])
	}
	if errEvent.Message != "boom, bang" {
		t.Errorf("expected joined errors, got %q", errEvent.Message)
	}
	if _, ok := events[1].(Complete); !ok {
		t.Fatalf("expected Complete last, got %T", events[1])
	}
}

func TestResultFailureFallsBackToResultText(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"result","subtype":"error_max_turns","session_id":"s1","is_error":true,"result":"max turns exceeded","usage":{}}`,
	)
	if events[0].(Error).Message != "max turns exceeded" {
		t.Errorf("expected result text, got %q", events[0].(Error).Message)
	}

	tr = NewTranslator()
	events = feed(t, tr,
		`{"type":"result","subtype":"error_during_execution","session_id":"s1","is_error":true,"usage":{}}`,
	)
	if events[0].(Error).Message != "Query failed" {
		t.Errorf("expected generic failure message, got %q", events[0].(Error).Message)
	}
}

func TestAssistantErrorField(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"assistant","session_id":"s1","error":"overloaded","message":{"role":"assistant","content":[]}}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].(Error).Message != "overloaded" {
		t.Errorf("expected overloaded, got %q", events[0].(Error).Message)
	}
}

func TestSystemCompactionNotices(t *testing.T) {
	tr := NewTranslator()

	events := feed(t, tr,
		`{"type":"system","subtype":"status","session_id":"s1","status":"compacting"}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].(Status).Message != "Compacting conversation..." {
		t.Errorf("unexpected status: %q", events[0].(Status).Message)
	}

	events = feed(t, tr,
		`{"type":"system","subtype":"compact_boundary","session_id":"s1"}`,
	)
	if events[0].(Info).Message != "Compacted Conversation" {
		t.Errorf("unexpected info: %q", events[0].(Info).Message)
	}

	events = feed(t, tr,
		`{"type":"system","subtype":"init","session_id":"s1","model":"opus"}`,
	)
	if len(events) != 0 {
		t.Fatalf("init notices should emit nothing, got %d events", len(events))
	}
}

func TestControlRequestBecomesPermissionRequest(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"control_request","request_id":"req_1","request":{"subtype":"can_use_tool","tool_name":"Bash","tool_use_id":"tool_7","input":{"command":"rm -rf /tmp/x"},"decision_reason":"destructive"}}`,
	)
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	pr := events[0].(PermissionRequest)
	if pr.RequestID != "req_1" || pr.ToolName != "Bash" {
		t.Errorf("unexpected permission request: %+v", pr)
	}
	if pr.DecisionReason != "destructive" {
		t.Errorf("expected decision reason, got %q", pr.DecisionReason)
	}

	// The request also registers the tool so a later result matches.
	entry, ok := tr.Index().Lookup("tool_7")
	if !ok {
		t.Fatal("expected tool_7 in the index")
	}
	if entry.Name != "Bash" {
		t.Errorf("expected Bash, got %q", entry.Name)
	}
}

func TestUnknownControlSubtypeIgnored(t *testing.T) {
	tr := NewTranslator()
	events := feed(t, tr,
		`{"type":"control_request","request_id":"req_2","request":{"subtype":"interrupt"}}`,
	)
	if len(events) != 0 {
		t.Fatalf("expected no events, got %d", len(events))
	}
}
