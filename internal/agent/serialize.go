package agent

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ResultText flattens a tool result value to a display string. The
// upstream protocol sends results as plain strings, text content
// blocks, arrays of either, or arbitrary JSON; anything without text
// content falls back to indented JSON.
func ResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return string(raw)
	}
	return flattenResult(value)
}

func flattenResult(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []any:
		var parts []string
		for _, item := range v {
			switch it := item.(type) {
			case string:
				parts = append(parts, it)
			case map[string]any:
				if text, ok := it["text"]; ok {
					parts = append(parts, fmt.Sprint(text))
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n")
		}
		return jsonFallback(v)
	case map[string]any:
		if text, ok := v["text"]; ok {
			return fmt.Sprint(text)
		}
		return jsonFallback(v)
	default:
		return fmt.Sprint(v)
	}
}

func jsonFallback(value any) string {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(data)
}

// IsErrorResult reports whether a result value looks like a failure.
// The runtime does not always set is_error, but failed tool runs start
// their text with "Error:".
func IsErrorResult(raw json.RawMessage) bool {
	return strings.HasPrefix(strings.TrimLeft(ResultText(raw), " \t\r\n"), "Error:")
}

// extractIntent pulls a human-readable purpose out of tool input.
// Models put it in different fields depending on the tool.
func extractIntent(input map[string]any) string {
	for _, key := range []string{"description", "intent", "prompt"} {
		if v, ok := input[key].(string); ok {
			return v
		}
	}
	return ""
}

// extractDisplayName pulls the optional _displayName hint MCP tools
// attach to their input.
func extractDisplayName(input map[string]any) string {
	if v, ok := input["_displayName"].(string); ok {
		return v
	}
	return ""
}
