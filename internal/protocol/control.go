package protocol

import (
	"encoding/json"
	"fmt"
)

// ControlResponse answers a control request back to the runtime.
type ControlResponse struct {
	Type     MessageType            `json:"type"`
	Response ControlResponsePayload `json:"response"`
}

// ControlResponsePayload is the inner envelope of a control response.
type ControlResponsePayload struct {
	Subtype   string `json:"subtype"`
	RequestID string `json:"request_id"`
	Response  any    `json:"response,omitempty"`
}

// Marshal serializes the response to a JSON line ready to write to the
// runtime's stdin.
func (m ControlResponse) Marshal() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal control response: %w", err)
	}
	return b, nil
}

type permissionAllow struct {
	Behavior     string         `json:"behavior"`
	UpdatedInput map[string]any `json:"updatedInput"`
}

type permissionDeny struct {
	Behavior  string `json:"behavior"`
	Message   string `json:"message"`
	Interrupt bool   `json:"interrupt"`
}

// NewPermissionAllow builds a control response granting tool execution.
// input must not be nil on the wire; pass the original request input
// when nothing changed.
func NewPermissionAllow(requestID string, input map[string]any) ControlResponse {
	if input == nil {
		input = map[string]any{}
	}
	return ControlResponse{
		Type: "control_response",
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response:  permissionAllow{Behavior: "allow", UpdatedInput: input},
		},
	}
}

// NewPermissionDeny builds a control response blocking tool execution.
func NewPermissionDeny(requestID, message string, interrupt bool) ControlResponse {
	return ControlResponse{
		Type: "control_response",
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response:  permissionDeny{Behavior: "deny", Message: message, Interrupt: interrupt},
		},
	}
}

// UserPrompt is the message shape for sending user input to the runtime.
type UserPrompt struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

// Marshal serializes the prompt to a JSON line ready to write to the
// runtime's stdin.
func (p UserPrompt) Marshal() ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal user prompt: %w", err)
	}
	return b, nil
}

// NewUserPrompt builds a user text message ready to send.
func NewUserPrompt(text string) UserPrompt {
	var p UserPrompt
	p.Type = "user"
	p.Message.Role = "user"
	p.Message.Content = text
	return p
}
