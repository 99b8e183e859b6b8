// Package tokens estimates token counts for stored transcripts. The
// upstream runtime reports authoritative usage per turn; this estimator
// covers transcripts persisted before that reporting existed and
// ad-hoc "how big is this session" queries.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/agentrelay/internal/types"
)

// Estimator counts approximate tokens with a tiktoken encoding.
type Estimator struct {
	tokenizer *tiktoken.Tiktoken
}

// NewEstimator creates an Estimator for the given model name, falling
// back to cl100k_base when the model is unknown to the tokenizer.
func NewEstimator(model string) (*Estimator, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Estimator{tokenizer: enc}, nil
}

// Count returns the token count for a string.
func (e *Estimator) Count(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// TranscriptStats summarizes a session transcript.
type TranscriptStats struct {
	Messages     int `json:"messages"`
	UserTokens   int `json:"user_tokens"`
	OutputTokens int `json:"output_tokens"`
	ToolTokens   int `json:"tool_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Transcript estimates token usage across a session's messages.
func (e *Estimator) Transcript(messages []*types.ChatMessage) TranscriptStats {
	var stats TranscriptStats
	for _, msg := range messages {
		n := e.Count(msg.Content)
		stats.Messages++
		stats.TotalTokens += n
		switch msg.Role {
		case types.RoleUser:
			stats.UserTokens += n
		case types.RoleAssistant:
			stats.OutputTokens += n
		case types.RoleTool:
			t := e.Count(msg.ToolResult)
			stats.ToolTokens += n + t
			stats.TotalTokens += t
		}
	}
	return stats
}
