// Package providers contains the completion endpoint client used by the
// investigation orchestrator.
package providers

import (
	"context"
)

// Message represents a chat message in a transcript.
type Message struct {
	Role       string      `json:"role"`                  // "user", "assistant", "tool"
	Content    string      `json:"content"`               // text content
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`  // assistant messages requesting tools
	ToolResult *ToolResult `json:"tool_result,omitempty"` // tool messages carrying a result
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult carries one tool's output back to the model, correlated by
// the originating call id.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Tool is a tool definition advertised to the model.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ChatRequest is one completion call.
type ChatRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Tools       []Tool    `json:"tools,omitempty"`
}

// Stop reasons distinguishing tool requests from terminal answers.
const (
	StopToolCalls = "tool_calls"
	StopEndTurn   = "stop"
)

// ChatResponse is the model's reply.
type ChatResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	StopReason   string     `json:"stop_reason,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	InputTokens  int        `json:"input_tokens,omitempty"`
	OutputTokens int        `json:"output_tokens,omitempty"`
}

// WantsTools reports whether the model is requesting tool execution rather
// than giving a final answer.
func (r *ChatResponse) WantsTools() bool {
	return r.StopReason == StopToolCalls && len(r.ToolCalls) > 0
}

// Provider defines the interface to a completion endpoint.
type Provider interface {
	// Chat sends a chat request and returns the response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// Name returns the provider name.
	Name() string
}
