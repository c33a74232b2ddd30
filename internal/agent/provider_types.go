package agent

import (
	"context"
	"encoding/json"

	"github.com/talon-ai/talon/pkg/models"
)

// Provider is a single LLM endpoint the router can call.
//
// Implementations must be safe for concurrent use; the router may issue
// Complete calls for different sessions simultaneously.
type Provider interface {
	// Complete opens a streaming completion. The returned channel is closed
	// when the stream ends; errors arrive as chunks with Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the configured provider id used in routing and logs.
	Name() string

	// Priority orders providers; lower values are tried first.
	Priority() int

	// ContextWindow returns the model context window in tokens, or 0 when
	// unknown.
	ContextWindow() int

	// SupportsStreaming reports whether the endpoint streams deltas. The
	// router falls back to buffered delivery when false.
	SupportsStreaming() bool

	// SupportsTools reports whether the endpoint accepts tool schemas.
	SupportsTools() bool
}

// CompletionRequest carries one LLM invocation in the unified format.
// Providers translate it to their wire shape.
type CompletionRequest struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []CompletionMessage `json:"messages"`
	Tools       []ToolSchema        `json:"tools,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float32             `json:"temperature,omitempty"`
}

// CompletionMessage is one transcript entry in provider-neutral form.
// Role is one of "user", "assistant", "system", or "tool".
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// ToolSchema is the wire-level description of one tool offered to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// CompletionChunk is one element of a provider stream. Exactly one of the
// fields is meaningful per chunk; Done carries the usage counters.
type CompletionChunk struct {
	Text     string           `json:"text,omitempty"`
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`
	Done     bool             `json:"done,omitempty"`
	Error    error            `json:"-"`

	// Populated on the final chunk only.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Completion is an assembled provider response after the stream closed
// cleanly.
type Completion struct {
	Text      string
	ToolCalls []models.ToolCall
	Usage     models.Usage
	Provider  string
}
