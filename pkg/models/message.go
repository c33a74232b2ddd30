package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging transport.
type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelWhatsApp ChannelType = "whatsapp"
	ChannelCLI      ChannelType = "cli"
	ChannelWeb      ChannelType = "web"
	ChannelCron     ChannelType = "cron"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one record in a session transcript. Messages are append-only:
// once stored they are never mutated, which keeps summary boundaries stable.
type Message struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Channel     ChannelType  `json:"channel"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
	Tokens      int          `json:"tokens,omitempty"`
	Summary     bool         `json:"summary,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution. Content holds the
// standard result envelope serialized as JSON.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Usage carries token counters for a completed turn.
type Usage struct {
	Input         int `json:"in"`
	Output        int `json:"out"`
	TotalEstimate int `json:"totalEstimate"`
}

// Attachment references media on an inbound message.
type Attachment struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Inbound is the normalized message raised by a channel adapter. The core
// never interprets transport-specific payloads.
type Inbound struct {
	Channel    ChannelType  `json:"channel"`
	SenderID   string       `json:"senderId"`
	SenderName string       `json:"senderName,omitempty"`
	Text       string       `json:"text"`
	IsGroup    bool         `json:"isGroup,omitempty"`
	GroupID    string       `json:"groupId,omitempty"`
	Media      []Attachment `json:"media,omitempty"`
	ReceivedAt time.Time    `json:"-"`
}

// Outbound is a message destined for a channel.
type Outbound struct {
	Channel    ChannelType `json:"channel"`
	SessionKey string      `json:"sessionKey"`
	Text       string      `json:"text"`
}
