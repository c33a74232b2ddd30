package models

import "time"

// Topic names the closed set of event bus topics.
type Topic string

const (
	TopicInbound        Topic = "inbound"
	TopicOutbound       Topic = "outbound"
	TopicAgentStream    Topic = "agent.stream"
	TopicAgentToolCall  Topic = "agent.tool.call"
	TopicAgentToolRes   Topic = "agent.tool.result"
	TopicAgentDone      Topic = "agent.done"
	TopicAgentError     Topic = "agent.error"
	TopicSessionCreated Topic = "session.created"
	TopicSessionReset   Topic = "session.reset"
	TopicShutdown       Topic = "shutdown"
)

// Topics lists every valid topic. Publishing or subscribing outside this set
// is a programming error.
var Topics = []Topic{
	TopicInbound, TopicOutbound, TopicAgentStream, TopicAgentToolCall,
	TopicAgentToolRes, TopicAgentDone, TopicAgentError,
	TopicSessionCreated, TopicSessionReset, TopicShutdown,
}

// Event is the envelope carried on the bus. RunID is set on all turn-scoped
// events so subscribers can correlate a stream with its final response.
type Event struct {
	Topic      Topic     `json:"topic"`
	RunID      string    `json:"run_id,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	Payload    any       `json:"payload,omitempty"`
	Time       time.Time `json:"time"`
}

// StreamDelta is the payload for agent.stream events. Deltas are never
// mirrored as outbound messages.
type StreamDelta struct {
	Text string `json:"text"`
}

// ToolCallEvent is the payload for agent.tool.call events.
type ToolCallEvent struct {
	CallID string `json:"callId"`
	Name   string `json:"name"`
	Args   string `json:"args"`
}

// ToolResultEvent is the payload for agent.tool.result events.
type ToolResultEvent struct {
	CallID     string `json:"callId"`
	ResultJSON string `json:"resultJson"`
	IsError    bool   `json:"isError"`
	DurationMs int64  `json:"durationMs"`
}

// Response is the payload for the single final outbound per turn.
type Response struct {
	Text string `json:"text"`
}

// Done is the payload for agent.done events.
type Done struct {
	Usage Usage `json:"usage"`
}

// ErrorEvent is the structured payload for agent.error events.
type ErrorEvent struct {
	Class   string `json:"class"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

// SessionEvent is the payload for session.created and session.reset.
type SessionEvent struct {
	Key     string      `json:"key"`
	ID      string      `json:"id"`
	Channel ChannelType `json:"channel"`
}
