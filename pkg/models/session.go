package models

import "time"

// SessionState tracks where a session is in its turn lifecycle.
type SessionState string

const (
	StateIdle        SessionState = "idle"
	StateThinking    SessionState = "thinking"
	StateToolRunning SessionState = "tool_running"
	StateCompressing SessionState = "compressing"
	StateResponding  SessionState = "responding"
	StateError       SessionState = "error"
)

// Session is the unit of conversation. The key is stable across reconnects;
// the ID rotates on explicit reset. At most one turn is active per session.
type Session struct {
	Key            string       `json:"key"`
	ID             string       `json:"id"`
	Channel        ChannelType  `json:"channel"`
	State          SessionState `json:"state"`
	Tokens         int          `json:"tokens"`
	ActiveRunID    string       `json:"active_run_id,omitempty"`
	MessageCount   int          `json:"message_count"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity_at"`
}

// Clone returns a copy safe to hand outside the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	clone := *s
	return &clone
}
