// Package sessions implements the session store: key derivation, lifecycle,
// idle eviction, and per-key execution gating.
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/talon-ai/talon/pkg/models"
)

// ErrNotFound is returned when a session key has no session.
var ErrNotFound = errors.New("session not found")

// Store is the interface for session persistence. The in-memory store is
// the default; the sqlite store survives restarts.
type Store interface {
	// GetOrCreate returns the session for key, creating it if absent.
	// The second return reports whether a new session was created.
	GetOrCreate(ctx context.Context, key string, channel models.ChannelType) (*models.Session, bool, error)

	// Get returns the session for key or ErrNotFound.
	Get(ctx context.Context, key string) (*models.Session, error)

	// List returns all sessions, most recently active first.
	List(ctx context.Context) ([]*models.Session, error)

	// Reset rotates the session id and clears the transcript, preserving
	// the key. Returns the refreshed session.
	Reset(ctx context.Context, key string) (*models.Session, error)

	// Touch updates the session's last activity timestamp.
	Touch(ctx context.Context, key string) error

	// UpdateState records the session state and the active run id.
	UpdateState(ctx context.Context, key string, state models.SessionState, activeRunID string) error

	// UpdateTokens records the running context occupancy estimate.
	UpdateTokens(ctx context.Context, key string, tokens int) error

	// AppendMessage appends one message to the transcript.
	AppendMessage(ctx context.Context, key string, msg *models.Message) error

	// History returns up to limit most recent messages in order.
	// limit <= 0 returns the full transcript.
	History(ctx context.Context, key string, limit int) ([]*models.Message, error)

	// ReplaceHistory swaps the transcript wholesale. Only the memory
	// manager's compression path uses this.
	ReplaceHistory(ctx context.Context, key string, msgs []*models.Message) error

	// EvictIdle removes sessions whose last activity predates now-ttl and
	// returns the evicted sessions.
	EvictIdle(ctx context.Context, now time.Time, ttl time.Duration) ([]*models.Session, error)

	Close() error
}

// DeriveKey builds the deterministic session key for an inbound message.
// Direct chats key on the sender; group chats key on the group so the whole
// group shares one conversation.
func DeriveKey(msg *models.Inbound) string {
	if msg.IsGroup {
		return string(msg.Channel) + ":group:" + msg.GroupID
	}
	return string(msg.Channel) + ":dm:" + msg.SenderID
}

// DeriveGroupSenderKey keys a group conversation per sender, for deployments
// that opt out of the shared group transcript.
func DeriveGroupSenderKey(msg *models.Inbound) string {
	return string(msg.Channel) + ":group:" + msg.GroupID + ":" + msg.SenderID
}

// Fixed keys for the local transports.
const (
	CLIKey  = "cli:local"
	CronKey = "cron:local"
)
