package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talon-ai/talon/pkg/models"
)

// maxTranscriptMessages bounds per-session history growth. Compression
// normally keeps transcripts far below this; the cap is a backstop.
const maxTranscriptMessages = 1000

// MemoryStore keeps sessions and transcripts in process memory. All reads
// return clones so callers cannot mutate store state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	history  map[string][]*models.Message
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		history:  make(map[string][]*models.Message),
	}
}

func (s *MemoryStore) GetOrCreate(_ context.Context, key string, channel models.ChannelType) (*models.Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess, ok := s.sessions[key]; ok {
		return sess.Clone(), false, nil
	}

	now := time.Now().UTC()
	sess := &models.Session{
		Key:            key,
		ID:             uuid.NewString(),
		Channel:        channel,
		State:          models.StateIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	s.sessions[key] = sess
	return sess.Clone(), true, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context) ([]*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	return out, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return nil, ErrNotFound
	}

	now := time.Now().UTC()
	sess.ID = uuid.NewString()
	sess.State = models.StateIdle
	sess.Tokens = 0
	sess.ActiveRunID = ""
	sess.MessageCount = 0
	sess.CreatedAt = now
	sess.LastActivityAt = now
	delete(s.history, key)
	return sess.Clone(), nil
}

func (s *MemoryStore) Touch(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.LastActivityAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateState(_ context.Context, key string, state models.SessionState, activeRunID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.State = state
	sess.ActiveRunID = activeRunID
	return nil
}

func (s *MemoryStore) UpdateTokens(_ context.Context, key string, tokens int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}
	sess.Tokens = tokens
	return nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, key string, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}

	hist := append(s.history[key], cloneMessage(msg))
	if len(hist) > maxTranscriptMessages {
		hist = hist[len(hist)-maxTranscriptMessages:]
	}
	s.history[key] = hist
	sess.MessageCount = len(hist)
	sess.LastActivityAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) History(_ context.Context, key string, limit int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.sessions[key]; !ok {
		return nil, ErrNotFound
	}

	hist := s.history[key]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]*models.Message, len(hist))
	for i, m := range hist {
		out[i] = cloneMessage(m)
	}
	return out, nil
}

func (s *MemoryStore) ReplaceHistory(_ context.Context, key string, msgs []*models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[key]
	if !ok {
		return ErrNotFound
	}

	hist := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		hist[i] = cloneMessage(m)
	}
	s.history[key] = hist
	sess.MessageCount = len(hist)
	return nil
}

func (s *MemoryStore) EvictIdle(_ context.Context, now time.Time, ttl time.Duration) ([]*models.Session, error) {
	if ttl <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-ttl)
	var evicted []*models.Session
	for key, sess := range s.sessions {
		if sess.LastActivityAt.Before(cutoff) {
			evicted = append(evicted, sess.Clone())
			delete(s.sessions, key)
			delete(s.history, key)
		}
	}
	return evicted, nil
}

func (s *MemoryStore) Close() error { return nil }

func cloneMessage(m *models.Message) *models.Message {
	c := *m
	if m.ToolCalls != nil {
		c.ToolCalls = make([]models.ToolCall, len(m.ToolCalls))
		copy(c.ToolCalls, m.ToolCalls)
	}
	if m.ToolResults != nil {
		c.ToolResults = make([]models.ToolResult, len(m.ToolResults))
		copy(c.ToolResults, m.ToolResults)
	}
	return &c
}
