package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/talon-ai/talon/pkg/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	key              TEXT PRIMARY KEY,
	id               TEXT NOT NULL,
	channel          TEXT NOT NULL,
	state            TEXT NOT NULL,
	tokens           INTEGER NOT NULL DEFAULT 0,
	active_run_id    TEXT NOT NULL DEFAULT '',
	message_count    INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMP NOT NULL,
	last_activity_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_key TEXT NOT NULL,
	payload     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_key, seq);
`

// SQLiteStore persists sessions and transcripts in a local sqlite database
// so conversations survive daemon restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// The sqlite driver is single-writer; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetOrCreate(ctx context.Context, key string, channel models.ChannelType) (*models.Session, bool, error) {
	sess, err := s.Get(ctx, key)
	if err == nil {
		return sess, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	sess = &models.Session{
		Key:            key,
		ID:             uuid.NewString(),
		Channel:        channel,
		State:          models.StateIdle,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (key, id, channel, state, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		sess.Key, sess.ID, string(sess.Channel), string(sess.State), sess.CreatedAt, sess.LastActivityAt)
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	return sess, true, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, id, channel, state, tokens, active_run_id, message_count, created_at, last_activity_at
		FROM sessions WHERE key = ?`, key)
	return scanSession(row)
}

func (s *SQLiteStore) List(ctx context.Context) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, id, channel, state, tokens, active_run_id, message_count, created_at, last_activity_at
		FROM sessions ORDER BY last_activity_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Reset(ctx context.Context, key string) (*models.Session, error) {
	now := time.Now().UTC()
	id := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET id = ?, state = ?, tokens = 0, active_run_id = '', message_count = 0,
		    created_at = ?, last_activity_at = ?
		WHERE key = ?`,
		id, string(models.StateIdle), now, now, key)
	if err != nil {
		return nil, fmt.Errorf("reset session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return nil, fmt.Errorf("clear transcript: %w", err)
	}
	return s.Get(ctx, key)
}

func (s *SQLiteStore) Touch(ctx context.Context, key string) error {
	return s.exec(ctx, `UPDATE sessions SET last_activity_at = ? WHERE key = ?`,
		time.Now().UTC(), key)
}

func (s *SQLiteStore) UpdateState(ctx context.Context, key string, state models.SessionState, activeRunID string) error {
	return s.exec(ctx, `UPDATE sessions SET state = ?, active_run_id = ? WHERE key = ?`,
		string(state), activeRunID, key)
}

func (s *SQLiteStore) UpdateTokens(ctx context.Context, key string, tokens int) error {
	return s.exec(ctx, `UPDATE sessions SET tokens = ? WHERE key = ?`, tokens, key)
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, key string, msg *models.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE sessions SET message_count = message_count + 1, last_activity_at = ?
		WHERE key = ?`, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (session_key, payload) VALUES (?, ?)`, key, string(payload)); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) History(ctx context.Context, key string, limit int) ([]*models.Message, error) {
	if _, err := s.Get(ctx, key); err != nil {
		return nil, err
	}

	query := `SELECT payload FROM messages WHERE session_key = ? ORDER BY seq`
	args := []any{key}
	if limit > 0 {
		// Window from the tail, then restore chronological order.
		query = `SELECT payload FROM (
			SELECT seq, payload FROM messages WHERE session_key = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	var out []*models.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, &msg)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReplaceHistory(ctx context.Context, key string, msgs []*models.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE sessions SET message_count = ? WHERE key = ?`, len(msgs), key)
	if err != nil {
		return fmt.Errorf("replace transcript: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, key); err != nil {
		return fmt.Errorf("replace transcript: %w", err)
	}
	for _, msg := range msgs {
		payload, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode message: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO messages (session_key, payload) VALUES (?, ?)`, key, string(payload)); err != nil {
			return fmt.Errorf("replace transcript: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) EvictIdle(ctx context.Context, now time.Time, ttl time.Duration) ([]*models.Session, error) {
	if ttl <= 0 {
		return nil, nil
	}
	cutoff := now.Add(-ttl)

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, id, channel, state, tokens, active_run_id, message_count, created_at, last_activity_at
		FROM sessions WHERE last_activity_at < ?`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("evict sessions: %w", err)
	}
	defer rows.Close()

	var evicted []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		evicted = append(evicted, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, sess := range evicted {
		if err := s.exec(ctx, `DELETE FROM sessions WHERE key = ?`, sess.Key); err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_key = ?`, sess.Key); err != nil {
			return nil, fmt.Errorf("evict transcript: %w", err)
		}
	}
	return evicted, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		sess    models.Session
		channel string
		state   string
	)
	err := row.Scan(&sess.Key, &sess.ID, &channel, &state, &sess.Tokens,
		&sess.ActiveRunID, &sess.MessageCount, &sess.CreatedAt, &sess.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.Channel = models.ChannelType(channel)
	sess.State = models.SessionState(state)
	return &sess, nil
}
