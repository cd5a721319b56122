// Package postgres provides a PostgreSQL-backed implementation of the
// durable history store, for workstations that already run Postgres and
// want the session log in it instead of the default SQLite file.
//
// All tables share a single [pgxpool.Pool]. [New] runs the migration via
// CREATE TABLE IF NOT EXISTS on startup.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

var _ history.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
    id            TEXT        PRIMARY KEY,
    type          TEXT        NOT NULL,
    workspace     TEXT        NOT NULL DEFAULT '',
    project       TEXT        NOT NULL DEFAULT '',
    worktree      TEXT        NOT NULL DEFAULT '',
    working_dir   TEXT        NOT NULL DEFAULT '',
    status        TEXT        NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL,
    terminated_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS messages (
    id                TEXT        PRIMARY KEY,
    session_id        TEXT        NOT NULL,
    sequence          BIGINT      NOT NULL,
    role              TEXT        NOT NULL,
    content_type      TEXT        NOT NULL,
    content           TEXT        NOT NULL DEFAULT '',
    content_blocks    JSONB,
    audio_input_path  TEXT        NOT NULL DEFAULT '',
    audio_output_path TEXT        NOT NULL DEFAULT '',
    is_complete       BOOLEAN     NOT NULL DEFAULT FALSE,
    created_at        TIMESTAMPTZ NOT NULL,
    UNIQUE (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_messages_session_seq
    ON messages (session_id, sequence);

CREATE INDEX IF NOT EXISTS idx_messages_session_time
    ON messages (session_id, created_at);

CREATE TABLE IF NOT EXISTS subscriptions (
    id            TEXT        PRIMARY KEY,
    device_id     TEXT        NOT NULL,
    session_id    TEXT        NOT NULL,
    subscribed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_device
    ON subscriptions (device_id);

CREATE INDEX IF NOT EXISTS idx_subscriptions_session
    ON subscriptions (session_id);
`

// Store is a PostgreSQL-backed [history.Store].
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the database at dsn and ensures the
// schema exists.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// UpsertMessage implements [history.Store]. The WHERE clause enforces the
// is_complete freeze server-side in one statement.
func (s *Store) UpsertMessage(ctx context.Context, msg history.Message) error {
	blocks, err := marshalBlocks(msg.Blocks)
	if err != nil {
		return fmt.Errorf("postgres store: marshal content blocks: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, sequence, role, content_type, content,
			content_blocks, audio_input_path, audio_output_path, is_complete, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			sequence          = EXCLUDED.sequence,
			content           = EXCLUDED.content,
			content_blocks    = EXCLUDED.content_blocks,
			audio_input_path  = EXCLUDED.audio_input_path,
			audio_output_path = EXCLUDED.audio_output_path,
			is_complete       = EXCLUDED.is_complete
		WHERE NOT messages.is_complete`,
		msg.ID, msg.SessionID, msg.Sequence, msg.Role, msg.ContentType, msg.Content,
		blocks, msg.AudioInputPath, msg.AudioOutputPath, msg.IsComplete, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: upsert message %s: %w", msg.ID, err)
	}
	return nil
}

const messageColumns = `id, session_id, sequence, role, content_type, content,
	content_blocks, audio_input_path, audio_output_path, is_complete, created_at`

// Message implements [history.Store].
func (s *Store) Message(ctx context.Context, id string) (history.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	if err != nil {
		return history.Message{}, fmt.Errorf("postgres store: query message %s: %w", id, err)
	}
	msg, err := pgx.CollectOneRow(rows, scanMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return history.Message{}, history.ErrNotFound
	}
	if err != nil {
		return history.Message{}, fmt.Errorf("postgres store: collect message %s: %w", id, err)
	}
	return msg, nil
}

// History implements [history.Store].
func (s *Store) History(ctx context.Context, sessionID string, beforeSeq int64, limit int) ([]history.Message, bool, error) {
	limit = history.NormalizeHistoryLimit(limit)

	rows, err := s.pool.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE session_id = $1 AND ($2::bigint <= 0 OR sequence < $2)
		ORDER BY sequence DESC
		LIMIT $3`,
		sessionID, beforeSeq, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("postgres store: query history for %s: %w", sessionID, err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, false, fmt.Errorf("postgres store: collect history for %s: %w", sessionID, err)
	}

	hasMore := false
	if len(msgs) > limit {
		hasMore = true
		msgs = msgs[:limit]
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

// Replay implements [history.Store].
func (s *Store) Replay(ctx context.Context, sessionID string, q history.ReplayQuery) ([]history.Message, error) {
	limit := history.NormalizeReplayLimit(q.Limit)

	var (
		rows pgx.Rows
		err  error
	)
	if q.SinceSequence > 0 || q.SinceTimestamp.IsZero() {
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = $1 AND sequence > $2
			ORDER BY sequence ASC
			LIMIT $3`,
			sessionID, q.SinceSequence, limit)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT `+messageColumns+`
			FROM messages
			WHERE session_id = $1 AND created_at > $2
			ORDER BY sequence ASC
			LIMIT $3`,
			sessionID, q.SinceTimestamp, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: query replay for %s: %w", sessionID, err)
	}
	msgs, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("postgres store: collect replay for %s: %w", sessionID, err)
	}
	return msgs, nil
}

// LatestSequence implements [history.Store].
func (s *Store) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE session_id = $1`,
		sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("postgres store: query latest sequence for %s: %w", sessionID, err)
	}
	return seq, nil
}

// SequenceBounds implements [history.Store].
func (s *Store) SequenceBounds(ctx context.Context, sessionID string) (int64, int64, error) {
	var oldest, newest int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MIN(sequence), 0), COALESCE(MAX(sequence), 0)
		 FROM messages WHERE session_id = $1`,
		sessionID).Scan(&oldest, &newest)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres store: query sequence bounds for %s: %w", sessionID, err)
	}
	return oldest, newest, nil
}

// SaveSession implements [history.Store].
func (s *Store) SaveSession(ctx context.Context, rec history.SessionRecord) error {
	var terminatedAt *time.Time
	if !rec.TerminatedAt.IsZero() {
		terminatedAt = &rec.TerminatedAt
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (id, type, workspace, project, worktree, working_dir, status, created_at, terminated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status        = EXCLUDED.status,
			terminated_at = EXCLUDED.terminated_at`,
		rec.ID, rec.Type, rec.Workspace, rec.Project, rec.Worktree, rec.WorkingDir,
		rec.Status, rec.CreatedAt, terminatedAt)
	if err != nil {
		return fmt.Errorf("postgres store: save session %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateSessionStatus implements [history.Store].
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET status = $1 WHERE id = $2`, status, sessionID)
	if err != nil {
		return fmt.Errorf("postgres store: update session %s status: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return history.ErrNotFound
	}
	return nil
}

// MarkTerminated implements [history.Store].
func (s *Store) MarkTerminated(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sessions SET status = $1, terminated_at = COALESCE(terminated_at, now())
		WHERE id = $2`,
		protocol.StatusTerminated, sessionID)
	if err != nil {
		return fmt.Errorf("postgres store: mark session %s terminated: %w", sessionID, err)
	}
	return nil
}

// Sessions implements [history.Store].
func (s *Store) Sessions(ctx context.Context) ([]history.SessionRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, workspace, project, worktree, working_dir, status, created_at, terminated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query sessions: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.SessionRecord, error) {
		var (
			rec          history.SessionRecord
			terminatedAt *time.Time
		)
		err := row.Scan(&rec.ID, &rec.Type, &rec.Workspace, &rec.Project, &rec.Worktree,
			&rec.WorkingDir, &rec.Status, &rec.CreatedAt, &terminatedAt)
		if terminatedAt != nil {
			rec.TerminatedAt = *terminatedAt
		}
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: collect sessions: %w", err)
	}
	return recs, nil
}

// SaveSubscription implements [history.Store].
func (s *Store) SaveSubscription(ctx context.Context, deviceID, sessionID string) error {
	sub := history.Subscription{DeviceID: deviceID, SessionID: sessionID}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, device_id, session_id, subscribed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO NOTHING`,
		sub.Key(), deviceID, sessionID)
	if err != nil {
		return fmt.Errorf("postgres store: save subscription %s: %w", sub.Key(), err)
	}
	return nil
}

// DeleteSubscription implements [history.Store].
func (s *Store) DeleteSubscription(ctx context.Context, deviceID, sessionID string) error {
	sub := history.Subscription{DeviceID: deviceID, SessionID: sessionID}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE id = $1`, sub.Key()); err != nil {
		return fmt.Errorf("postgres store: delete subscription %s: %w", sub.Key(), err)
	}
	return nil
}

// DeleteSubscriptionsForSession implements [history.Store].
func (s *Store) DeleteSubscriptionsForSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM subscriptions WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("postgres store: delete subscriptions for session %s: %w", sessionID, err)
	}
	return nil
}

// SubscriptionsForDevice implements [history.Store].
func (s *Store) SubscriptionsForDevice(ctx context.Context, deviceID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id FROM subscriptions
		WHERE device_id = $1 ORDER BY subscribed_at ASC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: query subscriptions for device %s: %w", deviceID, err)
	}
	sessionIDs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var id string
		err := row.Scan(&id)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: collect subscriptions for device %s: %w", deviceID, err)
	}
	return sessionIDs, nil
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [history.Store].
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func marshalBlocks(blocks []protocol.ContentBlock) (any, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func scanMessage(row pgx.CollectableRow) (history.Message, error) {
	var (
		msg    history.Message
		blocks []byte
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Sequence, &msg.Role, &msg.ContentType,
		&msg.Content, &blocks, &msg.AudioInputPath, &msg.AudioOutputPath, &msg.IsComplete, &msg.CreatedAt)
	if err != nil {
		return history.Message{}, err
	}
	if len(blocks) > 0 {
		if err := json.Unmarshal(blocks, &msg.Blocks); err != nil {
			return history.Message{}, fmt.Errorf("unmarshal content blocks of %s: %w", msg.ID, err)
		}
	}
	return msg, nil
}
