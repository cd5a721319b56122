// Package sqlite implements the durable history store on SQLite.
//
// It is the default driver: a single file under the workstation data dir,
// WAL journaling for concurrent readers, and no external service to run.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// Store is a SQLite-backed [history.Store].
type Store struct {
	db *sql.DB
}

var _ history.Store = (*Store)(nil)

// New opens (creating if needed) the database at path and runs migrations.
func New(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite db: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		workspace     TEXT NOT NULL DEFAULT '',
		project       TEXT NOT NULL DEFAULT '',
		worktree      TEXT NOT NULL DEFAULT '',
		working_dir   TEXT NOT NULL DEFAULT '',
		status        TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		terminated_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS messages (
		id                TEXT PRIMARY KEY,
		session_id        TEXT NOT NULL,
		sequence          INTEGER NOT NULL,
		role              TEXT NOT NULL,
		content_type      TEXT NOT NULL,
		content           TEXT NOT NULL DEFAULT '',
		content_blocks    TEXT,
		audio_input_path  TEXT NOT NULL DEFAULT '',
		audio_output_path TEXT NOT NULL DEFAULT '',
		is_complete       INTEGER NOT NULL DEFAULT 0,
		created_at        INTEGER NOT NULL,
		UNIQUE (session_id, sequence)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_seq ON messages(session_id, sequence);
	CREATE INDEX IF NOT EXISTS idx_messages_session_time ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id            TEXT PRIMARY KEY,
		device_id     TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		subscribed_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_device ON subscriptions(device_id);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_session ON subscriptions(session_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// UpsertMessage implements [history.Store]. The WHERE clause on the upsert
// enforces the freeze: rows already complete are never touched.
func (s *Store) UpsertMessage(ctx context.Context, msg history.Message) error {
	blocks, err := marshalBlocks(msg.Blocks)
	if err != nil {
		return fmt.Errorf("marshal content blocks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, sequence, role, content_type, content,
			content_blocks, audio_input_path, audio_output_path, is_complete, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sequence          = excluded.sequence,
			content           = excluded.content,
			content_blocks    = excluded.content_blocks,
			audio_input_path  = excluded.audio_input_path,
			audio_output_path = excluded.audio_output_path,
			is_complete       = excluded.is_complete
		WHERE messages.is_complete = 0`,
		msg.ID, msg.SessionID, msg.Sequence, msg.Role, msg.ContentType, msg.Content,
		blocks, msg.AudioInputPath, msg.AudioOutputPath, boolInt(msg.IsComplete),
		msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}
	return nil
}

// Message implements [history.Store].
func (s *Store) Message(ctx context.Context, id string) (history.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, sequence, role, content_type, content,
			content_blocks, audio_input_path, audio_output_path, is_complete, created_at
		FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return history.Message{}, history.ErrNotFound
	}
	return msg, err
}

// History implements [history.Store].
func (s *Store) History(ctx context.Context, sessionID string, beforeSeq int64, limit int) ([]history.Message, bool, error) {
	limit = history.NormalizeHistoryLimit(limit)

	// Fetch one extra row to learn whether older records remain.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, sequence, role, content_type, content,
			content_blocks, audio_input_path, audio_output_path, is_complete, created_at
		FROM messages
		WHERE session_id = ? AND (? <= 0 OR sequence < ?)
		ORDER BY sequence DESC
		LIMIT ?`,
		sessionID, beforeSeq, beforeSeq, limit+1)
	if err != nil {
		return nil, false, fmt.Errorf("query history for %s: %w", sessionID, err)
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, false, err
	}
	hasMore := false
	if len(msgs) > limit {
		hasMore = true
		msgs = msgs[:limit]
	}
	reverseMessages(msgs)
	return msgs, hasMore, nil
}

// Replay implements [history.Store].
func (s *Store) Replay(ctx context.Context, sessionID string, q history.ReplayQuery) ([]history.Message, error) {
	limit := history.NormalizeReplayLimit(q.Limit)

	var (
		rows *sql.Rows
		err  error
	)
	if q.SinceSequence > 0 || q.SinceTimestamp.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, session_id, sequence, role, content_type, content,
				content_blocks, audio_input_path, audio_output_path, is_complete, created_at
			FROM messages
			WHERE session_id = ? AND sequence > ?
			ORDER BY sequence ASC
			LIMIT ?`,
			sessionID, q.SinceSequence, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, session_id, sequence, role, content_type, content,
				content_blocks, audio_input_path, audio_output_path, is_complete, created_at
			FROM messages
			WHERE session_id = ? AND created_at > ?
			ORDER BY sequence ASC
			LIMIT ?`,
			sessionID, q.SinceTimestamp.UnixMilli(), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query replay for %s: %w", sessionID, err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// LatestSequence implements [history.Store].
func (s *Store) LatestSequence(ctx context.Context, sessionID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE session_id = ?`,
		sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("query latest sequence for %s: %w", sessionID, err)
	}
	return seq, nil
}

// SequenceBounds implements [history.Store].
func (s *Store) SequenceBounds(ctx context.Context, sessionID string) (int64, int64, error) {
	var oldest, newest int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(sequence), 0), COALESCE(MAX(sequence), 0)
		 FROM messages WHERE session_id = ?`,
		sessionID).Scan(&oldest, &newest)
	if err != nil {
		return 0, 0, fmt.Errorf("query sequence bounds for %s: %w", sessionID, err)
	}
	return oldest, newest, nil
}

// SaveSession implements [history.Store].
func (s *Store) SaveSession(ctx context.Context, rec history.SessionRecord) error {
	var terminatedAt any
	if !rec.TerminatedAt.IsZero() {
		terminatedAt = rec.TerminatedAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, type, workspace, project, worktree, working_dir, status, created_at, terminated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status        = excluded.status,
			terminated_at = excluded.terminated_at`,
		rec.ID, rec.Type, rec.Workspace, rec.Project, rec.Worktree, rec.WorkingDir,
		rec.Status, rec.CreatedAt.UnixMilli(), terminatedAt)
	if err != nil {
		return fmt.Errorf("save session %s: %w", rec.ID, err)
	}
	return nil
}

// UpdateSessionStatus implements [history.Store].
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE id = ?`, status, sessionID)
	if err != nil {
		return fmt.Errorf("update session %s status: %w", sessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return history.ErrNotFound
	}
	return nil
}

// MarkTerminated implements [history.Store].
func (s *Store) MarkTerminated(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, terminated_at = COALESCE(terminated_at, ?)
		WHERE id = ?`,
		protocol.StatusTerminated, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("mark session %s terminated: %w", sessionID, err)
	}
	return nil
}

// Sessions implements [history.Store].
func (s *Store) Sessions(ctx context.Context) ([]history.SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, workspace, project, worktree, working_dir, status, created_at, terminated_at
		FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var recs []history.SessionRecord
	for rows.Next() {
		var (
			rec          history.SessionRecord
			createdAt    int64
			terminatedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Workspace, &rec.Project, &rec.Worktree,
			&rec.WorkingDir, &rec.Status, &createdAt, &terminatedAt); err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		rec.CreatedAt = time.UnixMilli(createdAt)
		if terminatedAt.Valid {
			rec.TerminatedAt = time.UnixMilli(terminatedAt.Int64)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SaveSubscription implements [history.Store].
func (s *Store) SaveSubscription(ctx context.Context, deviceID, sessionID string) error {
	sub := history.Subscription{DeviceID: deviceID, SessionID: sessionID}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, device_id, session_id, subscribed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		sub.Key(), deviceID, sessionID, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save subscription %s: %w", sub.Key(), err)
	}
	return nil
}

// DeleteSubscription implements [history.Store].
func (s *Store) DeleteSubscription(ctx context.Context, deviceID, sessionID string) error {
	sub := history.Subscription{DeviceID: deviceID, SessionID: sessionID}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE id = ?`, sub.Key()); err != nil {
		return fmt.Errorf("delete subscription %s: %w", sub.Key(), err)
	}
	return nil
}

// DeleteSubscriptionsForSession implements [history.Store].
func (s *Store) DeleteSubscriptionsForSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM subscriptions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete subscriptions for session %s: %w", sessionID, err)
	}
	return nil
}

// SubscriptionsForDevice implements [history.Store].
func (s *Store) SubscriptionsForDevice(ctx context.Context, deviceID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id FROM subscriptions
		WHERE device_id = ? ORDER BY subscribed_at ASC`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions for device %s: %w", deviceID, err)
	}
	defer rows.Close()

	sessionIDs := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}
		sessionIDs = append(sessionIDs, id)
	}
	return sessionIDs, rows.Err()
}

// Ping implements [history.Store].
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements [history.Store].
func (s *Store) Close() error {
	return s.db.Close()
}

func marshalBlocks(blocks []protocol.ContentBlock) (any, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(blocks)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (history.Message, error) {
	var (
		msg        history.Message
		blocks     sql.NullString
		isComplete int
		createdAt  int64
	)
	err := row.Scan(&msg.ID, &msg.SessionID, &msg.Sequence, &msg.Role, &msg.ContentType,
		&msg.Content, &blocks, &msg.AudioInputPath, &msg.AudioOutputPath, &isComplete, &createdAt)
	if err != nil {
		return history.Message{}, err
	}
	if blocks.Valid && blocks.String != "" {
		if err := json.Unmarshal([]byte(blocks.String), &msg.Blocks); err != nil {
			return history.Message{}, fmt.Errorf("unmarshal content blocks of %s: %w", msg.ID, err)
		}
	}
	msg.IsComplete = isComplete != 0
	msg.CreatedAt = time.UnixMilli(createdAt)
	return msg, nil
}

func collectMessages(rows *sql.Rows) ([]history.Message, error) {
	var msgs []history.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func reverseMessages(msgs []history.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
