// Package history defines the workstation's durable session history layer.
//
// Two stores cooperate:
//
//   - The durable message log ([Store]): per-session, sequence-ordered
//     records of agent and supervisor traffic, backed by SQLite by default
//     (package sqlite) or PostgreSQL (package postgres). It also persists
//     session lifecycle rows and device subscriptions so both survive a
//     workstation restart.
//   - The terminal ring buffer ([Ring]): a bounded in-memory window of raw
//     PTY frames per terminal session. Deliberately not durable.
//
// Sequence values are allocated by the fan-out router, never by a store;
// stores only enforce the (session_id, sequence) uniqueness that backs the
// gapless-log invariant.
//
// Every implementation must be safe for concurrent use.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// Pagination and replay bounds.
const (
	// DefaultHistoryPage is the page size when history.request omits limit.
	DefaultHistoryPage = 20

	// MaxHistoryPage caps one history.request page.
	MaxHistoryPage = 50

	// MaxReplay caps one session.replay response.
	MaxReplay = 1000
)

// ErrNotFound is returned by lookups for records that do not exist.
var ErrNotFound = errors.New("history: not found")

// Message is one durable record of a session's log. ID is stable across
// devices and equals the streaming message id for assistant-streamed
// messages. Audio paths are workstation-local and never serialized to
// clients; the wire form advertises their presence instead.
type Message struct {
	ID              string
	SessionID       string
	Sequence        int64
	Role            string
	ContentType     string
	Content         string
	Blocks          []protocol.ContentBlock
	AudioInputPath  string
	AudioOutputPath string
	IsComplete      bool
	CreatedAt       time.Time
}

// Wire converts the record to its client-facing form.
func (m Message) Wire() protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		SessionID:      m.SessionID,
		Sequence:       m.Sequence,
		Role:           m.Role,
		ContentType:    m.ContentType,
		Content:        m.Content,
		ContentBlocks:  protocol.CloneBlocks(m.Blocks),
		HasAudioInput:  m.AudioInputPath != "",
		HasAudioOutput: m.AudioOutputPath != "",
		IsComplete:     m.IsComplete,
		Timestamp:      m.CreatedAt.UnixMilli(),
	}
}

// WireAll converts a slice of records.
func WireAll(msgs []Message) []protocol.Message {
	out := make([]protocol.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Wire()
	}
	return out
}

// SessionRecord is one row of the sessions table.
type SessionRecord struct {
	ID           string
	Type         string
	Workspace    string
	Project      string
	Worktree     string
	WorkingDir   string
	Status       string
	CreatedAt    time.Time
	TerminatedAt time.Time // zero while the session lives
}

// Subscription is one row of the subscriptions table. The primary key is
// the composite string "<device_id>:<session_id>".
type Subscription struct {
	DeviceID     string
	SessionID    string
	SubscribedAt time.Time
}

// Key returns the composite primary key.
func (s Subscription) Key() string {
	return s.DeviceID + ":" + s.SessionID
}

// ReplayQuery selects a replay range. Exactly one of SinceSequence /
// SinceTimestamp is the range start (both exclusive); SinceSequence wins
// when both are set. Limit is capped at [MaxReplay].
type ReplayQuery struct {
	SinceSequence  int64
	SinceTimestamp time.Time
	Limit          int
}

// NormalizeReplayLimit applies the replay cap and default. Drivers share
// it so every backend pages identically.
func NormalizeReplayLimit(limit int) int {
	if limit <= 0 || limit > MaxReplay {
		return MaxReplay
	}
	return limit
}

// NormalizeHistoryLimit applies the history page cap and default.
func NormalizeHistoryLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryPage
	}
	if limit > MaxHistoryPage {
		return MaxHistoryPage
	}
	return limit
}

// Store is the durable message log plus session and subscription tables.
//
// UpsertMessage is idempotent by message id: a write for an existing id
// updates the row in place, except that a row with IsComplete true is
// frozen and further writes to it are silently ignored. IsComplete may
// transition false to true but never back.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// UpsertMessage inserts or updates one message record.
	UpsertMessage(ctx context.Context, msg Message) error

	// Message returns one record by id, or [ErrNotFound].
	Message(ctx context.Context, id string) (Message, error)

	// History returns one page of a session's log ordered oldest to newest,
	// strictly before beforeSeq when it is positive. limit is normalized to
	// the [DefaultHistoryPage]/[MaxHistoryPage] bounds. hasMore reports
	// whether older records remain.
	History(ctx context.Context, sessionID string, beforeSeq int64, limit int) (msgs []Message, hasMore bool, err error)

	// Replay returns records after the query's range start, ordered by
	// ascending sequence, capped at [MaxReplay].
	Replay(ctx context.Context, sessionID string, q ReplayQuery) ([]Message, error)

	// LatestSequence returns the highest sequence recorded for the session,
	// or 0 when the session has no records.
	LatestSequence(ctx context.Context, sessionID string) (int64, error)

	// SequenceBounds returns the oldest and newest sequence recorded for
	// the session, both 0 when it has no records.
	SequenceBounds(ctx context.Context, sessionID string) (oldest, newest int64, err error)

	// SaveSession upserts one session lifecycle row.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// UpdateSessionStatus sets the status column of an existing row.
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error

	// MarkTerminated sets status to terminated and stamps terminated_at.
	// Idempotent.
	MarkTerminated(ctx context.Context, sessionID string) error

	// Sessions returns all session rows, newest first.
	Sessions(ctx context.Context) ([]SessionRecord, error)

	// SaveSubscription upserts one (device, session) edge. Idempotent.
	SaveSubscription(ctx context.Context, deviceID, sessionID string) error

	// DeleteSubscription removes one edge. Removing a missing edge is not
	// an error.
	DeleteSubscription(ctx context.Context, deviceID, sessionID string) error

	// DeleteSubscriptionsForSession removes every edge of one session, as
	// part of the terminateSession cascade.
	DeleteSubscriptionsForSession(ctx context.Context, sessionID string) error

	// SubscriptionsForDevice returns the session ids the device is
	// subscribed to, ordered by subscription time.
	SubscriptionsForDevice(ctx context.Context, deviceID string) ([]string, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}
