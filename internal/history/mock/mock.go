// Package mock provides an in-memory test double for [history.Store].
//
// Unlike a pure stub, the mock actually stores messages, sessions and
// subscriptions so tests can drive full ingest-then-read flows through it.
// It records every method call for assertion and exposes per-method *Err
// fields that force the next matching call to fail. The mock is safe for
// concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	store := mock.NewStore()
//	store.UpsertMessageErr = errors.New("disk full")
//
//	// inject store into the system under test …
//
//	if got := store.CallCount("UpsertMessage"); got != 1 {
//	    t.Errorf("expected 1 UpsertMessage call, got %d", got)
//	}
package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// Store is a behaviorful in-memory [history.Store]. The zero value is not
// usable; construct with [NewStore].
type Store struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	messages      map[string]history.Message       // message id -> message
	sessions      map[string]history.SessionRecord // session id -> record
	subscriptions map[string]history.Subscription  // "<device>:<session>" -> row

	// UpsertMessageErr is returned by [Store.UpsertMessage] when non-nil.
	UpsertMessageErr error

	// HistoryErr is returned by [Store.History] when non-nil.
	HistoryErr error

	// ReplayErr is returned by [Store.Replay] when non-nil.
	ReplayErr error

	// SaveSessionErr is returned by [Store.SaveSession] when non-nil.
	SaveSessionErr error

	// SaveSubscriptionErr is returned by [Store.SaveSubscription] when non-nil.
	SaveSubscriptionErr error

	// PingErr is returned by [Store.Ping] when non-nil.
	PingErr error
}

// NewStore returns an empty, ready-to-use in-memory store.
func NewStore() *Store {
	return &Store{
		messages:      make(map[string]history.Message),
		sessions:      make(map[string]history.SessionRecord),
		subscriptions: make(map[string]history.Subscription),
	}
}

// Calls returns a copy of all recorded method invocations.
func (m *Store) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *Store) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering stored data or response
// configuration.
func (m *Store) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// UpsertMessage implements [history.Store]. Frozen messages (is_complete
// already true) are left untouched, mirroring the SQL drivers.
func (m *Store) UpsertMessage(_ context.Context, msg history.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpsertMessage", Args: []any{msg}})
	if m.UpsertMessageErr != nil {
		return m.UpsertMessageErr
	}
	if prev, ok := m.messages[msg.ID]; ok && prev.IsComplete {
		return nil
	}
	m.messages[msg.ID] = msg
	return nil
}

// Message implements [history.Store].
func (m *Store) Message(_ context.Context, id string) (history.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Message", Args: []any{id}})
	msg, ok := m.messages[id]
	if !ok {
		return history.Message{}, history.ErrNotFound
	}
	return msg, nil
}

// History implements [history.Store].
func (m *Store) History(_ context.Context, sessionID string, beforeSeq int64, limit int) ([]history.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "History", Args: []any{sessionID, beforeSeq, limit}})
	if m.HistoryErr != nil {
		return nil, false, m.HistoryErr
	}
	limit = history.NormalizeHistoryLimit(limit)

	msgs := m.sessionMessages(sessionID)
	if beforeSeq > 0 {
		filtered := msgs[:0]
		for _, msg := range msgs {
			if msg.Sequence < beforeSeq {
				filtered = append(filtered, msg)
			}
		}
		msgs = filtered
	}
	hasMore := false
	if len(msgs) > limit {
		hasMore = true
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, hasMore, nil
}

// Replay implements [history.Store].
func (m *Store) Replay(_ context.Context, sessionID string, q history.ReplayQuery) ([]history.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Replay", Args: []any{sessionID, q}})
	if m.ReplayErr != nil {
		return nil, m.ReplayErr
	}
	limit := history.NormalizeReplayLimit(q.Limit)

	bySequence := q.SinceSequence > 0 || q.SinceTimestamp.IsZero()
	out := []history.Message{}
	for _, msg := range m.sessionMessages(sessionID) {
		if bySequence {
			if msg.Sequence <= q.SinceSequence {
				continue
			}
		} else if !msg.CreatedAt.After(q.SinceTimestamp) {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// LatestSequence implements [history.Store].
func (m *Store) LatestSequence(_ context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "LatestSequence", Args: []any{sessionID}})
	var max int64
	for _, msg := range m.messages {
		if msg.SessionID == sessionID && msg.Sequence > max {
			max = msg.Sequence
		}
	}
	return max, nil
}

// SequenceBounds implements [history.Store].
func (m *Store) SequenceBounds(_ context.Context, sessionID string) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SequenceBounds", Args: []any{sessionID}})
	var oldest, newest int64
	for _, msg := range m.messages {
		if msg.SessionID != sessionID {
			continue
		}
		if oldest == 0 || msg.Sequence < oldest {
			oldest = msg.Sequence
		}
		if msg.Sequence > newest {
			newest = msg.Sequence
		}
	}
	return oldest, newest, nil
}

// SaveSession implements [history.Store].
func (m *Store) SaveSession(_ context.Context, rec history.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SaveSession", Args: []any{rec}})
	if m.SaveSessionErr != nil {
		return m.SaveSessionErr
	}
	m.sessions[rec.ID] = rec
	return nil
}

// UpdateSessionStatus implements [history.Store].
func (m *Store) UpdateSessionStatus(_ context.Context, sessionID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "UpdateSessionStatus", Args: []any{sessionID, status}})
	rec, ok := m.sessions[sessionID]
	if !ok {
		return history.ErrNotFound
	}
	rec.Status = status
	m.sessions[sessionID] = rec
	return nil
}

// MarkTerminated implements [history.Store].
func (m *Store) MarkTerminated(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "MarkTerminated", Args: []any{sessionID}})
	rec, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	rec.Status = protocol.StatusTerminated
	if rec.TerminatedAt.IsZero() {
		rec.TerminatedAt = time.Now()
	}
	m.sessions[sessionID] = rec
	return nil
}

// Sessions implements [history.Store]. Returns an empty (non-nil) slice when
// no sessions are stored.
func (m *Store) Sessions(_ context.Context) ([]history.SessionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Sessions"})
	out := make([]history.SessionRecord, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// SaveSubscription implements [history.Store].
func (m *Store) SaveSubscription(_ context.Context, deviceID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SaveSubscription", Args: []any{deviceID, sessionID}})
	if m.SaveSubscriptionErr != nil {
		return m.SaveSubscriptionErr
	}
	sub := history.Subscription{DeviceID: deviceID, SessionID: sessionID, SubscribedAt: time.Now()}
	if _, ok := m.subscriptions[sub.Key()]; !ok {
		m.subscriptions[sub.Key()] = sub
	}
	return nil
}

// DeleteSubscription implements [history.Store].
func (m *Store) DeleteSubscription(_ context.Context, deviceID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteSubscription", Args: []any{deviceID, sessionID}})
	delete(m.subscriptions, history.Subscription{DeviceID: deviceID, SessionID: sessionID}.Key())
	return nil
}

// DeleteSubscriptionsForSession implements [history.Store].
func (m *Store) DeleteSubscriptionsForSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "DeleteSubscriptionsForSession", Args: []any{sessionID}})
	for key, sub := range m.subscriptions {
		if sub.SessionID == sessionID {
			delete(m.subscriptions, key)
		}
	}
	return nil
}

// SubscriptionsForDevice implements [history.Store]. Returns an empty
// (non-nil) slice when the device has no subscriptions.
func (m *Store) SubscriptionsForDevice(_ context.Context, deviceID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "SubscriptionsForDevice", Args: []any{deviceID}})
	subs := []history.Subscription{}
	for _, sub := range m.subscriptions {
		if sub.DeviceID == deviceID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].SubscribedAt.Before(subs[j].SubscribedAt) })
	out := make([]string, 0, len(subs))
	for _, sub := range subs {
		out = append(out, sub.SessionID)
	}
	return out, nil
}

// Ping implements [history.Store].
func (m *Store) Ping(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Ping"})
	return m.PingErr
}

// Close implements [history.Store].
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Close"})
	return nil
}

// sessionMessages returns the session's messages sorted by sequence.
// Callers must hold m.mu.
func (m *Store) sessionMessages(sessionID string) []history.Message {
	out := []history.Message{}
	for _, msg := range m.messages {
		if msg.SessionID == sessionID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// Ensure Store satisfies the interface at compile time.
var _ history.Store = (*Store)(nil)
