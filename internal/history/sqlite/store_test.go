package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(id, sessionID string, seq int64) history.Message {
	return history.Message{
		ID:          id,
		SessionID:   sessionID,
		Sequence:    seq,
		Role:        protocol.RoleAssistant,
		ContentType: protocol.ContentText,
		Content:     "content of " + id,
		Blocks:      []protocol.ContentBlock{{ID: "b1", Type: protocol.BlockText, Text: "hello"}},
		CreatedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(seq) * time.Second),
	}
}

func mustUpsert(t *testing.T, s *Store, msg history.Message) {
	t.Helper()
	if err := s.UpsertMessage(context.Background(), msg); err != nil {
		t.Fatalf("UpsertMessage(%s) error = %v", msg.ID, err)
	}
}

func TestUpsertMessageIdempotentByID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("s-1", "claude-abc12345", 1)
	mustUpsert(t, s, msg)

	// Streaming update: same id, later sequence, new blocks.
	msg.Sequence = 3
	msg.Blocks = []protocol.ContentBlock{{ID: "b1", Type: protocol.BlockText, Text: "hello world"}}
	mustUpsert(t, s, msg)

	got, err := s.Message(ctx, "s-1")
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}
	if got.Sequence != 3 {
		t.Errorf("sequence = %d, want 3", got.Sequence)
	}
	if len(got.Blocks) != 1 || got.Blocks[0].Text != "hello world" {
		t.Errorf("blocks = %+v, want updated text", got.Blocks)
	}

	msgs, _, err := s.History(ctx, "claude-abc12345", 0, 10)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("History() returned %d rows, want 1 (update, not duplicate)", len(msgs))
	}
}

func TestUpsertMessageFreezesWhenComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("s-1", "claude-abc12345", 1)
	msg.IsComplete = true
	mustUpsert(t, s, msg)

	// Any further write to a complete message is ignored.
	late := msg
	late.Sequence = 9
	late.Content = "tampered"
	late.IsComplete = false
	mustUpsert(t, s, late)

	got, err := s.Message(ctx, "s-1")
	if err != nil {
		t.Fatalf("Message() error = %v", err)
	}
	if !got.IsComplete {
		t.Error("is_complete regressed to false")
	}
	if got.Content != "content of s-1" || got.Sequence != 1 {
		t.Errorf("frozen message mutated: %+v", got)
	}
}

func TestMessageNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Message(context.Background(), "missing")
	if !errors.Is(err, history.ErrNotFound) {
		t.Fatalf("Message() error = %v, want ErrNotFound", err)
	}
}

func TestHistoryPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 30; i++ {
		mustUpsert(t, s, testMessage(msgID(i), "claude-abc12345", i))
	}

	// Newest page: default ordering oldest→newest inside the page.
	page1, hasMore, err := s.History(ctx, "claude-abc12345", 0, 20)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(page1) != 20 {
		t.Fatalf("page size = %d, want 20", len(page1))
	}
	if !hasMore {
		t.Error("has_more = false, want true (10 older rows remain)")
	}
	if page1[0].Sequence != 11 || page1[19].Sequence != 30 {
		t.Errorf("page bounds = [%d, %d], want [11, 30]", page1[0].Sequence, page1[19].Sequence)
	}

	// Older page via before_sequence.
	page2, hasMore, err := s.History(ctx, "claude-abc12345", 11, 20)
	if err != nil {
		t.Fatalf("History(before 11) error = %v", err)
	}
	if len(page2) != 10 || hasMore {
		t.Fatalf("older page = %d rows/hasMore=%v, want 10 rows/hasMore=false", len(page2), hasMore)
	}
	if page2[0].Sequence != 1 || page2[9].Sequence != 10 {
		t.Errorf("older page bounds = [%d, %d], want [1, 10]", page2[0].Sequence, page2[9].Sequence)
	}
}

func TestHistoryLimitCap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 60; i++ {
		mustUpsert(t, s, testMessage(msgID(i), "claude-abc12345", i))
	}

	page, _, err := s.History(ctx, "claude-abc12345", 0, 500)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(page) != history.MaxHistoryPage {
		t.Errorf("page size = %d, want capped at %d", len(page), history.MaxHistoryPage)
	}

	page, _, err = s.History(ctx, "claude-abc12345", 0, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(page) != history.DefaultHistoryPage {
		t.Errorf("default page size = %d, want %d", len(page), history.DefaultHistoryPage)
	}
}

func TestReplayComposition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 9; i++ {
		mustUpsert(t, s, testMessage(msgID(i), "claude-abc12345", i))
	}

	full, err := s.Replay(ctx, "claude-abc12345", history.ReplayQuery{SinceSequence: 3})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	first, err := s.Replay(ctx, "claude-abc12345", history.ReplayQuery{SinceSequence: 3, Limit: 4})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	rest, err := s.Replay(ctx, "claude-abc12345", history.ReplayQuery{SinceSequence: 3 + int64(len(first))})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}

	if len(first)+len(rest) != len(full) {
		t.Fatalf("split replay = %d+%d rows, full = %d", len(first), len(rest), len(full))
	}
	for i, msg := range append(first, rest...) {
		if msg.Sequence != full[i].Sequence {
			t.Errorf("split replay[%d].Sequence = %d, full[%d] = %d", i, msg.Sequence, i, full[i].Sequence)
		}
	}
}

func TestReplayByTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		mustUpsert(t, s, testMessage(msgID(i), "claude-abc12345", i))
	}

	cut := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC).Add(3 * time.Second)
	got, err := s.Replay(ctx, "claude-abc12345", history.ReplayQuery{SinceTimestamp: cut})
	if err != nil {
		t.Fatalf("Replay() error = %v", err)
	}
	if len(got) != 2 || got[0].Sequence != 4 {
		t.Errorf("Replay(after t3) = %d rows starting at %d, want 2 starting at 4", len(got), got[0].Sequence)
	}
}

func TestSequenceBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	oldest, newest, err := s.SequenceBounds(ctx, "empty")
	if err != nil || oldest != 0 || newest != 0 {
		t.Fatalf("SequenceBounds(empty) = (%d, %d, %v), want (0, 0, nil)", oldest, newest, err)
	}

	for i := int64(5); i <= 14; i++ {
		mustUpsert(t, s, testMessage(msgID(i), "claude-abc12345", i))
	}
	oldest, newest, err = s.SequenceBounds(ctx, "claude-abc12345")
	if err != nil {
		t.Fatalf("SequenceBounds() error = %v", err)
	}
	if oldest != 5 || newest != 14 {
		t.Errorf("SequenceBounds() = (%d, %d), want (5, 14)", oldest, newest)
	}

	latest, err := s.LatestSequence(ctx, "claude-abc12345")
	if err != nil || latest != 14 {
		t.Errorf("LatestSequence() = (%d, %v), want (14, nil)", latest, err)
	}
}

func TestSessionLifecycleRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := history.SessionRecord{
		ID:         "claude-abc12345",
		Type:       protocol.KindAgent,
		Workspace:  "acme",
		Project:    "api",
		WorkingDir: "/w/acme/api",
		Status:     protocol.StatusActive,
		CreatedAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	if err := s.SaveSession(ctx, rec); err != nil {
		t.Fatalf("SaveSession() error = %v", err)
	}
	if err := s.UpdateSessionStatus(ctx, rec.ID, protocol.StatusBusy); err != nil {
		t.Fatalf("UpdateSessionStatus() error = %v", err)
	}
	if err := s.MarkTerminated(ctx, rec.ID); err != nil {
		t.Fatalf("MarkTerminated() error = %v", err)
	}
	// Idempotent: terminated_at survives the second call.
	if err := s.MarkTerminated(ctx, rec.ID); err != nil {
		t.Fatalf("MarkTerminated() again error = %v", err)
	}

	recs, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("Sessions() = %d rows, want 1", len(recs))
	}
	got := recs[0]
	if got.Status != protocol.StatusTerminated {
		t.Errorf("status = %q, want terminated", got.Status)
	}
	if got.TerminatedAt.IsZero() {
		t.Error("terminated_at not stamped")
	}

	if err := s.UpdateSessionStatus(ctx, "missing", protocol.StatusIdle); !errors.Is(err, history.ErrNotFound) {
		t.Errorf("UpdateSessionStatus(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSubscriptionsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for range 3 {
		if err := s.SaveSubscription(ctx, "D1", "claude-abc12345"); err != nil {
			t.Fatalf("SaveSubscription() error = %v", err)
		}
	}
	if err := s.SaveSubscription(ctx, "D1", "terminal-99999999"); err != nil {
		t.Fatalf("SaveSubscription() error = %v", err)
	}

	got, err := s.SubscriptionsForDevice(ctx, "D1")
	if err != nil {
		t.Fatalf("SubscriptionsForDevice() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("subscriptions = %v, want exactly one edge per session", got)
	}

	if err := s.DeleteSubscription(ctx, "D1", "claude-abc12345"); err != nil {
		t.Fatalf("DeleteSubscription() error = %v", err)
	}
	// Deleting again is not an error.
	if err := s.DeleteSubscription(ctx, "D1", "claude-abc12345"); err != nil {
		t.Fatalf("DeleteSubscription() again error = %v", err)
	}

	got, err = s.SubscriptionsForDevice(ctx, "D1")
	if err != nil {
		t.Fatalf("SubscriptionsForDevice() error = %v", err)
	}
	if len(got) != 1 || got[0] != "terminal-99999999" {
		t.Errorf("subscriptions = %v, want [terminal-99999999]", got)
	}

	if err := s.DeleteSubscriptionsForSession(ctx, "terminal-99999999"); err != nil {
		t.Fatalf("DeleteSubscriptionsForSession() error = %v", err)
	}
	got, _ = s.SubscriptionsForDevice(ctx, "D1")
	if len(got) != 0 {
		t.Errorf("subscriptions after cascade = %v, want empty", got)
	}
}

func msgID(i int64) string {
	return fmt.Sprintf("m-%03d", i)
}
