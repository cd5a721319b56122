package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tiflis-io/tiflis-code/internal/resilience"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

type fakeConn struct {
	mu       sync.Mutex
	attempts int
	fails    int
	writes   [][]byte
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeConn) Write(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.fails > 0 {
		f.fails--
		return errors.New("write refused")
	}
	f.writes = append(f.writes, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) stats() (attempts, written int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts, len(f.writes)
}

func (f *fakeConn) lastWrite() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := New(Config{
		URL:      "wss://tunnel.test/t/tn-1",
		TunnelID: "tn-1",
		AuthKey:  "secret-key",
		DeviceID: "dev-1",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// makeSendable wires a connection and forces an authenticated state, as if
// a full handshake had run.
func makeSendable(c *Client, conn Conn) {
	c.attach(conn)
	c.transition(func(st *Status) { st.State = StateAuthenticated })
}

func TestPolicyFor(t *testing.T) {
	tests := []struct {
		typ  string
		want CommandPolicy
	}{
		{protocol.TypeSupervisorCommand, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeSupervisorCancel, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeSupervisorClearContext, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeSessionExecute, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeSessionCancel, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeSessionSubscribe, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeSessionInput, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeSessionReplay, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeHistoryRequest, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeSync, CommandPolicy{MaxRetries: 3, Queue: true}},
		{protocol.TypeSessionUnsubscribe, CommandPolicy{MaxRetries: 1, Queue: false}},
		{protocol.TypeSessionResize, CommandPolicy{MaxRetries: 1, Queue: false}},
		{protocol.TypeSupervisorCreateSession, CommandPolicy{MaxRetries: 1, Queue: false}},
	}
	for _, tt := range tests {
		if got := PolicyFor(tt.typ); got != tt.want {
			t.Errorf("PolicyFor(%q) = %+v, want %+v", tt.typ, got, tt.want)
		}
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := newCommandQueue()
	for i := 0; i <= queueCapacity; i++ {
		err := q.push(queuedCommand{
			env:      &protocol.Envelope{Type: protocol.TypeSessionInput, ID: fmt.Sprintf("cmd-%d", i), SessionID: "s1"},
			payload:  &protocol.InputPayload{Data: "x"},
			queuedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}
	if q.len() != queueCapacity {
		t.Fatalf("queue length = %d, want %d", q.len(), queueCapacity)
	}
	cmd, ok := q.pop(time.Now())
	if !ok || cmd.env.ID != "cmd-1" {
		t.Fatalf("head after overflow = %+v, want cmd-1", cmd.env)
	}
}

func TestQueueExpiresStaleEntries(t *testing.T) {
	q := newCommandQueue()
	stale := queuedCommand{
		env:      &protocol.Envelope{Type: protocol.TypeSessionInput, ID: "stale", SessionID: "s1"},
		payload:  &protocol.InputPayload{Data: "x"},
		queuedAt: time.Now().Add(-2 * queueEntryTTL),
	}
	fresh := queuedCommand{
		env:      &protocol.Envelope{Type: protocol.TypeSessionInput, ID: "fresh", SessionID: "s1"},
		payload:  &protocol.InputPayload{Data: "y"},
		queuedAt: time.Now(),
	}
	if err := q.push(stale); err != nil {
		t.Fatal(err)
	}
	if err := q.push(fresh); err != nil {
		t.Fatal(err)
	}
	cmd, ok := q.pop(time.Now())
	if !ok || cmd.env.ID != "fresh" {
		t.Fatalf("pop = %+v, want fresh entry", cmd.env)
	}
	if _, ok := q.pop(time.Now()); ok {
		t.Fatal("queue should be empty after expiry purge")
	}
}

func TestQueueCancelSession(t *testing.T) {
	q := newCommandQueue()
	push := func(env *protocol.Envelope, payload protocol.Payload) {
		t.Helper()
		if err := q.push(queuedCommand{env: env, payload: payload, queuedAt: time.Now()}); err != nil {
			t.Fatal(err)
		}
	}
	push(&protocol.Envelope{Type: protocol.TypeSessionInput, SessionID: "s1"}, &protocol.InputPayload{Data: "a"})
	push(&protocol.Envelope{Type: protocol.TypeSupervisorTerminateSession}, &protocol.TerminateSessionPayload{SessionID: "s1"})
	push(&protocol.Envelope{Type: protocol.TypeSessionInput, SessionID: "s2"}, &protocol.InputPayload{Data: "b"})

	if removed := q.cancelSession("s1"); removed != 2 {
		t.Fatalf("cancelSession removed %d, want 2", removed)
	}
	cmd, ok := q.pop(time.Now())
	if !ok || cmd.env.SessionID != "s2" {
		t.Fatalf("survivor = %+v, want s2 entry", cmd.env)
	}
}

func TestQueueClosedRejectsPush(t *testing.T) {
	q := newCommandQueue()
	q.close()
	err := q.push(queuedCommand{
		env:      &protocol.Envelope{Type: protocol.TypeSync},
		payload:  &protocol.SyncPayload{},
		queuedAt: time.Now(),
	})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("push on closed queue = %v, want ErrQueueClosed", err)
	}
}

func TestSendWhileNotSendable(t *testing.T) {
	c := newTestClient(t)
	ctx := t.Context()

	// resize never queues
	res, err := c.Resize(ctx, "s1", 80, 24)
	if res != SendFailed || !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("Resize = %v, %v; want failed, ErrNotAuthenticated", res, err)
	}

	// subscribe queues
	res, err = c.Subscribe(ctx, "s1")
	if res != SendQueued || err != nil {
		t.Fatalf("Subscribe = %v, %v; want queued", res, err)
	}
	if c.queue.len() != 1 {
		t.Fatalf("queue length = %d, want 1", c.queue.len())
	}

	// execute queues and surfaces a pending log entry right away
	messageID, res, err := c.Execute(ctx, "s1", "run the tests")
	if res != SendQueued || err != nil {
		t.Fatalf("Execute = %v, %v; want queued", res, err)
	}
	log := c.Log("s1")
	if len(log) != 1 || log[0].ID != messageID || !log[0].Pending {
		t.Fatalf("pending echo = %+v", log)
	}

	// create_session is fire-and-fail
	res, err = c.CreateSession(ctx, protocol.CreateSessionPayload{Type: protocol.KindTerminal})
	if res != SendFailed || !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("CreateSession = %v, %v; want failed, ErrNotAuthenticated", res, err)
	}
}

func TestSendRetriesThenQueues(t *testing.T) {
	c := newTestClient(t)
	c.sendBackoff = resilience.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Jitter: -1}
	fc := &fakeConn{fails: 99}
	makeSendable(c, fc)

	res, err := c.Input(t.Context(), "s1", "ls -la\n")
	if res != SendQueued || err != nil {
		t.Fatalf("Input = %v, %v; want queued after retries", res, err)
	}
	attempts, _ := fc.stats()
	if attempts != 3 {
		t.Fatalf("write attempts = %d, want 3", attempts)
	}
	if c.queue.len() != 1 {
		t.Fatalf("queue length = %d, want 1", c.queue.len())
	}

	// non-queueable commands surface the write failure instead
	res, err = c.Resize(t.Context(), "s1", 80, 24)
	if res != SendFailed || !errors.Is(err, ErrMaxRetries) {
		t.Fatalf("Resize = %v, %v; want failed, ErrMaxRetries", res, err)
	}
}

func TestDrainQueueFlushes(t *testing.T) {
	c := newTestClient(t)
	c.sendBackoff = resilience.Backoff{Min: time.Millisecond, Max: 2 * time.Millisecond, Jitter: -1}
	fc := &fakeConn{fails: 3}
	makeSendable(c, fc)

	if res, _ := c.Input(t.Context(), "s1", "echo queued\n"); res != SendQueued {
		t.Fatalf("Input result = %v, want queued", res)
	}

	// the link recovered; drain flushes in order
	c.drainQueue(t.Context())
	if c.queue.len() != 0 {
		t.Fatalf("queue length after drain = %d, want 0", c.queue.len())
	}
	env, payload, err := protocol.Decode(fc.lastWrite())
	if err != nil {
		t.Fatalf("decode drained frame: %v", err)
	}
	if env.Type != protocol.TypeSessionInput || env.SessionID != "s1" {
		t.Fatalf("drained frame = %+v", env)
	}
	if p := payload.(*protocol.InputPayload); p.Data != "echo queued\n" {
		t.Fatalf("drained payload = %+v", p)
	}
}

func TestSendRejectsInvalidFrames(t *testing.T) {
	c := newTestClient(t)

	if _, err := c.Send(t.Context(), &protocol.Envelope{Type: "session.reboot"}, nil); !errors.Is(err, protocol.ErrUnknownType) {
		t.Fatalf("unknown type error = %v, want ErrUnknownType", err)
	}
	if _, err := c.Send(t.Context(), &protocol.Envelope{Type: protocol.TypeSessionSubscribe}, &protocol.EmptyPayload{}); !errors.Is(err, protocol.ErrInvalidPayload) {
		t.Fatalf("missing session_id error = %v, want ErrInvalidPayload", err)
	}
}

func TestCancelPendingForSession(t *testing.T) {
	c := newTestClient(t)
	ctx := t.Context()

	if _, _, err := c.Execute(ctx, "s1", "first"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Execute(ctx, "s2", "second"); err != nil {
		t.Fatal(err)
	}
	if removed := c.CancelPendingForSession("s1"); removed != 1 {
		t.Fatalf("CancelPendingForSession removed %d, want 1", removed)
	}
	if removed := c.CancelAllPending(); removed != 1 {
		t.Fatalf("CancelAllPending removed %d, want 1", removed)
	}
}
