package client

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// SendResult reports how a command left (or failed to leave) the client.
type SendResult int

const (
	// SendFailed means the command was neither written nor queued.
	SendFailed SendResult = iota
	// SendSent means the command was written to the tunnel.
	SendSent
	// SendQueued means the command waits in the transient queue for the
	// next sendable state.
	SendQueued
)

func (r SendResult) String() string {
	switch r {
	case SendSent:
		return "sent"
	case SendQueued:
		return "queued"
	default:
		return "failed"
	}
}

var (
	// ErrNotAuthenticated is returned when a non-queueable command is sent
	// outside a sendable state.
	ErrNotAuthenticated = errors.New("client: not authenticated")

	// ErrMaxRetries is returned when every write attempt allowed by the
	// command's policy failed.
	ErrMaxRetries = errors.New("client: max send retries exceeded")

	// ErrQueueClosed is returned once the queue has shut down for good,
	// which only a protocol version mismatch causes. Rejected credentials
	// leave the queue open so commands survive into the next Run.
	ErrQueueClosed = errors.New("client: command queue closed")
)

// CommandPolicy fixes how one message type behaves while the link is down
// or flaky.
type CommandPolicy struct {
	MaxRetries int
	Queue      bool
}

// PolicyFor returns the retry and queue policy for a message type.
// Unsubscribe and resize are deliberately fire-and-fast-fail: replaying a
// stale geometry or a detach after reconnect does more harm than dropping
// it, since every reconnect re-syncs both anyway. Types not listed get the
// same conservative treatment.
func PolicyFor(messageType string) CommandPolicy {
	switch messageType {
	case protocol.TypeSupervisorCommand,
		protocol.TypeSupervisorCancel,
		protocol.TypeSupervisorClearContext,
		protocol.TypeSessionExecute,
		protocol.TypeSessionCancel,
		protocol.TypeSessionSubscribe,
		protocol.TypeSessionInput,
		protocol.TypeSessionReplay,
		protocol.TypeHistoryRequest,
		protocol.TypeSync:
		return CommandPolicy{MaxRetries: 3, Queue: true}
	case protocol.TypeSessionUnsubscribe,
		protocol.TypeSessionResize:
		return CommandPolicy{MaxRetries: 1, Queue: false}
	default:
		return CommandPolicy{MaxRetries: 1, Queue: false}
	}
}

const (
	queueCapacity = 50
	queueEntryTTL = 60 * time.Second
	drainSpacing  = 100 * time.Millisecond
)

type queuedCommand struct {
	env      *protocol.Envelope
	payload  protocol.Payload
	queuedAt time.Time
}

// commandQueue is the bounded FIFO holding queueable commands issued while
// the client is not sendable. Overflow drops the oldest entry; expired
// entries are purged when popped.
type commandQueue struct {
	mu       sync.Mutex
	entries  []queuedCommand
	closed   bool
	draining bool
}

func newCommandQueue() *commandQueue {
	return &commandQueue{}
}

func (q *commandQueue) push(cmd queuedCommand) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if len(q.entries) >= queueCapacity {
		dropped := q.entries[0]
		q.entries = q.entries[1:]
		slog.Warn("command queue full, dropping oldest",
			"type", dropped.env.Type,
			"queued_at", dropped.queuedAt)
	}
	q.entries = append(q.entries, cmd)
	return nil
}

// pop returns the oldest unexpired entry, discarding expired ones.
func (q *commandQueue) pop(now time.Time) (queuedCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.entries) > 0 {
		cmd := q.entries[0]
		q.entries = q.entries[1:]
		if now.Sub(cmd.queuedAt) > queueEntryTTL {
			slog.Warn("dropping expired queued command", "type", cmd.env.Type)
			continue
		}
		return cmd, true
	}
	return queuedCommand{}, false
}

func (q *commandQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// cancelSession removes queued commands addressed to one session, whether
// the id rides on the envelope or inside the payload.
func (q *commandQueue) cancelSession(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	removed := 0
	for _, cmd := range q.entries {
		if queuedFor(cmd, sessionID) {
			removed++
			continue
		}
		kept = append(kept, cmd)
	}
	q.entries = kept
	return removed
}

func queuedFor(cmd queuedCommand, sessionID string) bool {
	if cmd.env.SessionID == sessionID {
		return true
	}
	if p, ok := cmd.payload.(*protocol.TerminateSessionPayload); ok && p.SessionID == sessionID {
		return true
	}
	return false
}

func (q *commandQueue) cancelAll() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	return n
}

// beginDrain claims the single-drainer slot.
func (q *commandQueue) beginDrain() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.draining || q.closed {
		return false
	}
	q.draining = true
	return true
}

func (q *commandQueue) endDrain() {
	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

func (q *commandQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.entries = nil
	q.mu.Unlock()
}

// Send delivers one command according to its type's policy: bounded write
// retries with exponential backoff while a sendable link exists, the
// transient queue when it does not. The returned result distinguishes the
// three outcomes; err is nil for SendSent and SendQueued.
func (c *Client) Send(ctx context.Context, env *protocol.Envelope, payload protocol.Payload) (SendResult, error) {
	return c.send(ctx, env, payload, PolicyFor(env.Type), true)
}

func (c *Client) send(ctx context.Context, env *protocol.Envelope, payload protocol.Payload, policy CommandPolicy, mayQueue bool) (SendResult, error) {
	data, err := protocol.Encode(env, payload)
	if err != nil {
		return SendFailed, err
	}
	enqueue := func() (SendResult, error) {
		if err := c.queue.push(queuedCommand{env: env, payload: payload, queuedAt: time.Now()}); err != nil {
			return SendFailed, err
		}
		slog.Debug("command queued", "type", env.Type, "depth", c.queue.len())
		return SendQueued, nil
	}
	for attempt := 0; ; attempt++ {
		conn := c.sendableConn()
		if conn == nil {
			if mayQueue && policy.Queue {
				return enqueue()
			}
			return SendFailed, ErrNotAuthenticated
		}
		werr := conn.Write(ctx, data)
		if werr == nil {
			return SendSent, nil
		}
		if ctx.Err() != nil {
			return SendFailed, ctx.Err()
		}
		slog.Debug("send attempt failed",
			"type", env.Type, "attempt", attempt, "error", werr)
		if attempt+1 >= policy.MaxRetries {
			if mayQueue && policy.Queue {
				return enqueue()
			}
			return SendFailed, errors.Join(ErrMaxRetries, werr)
		}
		if err := c.sendBackoff.Sleep(ctx, attempt); err != nil {
			return SendFailed, err
		}
	}
}

// drainQueue replays queued commands once the client becomes sendable.
// One drainer runs at a time; sends are spaced out so a reconnect does not
// burst fifty frames into a fresh link.
func (c *Client) drainQueue(ctx context.Context) {
	if !c.queue.beginDrain() {
		return
	}
	defer c.queue.endDrain()
	for {
		if ctx.Err() != nil {
			return
		}
		if !c.Status().State.Sendable() {
			return
		}
		cmd, ok := c.queue.pop(time.Now())
		if !ok {
			return
		}
		policy := PolicyFor(cmd.env.Type)
		if _, err := c.send(ctx, cmd.env, cmd.payload, policy, false); err != nil {
			slog.Warn("queued command dropped",
				"type", cmd.env.Type, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(drainSpacing):
		}
	}
}

// CancelPendingForSession discards queued commands addressed to sessionID
// and fails its pending acks. Used when the user closes a session view or
// the session terminates.
func (c *Client) CancelPendingForSession(sessionID string) int {
	return c.queue.cancelSession(sessionID)
}

// CancelAllPending empties the transient command queue.
func (c *Client) CancelAllPending() int {
	return c.queue.cancelAll()
}
