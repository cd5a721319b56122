// Package router implements the workstation's subscription and fan-out core.
//
// The router keeps the device↔session subscription graph, allocates the
// per-session sequence counter, appends output to the history layer and fans
// frames out to subscribed devices. It is the sole writer of sequence values:
// every sequenced frame a client ever sees was numbered here, under that
// session's lock, after the matching history write succeeded.
//
// Each attached device owns a bounded queue drained by one goroutine, so a
// slow or stalled client never blocks a broadcast. A device that lets its
// queue overflow is dropped and reported through the configured [DropFunc];
// reconnecting and re-subscribing yields a fresh snapshot, which is cheaper
// and simpler than per-device backpressure on the hot path.
//
// Lock order: a sessionState mutex is always acquired before the router
// mutex, never the other way around.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/internal/observe"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// DefaultQueueSize bounds one device's outbound queue. Overflow drops the
// device rather than stalling every other subscriber of the session.
const DefaultQueueSize = 256

// Router errors.
var (
	// ErrUnknownSession is returned for session ids the router is not
	// tracking, including sessions already terminated.
	ErrUnknownSession = errors.New("router: unknown session")

	// ErrUnknownDevice is returned when the target device is not attached.
	ErrUnknownDevice = errors.New("router: unknown device")

	// ErrInvalidEvent is returned by Broadcast for event types outside the
	// sequenced output set.
	ErrInvalidEvent = errors.New("router: invalid event type")
)

// Config configures a [Router].
type Config struct {
	// Store persists durable session logs and subscription edges. Must not
	// be nil.
	Store history.Store

	// Metrics receives broadcast and fan-out instrumentation. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// QueueSize bounds each device's outbound queue. Defaults to
	// [DefaultQueueSize] if zero or negative.
	QueueSize int

	// RingCapacity sizes the per-terminal frame ring. Defaults to
	// [history.DefaultRingCapacity].
	RingCapacity int

	// HistoryWindow is the number of recent messages included in a
	// subscription snapshot. Defaults to [history.DefaultHistoryPage],
	// capped at [history.MaxHistoryPage].
	HistoryWindow int

	// Audio resolves stored audio blob paths for durable records. Optional.
	Audio AudioPaths

	// OnDrop, when set, is invoked after a device has been dropped for
	// overflow or a failed send. It runs on its own goroutine, outside all
	// router locks.
	OnDrop DropFunc
}

// Router is the subscription and fan-out core. Safe for concurrent use.
type Router struct {
	store     history.Store
	metrics   *observe.Metrics
	queueSize int
	ringCap   int
	window    int
	audio     AudioPaths
	onDrop    DropFunc

	mu        sync.RWMutex
	devices   map[string]*device
	byDevice  map[string]map[string]struct{} // device id → subscribed session ids
	bySession map[string]map[string]struct{} // session id → subscribed device ids
	states    map[string]*sessionState
}

// sessionState serializes everything that must observe one session at a
// consistent instant: sequence allocation, the history append, streaming
// bookkeeping, snapshot assembly and the enqueue to subscribers.
type sessionState struct {
	mu   sync.Mutex
	id   string
	kind string

	seq       int64 // last allocated sequence
	seqLoaded bool  // seq recovered from the store

	executing   bool
	streamingID string
	blocks      []protocol.ContentBlock

	ring *history.Ring // terminal sessions only

	gone bool // set once, when the session terminates
}

func (st *sessionState) durable() bool {
	return st.kind != protocol.KindTerminal
}

// New creates a [Router].
func New(cfg Config) (*Router, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("router: nil store")
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	ringCap := cfg.RingCapacity
	if ringCap <= 0 {
		ringCap = history.DefaultRingCapacity
	}
	window := history.NormalizeHistoryLimit(cfg.HistoryWindow)

	return &Router{
		store:     cfg.Store,
		metrics:   metrics,
		queueSize: queueSize,
		ringCap:   ringCap,
		window:    window,
		audio:     cfg.Audio,
		onDrop:    cfg.OnDrop,
		devices:   make(map[string]*device),
		byDevice:  make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
		states:    make(map[string]*sessionState),
	}, nil
}

// Register starts tracking a session. Terminal sessions get a frame ring;
// everything else appends to the durable store. Idempotent.
func (r *Router) Register(sessionID, kind string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.states[sessionID]; ok {
		return
	}
	st := &sessionState{id: sessionID, kind: kind}
	if kind == protocol.KindTerminal {
		st.ring = history.NewRing(r.ringCap)
	}
	r.states[sessionID] = st
}

// state returns the tracked session or nil.
func (r *Router) state(sessionID string) *sessionState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[sessionID]
}

// ───────────────────────── devices ─────────────────────────

// AttachDevice registers a connected device and starts its fan-out pump.
// Attaching an id that is already attached is a takeover: the old pump stops
// and its in-memory subscriptions are discarded, while persisted subscription
// rows survive for [Router.RestoreSubscriptions].
func (r *Router) AttachDevice(deviceID string, sink Sink) {
	d := newDevice(deviceID, sink, r.queueSize)

	r.mu.Lock()
	old := r.devices[deviceID]
	if old != nil {
		old.stop()
		r.removeEdgesLocked(deviceID)
	}
	r.devices[deviceID] = d
	r.mu.Unlock()

	go r.pump(d)

	if old == nil {
		r.metrics.ConnectedDevices.Add(context.Background(), 1)
	}
	slog.Info("device attached", "device_id", deviceID, "takeover", old != nil)
}

// DetachDevice stops a device's pump and forgets its in-memory
// subscriptions. Persisted subscription rows are kept so a reconnect can
// restore them. Detaching an unknown device is a no-op.
func (r *Router) DetachDevice(deviceID string) {
	r.mu.Lock()
	d := r.devices[deviceID]
	if d == nil {
		r.mu.Unlock()
		return
	}
	d.stop()
	delete(r.devices, deviceID)
	removed := r.removeEdgesLocked(deviceID)
	r.mu.Unlock()

	ctx := context.Background()
	r.metrics.ConnectedDevices.Add(ctx, -1)
	if removed > 0 {
		r.metrics.ActiveSubscriptions.Add(ctx, -int64(removed))
	}
	slog.Info("device detached", "device_id", deviceID, "subscriptions", removed)
}

// removeEdgesLocked drops every in-memory subscription edge of a device and
// returns how many were removed. Callers must hold r.mu.
func (r *Router) removeEdgesLocked(deviceID string) int {
	sessions := r.byDevice[deviceID]
	for sessionID := range sessions {
		if devs := r.bySession[sessionID]; devs != nil {
			delete(devs, deviceID)
			if len(devs) == 0 {
				delete(r.bySession, sessionID)
			}
		}
	}
	delete(r.byDevice, deviceID)
	return len(sessions)
}

// ─────────────────────── subscriptions ───────────────────────

// Subscribe adds a device→session edge and queues the subscription snapshot:
// session metadata, the executing flag, a bounded recent-history window and
// the current streaming state, all read at one instant under the session
// lock. Any frame published after that instant lands on the device queue
// behind the snapshot, so the device never observes a gap or a mix of pre-
// and post-snapshot state.
//
// Re-subscribing is idempotent and re-sends the snapshot. The session
// metadata is caller-provided; the router does not track it.
func (r *Router) Subscribe(ctx context.Context, deviceID string, sess protocol.Session) error {
	st := r.state(sess.ID)
	if st == nil {
		return ErrUnknownSession
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gone {
		return ErrUnknownSession
	}

	snapshot := &protocol.SubscribedPayload{
		Session:                &sess,
		IsExecuting:            st.executing,
		StreamingMessageID:     st.streamingID,
		CurrentStreamingBlocks: protocol.CloneBlocks(st.blocks),
	}
	if st.durable() {
		msgs, hasMore, err := r.store.History(ctx, st.id, 0, r.window)
		if err != nil {
			return fmt.Errorf("router: subscribe %s: history window: %w", st.id, err)
		}
		snapshot.History = history.WireAll(msgs)
		snapshot.HasMore = hasMore
	} else {
		snapshot.History = ringMessages(st.id, st.ring.Snapshot())
	}
	if snapshot.History == nil {
		snapshot.History = []protocol.Message{}
	}

	r.mu.Lock()
	d := r.devices[deviceID]
	if d == nil {
		r.mu.Unlock()
		return ErrUnknownDevice
	}
	added := r.addEdgeLocked(deviceID, st.id)
	r.mu.Unlock()

	if added && st.kind != protocol.KindSupervisor {
		if err := r.store.SaveSubscription(ctx, deviceID, st.id); err != nil {
			slog.Warn("persist subscription failed", "device_id", deviceID, "session_id", st.id, "error", err)
		}
	}

	r.enqueue(d, &protocol.Envelope{
		Type:      protocol.TypeSessionSubscribed,
		ID:        uuid.NewString(),
		SessionID: st.id,
	}, snapshot)

	if added {
		r.metrics.ActiveSubscriptions.Add(ctx, 1)
	}
	r.metrics.RecordReplay(ctx, "subscribe")
	return nil
}

// addEdgeLocked inserts one subscription edge into both indices and reports
// whether it was new. Callers must hold r.mu.
func (r *Router) addEdgeLocked(deviceID, sessionID string) bool {
	if _, ok := r.byDevice[deviceID][sessionID]; ok {
		return false
	}
	if r.byDevice[deviceID] == nil {
		r.byDevice[deviceID] = make(map[string]struct{})
	}
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]struct{})
	}
	r.byDevice[deviceID][sessionID] = struct{}{}
	r.bySession[sessionID][deviceID] = struct{}{}
	return true
}

// Unsubscribe removes a device→session edge, in memory and from the store.
// Removing an edge that does not exist is a no-op.
func (r *Router) Unsubscribe(ctx context.Context, deviceID, sessionID string) error {
	r.mu.Lock()
	removed := false
	if sessions := r.byDevice[deviceID]; sessions != nil {
		if _, ok := sessions[sessionID]; ok {
			removed = true
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(r.byDevice, deviceID)
			}
			if devs := r.bySession[sessionID]; devs != nil {
				delete(devs, deviceID)
				if len(devs) == 0 {
					delete(r.bySession, sessionID)
				}
			}
		}
	}
	r.mu.Unlock()

	if err := r.store.DeleteSubscription(ctx, deviceID, sessionID); err != nil {
		slog.Warn("delete subscription failed", "device_id", deviceID, "session_id", sessionID, "error", err)
	}
	if removed {
		r.metrics.ActiveSubscriptions.Add(ctx, -1)
	}
	return nil
}

// RestoreSubscriptions re-adds a reconnecting device's persisted
// subscriptions and returns the restored session ids, oldest subscription
// first. Edges to sessions that died while the device was away are pruned
// from the store instead of restored. No snapshots are emitted: the client
// already holds state for these sessions and catches up via replay.
func (r *Router) RestoreSubscriptions(ctx context.Context, deviceID string) ([]string, error) {
	ids, err := r.store.SubscriptionsForDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("router: restore subscriptions for %s: %w", deviceID, err)
	}

	restored := make([]string, 0, len(ids))
	added := 0
	for _, sessionID := range ids {
		if r.state(sessionID) == nil {
			if err := r.store.DeleteSubscription(ctx, deviceID, sessionID); err != nil {
				slog.Warn("prune stale subscription failed", "device_id", deviceID, "session_id", sessionID, "error", err)
			}
			continue
		}
		r.mu.Lock()
		if r.devices[deviceID] == nil {
			r.mu.Unlock()
			return restored, ErrUnknownDevice
		}
		if r.addEdgeLocked(deviceID, sessionID) {
			added++
		}
		r.mu.Unlock()
		restored = append(restored, sessionID)
	}

	if added > 0 {
		r.metrics.ActiveSubscriptions.Add(ctx, int64(added))
	}
	return restored, nil
}

// IsSubscribed reports whether the device currently holds a subscription to
// the session. Supervisor traffic reaches every attached device, so every
// attached device counts as subscribed to it.
func (r *Router) IsSubscribed(deviceID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if st := r.states[sessionID]; st != nil && st.kind == protocol.KindSupervisor {
		return r.devices[deviceID] != nil
	}
	_, ok := r.byDevice[deviceID][sessionID]
	return ok
}

// SubscriptionsOf returns the session ids the device is subscribed to,
// sorted for determinism.
func (r *Router) SubscriptionsOf(deviceID string) []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byDevice[deviceID]))
	for sessionID := range r.byDevice[deviceID] {
		ids = append(ids, sessionID)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ──────────────────── session termination ────────────────────

// SessionTerminated announces a session's end to every attached device and
// tears down its routing state: the terminated frame is queued behind any
// in-flight output under the session lock, then subscriptions are dropped
// in memory and in the store. Code is set when termination was forced by an
// internal failure. Idempotent.
func (r *Router) SessionTerminated(ctx context.Context, sessionID, reason string, code protocol.ErrorCode) error {
	st := r.state(sessionID)
	if st == nil {
		return nil
	}

	st.mu.Lock()
	if st.gone {
		st.mu.Unlock()
		return nil
	}
	st.gone = true

	r.mu.Lock()
	targets := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		targets = append(targets, d)
	}
	subscribers := len(r.bySession[sessionID])
	for deviceID := range r.bySession[sessionID] {
		if sessions := r.byDevice[deviceID]; sessions != nil {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(r.byDevice, deviceID)
			}
		}
	}
	delete(r.bySession, sessionID)
	delete(r.states, sessionID)
	r.mu.Unlock()

	payload := &protocol.SessionTerminatedPayload{Reason: reason, Code: code}
	env := &protocol.Envelope{
		Type:      protocol.TypeSessionTerminated,
		ID:        uuid.NewString(),
		SessionID: sessionID,
	}
	for _, d := range targets {
		r.enqueue(d, env, payload)
	}
	st.mu.Unlock()

	if err := r.store.DeleteSubscriptionsForSession(ctx, sessionID); err != nil {
		slog.Warn("delete session subscriptions failed", "session_id", sessionID, "error", err)
	}
	if subscribers > 0 {
		r.metrics.ActiveSubscriptions.Add(ctx, -int64(subscribers))
	}
	return nil
}

// Close stops every device pump. The router must not be used afterwards.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.devices {
		d.stop()
	}
	r.devices = make(map[string]*device)
	r.byDevice = make(map[string]map[string]struct{})
	r.bySession = make(map[string]map[string]struct{})
}
