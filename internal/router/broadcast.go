package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/internal/observe"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// AudioPaths resolves stored audio blob locations so durable records can
// advertise blob presence. Implementations return "" when no blob exists.
// Wired to the audio store; nil disables path resolution.
type AudioPaths interface {
	InputPath(sessionID, messageID string) string
	OutputPath(sessionID, messageID string) string
}

// sequenced is the closed set of output types that consume a session
// sequence number. Everything else either answers a single device or fans
// out unsequenced through NotifyAll / NotifySession.
var sequenced = map[string]bool{
	protocol.TypeSessionOutput:           true,
	protocol.TypeSupervisorOutput:        true,
	protocol.TypeSessionUserMessage:      true,
	protocol.TypeSupervisorUserMessage:   true,
	protocol.TypeSessionTranscription:    true,
	protocol.TypeSupervisorTranscription: true,
	protocol.TypeSessionVoiceOutput:      true,
	protocol.TypeSupervisorVoiceOutput:   true,
}

// Broadcast numbers one output event and delivers it to the session's
// subscribers. Under the session lock it allocates the next sequence,
// appends to the durable log (or the terminal ring) and enqueues the frame
// to every subscriber, so concurrent broadcasts of one session serialize
// and every device observes the same gapless order. The sequence is only
// consumed once the history write succeeded; a failed write leaves no gap.
//
// env.SessionID selects the session. env.ID is generated when empty;
// Sequence and Timestamp are always stamped here.
func (r *Router) Broadcast(ctx context.Context, env *protocol.Envelope, payload protocol.Payload) error {
	start := time.Now()
	if !sequenced[env.Type] {
		return fmt.Errorf("%w: %s", ErrInvalidEvent, env.Type)
	}
	st := r.state(env.SessionID)
	if st == nil {
		return ErrUnknownSession
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gone {
		return ErrUnknownSession
	}
	if err := r.ensureSeqLocked(ctx, st); err != nil {
		return err
	}

	seq := st.seq + 1
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.Sequence = seq
	env.Timestamp = protocol.Now()

	if st.durable() {
		rec, err := r.record(ctx, st, env, payload)
		if err != nil {
			return err
		}
		if err := r.store.UpsertMessage(ctx, rec); err != nil {
			return fmt.Errorf("router: broadcast %s seq %d: %w", st.id, seq, err)
		}
	} else if out, ok := payload.(*protocol.OutputPayload); ok {
		st.ring.Append(history.RingEntry{
			Sequence:  seq,
			Timestamp: time.UnixMilli(env.Timestamp),
			Data:      out.Content,
		})
	}
	st.seq = seq

	// Streaming bookkeeping feeds late-subscriber snapshots and sync.state.
	if env.StreamingMessageID != "" {
		if env.IsComplete {
			if st.streamingID == env.StreamingMessageID {
				st.streamingID = ""
				st.blocks = nil
			}
		} else {
			st.streamingID = env.StreamingMessageID
			if out, ok := payload.(*protocol.OutputPayload); ok {
				st.blocks = protocol.CloneBlocks(out.ContentBlocks)
			}
		}
	}

	r.mu.RLock()
	targets := r.targetsLocked(st)
	r.mu.RUnlock()
	for _, d := range targets {
		r.enqueue(d, env, payload)
	}

	r.metrics.RecordEventPublished(ctx, st.kind)
	r.metrics.BroadcastDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("kind", st.kind)))
	return nil
}

// ensureSeqLocked recovers the sequence counter from the durable log the
// first time a session broadcasts after a router restart, so restarts never
// reissue sequence values.
func (r *Router) ensureSeqLocked(ctx context.Context, st *sessionState) error {
	if st.seqLoaded {
		return nil
	}
	if st.durable() {
		last, err := r.store.LatestSequence(ctx, st.id)
		if err != nil {
			return fmt.Errorf("router: recover sequence for %s: %w", st.id, err)
		}
		if last > st.seq {
			st.seq = last
		}
	}
	st.seqLoaded = true
	return nil
}

// record shapes the durable log entry for one sequenced event. Must be
// called with st.mu held.
func (r *Router) record(ctx context.Context, st *sessionState, env *protocol.Envelope, payload protocol.Payload) (history.Message, error) {
	rec := history.Message{
		SessionID: st.id,
		Sequence:  env.Sequence,
		CreatedAt: time.UnixMilli(env.Timestamp),
	}

	switch p := payload.(type) {
	case *protocol.OutputPayload:
		rec.ID = env.StreamingMessageID
		if rec.ID == "" {
			rec.ID = env.ID
		}
		rec.Role = p.Role
		if rec.Role == "" {
			rec.Role = protocol.RoleAssistant
		}
		rec.ContentType = p.ContentType
		rec.Content = p.Content
		rec.Blocks = protocol.CloneBlocks(p.ContentBlocks)
		rec.IsComplete = env.IsComplete || env.StreamingMessageID == ""

	case *protocol.UserMessagePayload:
		rec.ID = p.MessageID
		rec.Role = protocol.RoleUser
		rec.ContentType = p.ContentType
		if rec.ContentType == "" {
			rec.ContentType = protocol.ContentText
		}
		rec.Content = p.Content
		rec.IsComplete = true

	case *protocol.TranscriptionPayload:
		rec.ID = p.MessageID
		rec.Role = protocol.RoleUser
		rec.ContentType = protocol.ContentTranscription
		rec.Content = p.Content
		rec.IsComplete = p.IsFinal

	case *protocol.VoiceOutputPayload:
		// Re-stamps the spoken message so replay-since picks it up with its
		// audio flags. A record frozen before the blob landed keeps its
		// stored flags; live subscribers saw the event either way.
		existing, err := r.store.Message(ctx, p.MessageID)
		switch {
		case err == nil:
			rec = existing
			rec.Sequence = env.Sequence
		case errors.Is(err, history.ErrNotFound):
			rec.ID = p.MessageID
			rec.Role = protocol.RoleAssistant
			rec.ContentType = protocol.ContentAudio
		default:
			return rec, fmt.Errorf("router: voice output %s: %w", p.MessageID, err)
		}

	default:
		return rec, fmt.Errorf("%w: %s payload %T", ErrInvalidEvent, env.Type, payload)
	}

	if r.audio != nil {
		if path := r.audio.InputPath(st.id, rec.ID); path != "" {
			rec.AudioInputPath = path
		}
		if path := r.audio.OutputPath(st.id, rec.ID); path != "" {
			rec.AudioOutputPath = path
		}
	}
	return rec, nil
}

// targetsLocked returns the devices one session's frames go to. Supervisor
// traffic reaches every attached device. Callers must hold r.mu.
func (r *Router) targetsLocked(st *sessionState) []*device {
	if st.kind == protocol.KindSupervisor {
		all := make([]*device, 0, len(r.devices))
		for _, d := range r.devices {
			all = append(all, d)
		}
		return all
	}
	subs := r.bySession[st.id]
	targets := make([]*device, 0, len(subs))
	for id := range subs {
		if d := r.devices[id]; d != nil {
			targets = append(targets, d)
		}
	}
	return targets
}

// ──────────────────── unsequenced fan-out ────────────────────

// NotifyAll delivers one unsequenced frame to every attached device. Used
// for lifecycle announcements every client must see regardless of
// subscriptions, like session.created.
func (r *Router) NotifyAll(env *protocol.Envelope, payload protocol.Payload) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	r.mu.RLock()
	targets := make([]*device, 0, len(r.devices))
	for _, d := range r.devices {
		targets = append(targets, d)
	}
	r.mu.RUnlock()
	for _, d := range targets {
		r.enqueue(d, env, payload)
	}
}

// NotifySession delivers one unsequenced frame to the session's
// subscribers. Used for ephemeral events that are not part of the ordered
// log, like session.resized and supervisor.context_cleared.
func (r *Router) NotifySession(env *protocol.Envelope, payload protocol.Payload) error {
	st := r.state(env.SessionID)
	if st == nil {
		return ErrUnknownSession
	}
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	r.mu.RLock()
	targets := r.targetsLocked(st)
	r.mu.RUnlock()
	for _, d := range targets {
		r.enqueue(d, env, payload)
	}
	return nil
}

// ───────────────────────── replay ─────────────────────────

// Replay answers one session.replay request: sequenced events after the
// query's range start, oldest first, queued to the requesting device so
// they order consistently with any live frames that follow. Terminal
// sessions replay from the ring; a range start predating the ring's oldest
// frame returns what the ring still holds.
func (r *Router) Replay(ctx context.Context, deviceID, sessionID string, q history.ReplayQuery) error {
	st := r.state(sessionID)
	if st == nil {
		return ErrUnknownSession
	}
	r.mu.RLock()
	d := r.devices[deviceID]
	r.mu.RUnlock()
	if d == nil {
		return ErrUnknownDevice
	}

	limit := history.NormalizeReplayLimit(q.Limit)
	var events []protocol.OutputEvent
	if st.durable() {
		msgs, err := r.store.Replay(ctx, sessionID, q)
		if err != nil {
			return fmt.Errorf("router: replay %s: %w", sessionID, err)
		}
		events = recordEvents(msgs)
	} else {
		var entries []history.RingEntry
		if q.SinceSequence == 0 && !q.SinceTimestamp.IsZero() {
			entries = st.ring.SinceTime(q.SinceTimestamp, limit)
		} else {
			entries = st.ring.Since(q.SinceSequence, limit)
		}
		events = ringEvents(entries)
	}

	st.mu.Lock()
	last := st.seq
	st.mu.Unlock()
	hasMore := len(events) == limit && len(events) > 0 &&
		events[len(events)-1].Sequence < last

	r.enqueue(d, &protocol.Envelope{
		Type:      protocol.TypeSessionReplayData,
		ID:        uuid.NewString(),
		SessionID: sessionID,
	}, &protocol.ReplayDataPayload{Events: events, HasMore: hasMore})

	r.metrics.RecordReplay(ctx, "replay")
	return nil
}

// History answers one history.request: a page of the session's log strictly
// before beforeSeq (or the newest page when beforeSeq is zero), oldest first
// within the page, together with the session's sequence bounds and live
// streaming state, read at one instant. The response is queued to the
// requesting device. Terminal sessions page from the ring.
func (r *Router) History(ctx context.Context, deviceID, sessionID string, beforeSeq int64, limit int) error {
	st := r.state(sessionID)
	if st == nil {
		return ErrUnknownSession
	}
	r.mu.RLock()
	d := r.devices[deviceID]
	r.mu.RUnlock()
	if d == nil {
		return ErrUnknownDevice
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.gone {
		return ErrUnknownSession
	}

	resp := &protocol.HistoryResponsePayload{
		IsExecuting:            st.executing,
		StreamingMessageID:     st.streamingID,
		CurrentStreamingBlocks: protocol.CloneBlocks(st.blocks),
	}
	if st.durable() {
		msgs, hasMore, err := r.store.History(ctx, sessionID, beforeSeq, limit)
		if err != nil {
			return fmt.Errorf("router: history %s: %w", sessionID, err)
		}
		oldest, newest, err := r.store.SequenceBounds(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("router: history %s: bounds: %w", sessionID, err)
		}
		resp.History = history.WireAll(msgs)
		resp.HasMore = hasMore
		resp.OldestSequence = oldest
		resp.NewestSequence = newest
	} else {
		page, hasMore := ringPage(st.ring.Snapshot(), beforeSeq, limit)
		resp.History = ringMessages(sessionID, page)
		resp.HasMore = hasMore
		resp.OldestSequence = st.ring.OldestSequence()
		resp.NewestSequence = st.seq
	}
	if resp.History == nil {
		resp.History = []protocol.Message{}
	}

	r.enqueue(d, &protocol.Envelope{
		Type:      protocol.TypeHistoryResponse,
		ID:        uuid.NewString(),
		SessionID: sessionID,
	}, resp)

	r.metrics.RecordReplay(ctx, "history")
	return nil
}

// ringPage pages ring entries the way the durable log pages: the newest
// limit entries strictly before beforeSeq, still oldest first.
func ringPage(entries []history.RingEntry, beforeSeq int64, limit int) (page []history.RingEntry, hasMore bool) {
	if beforeSeq > 0 {
		cut := len(entries)
		for cut > 0 && entries[cut-1].Sequence >= beforeSeq {
			cut--
		}
		entries = entries[:cut]
	}
	limit = history.NormalizeHistoryLimit(limit)
	if len(entries) > limit {
		return entries[len(entries)-limit:], true
	}
	return entries, false
}

// ─────────────────────── sync snapshots ───────────────────────

// SetExecuting records whether the session is mid-execution, for
// subscription snapshots. Wired to the registry's execution events.
func (r *Router) SetExecuting(sessionID string, executing bool) {
	if st := r.state(sessionID); st != nil {
		st.mu.Lock()
		st.executing = executing
		st.mu.Unlock()
	}
}

// StreamingStates reports every session with an in-progress assistant
// message, sorted by session id, for sync.state assembly.
func (r *Router) StreamingStates() []protocol.StreamingState {
	r.mu.RLock()
	sts := make([]*sessionState, 0, len(r.states))
	for _, st := range r.states {
		sts = append(sts, st)
	}
	r.mu.RUnlock()

	out := make([]protocol.StreamingState, 0, len(sts))
	for _, st := range sts {
		st.mu.Lock()
		if !st.gone && st.streamingID != "" {
			out = append(out, protocol.StreamingState{
				SessionID:          st.id,
				StreamingMessageID: st.streamingID,
				ContentBlocks:      protocol.CloneBlocks(st.blocks),
			})
		}
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out
}

// ─────────────────────── conversions ───────────────────────

// ringMessages converts raw terminal frames to wire messages for a
// subscription snapshot. Frame ids are synthesized; the ring stores none.
func ringMessages(sessionID string, entries []history.RingEntry) []protocol.Message {
	out := make([]protocol.Message, len(entries))
	for i, e := range entries {
		out[i] = protocol.Message{
			ID:          fmt.Sprintf("%s-%d", sessionID, e.Sequence),
			SessionID:   sessionID,
			Sequence:    e.Sequence,
			ContentType: protocol.ContentText,
			Content:     e.Data,
			IsComplete:  true,
			Timestamp:   e.Timestamp.UnixMilli(),
		}
	}
	return out
}

// ringEvents converts raw terminal frames to replay events.
func ringEvents(entries []history.RingEntry) []protocol.OutputEvent {
	out := make([]protocol.OutputEvent, len(entries))
	for i, e := range entries {
		out[i] = protocol.OutputEvent{
			Sequence:    e.Sequence,
			Timestamp:   e.Timestamp.UnixMilli(),
			ContentType: protocol.ContentText,
			Content:     e.Data,
			IsComplete:  true,
		}
	}
	return out
}

// recordEvents converts durable records to replay events. Incomplete
// records keep their streaming id so clients merge them into the in-flight
// entry instead of duplicating it.
func recordEvents(msgs []history.Message) []protocol.OutputEvent {
	out := make([]protocol.OutputEvent, len(msgs))
	for i, m := range msgs {
		ev := protocol.OutputEvent{
			Sequence:      m.Sequence,
			MessageID:     m.ID,
			IsComplete:    m.IsComplete,
			Timestamp:     m.CreatedAt.UnixMilli(),
			Role:          m.Role,
			ContentType:   m.ContentType,
			Content:       m.Content,
			ContentBlocks: protocol.CloneBlocks(m.Blocks),
		}
		if !m.IsComplete {
			ev.StreamingMessageID = m.ID
		}
		out[i] = ev
	}
	return out
}
