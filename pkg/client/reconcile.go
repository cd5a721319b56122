package client

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// Reconciler timing and bounds.
const (
	// gapTimeout is how long a sequence gap may stay open before buffered
	// frames are surfaced with a partial marker.
	gapTimeout = 2 * time.Second

	// ackTimeout is how long a sent user message waits for message.ack
	// before it is marked failed (and stays resendable).
	ackTimeout = 10 * time.Second

	// maxGapReplays bounds replay requests per open gap.
	maxGapReplays = 3
)

// LogEntry is one message in a client-side session log: the wire message
// plus the delivery flags the UI renders.
type LogEntry struct {
	protocol.Message

	// Pending marks a locally sent user message still awaiting message.ack.
	Pending bool

	// Failed marks a user message whose ack never came. The entry stays in
	// the log so the user can resend it.
	Failed bool

	// Partial marks an entry surfaced past an unfilled sequence gap.
	Partial bool
}

// LogInfo summarizes one session log beyond its entries.
type LogInfo struct {
	Executing          bool
	HasMore            bool
	OldestSequence     int64
	NewestSequence     int64
	StreamingMessageID string
}

type pendingAck struct {
	sessionID string
	sentAt    time.Time
}

type sessionLog struct {
	id      string
	entries []LogEntry
	byID    map[string]int

	// expected is the next sequence number due on the live feed; zero
	// until the first sequenced frame or history page arrives.
	expected int64

	// buffer holds frames received past a gap, keyed by sequence.
	buffer   map[int64]LogEntry
	gapSince time.Time
	gapTries int

	info LogInfo
}

type replayRequest struct {
	sessionID string
	since     int64
	limit     int64
}

// effects collects notifications raised under the lock and fired after it
// is released.
type effects struct {
	changed []string
	replays []replayRequest
}

func (e *effects) touch(sessionID string) {
	for _, id := range e.changed {
		if id == sessionID {
			return
		}
	}
	e.changed = append(e.changed, sessionID)
}

// Reconciler converges the session logs seen by this device with the
// workstation's durable ones. Frames may arrive live, replayed, paged or
// snapshotted, in any interleaving and more than once; the reconciler
// dedupes by message id, merges streaming updates, freezes completed
// records and fills sequence gaps via bounded replay.
type Reconciler struct {
	mu   sync.Mutex
	logs map[string]*sessionLog
	acks map[string]pendingAck

	// replay posts a session.replay request for a detected gap. Called
	// without the lock held; may be nil.
	replay func(sessionID string, sinceSeq, limit int64)

	// onChange reports that a session's log changed. Called without the
	// lock held; may be nil.
	onChange func(sessionID string)
}

func newReconciler(replay func(string, int64, int64), onChange func(string)) *Reconciler {
	return &Reconciler{
		logs:     make(map[string]*sessionLog),
		acks:     make(map[string]pendingAck),
		replay:   replay,
		onChange: onChange,
	}
}

func (r *Reconciler) fire(fx effects) {
	if r.onChange != nil {
		for _, id := range fx.changed {
			r.onChange(id)
		}
	}
	if r.replay != nil {
		for _, req := range fx.replays {
			r.replay(req.sessionID, req.since, req.limit)
		}
	}
}

func (r *Reconciler) logFor(sessionID string) *sessionLog {
	lg, ok := r.logs[sessionID]
	if !ok {
		lg = &sessionLog{
			id:     sessionID,
			byID:   make(map[string]int),
			buffer: make(map[int64]LogEntry),
		}
		r.logs[sessionID] = lg
	}
	return lg
}

// messageFrom converts one live streaming frame into a log message. The
// second return is false for frame types the reconciler does not track.
func messageFrom(env *protocol.Envelope, payload protocol.Payload) (protocol.Message, bool) {
	msg := protocol.Message{
		SessionID: env.SessionID,
		Sequence:  env.Sequence,
		Timestamp: env.Timestamp,
	}
	switch p := payload.(type) {
	case *protocol.OutputPayload:
		msg.ID = env.StreamingMessageID
		if msg.ID == "" {
			msg.ID = env.ID
		}
		msg.Role = p.Role
		if msg.Role == "" {
			msg.Role = protocol.RoleAssistant
		}
		msg.ContentType = p.ContentType
		msg.Content = p.Content
		msg.ContentBlocks = protocol.CloneBlocks(p.ContentBlocks)
		msg.IsComplete = env.IsComplete || env.StreamingMessageID == ""
	case *protocol.UserMessagePayload:
		msg.ID = p.MessageID
		msg.Role = protocol.RoleUser
		msg.ContentType = p.ContentType
		if msg.ContentType == "" {
			msg.ContentType = protocol.ContentText
		}
		msg.Content = p.Content
		msg.IsComplete = true
	case *protocol.TranscriptionPayload:
		msg.ID = p.MessageID
		msg.Role = protocol.RoleUser
		msg.ContentType = protocol.ContentTranscription
		msg.Content = p.Content
		msg.IsComplete = p.IsFinal
	case *protocol.VoiceOutputPayload:
		msg.ID = p.MessageID
		msg.Role = protocol.RoleAssistant
		msg.ContentType = protocol.ContentAudio
		msg.HasAudioOutput = p.HasAudio
		msg.IsComplete = true
	default:
		return msg, false
	}
	if msg.SessionID == "" {
		// supervisor frames may omit session_id
		msg.SessionID = protocol.SupervisorSessionID
	}
	return msg, true
}

// Apply ingests one live streaming frame.
func (r *Reconciler) Apply(env *protocol.Envelope, payload protocol.Payload) {
	msg, ok := messageFrom(env, payload)
	if !ok {
		return
	}
	var fx effects
	r.mu.Lock()
	lg := r.logFor(msg.SessionID)
	r.applySequenced(lg, LogEntry{Message: msg}, &fx)
	r.mu.Unlock()
	r.fire(fx)
}

// applySequenced routes one entry through gap detection. Frames without a
// sequence (local echoes, streaming states) bypass it.
func (r *Reconciler) applySequenced(lg *sessionLog, e LogEntry, fx *effects) {
	seq := e.Sequence
	switch {
	case seq == 0:
		r.upsertLocked(lg, e, fx)
	case lg.expected == 0:
		r.upsertLocked(lg, e, fx)
		lg.expected = seq + 1
	case seq < lg.expected:
		// duplicate or older frame, upsert is idempotent
		r.upsertLocked(lg, e, fx)
	case seq == lg.expected:
		r.upsertLocked(lg, e, fx)
		lg.expected++
		r.flushLocked(lg, fx)
	default:
		lg.buffer[seq] = e
		if lg.gapSince.IsZero() {
			lg.gapSince = time.Now()
		}
		if lg.gapTries < maxGapReplays {
			lg.gapTries++
			fx.replays = append(fx.replays, replayRequest{
				sessionID: lg.id,
				since:     lg.expected - 1,
				limit:     seq - lg.expected + 1,
			})
		}
	}
	if seq > lg.info.NewestSequence {
		lg.info.NewestSequence = seq
	}
	if seq > 0 && (lg.info.OldestSequence == 0 || seq < lg.info.OldestSequence) {
		lg.info.OldestSequence = seq
	}
}

// flushLocked drains buffered frames that have become contiguous.
func (r *Reconciler) flushLocked(lg *sessionLog, fx *effects) {
	for {
		e, ok := lg.buffer[lg.expected]
		if !ok {
			break
		}
		delete(lg.buffer, lg.expected)
		r.upsertLocked(lg, e, fx)
		lg.expected++
	}
	if len(lg.buffer) == 0 {
		lg.gapSince = time.Time{}
		lg.gapTries = 0
	}
}

// upsertLocked merges one entry into the log by message id. Completed
// records are frozen: only audio availability may still land on them.
func (r *Reconciler) upsertLocked(lg *sessionLog, e LogEntry, fx *effects) {
	if e.ID == "" {
		return
	}
	fx.touch(lg.id)
	i, ok := lg.byID[e.ID]
	if !ok {
		lg.byID[e.ID] = len(lg.entries)
		lg.entries = append(lg.entries, e)
		return
	}
	cur := &lg.entries[i]
	cur.HasAudioInput = cur.HasAudioInput || e.HasAudioInput
	cur.HasAudioOutput = cur.HasAudioOutput || e.HasAudioOutput
	if cur.IsComplete {
		return
	}
	if e.Sequence > 0 {
		cur.Sequence = e.Sequence
	}
	if e.Timestamp > 0 {
		cur.Timestamp = e.Timestamp
	}
	if e.Role != "" {
		cur.Role = e.Role
	}
	if e.ContentType != "" {
		cur.ContentType = e.ContentType
	}
	if e.Content != "" || len(e.ContentBlocks) > 0 {
		// the workstation owns block order; replace, never append
		cur.Content = e.Content
		cur.ContentBlocks = e.ContentBlocks
	}
	if e.IsComplete {
		cur.IsComplete = true
	}
	if e.Partial {
		cur.Partial = true
	}
}

// ApplyReplay ingests a session.replay.data page.
func (r *Reconciler) ApplyReplay(sessionID string, events []protocol.OutputEvent) {
	if sessionID == "" {
		sessionID = protocol.SupervisorSessionID
	}
	var fx effects
	r.mu.Lock()
	lg := r.logFor(sessionID)
	for _, ev := range events {
		e := LogEntry{Message: protocol.Message{
			ID:            ev.MessageID,
			SessionID:     sessionID,
			Sequence:      ev.Sequence,
			Role:          ev.Role,
			ContentType:   ev.ContentType,
			Content:       ev.Content,
			ContentBlocks: protocol.CloneBlocks(ev.ContentBlocks),
			IsComplete:    ev.IsComplete,
			Timestamp:     ev.Timestamp,
		}}
		if e.ID == "" {
			e.ID = ev.StreamingMessageID
		}
		if e.ID == "" {
			// terminal ring entries carry no ids; synthesize a stable one
			e.ID = fmt.Sprintf("%s#%d", sessionID, ev.Sequence)
		}
		if e.Role == "" {
			e.Role = protocol.RoleAssistant
		}
		r.upsertLocked(lg, e, &fx)
		if ev.Sequence >= lg.expected {
			lg.expected = ev.Sequence + 1
		}
		if ev.Sequence > lg.info.NewestSequence {
			lg.info.NewestSequence = ev.Sequence
		}
		if ev.Sequence > 0 && (lg.info.OldestSequence == 0 || ev.Sequence < lg.info.OldestSequence) {
			lg.info.OldestSequence = ev.Sequence
		}
	}
	r.flushLocked(lg, &fx)
	r.mu.Unlock()
	r.fire(fx)
}

// ApplyHistory ingests a history.response page plus its whole-log bounds.
func (r *Reconciler) ApplyHistory(sessionID string, p *protocol.HistoryResponsePayload) {
	if sessionID == "" {
		sessionID = protocol.SupervisorSessionID
	}
	var fx effects
	r.mu.Lock()
	lg := r.logFor(sessionID)
	for _, m := range p.History {
		r.upsertLocked(lg, LogEntry{Message: m}, &fx)
	}
	lg.info.Executing = p.IsExecuting
	lg.info.HasMore = p.HasMore
	if p.OldestSequence > 0 {
		lg.info.OldestSequence = p.OldestSequence
	}
	if p.NewestSequence > 0 {
		lg.info.NewestSequence = p.NewestSequence
		if p.NewestSequence >= lg.expected {
			lg.expected = p.NewestSequence + 1
		}
	}
	r.applyStreamingLocked(lg, p.StreamingMessageID, p.CurrentStreamingBlocks, &fx)
	r.flushLocked(lg, &fx)
	r.mu.Unlock()
	r.fire(fx)
}

// ApplySnapshot ingests the history snapshot attached to session.subscribed.
func (r *Reconciler) ApplySnapshot(sessionID string, p *protocol.SubscribedPayload) {
	if sessionID == "" && p.Session != nil {
		sessionID = p.Session.ID
	}
	if sessionID == "" {
		return
	}
	var fx effects
	r.mu.Lock()
	lg := r.logFor(sessionID)
	for _, m := range p.History {
		r.upsertLocked(lg, LogEntry{Message: m}, &fx)
		if m.Sequence >= lg.expected {
			lg.expected = m.Sequence + 1
		}
		if m.Sequence > lg.info.NewestSequence {
			lg.info.NewestSequence = m.Sequence
		}
	}
	lg.info.Executing = p.IsExecuting
	lg.info.HasMore = p.HasMore
	r.applyStreamingLocked(lg, p.StreamingMessageID, p.CurrentStreamingBlocks, &fx)
	r.flushLocked(lg, &fx)
	r.mu.Unlock()
	r.fire(fx)
}

// ApplySync ingests the supervisor portion of a sync.state snapshot.
func (r *Reconciler) ApplySync(p *protocol.SyncStatePayload) {
	var fx effects
	r.mu.Lock()
	lg := r.logFor(protocol.SupervisorSessionID)
	for _, m := range p.SupervisorHistory {
		r.upsertLocked(lg, LogEntry{Message: m}, &fx)
		if m.Sequence >= lg.expected {
			lg.expected = m.Sequence + 1
		}
		if m.Sequence > lg.info.NewestSequence {
			lg.info.NewestSequence = m.Sequence
		}
	}
	for _, st := range p.Streaming {
		slg := r.logFor(st.SessionID)
		r.applyStreamingLocked(slg, st.StreamingMessageID, st.ContentBlocks, &fx)
	}
	r.flushLocked(lg, &fx)
	r.mu.Unlock()
	r.fire(fx)
}

// applyStreamingLocked converges an in-progress assistant message reported
// by a snapshot. A later completed record for the same id wins.
func (r *Reconciler) applyStreamingLocked(lg *sessionLog, streamingID string, blocks []protocol.ContentBlock, fx *effects) {
	lg.info.StreamingMessageID = streamingID
	if streamingID == "" {
		return
	}
	r.upsertLocked(lg, LogEntry{Message: protocol.Message{
		ID:            streamingID,
		SessionID:     lg.id,
		Role:          protocol.RoleAssistant,
		ContentType:   protocol.ContentText,
		ContentBlocks: protocol.CloneBlocks(blocks),
	}}, fx)
}

// TrackPending records a locally sent user message awaiting message.ack so
// the UI can render it immediately.
func (r *Reconciler) TrackPending(sessionID, messageID, content string) {
	if sessionID == "" {
		sessionID = protocol.SupervisorSessionID
	}
	var fx effects
	r.mu.Lock()
	lg := r.logFor(sessionID)
	r.upsertLocked(lg, LogEntry{
		Message: protocol.Message{
			ID:          messageID,
			SessionID:   sessionID,
			Role:        protocol.RoleUser,
			ContentType: protocol.ContentText,
			Content:     content,
			Timestamp:   protocol.Now(),
		},
		Pending: true,
	}, &fx)
	r.acks[messageID] = pendingAck{sessionID: sessionID, sentAt: time.Now()}
	r.mu.Unlock()
	r.fire(fx)
}

// Ack resolves a pending user message.
func (r *Reconciler) Ack(messageID string) {
	var fx effects
	r.mu.Lock()
	if ack, ok := r.acks[messageID]; ok {
		delete(r.acks, messageID)
		if lg := r.logs[ack.sessionID]; lg != nil {
			if i, ok := lg.byID[messageID]; ok {
				lg.entries[i].Pending = false
				lg.entries[i].Failed = false
				fx.touch(ack.sessionID)
			}
		}
	}
	r.mu.Unlock()
	r.fire(fx)
}

// FailPending marks a tracked user message failed immediately, without
// waiting for the ack timeout. Used when the send itself failed.
func (r *Reconciler) FailPending(messageID string) {
	var fx effects
	r.mu.Lock()
	if ack, ok := r.acks[messageID]; ok {
		delete(r.acks, messageID)
		if lg := r.logs[ack.sessionID]; lg != nil {
			if i, ok := lg.byID[messageID]; ok {
				lg.entries[i].Pending = false
				lg.entries[i].Failed = true
				fx.touch(ack.sessionID)
			}
		}
	}
	r.mu.Unlock()
	r.fire(fx)
}

// Tick advances the reconciler's timers: gaps open past gapTimeout surface
// their buffered frames with a partial marker, and pending user messages
// past ackTimeout become failed-but-resendable.
func (r *Reconciler) Tick(now time.Time) {
	var fx effects
	r.mu.Lock()
	for _, lg := range r.logs {
		if lg.gapSince.IsZero() || now.Sub(lg.gapSince) < gapTimeout || len(lg.buffer) == 0 {
			continue
		}
		seqs := make([]int64, 0, len(lg.buffer))
		for seq := range lg.buffer {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			e := lg.buffer[seq]
			delete(lg.buffer, seq)
			e.Partial = true
			r.upsertLocked(lg, e, &fx)
			if seq >= lg.expected {
				lg.expected = seq + 1
			}
		}
		lg.gapSince = time.Time{}
		lg.gapTries = 0
	}
	for messageID, ack := range r.acks {
		if now.Sub(ack.sentAt) < ackTimeout {
			continue
		}
		delete(r.acks, messageID)
		if lg := r.logs[ack.sessionID]; lg != nil {
			if i, ok := lg.byID[messageID]; ok {
				lg.entries[i].Pending = false
				lg.entries[i].Failed = true
				fx.touch(ack.sessionID)
			}
		}
	}
	r.mu.Unlock()
	r.fire(fx)
}

// Log returns a copy of one session's log ordered by sequence, with
// unsequenced entries (pending local echoes) last in arrival order.
func (r *Reconciler) Log(sessionID string) []LogEntry {
	r.mu.Lock()
	var out []LogEntry
	if lg, ok := r.logs[sessionID]; ok {
		out = append(out, lg.entries...)
	}
	r.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Sequence, out[j].Sequence
		if si == 0 || sj == 0 {
			return si != 0 && sj == 0
		}
		return si < sj
	})
	return out
}

// Info returns the paging and execution summary of one session's log.
func (r *Reconciler) Info(sessionID string) LogInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	if lg, ok := r.logs[sessionID]; ok {
		return lg.info
	}
	return LogInfo{}
}

// Forget drops one session's log, typically after termination.
func (r *Reconciler) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.logs, sessionID)
	for id, ack := range r.acks {
		if ack.sessionID == sessionID {
			delete(r.acks, id)
		}
	}
	r.mu.Unlock()
}
