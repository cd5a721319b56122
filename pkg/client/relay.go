package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// Peer is the local channel between a phone and its paired watch. It is
// platform provided (watch connectivity session, bluetooth socket, test
// pipe); the relay never dials it. Write must be safe for concurrent use;
// Read is called from one goroutine.
type Peer interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
}

// RelayHost runs on the phone and lends its backbone connection to the
// watch. Watch traffic arrives wrapped in relay.message and is forwarded
// as the phone's own; every inbound backbone frame is mirrored back as
// relay.response; connection state changes are pushed as
// relay.connectionState.
type RelayHost struct {
	client *Client
	peer   Peer
}

// NewRelayHost pairs a running client with a watch peer channel.
func NewRelayHost(c *Client, peer Peer) *RelayHost {
	return &RelayHost{client: c, peer: peer}
}

// Run serves the relay until ctx is cancelled, the peer disconnects or the
// watch sends relay.disconnect. The backbone connection outlives it.
func (h *RelayHost) Run(ctx context.Context) error {
	detachState := h.client.OnState(func(st Status) {
		h.writeState(ctx, st)
	})
	defer detachState()
	detachTap := h.client.onFrame(func(data []byte) {
		h.mirror(ctx, data)
	})
	defer detachTap()

	h.writeState(ctx, h.client.Status())

	for {
		data, err := h.peer.Read(ctx)
		if err != nil {
			return err
		}
		env, payload, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("relay: dropping undecodable watch frame", "error", err)
			continue
		}
		switch p := payload.(type) {
		case *protocol.RelayMessagePayload:
			if env.Type == protocol.TypeRelayMessage {
				h.forward(ctx, p)
			}
		case *protocol.EmptyPayload:
			switch env.Type {
			case protocol.TypeRelayConnect:
				h.writeState(ctx, h.client.Status())
			case protocol.TypeRelayDisconnect:
				return nil
			case protocol.TypeRelaySync:
				go func() {
					if _, err := h.client.RequestSync(ctx, false); err != nil {
						slog.Warn("relay: sync on behalf of watch failed", "error", err)
					}
				}()
			}
		default:
			slog.Debug("relay: ignoring watch frame", "type", env.Type)
		}
	}
}

// forward unwraps one watch command and sends it as the phone's own
// traffic. The send runs apart from the peer loop so sender retries never
// stall the watch channel.
func (h *RelayHost) forward(ctx context.Context, p *protocol.RelayMessagePayload) {
	env, payload, err := protocol.Decode(p.Payload)
	if err != nil {
		slog.Warn("relay: dropping undecodable relayed frame", "error", err)
		return
	}
	// the backbone must see exactly one device identity
	env.DeviceID = ""
	go func() {
		if _, err := h.client.Send(ctx, env, payload); err != nil {
			slog.Warn("relay: forward failed", "type", env.Type, "error", err)
		}
	}()
}

func (h *RelayHost) mirror(ctx context.Context, raw []byte) {
	data, err := protocol.Encode(
		&protocol.Envelope{Type: protocol.TypeRelayResponse, ID: newID()},
		&protocol.RelayMessagePayload{Payload: json.RawMessage(raw)})
	if err != nil {
		return
	}
	if err := h.peer.Write(ctx, data); err != nil {
		slog.Debug("relay: mirror write failed", "error", err)
	}
}

func (h *RelayHost) writeState(ctx context.Context, st Status) {
	p := &protocol.RelayConnectionStatePayload{
		IsConnected:       st.State.Connected(),
		WorkstationOnline: st.WorkstationOnline,
	}
	if st.Err != nil {
		p.Error = st.Err.Error()
	}
	data, err := protocol.Encode(
		&protocol.Envelope{Type: protocol.TypeRelayConnectionState, ID: newID()}, p)
	if err != nil {
		return
	}
	if err := h.peer.Write(ctx, data); err != nil {
		slog.Debug("relay: state write failed", "error", err)
	}
}

// RelayClient runs on the watch. It speaks only the relay frames on the
// peer channel, reconciles the mirrored backbone traffic into session logs
// and exposes the phone's connection state.
type RelayClient struct {
	peer Peer
	rec  *Reconciler

	mu           sync.Mutex
	state        protocol.RelayConnectionStatePayload
	sessions     map[string]protocol.Session
	observers    map[int]func(protocol.RelayConnectionStatePayload)
	logObservers map[int]func(string)
	nextObserver int
}

// NewRelayClient builds a watch-side client over a peer channel.
func NewRelayClient(peer Peer) *RelayClient {
	rc := &RelayClient{
		peer:         peer,
		sessions:     make(map[string]protocol.Session),
		observers:    make(map[int]func(protocol.RelayConnectionStatePayload)),
		logObservers: make(map[int]func(string)),
	}
	rc.rec = newReconciler(rc.gapReplay, rc.notifyLog)
	return rc
}

// Run announces the watch to the phone and serves mirrored traffic until
// ctx is cancelled or the peer disconnects.
func (rc *RelayClient) Run(ctx context.Context) error {
	if err := rc.write(ctx, &protocol.Envelope{Type: protocol.TypeRelayConnect, ID: newID()}, &protocol.EmptyPayload{}); err != nil {
		return err
	}
	for {
		data, err := rc.peer.Read(ctx)
		if err != nil {
			return err
		}
		env, payload, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("relay: dropping undecodable phone frame", "error", err)
			continue
		}
		switch p := payload.(type) {
		case *protocol.RelayMessagePayload:
			if env.Type == protocol.TypeRelayResponse {
				rc.applyMirrored(p.Payload)
			}
		case *protocol.RelayConnectionStatePayload:
			rc.setState(*p)
		case *protocol.EmptyPayload:
			if env.Type == protocol.TypeRelayDisconnect {
				return nil
			}
		default:
			slog.Debug("relay: ignoring phone frame", "type", env.Type)
		}
	}
}

// applyMirrored routes one mirrored backbone frame into the watch's state.
func (rc *RelayClient) applyMirrored(raw json.RawMessage) {
	env, payload, err := protocol.Decode(raw)
	if err != nil {
		slog.Debug("relay: dropping undecodable mirrored frame", "error", err)
		return
	}
	switch p := payload.(type) {
	case *protocol.OutputPayload, *protocol.UserMessagePayload,
		*protocol.TranscriptionPayload, *protocol.VoiceOutputPayload:
		rc.rec.Apply(env, payload)
	case *protocol.ReplayDataPayload:
		rc.rec.ApplyReplay(env.SessionID, p.Events)
	case *protocol.HistoryResponsePayload:
		rc.rec.ApplyHistory(env.SessionID, p)
	case *protocol.SubscribedPayload:
		if p.Session != nil {
			rc.upsertSession(*p.Session)
		}
		rc.rec.ApplySnapshot(env.SessionID, p)
	case *protocol.SyncStatePayload:
		rc.mu.Lock()
		rc.sessions = make(map[string]protocol.Session, len(p.Sessions))
		for _, s := range p.Sessions {
			rc.sessions[s.ID] = s
		}
		rc.mu.Unlock()
		rc.rec.ApplySync(p)
	case *protocol.MessageAckPayload:
		rc.rec.Ack(p.MessageID)
	case *protocol.SessionCreatedPayload:
		rc.upsertSession(p.Session)
	case *protocol.SessionTerminatedPayload:
		rc.mu.Lock()
		delete(rc.sessions, env.SessionID)
		rc.mu.Unlock()
	case *protocol.SessionsPayload:
		rc.mu.Lock()
		for _, s := range p.Sessions {
			rc.sessions[s.ID] = s
		}
		rc.mu.Unlock()
	}
}

// Send wraps one backbone command in relay.message for the phone to
// forward.
func (rc *RelayClient) Send(ctx context.Context, env *protocol.Envelope, payload protocol.Payload) error {
	inner, err := protocol.Encode(env, payload)
	if err != nil {
		return err
	}
	return rc.write(ctx,
		&protocol.Envelope{Type: protocol.TypeRelayMessage, ID: newID()},
		&protocol.RelayMessagePayload{Payload: inner})
}

func (rc *RelayClient) write(ctx context.Context, env *protocol.Envelope, payload protocol.Payload) error {
	data, err := protocol.Encode(env, payload)
	if err != nil {
		return err
	}
	return rc.peer.Write(ctx, data)
}

// SupervisorCommand relays one supervisor command, tracked as pending in
// the supervisor log until its mirrored ack arrives.
func (rc *RelayClient) SupervisorCommand(ctx context.Context, content string) (string, error) {
	messageID := newID()
	rc.rec.TrackPending(protocol.SupervisorSessionID, messageID, content)
	err := rc.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSupervisorCommand, ID: newID()},
		&protocol.SupervisorCommandPayload{Content: content, MessageID: messageID})
	if err != nil {
		rc.rec.FailPending(messageID)
	}
	return messageID, err
}

// Execute relays one prompt to an agent session.
func (rc *RelayClient) Execute(ctx context.Context, sessionID, content string) (string, error) {
	messageID := newID()
	rc.rec.TrackPending(sessionID, messageID, content)
	err := rc.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionExecute, ID: newID(), SessionID: sessionID},
		&protocol.ExecutePayload{Content: content, MessageID: messageID})
	if err != nil {
		rc.rec.FailPending(messageID)
	}
	return messageID, err
}

// CancelSupervisor relays an interrupt for the running supervisor command.
func (rc *RelayClient) CancelSupervisor(ctx context.Context) error {
	return rc.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSupervisorCancel, ID: newID()},
		&protocol.EmptyPayload{})
}

// Subscribe relays a subscription; the feed arrives mirrored since watch
// and phone share one device identity.
func (rc *RelayClient) Subscribe(ctx context.Context, sessionID string) error {
	return rc.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionSubscribe, ID: newID(), SessionID: sessionID},
		&protocol.EmptyPayload{})
}

// Unsubscribe relays a subscription removal.
func (rc *RelayClient) Unsubscribe(ctx context.Context, sessionID string) error {
	return rc.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionUnsubscribe, ID: newID(), SessionID: sessionID},
		&protocol.EmptyPayload{})
}

// RequestHistory relays a history page request.
func (rc *RelayClient) RequestHistory(ctx context.Context, sessionID string, beforeSeq int64, limit int) error {
	return rc.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeHistoryRequest, ID: newID(), SessionID: sessionID},
		&protocol.HistoryRequestPayload{BeforeSequence: beforeSeq, Limit: limit})
}

// Sync asks the phone to refresh the mirrored snapshot.
func (rc *RelayClient) Sync(ctx context.Context) error {
	return rc.write(ctx, &protocol.Envelope{Type: protocol.TypeRelaySync, ID: newID()}, &protocol.EmptyPayload{})
}

// Disconnect ends the relay session; the phone keeps its backbone
// connection.
func (rc *RelayClient) Disconnect(ctx context.Context) error {
	return rc.write(ctx, &protocol.Envelope{Type: protocol.TypeRelayDisconnect, ID: newID()}, &protocol.EmptyPayload{})
}

// gapReplay relays a session.replay for a sequence gap in mirrored output.
func (rc *RelayClient) gapReplay(sessionID string, sinceSeq, limit int64) {
	go func() {
		err := rc.Send(context.Background(),
			&protocol.Envelope{Type: protocol.TypeSessionReplay, ID: newID(), SessionID: sessionID},
			&protocol.ReplayPayload{SinceSequence: sinceSeq, Limit: int(limit)})
		if err != nil {
			slog.Debug("relay: gap replay request failed",
				"session_id", sessionID, "error", err)
		}
	}()
}

func (rc *RelayClient) setState(p protocol.RelayConnectionStatePayload) {
	rc.mu.Lock()
	rc.state = p
	observers := make([]func(protocol.RelayConnectionStatePayload), 0, len(rc.observers))
	for _, fn := range rc.observers {
		observers = append(observers, fn)
	}
	rc.mu.Unlock()
	for _, fn := range observers {
		fn(p)
	}
}

func (rc *RelayClient) upsertSession(s protocol.Session) {
	rc.mu.Lock()
	rc.sessions[s.ID] = s
	rc.mu.Unlock()
}

func (rc *RelayClient) notifyLog(sessionID string) {
	rc.mu.Lock()
	observers := make([]func(string), 0, len(rc.logObservers))
	for _, fn := range rc.logObservers {
		observers = append(observers, fn)
	}
	rc.mu.Unlock()
	for _, fn := range observers {
		fn(sessionID)
	}
}

// ConnectionState returns the last relayed phone connection state.
func (rc *RelayClient) ConnectionState() protocol.RelayConnectionStatePayload {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// OnConnectionState registers an observer for relayed state changes.
func (rc *RelayClient) OnConnectionState(fn func(protocol.RelayConnectionStatePayload)) func() {
	rc.mu.Lock()
	id := rc.nextObserver
	rc.nextObserver++
	rc.observers[id] = fn
	rc.mu.Unlock()
	return func() {
		rc.mu.Lock()
		delete(rc.observers, id)
		rc.mu.Unlock()
	}
}

// OnLogChange registers a per-session log observer.
func (rc *RelayClient) OnLogChange(fn func(sessionID string)) func() {
	rc.mu.Lock()
	id := rc.nextObserver
	rc.nextObserver++
	rc.logObservers[id] = fn
	rc.mu.Unlock()
	return func() {
		rc.mu.Lock()
		delete(rc.logObservers, id)
		rc.mu.Unlock()
	}
}

// Log returns one session's reconciled log as mirrored to the watch.
func (rc *RelayClient) Log(sessionID string) []LogEntry {
	return rc.rec.Log(sessionID)
}

// Sessions returns the last mirrored session list.
func (rc *RelayClient) Sessions() []protocol.Session {
	rc.mu.Lock()
	out := make([]protocol.Session, 0, len(rc.sessions))
	for _, s := range rc.sessions {
		out = append(out, s)
	}
	rc.mu.Unlock()
	sortSessions(out)
	return out
}

func sortSessions(sessions []protocol.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt != sessions[j].CreatedAt {
			return sessions[i].CreatedAt < sessions[j].CreatedAt
		}
		return sessions[i].ID < sessions[j].ID
	})
}
