// Package client implements the device side of the Tiflis Code backbone:
// the tunnel connection state machine with heartbeat-driven verification,
// the retrying command sender with its transient queue, the streaming
// reconciler that converges session logs across devices, on-demand audio
// mediation and the watch relay.
//
// A Client owns one tunnel connection. Run drives it until the context is
// cancelled, reconnecting with jittered exponential backoff; state is
// observable through OnState and Status, commands go out through Send or
// the typed helpers, and per-session logs are read back with Log.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-code/internal/resilience"
	"github.com/tiflis-io/tiflis-code/pkg/pairing"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

const (
	// DefaultHeartbeatInterval is T in the verification contract: one
	// heartbeat per T, ack expected within 2T.
	DefaultHeartbeatInterval = 10 * time.Second

	// heartbeatMissDegraded and heartbeatMissReconnect are the consecutive
	// miss counts that demote the link and force a reconnect.
	heartbeatMissDegraded  = 2
	heartbeatMissReconnect = 4

	handshakeTimeout  = 10 * time.Second
	writeTimeout      = 10 * time.Second
	housekeepInterval = 500 * time.Millisecond
)

// Terminal connection errors. Run gives up and parks in StateError when it
// hits one of these; everything else is retried with backoff.
var (
	ErrAuthRejected    = errors.New("client: authentication rejected")
	ErrVersionMismatch = errors.New("client: protocol version mismatch")
)

// Config carries the identity and tuning of one Client.
type Config struct {
	// URL is the websocket endpoint of the tunnel.
	URL string

	// TunnelID and AuthKey come from the pairing link.
	TunnelID string
	AuthKey  string

	// DeviceID identifies this device across reconnects. Subscriptions
	// and queued responses on the workstation key off it.
	DeviceID string

	// HeartbeatInterval overrides DefaultHeartbeatInterval.
	HeartbeatInterval time.Duration

	// LightweightSync asks sync.state to omit supervisor history, for
	// constrained devices.
	LightweightSync bool

	// Transport overrides the websocket transport.
	Transport Transport

	// Backoff tunes the reconnect schedule. The zero value is the
	// standard 500ms..4s doubling with ±25% jitter.
	Backoff resilience.Backoff
}

// FromPairing builds a Config from a scanned pairing link.
func FromPairing(link pairing.Link, deviceID string) Config {
	return Config{
		URL:      link.URL,
		TunnelID: link.TunnelID,
		AuthKey:  link.Key,
		DeviceID: deviceID,
	}
}

// Client is one device's connection to the backbone.
type Client struct {
	cfg       Config
	transport Transport
	backoff   resilience.Backoff

	// sendBackoff paces write retries inside one Send call.
	sendBackoff resilience.Backoff
	interval    time.Duration

	queue *commandQueue
	rec   *Reconciler
	audio *AudioMediator

	mu             sync.Mutex
	status         Status
	conn           Conn
	runCtx         context.Context
	running        bool
	registered     bool
	sessions       map[string]protocol.Session
	subs           map[string]bool
	stateObservers map[int]func(Status)
	logObservers   map[int]func(string)
	frameTaps      map[int]func([]byte)
	nextObserver   int

	// probes and misses are owned by the run loop.
	probes map[string]time.Time
	misses int
}

// New validates cfg and builds a Client. It does not connect; call Run.
func New(cfg Config) (*Client, error) {
	switch {
	case cfg.URL == "":
		return nil, errors.New("client: config missing URL")
	case cfg.TunnelID == "":
		return nil, errors.New("client: config missing TunnelID")
	case cfg.AuthKey == "":
		return nil, errors.New("client: config missing AuthKey")
	case cfg.DeviceID == "":
		return nil, errors.New("client: config missing DeviceID")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	transport := cfg.Transport
	if transport == nil {
		transport = NewWebsocketTransport()
	}
	c := &Client{
		cfg:       cfg,
		transport: transport,
		backoff:   cfg.Backoff,
		interval:  cfg.HeartbeatInterval,
		queue:     newCommandQueue(),
		status: Status{
			State:             StateDisconnected,
			WorkstationOnline: true,
		},
		sessions:       make(map[string]protocol.Session),
		subs:           make(map[string]bool),
		stateObservers: make(map[int]func(Status)),
		logObservers:   make(map[int]func(string)),
		frameTaps:      make(map[int]func([]byte)),
		probes:         make(map[string]time.Time),
	}
	c.rec = newReconciler(c.gapReplay, c.notifyLog)
	c.audio = newAudioMediator(c.Send)
	return c, nil
}

func newID() string {
	return uuid.NewString()
}

// Run connects and serves until ctx is cancelled or authentication is
// rejected outright. Transient failures reconnect with backoff.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return errors.New("client: already running")
	}
	c.running = true
	c.runCtx = ctx
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		c.transition(func(st *Status) {
			if st.State != StateError {
				st.State = StateDisconnected
			}
		})
	}()

	attempt := 0
	for {
		c.transition(func(st *Status) {
			st.State = StateConnecting
			st.Attempt = attempt
		})
		registered, err := c.serve(ctx)
		if registered {
			attempt = 0
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrVersionMismatch) {
			// A version gap can never clear, so its queue is dead weight.
			// Rejected credentials keep the queue parked: the commands go
			// out on the next Run with a working key, TTL permitting.
			if errors.Is(err, ErrVersionMismatch) {
				c.queue.close()
			}
			c.transition(func(st *Status) {
				st.State = StateError
				st.Err = err
			})
			return err
		}
		attempt++
		c.transition(func(st *Status) {
			st.State = StateReconnecting
			st.Attempt = attempt
			st.Err = err
		})
		slog.Info("reconnecting to tunnel", "attempt", attempt, "error", err)
		if serr := c.backoff.Sleep(ctx, attempt-1); serr != nil {
			return serr
		}
	}
}

// serve runs one connection episode. registered reports whether the tunnel
// accepted our registration, which resets the reconnect counter.
func (c *Client) serve(ctx context.Context) (registered bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	conn, err := c.transport.Dial(dialCtx, c.cfg.URL)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial tunnel: %w", err)
	}
	defer conn.Close()

	if err := c.register(ctx, conn); err != nil {
		return false, err
	}
	c.attach(conn)
	defer c.detach()
	c.transition(func(st *Status) {
		st.State = StateConnected
		st.Err = nil
	})

	if err := c.writeAuth(ctx, conn); err != nil {
		return true, err
	}
	c.transition(func(st *Status) { st.State = StateAuthenticating })

	c.probes = make(map[string]time.Time)
	c.misses = 0

	frames := make(chan ioResult, 1)
	readCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go readFrames(readCtx, conn, frames)

	heartbeat := time.NewTicker(c.interval)
	defer heartbeat.Stop()
	housekeeping := time.NewTicker(housekeepInterval)
	defer housekeeping.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case r := <-frames:
			if r.err != nil {
				return true, fmt.Errorf("tunnel read: %w", r.err)
			}
			if err := c.handleFrame(ctx, conn, r.data); err != nil {
				return true, err
			}
		case <-heartbeat.C:
			if err := c.heartbeatTick(ctx, conn); err != nil {
				return true, err
			}
		case <-housekeeping.C:
			c.rec.Tick(time.Now())
		}
	}
}

type ioResult struct {
	data []byte
	err  error
}

func readFrames(ctx context.Context, conn Conn, out chan<- ioResult) {
	for {
		data, err := conn.Read(ctx)
		select {
		case out <- ioResult{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// register performs the tunnel handshake: connect out, connected back,
// protocol versions compatible.
func (c *Client) register(ctx context.Context, conn Conn) error {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	data, err := protocol.Encode(
		&protocol.Envelope{Type: protocol.TypeConnect, ID: newID()},
		&protocol.ConnectPayload{
			TunnelID:  c.cfg.TunnelID,
			AuthKey:   c.authKey(),
			DeviceID:  c.cfg.DeviceID,
			Reconnect: c.wasRegistered(),
		})
	if err != nil {
		return err
	}
	if err := conn.Write(hctx, data); err != nil {
		return fmt.Errorf("tunnel handshake: %w", err)
	}
	resp, err := conn.Read(hctx)
	if err != nil {
		return fmt.Errorf("tunnel handshake: %w", err)
	}
	env, payload, err := protocol.Decode(resp)
	if err != nil {
		return fmt.Errorf("tunnel handshake: %w", err)
	}
	switch p := payload.(type) {
	case *protocol.ConnectedPayload:
		if !protocol.CompatibleVersion(p.ProtocolVersion, protocol.Version) {
			return fmt.Errorf("%w: tunnel speaks %s, this client %s",
				ErrVersionMismatch, p.ProtocolVersion, protocol.Version)
		}
		c.markRegistered()
		return nil
	case *protocol.ErrorPayload:
		return fmt.Errorf("tunnel rejected registration: %w", p.WireError())
	default:
		return fmt.Errorf("tunnel handshake: unexpected %q frame", env.Type)
	}
}

func (c *Client) wasRegistered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registered
}

// SetAuthKey replaces the device credential. Meant for recovering from a
// rejected key: the next Run authenticates with the new value and drains
// whatever the rejection left queued.
func (c *Client) SetAuthKey(key string) {
	c.mu.Lock()
	c.cfg.AuthKey = key
	c.mu.Unlock()
}

func (c *Client) authKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.AuthKey
}

func (c *Client) markRegistered() {
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
}

func (c *Client) writeAuth(ctx context.Context, conn Conn) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	data, err := protocol.Encode(
		&protocol.Envelope{Type: protocol.TypeAuth, ID: newID()},
		&protocol.AuthPayload{AuthKey: c.authKey(), DeviceID: c.cfg.DeviceID})
	if err != nil {
		return err
	}
	if err := conn.Write(wctx, data); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	return nil
}

// handleFrame dispatches one inbound frame. A non-nil return tears the
// connection down; only rejected authentication is terminal.
func (c *Client) handleFrame(ctx context.Context, conn Conn, data []byte) error {
	env, payload, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("dropping undecodable frame", "error", err)
		return nil
	}
	c.tapFrame(data)

	switch p := payload.(type) {
	case *protocol.AuthSuccessPayload:
		c.onAuthSuccess(ctx, p)
	case *protocol.ErrorPayload:
		if env.Type == protocol.TypeAuthError {
			return fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
		}
		slog.Warn("workstation reported error",
			"code", p.Code, "message", p.Message, "details", p.Details)
	case *protocol.HeartbeatAckPayload:
		c.onHeartbeatAck(p)
	case *protocol.MessageAckPayload:
		c.rec.Ack(p.MessageID)
	case *protocol.OutputPayload, *protocol.UserMessagePayload,
		*protocol.TranscriptionPayload, *protocol.VoiceOutputPayload:
		c.rec.Apply(env, payload)
	case *protocol.ReplayDataPayload:
		c.rec.ApplyReplay(env.SessionID, p.Events)
	case *protocol.HistoryResponsePayload:
		c.rec.ApplyHistory(env.SessionID, p)
	case *protocol.SyncStatePayload:
		c.onSyncState(p)
	case *protocol.SessionCreatedPayload:
		c.upsertSession(p.Session)
	case *protocol.SessionTerminatedPayload:
		c.onSessionTerminated(env.SessionID, p)
	case *protocol.SubscribedPayload:
		c.onSubscribed(env.SessionID, p)
	case *protocol.SessionsPayload:
		c.setSessions(p.Sessions)
	case *protocol.ResizedPayload:
		c.onResized(env.SessionID, p)
	case *protocol.AudioResponsePayload:
		c.audio.handleResponse(p)
	case *protocol.EmptyPayload:
		switch env.Type {
		case protocol.TypeWorkstationOffline:
			c.setWorkstationOnline(false)
		case protocol.TypeWorkstationOnline:
			c.setWorkstationOnline(true)
			// the workstation may have missed our auth while offline
			if c.Status().State == StateAuthenticating {
				if err := c.writeAuth(ctx, conn); err != nil {
					return err
				}
			}
		case protocol.TypePing:
			c.writePong(ctx, conn, env.ID)
		case protocol.TypeSupervisorContextCleared:
			slog.Debug("supervisor context cleared")
		default:
			slog.Debug("ignoring frame", "type", env.Type)
		}
	default:
		slog.Debug("ignoring frame", "type", env.Type)
	}
	return nil
}

func (c *Client) writePong(ctx context.Context, conn Conn, id string) {
	data, err := protocol.Encode(&protocol.Envelope{Type: protocol.TypePong, ID: id}, nil)
	if err != nil {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, data); err != nil {
		slog.Debug("pong write failed", "error", err)
	}
}

// heartbeatTick expires stale probes, applies the miss thresholds and
// emits the next heartbeat. Runs only in sendable states.
func (c *Client) heartbeatTick(ctx context.Context, conn Conn) error {
	if !c.Status().State.Sendable() {
		return nil
	}
	now := time.Now()
	for id, sent := range c.probes {
		if now.Sub(sent) >= 2*c.interval {
			delete(c.probes, id)
			c.misses++
		}
	}
	if c.misses >= heartbeatMissReconnect {
		return fmt.Errorf("heartbeat: %d consecutive misses", c.misses)
	}
	if c.misses >= heartbeatMissDegraded {
		c.transition(func(st *Status) {
			if st.State == StateAuthenticated || st.State == StateVerified {
				st.State = StateDegraded
			}
		})
	}
	id := newID()
	data, err := protocol.Encode(
		&protocol.Envelope{Type: protocol.TypeHeartbeat, ID: id},
		&protocol.HeartbeatPayload{ID: id, Timestamp: protocol.Now()})
	if err != nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, data); err != nil {
		return fmt.Errorf("heartbeat write: %w", err)
	}
	c.probes[id] = now
	return nil
}

func (c *Client) onHeartbeatAck(p *protocol.HeartbeatAckPayload) {
	if _, ok := c.probes[p.ID]; !ok {
		// stale ack from a previous link
		return
	}
	delete(c.probes, p.ID)
	c.misses = 0
	c.transition(func(st *Status) {
		if st.State == StateAuthenticated || st.State == StateDegraded {
			st.State = StateVerified
		}
		st.WorkstationUptimeMS = p.WorkstationUptimeMS
	})
}

func (c *Client) onAuthSuccess(ctx context.Context, p *protocol.AuthSuccessPayload) {
	restored := make(map[string]bool, len(p.RestoredSubscriptions))
	c.mu.Lock()
	for _, id := range p.RestoredSubscriptions {
		restored[id] = true
		c.subs[id] = true
	}
	resubscribe := make([]string, 0, len(c.subs))
	for id := range c.subs {
		if !restored[id] {
			resubscribe = append(resubscribe, id)
		}
	}
	c.mu.Unlock()
	sort.Strings(resubscribe)

	slog.Info("authenticated",
		"workstation", p.WorkstationName,
		"workstation_version", p.WorkstationVersion,
		"restored_subscriptions", len(p.RestoredSubscriptions))

	c.transition(func(st *Status) {
		st.State = StateAuthenticated
		st.Err = nil
	})

	go c.bootstrap(ctx, resubscribe)
}

// bootstrap runs after every successful auth: full state sync, then
// re-attach the subscriptions the workstation did not restore on its own.
func (c *Client) bootstrap(ctx context.Context, resubscribe []string) {
	if _, err := c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSync, ID: newID()},
		&protocol.SyncPayload{Lightweight: c.cfg.LightweightSync}); err != nil {
		slog.Warn("post-auth sync failed", "error", err)
	}
	for _, sessionID := range resubscribe {
		if _, err := c.Send(ctx,
			&protocol.Envelope{Type: protocol.TypeSessionSubscribe, ID: newID(), SessionID: sessionID},
			&protocol.EmptyPayload{}); err != nil {
			slog.Warn("restore subscription failed",
				"session_id", sessionID, "error", err)
		}
	}
}

func (c *Client) onSyncState(p *protocol.SyncStatePayload) {
	c.mu.Lock()
	c.sessions = make(map[string]protocol.Session, len(p.Sessions))
	for _, s := range p.Sessions {
		c.sessions[s.ID] = s
	}
	for _, id := range p.Subscriptions {
		c.subs[id] = true
	}
	c.mu.Unlock()
	c.rec.ApplySync(p)
}

func (c *Client) onSubscribed(sessionID string, p *protocol.SubscribedPayload) {
	if p.Session != nil {
		c.upsertSession(*p.Session)
		if sessionID == "" {
			sessionID = p.Session.ID
		}
	}
	if sessionID == "" {
		return
	}
	c.mu.Lock()
	c.subs[sessionID] = true
	c.mu.Unlock()
	c.rec.ApplySnapshot(sessionID, p)
}

func (c *Client) onSessionTerminated(sessionID string, p *protocol.SessionTerminatedPayload) {
	c.mu.Lock()
	delete(c.sessions, sessionID)
	delete(c.subs, sessionID)
	c.mu.Unlock()
	c.queue.cancelSession(sessionID)
	slog.Info("session terminated", "session_id", sessionID, "reason", p.Reason)
}

func (c *Client) upsertSession(s protocol.Session) {
	c.mu.Lock()
	c.sessions[s.ID] = s
	c.mu.Unlock()
}

func (c *Client) setSessions(sessions []protocol.Session) {
	c.mu.Lock()
	for _, s := range sessions {
		c.sessions[s.ID] = s
	}
	c.mu.Unlock()
}

func (c *Client) onResized(sessionID string, p *protocol.ResizedPayload) {
	c.mu.Lock()
	if s, ok := c.sessions[sessionID]; ok {
		s.Cols, s.Rows = p.Cols, p.Rows
		c.sessions[sessionID] = s
	}
	c.mu.Unlock()
}

func (c *Client) setWorkstationOnline(online bool) {
	c.transition(func(st *Status) { st.WorkstationOnline = online })
}

// gapReplay asks the workstation to refill a sequence gap. Invoked by the
// reconciler outside its lock.
func (c *Client) gapReplay(sessionID string, sinceSeq, limit int64) {
	go func() {
		ctx := c.currentRunCtx()
		if ctx == nil {
			ctx = context.Background()
		}
		if _, err := c.Send(ctx,
			&protocol.Envelope{Type: protocol.TypeSessionReplay, ID: newID(), SessionID: sessionID},
			&protocol.ReplayPayload{SinceSequence: sinceSeq, Limit: int(limit)}); err != nil {
			slog.Debug("gap replay request failed",
				"session_id", sessionID, "error", err)
		}
	}()
}

func (c *Client) currentRunCtx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runCtx
}

// transition applies one status mutation and notifies observers when the
// visible status changed. Entering a sendable state kicks the queue drain.
func (c *Client) transition(mutate func(*Status)) {
	c.mu.Lock()
	prev := c.status
	mutate(&c.status)
	cur := c.status
	var observers []func(Status)
	if statusChanged(prev, cur) {
		observers = make([]func(Status), 0, len(c.stateObservers))
		for _, fn := range c.stateObservers {
			observers = append(observers, fn)
		}
	}
	runCtx := c.runCtx
	c.mu.Unlock()

	if cur.State != prev.State {
		slog.Debug("connection state changed", "from", prev.State, "to", cur.State)
	}
	for _, fn := range observers {
		fn(cur)
	}
	if cur.State.Sendable() && !prev.State.Sendable() && runCtx != nil {
		go c.drainQueue(runCtx)
	}
}

// statusChanged ignores uptime updates so heartbeat acks do not spam
// observers every interval.
func statusChanged(a, b Status) bool {
	if a.State != b.State || a.Attempt != b.Attempt || a.WorkstationOnline != b.WorkstationOnline {
		return true
	}
	return errString(a.Err) != errString(b.Err)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (c *Client) attach(conn Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) detach() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

// sendableConn returns the live connection only when the state machine
// allows sends. The state and the connection are sampled atomically.
func (c *Client) sendableConn() Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || !c.status.State.Sendable() {
		return nil
	}
	return c.conn
}

func (c *Client) tapFrame(data []byte) {
	c.mu.Lock()
	taps := make([]func([]byte), 0, len(c.frameTaps))
	for _, fn := range c.frameTaps {
		taps = append(taps, fn)
	}
	c.mu.Unlock()
	for _, fn := range taps {
		fn(data)
	}
}

func (c *Client) notifyLog(sessionID string) {
	c.mu.Lock()
	observers := make([]func(string), 0, len(c.logObservers))
	for _, fn := range c.logObservers {
		observers = append(observers, fn)
	}
	c.mu.Unlock()
	for _, fn := range observers {
		fn(sessionID)
	}
}

// Status returns the current connection snapshot.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// DeviceID returns the configured device identity.
func (c *Client) DeviceID() string {
	return c.cfg.DeviceID
}

// Sessions returns the last known session list, oldest first.
func (c *Client) Sessions() []protocol.Session {
	c.mu.Lock()
	out := make([]protocol.Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	c.mu.Unlock()
	sortSessions(out)
	return out
}

// Subscriptions returns the desired subscription set, sorted.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	out := make([]string, 0, len(c.subs))
	for id := range c.subs {
		out = append(out, id)
	}
	c.mu.Unlock()
	sort.Strings(out)
	return out
}

// Log returns one session's reconciled log.
func (c *Client) Log(sessionID string) []LogEntry {
	return c.rec.Log(sessionID)
}

// LogInfo returns one session's paging and execution summary.
func (c *Client) LogInfo(sessionID string) LogInfo {
	return c.rec.Info(sessionID)
}

// Audio returns the audio mediator.
func (c *Client) Audio() *AudioMediator {
	return c.audio
}

// OnState registers a status observer. The returned function removes it.
func (c *Client) OnState(fn func(Status)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.stateObservers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.stateObservers, id)
		c.mu.Unlock()
	}
}

// OnLogChange registers a per-session log observer.
func (c *Client) OnLogChange(fn func(sessionID string)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.logObservers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.logObservers, id)
		c.mu.Unlock()
	}
}

// onFrame registers a raw inbound frame tap. The relay uses it to mirror
// backbone traffic to the watch.
func (c *Client) onFrame(fn func(data []byte)) func() {
	c.mu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.frameTaps[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.frameTaps, id)
		c.mu.Unlock()
	}
}
