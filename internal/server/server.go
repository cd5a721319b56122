// Package server is the workstation's tunnel edge. It keeps the single
// registered tunnel link alive, authenticates devices, and dispatches every
// ingress frame to the session registry, the router and the stores.
//
// The workstation never listens for clients directly: it dials the tunnel
// once, registers under its tunnel id, and the tunnel multiplexes every
// device websocket over that one link. The tunnel stamps the originating
// device_id on each ingress envelope; egress frames carry the target
// device_id the same way. Everything the server trusts about a device's
// identity comes from that injected field.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-code/internal/audio"
	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/internal/observe"
	"github.com/tiflis-io/tiflis-code/internal/resilience"
	"github.com/tiflis-io/tiflis-code/internal/router"
	"github.com/tiflis-io/tiflis-code/internal/session"
	"github.com/tiflis-io/tiflis-code/internal/workspace"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// DefaultPingInterval is the tunnel keepalive period when the config does
// not override it.
const DefaultPingInterval = 30 * time.Second

const (
	// handshakeTimeout bounds the dial-to-connected window of one attempt.
	handshakeTimeout = 10 * time.Second

	// writeTimeout bounds one frame write. A stalled link is detected and
	// torn down by the ping loop instead of blocking router pumps forever.
	writeTimeout = 10 * time.Second
)

// Server errors.
var (
	// ErrTunnelDown is returned by sends while no tunnel link is
	// established.
	ErrTunnelDown = errors.New("server: tunnel not connected")

	// ErrVersionMismatch is returned by [Server.Run] when the tunnel speaks
	// an incompatible protocol major version. Redialing cannot fix it.
	ErrVersionMismatch = errors.New("server: incompatible tunnel protocol version")
)

// Config wires a [Server].
type Config struct {
	// URL is the tunnel endpoint, ws:// or wss://.
	URL string

	// TunnelID is the workstation's public identifier at the tunnel.
	TunnelID string

	// AuthKey authenticates the workstation's registration and every
	// device's auth frame.
	AuthKey string

	// PingInterval is the tunnel keepalive period. Defaults to
	// [DefaultPingInterval].
	PingInterval time.Duration

	// WorkstationName and WorkstationVersion are reported on auth.success.
	WorkstationName    string
	WorkstationVersion string

	// Registry owns session lifecycle. Must not be nil.
	Registry *session.Registry

	// Router fans session traffic out to subscribed devices. Must not be
	// nil.
	Router *router.Router

	// Store is the durable history log. Must not be nil.
	Store history.Store

	// Audio serves stored voice blobs for audio.request. Must not be nil.
	Audio *audio.Store

	// Catalog resolves agent names and the workspace tree. Must not be nil.
	Catalog *workspace.Catalog

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Uptime reports workstation uptime in milliseconds for heartbeat.ack.
	// Defaults to time since the server was constructed.
	Uptime func() int64

	// Dialer opens tunnel links. Defaults to a websocket dialer.
	Dialer Dialer

	// Backoff paces reconnect attempts. Zero values use the resilience
	// defaults.
	Backoff resilience.Backoff
}

// Server serves one workstation over one tunnel registration.
type Server struct {
	url      string
	tunnelID string
	authKey  string
	name     string
	version  string
	interval time.Duration
	backoff  resilience.Backoff

	registry *session.Registry
	router   *router.Router
	store    history.Store
	audio    *audio.Store
	catalog  *workspace.Catalog
	metrics  *observe.Metrics
	uptime   func() int64
	dialer   Dialer

	lastPong atomic.Int64 // unix ms of the last pong seen on the live link

	mu     sync.Mutex
	link   Link
	authed map[string]struct{} // device ids past auth on this tunnel state
}

// New validates cfg and creates a [Server]. Run must be called to register
// with the tunnel.
func New(cfg Config) (*Server, error) {
	switch {
	case cfg.URL == "":
		return nil, fmt.Errorf("server: missing tunnel url")
	case cfg.TunnelID == "":
		return nil, fmt.Errorf("server: missing tunnel id")
	case cfg.AuthKey == "":
		return nil, fmt.Errorf("server: missing auth key")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("server: nil registry")
	case cfg.Router == nil:
		return nil, fmt.Errorf("server: nil router")
	case cfg.Store == nil:
		return nil, fmt.Errorf("server: nil store")
	case cfg.Audio == nil:
		return nil, fmt.Errorf("server: nil audio store")
	case cfg.Catalog == nil:
		return nil, fmt.Errorf("server: nil workspace catalog")
	}

	interval := cfg.PingInterval
	if interval <= 0 {
		interval = DefaultPingInterval
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	uptime := cfg.Uptime
	if uptime == nil {
		start := time.Now()
		uptime = func() int64 { return time.Since(start).Milliseconds() }
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = wsDialer{}
	}

	return &Server{
		url:      cfg.URL,
		tunnelID: cfg.TunnelID,
		authKey:  cfg.AuthKey,
		name:     cfg.WorkstationName,
		version:  cfg.WorkstationVersion,
		interval: interval,
		backoff:  cfg.Backoff,
		registry: cfg.Registry,
		router:   cfg.Router,
		store:    cfg.Store,
		audio:    cfg.Audio,
		catalog:  cfg.Catalog,
		metrics:  metrics,
		uptime:   uptime,
		dialer:   dialer,
		authed:   make(map[string]struct{}),
	}, nil
}

// Connected reports whether a registered tunnel link is currently up. Wired
// into the readiness probe.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.link != nil
}

// DeviceDropped forgets a device's authentication after the router dropped
// it for overflow or a failed send. The device's next frame is rejected,
// which forces a fresh auth and with it a clean re-attach plus subscription
// restore. Wire it to [router.Config.OnDrop].
func (s *Server) DeviceDropped(deviceID, reason string) {
	s.mu.Lock()
	delete(s.authed, deviceID)
	s.mu.Unlock()
	slog.Info("device dropped, auth revoked", "device_id", deviceID, "reason", reason)
}

// setLink installs the freshly registered link. A tunnel that did not
// restore its routed state has forgotten every device, so their
// authentications are void and each device must re-auth.
func (s *Server) setLink(link Link, restored bool) {
	s.mu.Lock()
	s.link = link
	if !restored {
		s.authed = make(map[string]struct{})
	}
	s.mu.Unlock()
	s.lastPong.Store(time.Now().UnixMilli())
}

func (s *Server) clearLink() {
	s.mu.Lock()
	s.link = nil
	s.mu.Unlock()
}

func (s *Server) markAuthed(deviceID string) {
	s.mu.Lock()
	s.authed[deviceID] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) isAuthed(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.authed[deviceID]
	return ok
}

// send encodes one egress frame and writes it to the live link.
func (s *Server) send(ctx context.Context, env *protocol.Envelope, payload protocol.Payload) error {
	data, err := protocol.Encode(env, payload)
	if err != nil {
		return fmt.Errorf("server: encode %s: %w", env.Type, err)
	}
	s.mu.Lock()
	link := s.link
	s.mu.Unlock()
	if link == nil {
		return ErrTunnelDown
	}
	return link.Write(ctx, data)
}

// reply sends one direct response frame to a device.
func (s *Server) reply(ctx context.Context, deviceID, sessionID, typ string, payload protocol.Payload) {
	env := &protocol.Envelope{
		Type:      typ,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		DeviceID:  deviceID,
	}
	if err := s.send(ctx, env, payload); err != nil {
		slog.Warn("reply failed", "type", typ, "device_id", deviceID, "error", err)
	}
}

// replyErr answers one failed request with a typed error frame. Failed auth
// frames answer as auth.error, everything else as error. The failing
// request's type and id ride in the details so clients can correlate.
func (s *Server) replyErr(ctx context.Context, env *protocol.Envelope, code protocol.ErrorCode, msg string) {
	typ := protocol.TypeError
	if env.Type == protocol.TypeAuth {
		typ = protocol.TypeAuthError
	}
	s.metrics.RecordWireError(ctx, string(code))
	slog.Debug("request rejected",
		"type", env.Type,
		"device_id", env.DeviceID,
		"session_id", env.SessionID,
		"code", code,
	)
	p := &protocol.ErrorPayload{Code: code, Message: msg}
	if env.Type != "" {
		p.Details = map[string]any{"request_type": env.Type}
		if env.ID != "" {
			p.Details["request_id"] = env.ID
		}
	}
	s.reply(ctx, env.DeviceID, env.SessionID, typ, p)
}

// deviceSink adapts the tunnel link to [router.Sink] for one device. The
// router shares envelope pointers across device queues, so the sink stamps
// the device id on a copy.
type deviceSink struct {
	s  *Server
	id string
}

func (d *deviceSink) Send(env *protocol.Envelope, payload protocol.Payload) error {
	out := *env
	out.DeviceID = d.id
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return d.s.send(ctx, &out, payload)
}
