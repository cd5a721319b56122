package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// maxFrameBytes caps one ingress frame. Sync responses and history pages
// stay well under this; anything larger is a broken peer.
const maxFrameBytes = 16 << 20

// Dialer opens tunnel links. The zero-config default dials a websocket;
// tests inject scripted links.
type Dialer interface {
	Dial(ctx context.Context, url string) (Link, error)
}

// Link is one established tunnel connection carrying JSON text frames.
// Write must be safe for concurrent use; Read is called from one goroutine.
type Link interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Link, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &wsLink{conn: conn}, nil
}

// wsLink serializes writers itself; the underlying connection allows only
// one writer at a time.
type wsLink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (l *wsLink) Read(ctx context.Context) ([]byte, error) {
	_, data, err := l.conn.Read(ctx)
	return data, err
}

func (l *wsLink) Write(ctx context.Context, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn.Write(ctx, websocket.MessageText, data)
}

func (l *wsLink) Close() error {
	return l.conn.Close(websocket.StatusNormalClosure, "")
}

// Run registers with the tunnel and serves the link until ctx is cancelled,
// redialing with backoff after every failure. Once a registration succeeded,
// later connect frames carry reconnect=true so the tunnel restores routed
// state where it can. Run returns ctx.Err() on shutdown; a protocol major
// version mismatch is terminal and returned as [ErrVersionMismatch].
func (s *Server) Run(ctx context.Context) error {
	attempt := 0
	registered := false
	for {
		ok, err := s.serve(ctx, registered)
		if ok {
			registered = true
			attempt = 0
		}
		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, ErrVersionMismatch):
			return err
		}
		slog.Warn("tunnel link lost",
			"error", err,
			"attempt", attempt,
			"retry_in", s.backoff.Delay(attempt),
		)
		if err := s.backoff.Sleep(ctx, attempt); err != nil {
			return err
		}
		attempt++
	}
}

// serve runs one link: dial, register, then pump ingress frames until the
// link dies. ok reports whether registration completed, so the caller can
// reset its backoff.
func (s *Server) serve(ctx context.Context, reconnect bool) (ok bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	link, err := s.dialer.Dial(dialCtx, s.url)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial tunnel: %w", err)
	}
	defer link.Close()

	restored, err := s.handshake(ctx, link, reconnect)
	if err != nil {
		return false, err
	}
	s.setLink(link, restored)
	defer s.clearLink()
	slog.Info("tunnel registered",
		"tunnel_id", s.tunnelID,
		"restored", restored,
		"reconnect", reconnect,
	)

	pingCtx, stopPing := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.pingLoop(pingCtx, link)
	}()
	defer func() {
		stopPing()
		wg.Wait()
	}()

	for {
		data, err := link.Read(ctx)
		if err != nil {
			return true, fmt.Errorf("tunnel read: %w", err)
		}
		s.dispatch(ctx, data)
	}
}

// handshake registers the workstation: send connect, await connected.
func (s *Server) handshake(ctx context.Context, link Link, reconnect bool) (restored bool, err error) {
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	data, err := protocol.Encode(&protocol.Envelope{
		Type: protocol.TypeConnect,
		ID:   uuid.NewString(),
	}, &protocol.ConnectPayload{
		TunnelID:  s.tunnelID,
		AuthKey:   s.authKey,
		Reconnect: reconnect,
	})
	if err != nil {
		return false, fmt.Errorf("encode connect: %w", err)
	}
	if err := link.Write(hctx, data); err != nil {
		return false, fmt.Errorf("send connect: %w", err)
	}

	raw, err := link.Read(hctx)
	if err != nil {
		return false, fmt.Errorf("await connected: %w", err)
	}
	env, payload, err := protocol.Decode(raw)
	if err != nil {
		return false, fmt.Errorf("decode connected: %w", err)
	}
	switch env.Type {
	case protocol.TypeConnected:
	case protocol.TypeError, protocol.TypeAuthError:
		if p, isErr := payload.(*protocol.ErrorPayload); isErr {
			return false, fmt.Errorf("tunnel rejected registration: %w", p.WireError())
		}
		return false, fmt.Errorf("tunnel rejected registration")
	default:
		return false, fmt.Errorf("handshake: unexpected %q frame", env.Type)
	}

	p := payload.(*protocol.ConnectedPayload)
	if !protocol.CompatibleVersion(p.ProtocolVersion, protocol.Version) {
		return false, fmt.Errorf("%w: tunnel %s, workstation %s",
			ErrVersionMismatch, p.ProtocolVersion, protocol.Version)
	}
	return p.Restored, nil
}

// pingLoop probes the tunnel every interval and tears the link down when two
// intervals pass without a pong, which unblocks the read loop into a redial.
func (s *Server) pingLoop(ctx context.Context, link Link) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if since := time.Since(time.UnixMilli(s.lastPong.Load())); since > 2*s.interval {
			slog.Warn("tunnel unresponsive, closing link", "silent_for", since)
			link.Close()
			return
		}
		data, err := protocol.Encode(&protocol.Envelope{Type: protocol.TypePing}, nil)
		if err != nil {
			slog.Error("encode ping", "error", err)
			return
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err = link.Write(wctx, data)
		cancel()
		if err != nil {
			slog.Warn("tunnel ping failed, closing link", "error", err)
			link.Close()
			return
		}
	}
}
