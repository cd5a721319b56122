package client

import (
	"context"
	"sync"

	"github.com/coder/websocket"
)

// maxFrameBytes bounds a single tunnel frame. Sync snapshots and audio
// responses are the largest frames on the wire.
const maxFrameBytes = 16 << 20

// Transport dials the tunnel endpoint. The default implementation speaks
// websocket; tests substitute an in-memory one.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is one established tunnel link. Read is called from a single
// goroutine; Write must be safe for concurrent use.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// NewWebsocketTransport returns the production websocket Transport.
func NewWebsocketTransport() Transport {
	return websocketTransport{}
}

type websocketTransport struct{}

func (websocketTransport) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn

	// writeMu serializes writes; the sender, heartbeat loop and relay
	// mirror all share the link.
	writeMu sync.Mutex
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *websocketConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
