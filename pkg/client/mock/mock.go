// Package mock provides an in-memory scripted Transport for exercising
// the client connection state machine without a network. Tests push the
// frames a tunnel would send and pop the frames the client writes.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiflis-io/tiflis-code/pkg/client"
)

// ErrClosed is returned by Conn operations after Close.
var ErrClosed = errors.New("mock: connection closed")

// Conn is one scripted in-memory connection.
type Conn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

// NewConn returns a connection with buffered frame channels so neither
// side blocks in tests.
func NewConn() *Conn {
	return &Conn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// Push hands a frame to the client's reader.
func (c *Conn) Push(data []byte) error {
	select {
	case c.in <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Pop returns the next frame the client wrote, waiting up to timeout.
// Frames written before a close still drain.
func (c *Conn) Pop(timeout time.Duration) ([]byte, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case data := <-c.out:
		return data, nil
	case <-t.C:
		return nil, fmt.Errorf("mock: no frame written within %v", timeout)
	case <-c.closed:
		select {
		case data := <-c.out:
			return data, nil
		default:
			return nil, ErrClosed
		}
	}
}

// Closed reports connection close to tests.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

// Transport hands out scripted connections in order. Dialing past the end
// of the script fails, which parks a reconnecting client in backoff.
type Transport struct {
	mu      sync.Mutex
	conns   []*Conn
	dials   int
	lastURL string
}

// NewTransport scripts the connections Dial will return.
func NewTransport(conns ...*Conn) *Transport {
	return &Transport{conns: conns}
}

func (t *Transport) Dial(_ context.Context, url string) (client.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.dials++
	t.lastURL = url
	if len(t.conns) == 0 {
		return nil, errors.New("mock: no more scripted connections")
	}
	conn := t.conns[0]
	t.conns = t.conns[1:]
	return conn, nil
}

// Append adds further scripted connections.
func (t *Transport) Append(conns ...*Conn) {
	t.mu.Lock()
	t.conns = append(t.conns, conns...)
	t.mu.Unlock()
}

// Dials returns how many times the client dialed.
func (t *Transport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

// LastURL returns the most recently dialed URL.
func (t *Transport) LastURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastURL
}
