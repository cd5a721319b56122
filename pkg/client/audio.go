package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

const (
	audioRequestTimeout = 15 * time.Second
	audioCacheEntries   = 32
)

var (
	// ErrAudioTimeout is returned when the workstation does not answer an
	// audio.request in time.
	ErrAudioTimeout = errors.New("client: audio request timed out")

	// ErrRecording is returned when playback is requested while the
	// microphone is open.
	ErrRecording = errors.New("client: playback blocked while recording")
)

// AudioBlob is one decoded voice payload fetched from the workstation.
type AudioBlob struct {
	Data   []byte
	Format string
}

// AudioMediator fetches stored audio on demand. Blobs never ride inline on
// history or output frames; the mediator requests them by message id,
// collapses concurrent fetches for the same blob into one request and keeps
// a small decoded cache. It also arbitrates playback against recording so
// the device never plays into its own microphone.
type AudioMediator struct {
	send    func(ctx context.Context, env *protocol.Envelope, payload protocol.Payload) (SendResult, error)
	timeout time.Duration

	group singleflight.Group

	mu        sync.Mutex
	cache     map[string]AudioBlob
	order     []string
	capacity  int
	waiters   map[string]chan *protocol.AudioResponsePayload
	recording bool
	playingID string
}

func newAudioMediator(send func(context.Context, *protocol.Envelope, protocol.Payload) (SendResult, error)) *AudioMediator {
	return &AudioMediator{
		send:     send,
		timeout:  audioRequestTimeout,
		cache:    make(map[string]AudioBlob),
		capacity: audioCacheEntries,
		waiters:  make(map[string]chan *protocol.AudioResponsePayload),
	}
}

func audioKey(messageID, direction string) string {
	return direction + "/" + messageID
}

// Fetch returns the audio blob for one message, from cache or the
// workstation. direction is protocol.AudioInput or protocol.AudioOutput.
// Concurrent fetches for the same blob share a single request.
func (m *AudioMediator) Fetch(ctx context.Context, messageID, direction string) (AudioBlob, error) {
	key := audioKey(messageID, direction)
	m.mu.Lock()
	blob, ok := m.cache[key]
	m.mu.Unlock()
	if ok {
		return blob, nil
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.fetch(ctx, key, messageID, direction)
	})
	if err != nil {
		return AudioBlob{}, err
	}
	return v.(AudioBlob), nil
}

func (m *AudioMediator) fetch(ctx context.Context, key, messageID, direction string) (AudioBlob, error) {
	ch := make(chan *protocol.AudioResponsePayload, 1)
	m.mu.Lock()
	m.waiters[key] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, key)
		m.mu.Unlock()
	}()

	env := &protocol.Envelope{Type: protocol.TypeAudioRequest, ID: newID()}
	req := &protocol.AudioRequestPayload{MessageID: messageID, Type: direction}
	res, err := m.send(ctx, env, req)
	if err != nil {
		return AudioBlob{}, fmt.Errorf("audio request %s: %w", messageID, err)
	}
	if res != SendSent {
		return AudioBlob{}, fmt.Errorf("audio request %s: %w", messageID, ErrNotAuthenticated)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case p := <-ch:
		if p.Error != nil {
			return AudioBlob{}, fmt.Errorf("audio request %s: %w", messageID, p.Error.WireError())
		}
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return AudioBlob{}, fmt.Errorf("audio response %s: %w", messageID, err)
		}
		blob := AudioBlob{Data: data, Format: p.Format}
		m.store(key, blob)
		return blob, nil
	case <-timer.C:
		return AudioBlob{}, ErrAudioTimeout
	case <-ctx.Done():
		return AudioBlob{}, ctx.Err()
	}
}

func (m *AudioMediator) store(key string, blob AudioBlob) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cache[key]; !ok {
		m.order = append(m.order, key)
		if len(m.order) > m.capacity {
			delete(m.cache, m.order[0])
			m.order = m.order[1:]
		}
	}
	m.cache[key] = blob
}

// handleResponse routes one audio.response to its in-flight fetch. Late or
// unsolicited responses are dropped.
func (m *AudioMediator) handleResponse(p *protocol.AudioResponsePayload) {
	m.mu.Lock()
	ch := m.waiters[audioKey(p.MessageID, p.Type)]
	m.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- p:
	default:
	}
}

// BeginPlayback claims the speaker for one message. It fails while the
// microphone is open.
func (m *AudioMediator) BeginPlayback(messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recording {
		return ErrRecording
	}
	m.playingID = messageID
	return nil
}

// EndPlayback releases the speaker if messageID still holds it.
func (m *AudioMediator) EndPlayback(messageID string) {
	m.mu.Lock()
	if m.playingID == messageID {
		m.playingID = ""
	}
	m.mu.Unlock()
}

// BeginRecording opens the microphone, stopping any active playback.
func (m *AudioMediator) BeginRecording() {
	m.mu.Lock()
	m.recording = true
	m.playingID = ""
	m.mu.Unlock()
}

// EndRecording closes the microphone.
func (m *AudioMediator) EndRecording() {
	m.mu.Lock()
	m.recording = false
	m.mu.Unlock()
}

// Playing returns the message currently holding the speaker, if any.
func (m *AudioMediator) Playing() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.playingID, m.playingID != ""
}

// Recording reports whether the microphone is open.
func (m *AudioMediator) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}
