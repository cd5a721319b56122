package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// newTestMediator builds a mediator whose send delivers the scripted
// response asynchronously, mimicking the round trip over the tunnel.
func newTestMediator(respond func(req *protocol.AudioRequestPayload) *protocol.AudioResponsePayload) (*AudioMediator, *atomic.Int64) {
	var sends atomic.Int64
	var m *AudioMediator
	m = newAudioMediator(func(_ context.Context, _ *protocol.Envelope, payload protocol.Payload) (SendResult, error) {
		sends.Add(1)
		req := payload.(*protocol.AudioRequestPayload)
		if respond != nil {
			go m.handleResponse(respond(req))
		}
		return SendSent, nil
	})
	return m, &sends
}

func audioResponse(req *protocol.AudioRequestPayload, data []byte) *protocol.AudioResponsePayload {
	return &protocol.AudioResponsePayload{
		MessageID: req.MessageID,
		Type:      req.Type,
		Data:      base64.StdEncoding.EncodeToString(data),
		Format:    "m4a",
	}
}

func TestAudioFetchCoalescesConcurrent(t *testing.T) {
	want := []byte("voice-note")
	m, sends := newTestMediator(func(req *protocol.AudioRequestPayload) *protocol.AudioResponsePayload {
		time.Sleep(10 * time.Millisecond)
		return audioResponse(req, want)
	})

	var wg sync.WaitGroup
	blobs := make([]AudioBlob, 5)
	errs := make([]error, 5)
	for i := range blobs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			blobs[i], errs[i] = m.Fetch(t.Context(), "m1", protocol.AudioOutput)
		}(i)
	}
	wg.Wait()

	for i := range blobs {
		if errs[i] != nil {
			t.Fatalf("fetch %d: %v", i, errs[i])
		}
		if !bytes.Equal(blobs[i].Data, want) || blobs[i].Format != "m4a" {
			t.Fatalf("fetch %d = %+v", i, blobs[i])
		}
	}
	if n := sends.Load(); n != 1 {
		t.Fatalf("sends = %d, want 1 for coalesced fetches", n)
	}
}

func TestAudioFetchServesFromCache(t *testing.T) {
	m, sends := newTestMediator(func(req *protocol.AudioRequestPayload) *protocol.AudioResponsePayload {
		return audioResponse(req, []byte("cached"))
	})

	if _, err := m.Fetch(t.Context(), "m1", protocol.AudioInput); err != nil {
		t.Fatal(err)
	}
	blob, err := m.Fetch(t.Context(), "m1", protocol.AudioInput)
	if err != nil {
		t.Fatal(err)
	}
	if string(blob.Data) != "cached" {
		t.Fatalf("blob = %q", blob.Data)
	}
	if n := sends.Load(); n != 1 {
		t.Fatalf("sends = %d, want 1 after cache hit", n)
	}

	// the same message's other direction is a distinct blob
	if _, err := m.Fetch(t.Context(), "m1", protocol.AudioOutput); err != nil {
		t.Fatal(err)
	}
	if n := sends.Load(); n != 2 {
		t.Fatalf("sends = %d, want 2 for the output direction", n)
	}
}

func TestAudioFetchErrorResponse(t *testing.T) {
	m, _ := newTestMediator(func(req *protocol.AudioRequestPayload) *protocol.AudioResponsePayload {
		return &protocol.AudioResponsePayload{
			MessageID: req.MessageID,
			Type:      req.Type,
			Error:     &protocol.ErrorPayload{Code: protocol.CodeSessionNotFound, Message: "no audio stored"},
		}
	})

	_, err := m.Fetch(t.Context(), "m-gone", protocol.AudioOutput)
	var werr *protocol.WireError
	if !errors.As(err, &werr) || werr.Code != protocol.CodeSessionNotFound {
		t.Fatalf("err = %v, want wire error %s", err, protocol.CodeSessionNotFound)
	}
}

func TestAudioFetchTimeout(t *testing.T) {
	m, _ := newTestMediator(nil) // workstation never answers
	m.timeout = 50 * time.Millisecond

	_, err := m.Fetch(t.Context(), "m-silent", protocol.AudioOutput)
	if !errors.Is(err, ErrAudioTimeout) {
		t.Fatalf("err = %v, want ErrAudioTimeout", err)
	}
}

func TestAudioFetchRequiresSentRequest(t *testing.T) {
	m := newAudioMediator(func(context.Context, *protocol.Envelope, protocol.Payload) (SendResult, error) {
		return SendQueued, nil
	})

	_, err := m.Fetch(t.Context(), "m1", protocol.AudioOutput)
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated for a queued request", err)
	}
}

func TestAudioPlaybackRecordingExclusion(t *testing.T) {
	m, _ := newTestMediator(nil)

	if err := m.BeginPlayback("m1"); err != nil {
		t.Fatal(err)
	}
	if id, ok := m.Playing(); !ok || id != "m1" {
		t.Fatalf("Playing = %q, %v", id, ok)
	}

	m.BeginRecording()
	if _, ok := m.Playing(); ok {
		t.Fatal("recording must stop playback")
	}
	if err := m.BeginPlayback("m2"); !errors.Is(err, ErrRecording) {
		t.Fatalf("BeginPlayback while recording = %v, want ErrRecording", err)
	}

	m.EndRecording()
	if err := m.BeginPlayback("m2"); err != nil {
		t.Fatal(err)
	}
	m.EndPlayback("m1") // stale release is a no-op
	if id, ok := m.Playing(); !ok || id != "m2" {
		t.Fatalf("Playing = %q, %v after stale release", id, ok)
	}
	m.EndPlayback("m2")
	if _, ok := m.Playing(); ok {
		t.Fatal("playback should be released")
	}
}

func TestAudioCacheEviction(t *testing.T) {
	m, sends := newTestMediator(func(req *protocol.AudioRequestPayload) *protocol.AudioResponsePayload {
		return audioResponse(req, []byte(req.MessageID))
	})
	m.capacity = 2

	for _, id := range []string{"m1", "m2", "m3"} {
		if _, err := m.Fetch(t.Context(), id, protocol.AudioOutput); err != nil {
			t.Fatal(err)
		}
	}
	if n := sends.Load(); n != 3 {
		t.Fatalf("sends = %d, want 3", n)
	}

	// m1 was evicted, m3 is still resident
	if _, err := m.Fetch(t.Context(), "m1", protocol.AudioOutput); err != nil {
		t.Fatal(err)
	}
	if n := sends.Load(); n != 4 {
		t.Fatalf("sends = %d, want 4 after eviction refetch", n)
	}
	if _, err := m.Fetch(t.Context(), "m3", protocol.AudioOutput); err != nil {
		t.Fatal(err)
	}
	if n := sends.Load(); n != 4 {
		t.Fatalf("sends = %d, want 4 after cached refetch", n)
	}
}
