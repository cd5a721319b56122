package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// Sink delivers one frame to a connected device. The transport owns
// addressing and encoding; the router hands it the envelope and its typed
// payload. Send is called from the device's pump goroutine only, so
// implementations see frames for one device strictly in queue order. A
// blocking Send stalls only that device until its queue overflows.
type Sink interface {
	Send(env *protocol.Envelope, payload protocol.Payload) error
}

// DropFunc is told that a device was forcibly dropped, with one of the
// Drop* reasons. Typically wired to the transport to close the device's
// connection so the client reconnects and resynchronizes.
type DropFunc func(deviceID, reason string)

// Drop reasons.
const (
	DropQueueFull  = "queue_full"
	DropSendFailed = "send_failed"
)

// frame is one queued delivery.
type frame struct {
	env     *protocol.Envelope
	payload protocol.Payload
}

// device is one attached client with its bounded outbound queue.
type device struct {
	id    string
	sink  Sink
	queue chan frame

	quit chan struct{}
	once sync.Once
}

func newDevice(id string, sink Sink, queueSize int) *device {
	return &device{
		id:    id,
		sink:  sink,
		queue: make(chan frame, queueSize),
		quit:  make(chan struct{}),
	}
}

// stop terminates the pump. Idempotent, safe under any lock.
func (d *device) stop() {
	d.once.Do(func() { close(d.quit) })
}

// pump drains one device's queue onto its sink. Frames queued after stop
// are discarded with the device.
func (r *Router) pump(d *device) {
	for {
		select {
		case <-d.quit:
			return
		case f := <-d.queue:
			if err := d.sink.Send(f.env, f.payload); err != nil {
				slog.Warn("device send failed, dropping device",
					"device_id", d.id, "type", f.env.Type, "error", err)
				d.stop()
				r.dropDevice(d, DropSendFailed)
				return
			}
		}
	}
}

// enqueue offers one frame to a device without blocking. Overflow means the
// device cannot keep up with the broadcast rate; it is stopped on the spot
// and detached asynchronously, because enqueue runs under session and router
// locks that dropDevice needs.
func (r *Router) enqueue(d *device, env *protocol.Envelope, payload protocol.Payload) {
	select {
	case d.queue <- frame{env: env, payload: payload}:
	default:
		slog.Warn("device queue overflow, dropping device",
			"device_id", d.id, "queue_size", cap(d.queue))
		d.stop()
		go r.dropDevice(d, DropQueueFull)
	}
}

// dropDevice detaches a device that was stopped by the pump or an overflow.
// If the device id was already detached or taken over by a reconnect, only
// the stale pump dies and no callback fires.
func (r *Router) dropDevice(d *device, reason string) {
	r.mu.Lock()
	if r.devices[d.id] != d {
		r.mu.Unlock()
		return
	}
	delete(r.devices, d.id)
	removed := r.removeEdgesLocked(d.id)
	r.mu.Unlock()

	ctx := context.Background()
	r.metrics.RecordEventDropped(ctx, reason)
	r.metrics.ConnectedDevices.Add(ctx, -1)
	if removed > 0 {
		r.metrics.ActiveSubscriptions.Add(ctx, -int64(removed))
	}

	if r.onDrop != nil {
		r.onDrop(d.id, reason)
	}
}
