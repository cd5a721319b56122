package client_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tiflis-io/tiflis-code/internal/resilience"
	"github.com/tiflis-io/tiflis-code/pkg/client"
	"github.com/tiflis-io/tiflis-code/pkg/client/mock"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

const frameWait = 2 * time.Second

var frameSeq atomic.Int64

func frameID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, frameSeq.Add(1))
}

// harness runs one client against a scripted transport and records its
// state transitions.
type harness struct {
	t         *testing.T
	client    *client.Client
	transport *mock.Transport
	states    chan client.Status
	done      chan error
	waitOnce  sync.Once
	runErr    error
}

func newHarness(t *testing.T, heartbeat time.Duration, conns ...*mock.Conn) *harness {
	t.Helper()
	transport := mock.NewTransport(conns...)
	c, err := client.New(client.Config{
		URL:               "wss://tunnel.test/t/tn-1",
		TunnelID:          "tn-1",
		AuthKey:           "secret-key",
		DeviceID:          "dev-1",
		HeartbeatInterval: heartbeat,
		Transport:         transport,
		Backoff:           resilience.Backoff{Min: 5 * time.Millisecond, Max: 20 * time.Millisecond, Jitter: -1},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h := &harness{
		t:         t,
		client:    c,
		transport: transport,
		states:    make(chan client.Status, 64),
		done:      make(chan error, 1),
	}
	h.client.OnState(func(st client.Status) {
		select {
		case h.states <- st:
		default:
		}
	})
	ctx, cancel := context.WithCancel(t.Context())
	go func() { h.done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		h.wait()
	})
	return h
}

// wait blocks until Run returns and memoizes its error.
func (h *harness) wait() error {
	h.waitOnce.Do(func() {
		select {
		case h.runErr = <-h.done:
		case <-time.After(frameWait):
			h.t.Error("client did not stop within deadline")
			h.runErr = errors.New("run still blocked")
		}
	})
	return h.runErr
}

// next pops client frames from conn until one of the wanted type arrives.
func (h *harness) next(conn *mock.Conn, typ string) (*protocol.Envelope, protocol.Payload) {
	h.t.Helper()
	deadline := time.Now().Add(frameWait)
	for {
		remain := time.Until(deadline)
		if remain <= 0 {
			h.t.Fatalf("no %s frame within %v", typ, frameWait)
		}
		data, err := conn.Pop(remain)
		if err != nil {
			h.t.Fatalf("waiting for %s: %v", typ, err)
		}
		env, payload, err := protocol.Decode(data)
		if err != nil {
			h.t.Fatalf("decode client frame: %v", err)
		}
		if env.Type == typ {
			return env, payload
		}
	}
}

func (h *harness) push(conn *mock.Conn, env *protocol.Envelope, payload protocol.Payload) {
	h.t.Helper()
	data, err := protocol.Encode(env, payload)
	if err != nil {
		h.t.Fatalf("encode %s: %v", env.Type, err)
	}
	if err := conn.Push(data); err != nil {
		h.t.Fatalf("push %s: %v", env.Type, err)
	}
}

// accept walks one connection through tunnel registration and workstation
// auth, optionally restoring subscriptions.
func (h *harness) accept(conn *mock.Conn, restored ...string) {
	h.t.Helper()
	env, payload := h.next(conn, protocol.TypeConnect)
	req := payload.(*protocol.ConnectPayload)
	if req.TunnelID != "tn-1" || req.AuthKey != "secret-key" || req.DeviceID != "dev-1" {
		h.t.Fatalf("connect payload = %+v", req)
	}
	h.push(conn, &protocol.Envelope{Type: protocol.TypeConnected, ID: env.ID},
		&protocol.ConnectedPayload{TunnelID: "tn-1", ProtocolVersion: protocol.Version})

	_, payload = h.next(conn, protocol.TypeAuth)
	auth := payload.(*protocol.AuthPayload)
	if auth.AuthKey != "secret-key" || auth.DeviceID != "dev-1" {
		h.t.Fatalf("auth payload = %+v", auth)
	}
	if restored == nil {
		restored = []string{}
	}
	h.push(conn, &protocol.Envelope{Type: protocol.TypeAuthSuccess, ID: frameID("auth")},
		&protocol.AuthSuccessPayload{
			DeviceID:              "dev-1",
			WorkstationName:       "teststation",
			WorkstationVersion:    "0.4.0",
			ProtocolVersion:       protocol.Version,
			WorkspacesRoot:        "/home/dev/src",
			RestoredSubscriptions: restored,
		})
}

func (h *harness) awaitState(want client.State) client.Status {
	h.t.Helper()
	deadline := time.After(frameWait)
	for {
		select {
		case st := <-h.states:
			if st.State == want {
				return st
			}
		case <-deadline:
			h.t.Fatalf("state %v not reached, client is %v", want, h.client.Status().State)
		}
	}
}

func await(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(frameWait)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestConnectAuthenticateAndSync(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, time.Hour, conn)
	h.accept(conn)
	h.awaitState(client.StateAuthenticated)

	_, payload := h.next(conn, protocol.TypeSync)
	if p := payload.(*protocol.SyncPayload); p.Lightweight {
		t.Fatal("post-auth sync must be full")
	}

	h.push(conn, &protocol.Envelope{Type: protocol.TypeSyncState, ID: frameID("sync")},
		&protocol.SyncStatePayload{
			Sessions: []protocol.Session{{
				ID:        "sess-1",
				Type:      protocol.KindAgent,
				Status:    protocol.StatusIdle,
				Workspace: "tiflis",
				CreatedAt: 10,
			}},
			Subscriptions: []string{"sess-1"},
			SupervisorHistory: []protocol.Message{{
				ID:          "m1",
				Sequence:    1,
				Role:        protocol.RoleAssistant,
				ContentType: protocol.ContentText,
				Content:     "welcome back",
				IsComplete:  true,
			}},
		})

	await(t, "sync state", func() bool {
		return len(h.client.Sessions()) == 1 &&
			len(h.client.Log(protocol.SupervisorSessionID)) == 1
	})
	if subs := h.client.Subscriptions(); len(subs) != 1 || subs[0] != "sess-1" {
		t.Fatalf("subscriptions = %v", subs)
	}
	if got := h.client.Sessions()[0]; got.ID != "sess-1" || got.Workspace != "tiflis" {
		t.Fatalf("session = %+v", got)
	}
}

func TestHeartbeatVerification(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, 25*time.Millisecond, conn)
	h.accept(conn)
	h.awaitState(client.StateAuthenticated)

	_, payload := h.next(conn, protocol.TypeHeartbeat)
	hb := payload.(*protocol.HeartbeatPayload)
	if hb.ID == "" || hb.Timestamp == 0 {
		t.Fatalf("heartbeat payload = %+v", hb)
	}
	h.push(conn, &protocol.Envelope{Type: protocol.TypeHeartbeatAck, ID: frameID("ack")},
		&protocol.HeartbeatAckPayload{ID: hb.ID, Timestamp: protocol.Now(), WorkstationUptimeMS: 4242})

	st := h.awaitState(client.StateVerified)
	if st.WorkstationUptimeMS != 4242 {
		t.Fatalf("uptime = %d, want 4242", st.WorkstationUptimeMS)
	}
}

func TestHeartbeatDegradesThenReconnects(t *testing.T) {
	conn1, conn2 := mock.NewConn(), mock.NewConn()
	h := newHarness(t, 20*time.Millisecond, conn1, conn2)
	h.accept(conn1)
	h.awaitState(client.StateAuthenticated)

	// answer one probe, then go silent
	_, payload := h.next(conn1, protocol.TypeHeartbeat)
	hb := payload.(*protocol.HeartbeatPayload)
	h.push(conn1, &protocol.Envelope{Type: protocol.TypeHeartbeatAck, ID: frameID("ack")},
		&protocol.HeartbeatAckPayload{ID: hb.ID, Timestamp: protocol.Now()})
	h.awaitState(client.StateVerified)

	h.awaitState(client.StateDegraded)
	h.awaitState(client.StateReconnecting)
	h.accept(conn2)
	h.awaitState(client.StateAuthenticated)
	if dials := h.transport.Dials(); dials != 2 {
		t.Fatalf("dials = %d, want 2", dials)
	}
}

func TestAuthRejectedIsTerminal(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, time.Hour, conn)

	// parked while the link is still handshaking
	if res, err := h.client.Subscribe(context.Background(), "sess-1"); res != client.SendQueued || err != nil {
		t.Fatalf("Subscribe = %v, %v; want queued", res, err)
	}

	env, _ := h.next(conn, protocol.TypeConnect)
	h.push(conn, &protocol.Envelope{Type: protocol.TypeConnected, ID: env.ID},
		&protocol.ConnectedPayload{TunnelID: "tn-1", ProtocolVersion: protocol.Version})
	h.next(conn, protocol.TypeAuth)
	h.push(conn, &protocol.Envelope{Type: protocol.TypeAuthError, ID: frameID("err")},
		&protocol.ErrorPayload{Code: protocol.CodeInvalidAuthKey, Message: "key rotated"})

	if err := h.wait(); !errors.Is(err, client.ErrAuthRejected) {
		t.Fatalf("Run = %v, want ErrAuthRejected", err)
	}
	if st := h.client.Status(); st.State != client.StateError {
		t.Fatalf("state = %v, want error", st.State)
	}
	if dials := h.transport.Dials(); dials != 1 {
		t.Fatalf("dials = %d, rejected auth must not reconnect", dials)
	}

	// rejected credentials park the queue, they do not drop it; commands
	// keep queueing until the user brings a working key
	if _, res, err := h.client.Execute(context.Background(), "sess-1", "make test"); res != client.SendQueued {
		t.Fatalf("Execute after rejection = %v, %v; want queued", res, err)
	}
	if n := h.client.CancelAllPending(); n != 2 {
		t.Fatalf("queued commands after rejection = %d, want 2", n)
	}
}

func TestAuthRejectedQueueSurvivesNewCredentials(t *testing.T) {
	conn1, conn2 := mock.NewConn(), mock.NewConn()
	h := newHarness(t, time.Hour, conn1)

	if res, err := h.client.Subscribe(context.Background(), "sess-1"); res != client.SendQueued || err != nil {
		t.Fatalf("Subscribe = %v, %v; want queued", res, err)
	}

	env, _ := h.next(conn1, protocol.TypeConnect)
	h.push(conn1, &protocol.Envelope{Type: protocol.TypeConnected, ID: env.ID},
		&protocol.ConnectedPayload{TunnelID: "tn-1", ProtocolVersion: protocol.Version})
	h.next(conn1, protocol.TypeAuth)
	h.push(conn1, &protocol.Envelope{Type: protocol.TypeAuthError, ID: frameID("err")},
		&protocol.ErrorPayload{Code: protocol.CodeInvalidAuthKey, Message: "key rotated"})
	if err := h.wait(); !errors.Is(err, client.ErrAuthRejected) {
		t.Fatalf("Run = %v, want ErrAuthRejected", err)
	}

	// a fresh key and a second Run drain what the rejection left parked
	h.client.SetAuthKey("rotated-key")
	h.transport.Append(conn2)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.client.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(frameWait):
			t.Error("second Run did not stop")
		}
	})

	env, _ = h.next(conn2, protocol.TypeConnect)
	h.push(conn2, &protocol.Envelope{Type: protocol.TypeConnected, ID: env.ID},
		&protocol.ConnectedPayload{TunnelID: "tn-1", ProtocolVersion: protocol.Version})
	_, payload := h.next(conn2, protocol.TypeAuth)
	if auth := payload.(*protocol.AuthPayload); auth.AuthKey != "rotated-key" {
		t.Fatalf("auth key = %q, want the replaced credential", auth.AuthKey)
	}
	h.push(conn2, &protocol.Envelope{Type: protocol.TypeAuthSuccess, ID: frameID("auth")},
		&protocol.AuthSuccessPayload{
			DeviceID:              "dev-1",
			ProtocolVersion:       protocol.Version,
			RestoredSubscriptions: []string{},
		})

	env, _ = h.next(conn2, protocol.TypeSessionSubscribe)
	if env.SessionID != "sess-1" {
		t.Fatalf("drained subscribe session = %q, want sess-1", env.SessionID)
	}
}

func TestVersionMismatchIsTerminal(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, time.Hour, conn)

	env, _ := h.next(conn, protocol.TypeConnect)
	h.push(conn, &protocol.Envelope{Type: protocol.TypeConnected, ID: env.ID},
		&protocol.ConnectedPayload{TunnelID: "tn-1", ProtocolVersion: "2.0"})

	if err := h.wait(); !errors.Is(err, client.ErrVersionMismatch) {
		t.Fatalf("Run = %v, want ErrVersionMismatch", err)
	}
	if dials := h.transport.Dials(); dials != 1 {
		t.Fatalf("dials = %d, want 1", dials)
	}

	// a protocol gap never clears, so the queue shuts down with the client
	if res, err := h.client.Subscribe(context.Background(), "sess-1"); res != client.SendFailed || !errors.Is(err, client.ErrQueueClosed) {
		t.Fatalf("Subscribe after version mismatch = %v, %v; want queue closed", res, err)
	}
}

func TestReconnectSetsReconnectFlag(t *testing.T) {
	conn1, conn2 := mock.NewConn(), mock.NewConn()
	h := newHarness(t, time.Hour, conn1, conn2)

	env, payload := h.next(conn1, protocol.TypeConnect)
	if payload.(*protocol.ConnectPayload).Reconnect {
		t.Fatal("first connect must not claim a prior registration")
	}
	h.push(conn1, &protocol.Envelope{Type: protocol.TypeConnected, ID: env.ID},
		&protocol.ConnectedPayload{TunnelID: "tn-1", ProtocolVersion: protocol.Version})
	h.next(conn1, protocol.TypeAuth)
	conn1.Close()

	_, payload = h.next(conn2, protocol.TypeConnect)
	if !payload.(*protocol.ConnectPayload).Reconnect {
		t.Fatal("second connect must set the reconnect flag")
	}
}

func TestSubscriptionRestoreUnion(t *testing.T) {
	conn1, conn2 := mock.NewConn(), mock.NewConn()
	h := newHarness(t, time.Hour, conn1, conn2)
	h.accept(conn1)
	h.awaitState(client.StateAuthenticated)
	h.next(conn1, protocol.TypeSync)

	if res, err := h.client.Subscribe(t.Context(), "sess-a"); res != client.SendSent || err != nil {
		t.Fatalf("Subscribe = %v, %v", res, err)
	}
	h.next(conn1, protocol.TypeSessionSubscribe)
	conn1.Close()

	h.accept(conn2, "sess-b")
	h.awaitState(client.StateAuthenticated)

	// sync first, then catch-up subscribes for what the workstation did
	// not restore on its own
	h.next(conn2, protocol.TypeSync)
	env, _ := h.next(conn2, protocol.TypeSessionSubscribe)
	if env.SessionID != "sess-a" {
		t.Fatalf("resubscribed %q, want sess-a", env.SessionID)
	}
	if _, err := conn2.Pop(100 * time.Millisecond); err == nil {
		t.Fatal("sess-b was restored, no further subscribe expected")
	}

	want := []string{"sess-a", "sess-b"}
	subs := h.client.Subscriptions()
	if len(subs) != 2 || subs[0] != want[0] || subs[1] != want[1] {
		t.Fatalf("subscriptions = %v, want %v", subs, want)
	}
}

func TestQueueDrainAfterAuth(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, time.Hour, conn)

	// issued before the link exists: parked and echoed as pending
	msgID, res, err := h.client.Execute(context.Background(), "sess-1", "make test")
	if res != client.SendQueued || err != nil {
		t.Fatalf("Execute = %v, %v; want queued", res, err)
	}
	if log := h.client.Log("sess-1"); len(log) != 1 || !log[0].Pending {
		t.Fatalf("pending echo = %+v", log)
	}

	h.accept(conn)
	env, payload := h.next(conn, protocol.TypeSessionExecute)
	if env.SessionID != "sess-1" {
		t.Fatalf("drained frame session = %q", env.SessionID)
	}
	p := payload.(*protocol.ExecutePayload)
	if p.Content != "make test" || p.MessageID != msgID {
		t.Fatalf("drained payload = %+v", p)
	}
}

func TestSendFailsFastWithoutLink(t *testing.T) {
	h := newHarness(t, time.Hour) // no scripted conns: every dial fails

	res, err := h.client.Resize(context.Background(), "sess-1", 120, 40)
	if res != client.SendFailed || !errors.Is(err, client.ErrNotAuthenticated) {
		t.Fatalf("Resize = %v, %v", res, err)
	}
	res, err = h.client.CreateSession(context.Background(), protocol.CreateSessionPayload{Type: protocol.KindTerminal})
	if res != client.SendFailed || !errors.Is(err, client.ErrNotAuthenticated) {
		t.Fatalf("CreateSession = %v, %v", res, err)
	}
	if res, err := h.client.Subscribe(context.Background(), "sess-1"); res != client.SendQueued || err != nil {
		t.Fatalf("Subscribe = %v, %v", res, err)
	}
}

func TestWorkstationOnlineFlag(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, time.Hour, conn)
	h.accept(conn)
	h.awaitState(client.StateAuthenticated)

	h.push(conn, &protocol.Envelope{Type: protocol.TypeWorkstationOffline, ID: frameID("ws")}, nil)
	await(t, "workstation offline", func() bool {
		return !h.client.Status().WorkstationOnline
	})
	h.push(conn, &protocol.Envelope{Type: protocol.TypeWorkstationOnline, ID: frameID("ws")}, nil)
	await(t, "workstation online", func() bool {
		return h.client.Status().WorkstationOnline
	})
}

func TestOutputFlowsIntoLog(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, time.Hour, conn)
	h.accept(conn)
	h.awaitState(client.StateAuthenticated)

	h.push(conn, &protocol.Envelope{
		Type: protocol.TypeSessionOutput, ID: frameID("out"), SessionID: "sess-1",
		Sequence: 1, StreamingMessageID: "m1",
	}, &protocol.OutputPayload{Role: protocol.RoleAssistant, ContentType: protocol.ContentText, Content: "Think"})
	h.push(conn, &protocol.Envelope{
		Type: protocol.TypeSessionOutput, ID: frameID("out"), SessionID: "sess-1",
		Sequence: 2, StreamingMessageID: "m1", IsComplete: true,
	}, &protocol.OutputPayload{Role: protocol.RoleAssistant, ContentType: protocol.ContentText, Content: "Thinking done."})

	await(t, "merged streaming message", func() bool {
		log := h.client.Log("sess-1")
		return len(log) == 1 && log[0].IsComplete && log[0].Content == "Thinking done."
	})
}

func TestPingPong(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, time.Hour, conn)
	h.accept(conn)
	h.awaitState(client.StateAuthenticated)

	h.push(conn, &protocol.Envelope{Type: protocol.TypePing, ID: "ping-7"}, nil)
	env, _ := h.next(conn, protocol.TypePong)
	if env.ID != "ping-7" {
		t.Fatalf("pong id = %q, want ping-7", env.ID)
	}
}

func TestMessageAckResolvesPending(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, time.Hour, conn)
	h.accept(conn)
	h.awaitState(client.StateAuthenticated)

	msgID, res, err := h.client.Execute(t.Context(), "sess-1", "go vet ./...")
	if res != client.SendSent || err != nil {
		t.Fatalf("Execute = %v, %v", res, err)
	}
	h.next(conn, protocol.TypeSessionExecute)
	h.push(conn, &protocol.Envelope{Type: protocol.TypeMessageAck, ID: frameID("ack")},
		&protocol.MessageAckPayload{MessageID: msgID, Status: "received"})

	await(t, "ack resolution", func() bool {
		log := h.client.Log("sess-1")
		return len(log) == 1 && !log[0].Pending && !log[0].Failed
	})
}

func TestSessionTerminatedDropsState(t *testing.T) {
	conn := mock.NewConn()
	h := newHarness(t, time.Hour, conn)
	h.accept(conn)
	h.awaitState(client.StateAuthenticated)

	h.push(conn, &protocol.Envelope{Type: protocol.TypeSessionCreated, ID: frameID("sc")},
		&protocol.SessionCreatedPayload{Session: protocol.Session{
			ID: "sess-1", Type: protocol.KindTerminal, Status: protocol.StatusActive, CreatedAt: 5,
		}})
	await(t, "session created", func() bool { return len(h.client.Sessions()) == 1 })

	h.push(conn, &protocol.Envelope{Type: protocol.TypeSessionTerminated, ID: frameID("st"), SessionID: "sess-1"},
		&protocol.SessionTerminatedPayload{Reason: "user_requested"})
	await(t, "session removed", func() bool { return len(h.client.Sessions()) == 0 })
	if subs := h.client.Subscriptions(); len(subs) != 0 {
		t.Fatalf("subscriptions = %v, want none", subs)
	}
}
