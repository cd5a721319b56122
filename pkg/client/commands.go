package client

import (
	"context"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// SupervisorCommand sends one natural-language command to the supervisor.
// The returned id identifies the message in the supervisor log, where it
// shows as pending until the workstation acks it.
func (c *Client) SupervisorCommand(ctx context.Context, content string) (string, SendResult, error) {
	messageID := newID()
	c.rec.TrackPending(protocol.SupervisorSessionID, messageID, content)
	res, err := c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSupervisorCommand, ID: newID()},
		&protocol.SupervisorCommandPayload{Content: content, MessageID: messageID})
	if err != nil {
		c.rec.FailPending(messageID)
	}
	return messageID, res, err
}

// Execute sends one prompt to an agent session.
func (c *Client) Execute(ctx context.Context, sessionID, content string) (string, SendResult, error) {
	messageID := newID()
	c.rec.TrackPending(sessionID, messageID, content)
	res, err := c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionExecute, ID: newID(), SessionID: sessionID},
		&protocol.ExecutePayload{Content: content, MessageID: messageID})
	if err != nil {
		c.rec.FailPending(messageID)
	}
	return messageID, res, err
}

// CancelSupervisor interrupts the running supervisor command.
func (c *Client) CancelSupervisor(ctx context.Context) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSupervisorCancel, ID: newID()},
		&protocol.EmptyPayload{})
}

// CancelSession interrupts the running execution of one agent session.
func (c *Client) CancelSession(ctx context.Context, sessionID string) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionCancel, ID: newID(), SessionID: sessionID},
		&protocol.EmptyPayload{})
}

// ClearContext asks the supervisor to drop its conversation context.
func (c *Client) ClearContext(ctx context.Context) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSupervisorClearContext, ID: newID()},
		&protocol.EmptyPayload{})
}

// CreateSession asks the workstation to start a new agent or terminal
// session.
func (c *Client) CreateSession(ctx context.Context, req protocol.CreateSessionPayload) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSupervisorCreateSession, ID: newID()},
		&req)
}

// TerminateSession asks the workstation to end one session.
func (c *Client) TerminateSession(ctx context.Context, sessionID string) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSupervisorTerminateSession, ID: newID()},
		&protocol.TerminateSessionPayload{SessionID: sessionID})
}

// ListSessions requests the session list, optionally filtered by kind.
// The result arrives as a supervisor.sessions frame and lands in Sessions.
func (c *Client) ListSessions(ctx context.Context, kind string) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSupervisorListSessions, ID: newID()},
		&protocol.ListSessionsPayload{Type: kind})
}

// Subscribe attaches this device to a session's output feed. The session
// joins the desired set restored after every reconnect.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (SendResult, error) {
	c.mu.Lock()
	c.subs[sessionID] = true
	c.mu.Unlock()
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionSubscribe, ID: newID(), SessionID: sessionID},
		&protocol.EmptyPayload{})
}

// Unsubscribe detaches this device from a session's output feed and from
// the desired set.
func (c *Client) Unsubscribe(ctx context.Context, sessionID string) (SendResult, error) {
	c.mu.Lock()
	delete(c.subs, sessionID)
	c.mu.Unlock()
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionUnsubscribe, ID: newID(), SessionID: sessionID},
		&protocol.EmptyPayload{})
}

// Input writes raw bytes to a terminal session's PTY.
func (c *Client) Input(ctx context.Context, sessionID, data string) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionInput, ID: newID(), SessionID: sessionID},
		&protocol.InputPayload{Data: data})
}

// Resize changes a terminal session's geometry. Resizes are never queued;
// a stale geometry is worse than none.
func (c *Client) Resize(ctx context.Context, sessionID string, cols, rows int) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionResize, ID: newID(), SessionID: sessionID},
		&protocol.ResizePayload{Cols: cols, Rows: rows})
}

// RequestReplay asks for the sequenced events after sinceSeq.
func (c *Client) RequestReplay(ctx context.Context, sessionID string, sinceSeq int64, limit int) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSessionReplay, ID: newID(), SessionID: sessionID},
		&protocol.ReplayPayload{SinceSequence: sinceSeq, Limit: limit})
}

// RequestHistory pages one session's durable log backwards from
// beforeSeq; zero means newest.
func (c *Client) RequestHistory(ctx context.Context, sessionID string, beforeSeq int64, limit int) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeHistoryRequest, ID: newID(), SessionID: sessionID},
		&protocol.HistoryRequestPayload{BeforeSequence: beforeSeq, Limit: limit})
}

// RequestSync asks for a fresh sync.state snapshot.
func (c *Client) RequestSync(ctx context.Context, lightweight bool) (SendResult, error) {
	return c.Send(ctx,
		&protocol.Envelope{Type: protocol.TypeSync, ID: newID()},
		&protocol.SyncPayload{Lightweight: lightweight})
}
