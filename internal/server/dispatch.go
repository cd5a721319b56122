package server

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/internal/router"
	"github.com/tiflis-io/tiflis-code/internal/session"
	"github.com/tiflis-io/tiflis-code/internal/workspace"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// dispatch routes one ingress frame. Tunnel control frames are handled
// inline; everything else must carry the tunnel-injected device id and, for
// all types but auth, an authenticated device.
func (s *Server) dispatch(ctx context.Context, data []byte) {
	start := time.Now()
	env, payload, err := protocol.Decode(data)
	if err != nil {
		if env != nil && env.DeviceID != "" {
			s.replyErr(ctx, env, protocol.CodeInvalidPayload, err.Error())
		} else {
			slog.Warn("undeliverable ingress frame", "error", err)
		}
		return
	}
	defer func() {
		s.metrics.RecordDispatch(ctx, env.Type, time.Since(start))
	}()

	switch env.Type {
	case protocol.TypePing:
		s.handlePing(ctx, env)
		return
	case protocol.TypePong:
		s.lastPong.Store(time.Now().UnixMilli())
		return
	case protocol.TypeWorkstationOffline, protocol.TypeWorkstationOnline:
		// Tunnel-to-client notifications; nothing for the workstation leg.
		return
	}

	if env.DeviceID == "" {
		slog.Warn("ingress frame without device id", "type", env.Type)
		return
	}
	if env.Type == protocol.TypeAuth {
		s.handleAuth(ctx, env, payload.(*protocol.AuthPayload))
		return
	}
	if !s.isAuthed(env.DeviceID) {
		s.metrics.RecordAuthFailure(ctx, "unauthenticated")
		s.replyErr(ctx, env, protocol.CodeInvalidAuthKey, "device not authenticated")
		return
	}

	switch p := payload.(type) {
	case *protocol.HeartbeatPayload:
		s.handleHeartbeat(ctx, env, p)
	case *protocol.SupervisorCommandPayload:
		s.handleSupervisorCommand(ctx, env, p)
	case *protocol.CreateSessionPayload:
		s.handleCreateSession(ctx, env, p)
	case *protocol.TerminateSessionPayload:
		s.handleTerminateSession(ctx, env, p)
	case *protocol.ListSessionsPayload:
		s.handleListSessions(ctx, env, p)
	case *protocol.ExecutePayload:
		s.handleExecute(ctx, env, p)
	case *protocol.InputPayload:
		s.handleInput(ctx, env, p)
	case *protocol.ResizePayload:
		s.handleResize(ctx, env, p)
	case *protocol.ReplayPayload:
		s.handleReplay(ctx, env, p)
	case *protocol.HistoryRequestPayload:
		s.handleHistory(ctx, env, p)
	case *protocol.AudioRequestPayload:
		s.handleAudioRequest(ctx, env, p)
	case *protocol.SyncPayload:
		s.handleSync(ctx, env, p)
	case *protocol.EmptyPayload:
		// Bodiless commands are told apart by type alone.
		switch env.Type {
		case protocol.TypeSupervisorCancel:
			s.handleCancel(ctx, env, protocol.SupervisorSessionID)
		case protocol.TypeSupervisorClearContext:
			s.handleClearContext(ctx, env)
		case protocol.TypeSessionSubscribe:
			s.handleSubscribe(ctx, env)
		case protocol.TypeSessionUnsubscribe:
			s.handleUnsubscribe(ctx, env)
		case protocol.TypeSessionCancel:
			s.handleCancel(ctx, env, env.SessionID)
		default:
			s.replyErr(ctx, env, protocol.CodeInvalidPayload, "unsupported message type "+env.Type)
		}
	default:
		s.replyErr(ctx, env, protocol.CodeInvalidPayload, "unsupported message type "+env.Type)
	}
}

func (s *Server) handlePing(ctx context.Context, env *protocol.Envelope) {
	pong := &protocol.Envelope{Type: protocol.TypePong, ID: env.ID}
	if err := s.send(ctx, pong, nil); err != nil {
		slog.Warn("pong failed", "error", err)
	}
}

// handleAuth verifies the device's key and identity claim, attaches it to
// the router, restores its persisted subscriptions and answers
// auth.success. Re-authenticating is idempotent and re-attaches the device.
func (s *Server) handleAuth(ctx context.Context, env *protocol.Envelope, p *protocol.AuthPayload) {
	if p.AuthKey != s.authKey {
		s.metrics.RecordAuthFailure(ctx, "bad_key")
		s.replyErr(ctx, env, protocol.CodeInvalidAuthKey, "invalid auth key")
		return
	}
	if p.DeviceID != env.DeviceID {
		s.metrics.RecordAuthFailure(ctx, "device_mismatch")
		s.replyErr(ctx, env, protocol.CodeInvalidAuthKey, "device id does not match connection")
		return
	}

	s.markAuthed(env.DeviceID)
	s.router.AttachDevice(env.DeviceID, &deviceSink{s: s, id: env.DeviceID})

	restored, err := s.router.RestoreSubscriptions(ctx, env.DeviceID)
	if err != nil {
		slog.Warn("restore subscriptions failed", "device_id", env.DeviceID, "error", err)
	}
	if restored == nil {
		restored = []string{}
	}

	s.reply(ctx, env.DeviceID, "", protocol.TypeAuthSuccess, &protocol.AuthSuccessPayload{
		DeviceID:              env.DeviceID,
		WorkstationName:       s.name,
		WorkstationVersion:    s.version,
		ProtocolVersion:       protocol.Version,
		WorkspacesRoot:        s.catalog.Root(),
		RestoredSubscriptions: restored,
	})
	slog.Info("device authenticated", "device_id", env.DeviceID, "restored_subscriptions", len(restored))
}

func (s *Server) handleHeartbeat(ctx context.Context, env *protocol.Envelope, p *protocol.HeartbeatPayload) {
	s.reply(ctx, env.DeviceID, "", protocol.TypeHeartbeatAck, &protocol.HeartbeatAckPayload{
		ID:                  p.ID,
		Timestamp:           protocol.Now(),
		WorkstationUptimeMS: s.uptime(),
	})
}

// handleSupervisorCommand runs one user turn on the supervisor session:
// claim the busy slot, persist and fan out the user message, ack it, then
// hand the turn to the agent runtime.
func (s *Server) handleSupervisorCommand(ctx context.Context, env *protocol.Envelope, p *protocol.SupervisorCommandPayload) {
	s.execute(ctx, env, protocol.SupervisorSessionID, protocol.TypeSupervisorUserMessage, p.MessageID, p.Content)
}

// handleExecute runs one user turn on an agent session.
func (s *Server) handleExecute(ctx context.Context, env *protocol.Envelope, p *protocol.ExecutePayload) {
	sess, err := s.registry.Get(env.SessionID)
	if err != nil {
		s.replyErr(ctx, env, protocol.CodeSessionNotFound, "unknown session "+env.SessionID)
		return
	}
	if sess.Kind == protocol.KindTerminal {
		s.replyErr(ctx, env, protocol.CodeInvalidPayload, "terminal sessions take session.input, not session.execute")
		return
	}
	s.execute(ctx, env, sess.ID, protocol.TypeSessionUserMessage, p.MessageID, p.Content)
}

// execute is the shared turn pipeline for supervisor.command and
// session.execute. The busy slot is claimed before the user message is
// persisted so a rejected command leaves no trace in the log; the ack goes
// out after the durable write, before the turn produces output.
func (s *Server) execute(ctx context.Context, env *protocol.Envelope, sessionID, userMessageType, messageID, content string) {
	if err := s.registry.BeginExecution(ctx, sessionID); err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			s.replyErr(ctx, env, protocol.CodeSessionBusy, "session is executing")
		case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrTerminated):
			s.replyErr(ctx, env, protocol.CodeSessionNotFound, "unknown session "+sessionID)
		default:
			s.replyErr(ctx, env, protocol.CodeInternalError, "begin execution: "+err.Error())
		}
		return
	}

	id := messageID
	if id == "" {
		id = uuid.NewString()
	}
	benv := &protocol.Envelope{Type: userMessageType, SessionID: sessionID}
	err := s.router.Broadcast(ctx, benv, &protocol.UserMessagePayload{
		MessageID:   id,
		Content:     content,
		ContentType: protocol.ContentText,
	})
	if err != nil {
		s.endExecution(ctx, sessionID)
		s.replyErr(ctx, env, protocol.CodeInternalError, "persist user message: "+err.Error())
		return
	}
	if messageID != "" {
		s.reply(ctx, env.DeviceID, "", protocol.TypeMessageAck, &protocol.MessageAckPayload{
			MessageID: messageID,
			Status:    protocol.AckReceived,
		})
	}

	if err := s.registry.Agents().Execute(ctx, sessionID, session.ExecuteInput{
		MessageID:   id,
		Content:     content,
		ContentType: protocol.ContentText,
	}); err != nil {
		s.endExecution(ctx, sessionID)
		s.replyErr(ctx, env, protocol.CodeAgentCommandFailed, "execute: "+err.Error())
	}
}

func (s *Server) endExecution(ctx context.Context, sessionID string) {
	if err := s.registry.EndExecution(ctx, sessionID); err != nil {
		slog.Warn("end execution failed", "session_id", sessionID, "error", err)
	}
}

// handleCancel aborts the target session's in-flight turn. Cancelling an
// idle session is a no-op, matching the runtime contract.
func (s *Server) handleCancel(ctx context.Context, env *protocol.Envelope, sessionID string) {
	sess, err := s.registry.Get(sessionID)
	if err != nil {
		s.replyErr(ctx, env, protocol.CodeSessionNotFound, "unknown session "+sessionID)
		return
	}
	if sess.Kind == protocol.KindTerminal {
		s.replyErr(ctx, env, protocol.CodeInvalidPayload, "terminal sessions have no execution to cancel")
		return
	}
	if err := s.registry.Agents().Cancel(ctx, sessionID); err != nil {
		s.replyErr(ctx, env, protocol.CodeAgentCommandFailed, "cancel: "+err.Error())
	}
}

// handleClearContext discards the supervisor's conversational context and
// announces it. Clearing an already-empty context emits the same event, so
// retries converge.
func (s *Server) handleClearContext(ctx context.Context, env *protocol.Envelope) {
	if err := s.registry.Agents().ClearContext(ctx, protocol.SupervisorSessionID); err != nil {
		s.replyErr(ctx, env, protocol.CodeAgentCommandFailed, "clear context: "+err.Error())
		return
	}
	err := s.router.NotifySession(&protocol.Envelope{
		Type:      protocol.TypeSupervisorContextCleared,
		SessionID: protocol.SupervisorSessionID,
	}, &protocol.EmptyPayload{})
	if err != nil {
		slog.Warn("announce context cleared failed", "error", err)
	}
}

// handleCreateSession resolves the request's workspace and agent references
// and creates the session. The session.created announcement fans out through
// the registry event wiring, not from here.
func (s *Server) handleCreateSession(ctx context.Context, env *protocol.Envelope, p *protocol.CreateSessionPayload) {
	spec := session.CreateSpec{
		Kind:       p.Type,
		Workspace:  p.Workspace,
		Project:    p.Project,
		Worktree:   p.Worktree,
		WorkingDir: p.WorkingDir,
		Cols:       p.Cols,
		Rows:       p.Rows,
	}

	if p.Type == protocol.KindAgent && p.AgentName == "" {
		s.replyErr(ctx, env, protocol.CodeInvalidPayload, "agent_name is required for agent sessions")
		return
	}
	if p.AgentName != "" {
		agent, err := s.catalog.ResolveAgent(p.AgentName)
		if err != nil {
			s.replyErr(ctx, env, protocol.CodeSessionCreationFailed, err.Error())
			return
		}
		spec.AgentName = p.AgentName
		spec.BaseType = agent.BaseType
	}

	if p.Workspace != "" {
		dir, err := s.catalog.ResolvePath(p.Workspace, p.Project)
		switch {
		case errors.Is(err, workspace.ErrWorkspaceNotFound):
			s.replyErr(ctx, env, protocol.CodeWorkspaceNotFound, err.Error())
			return
		case errors.Is(err, workspace.ErrProjectNotFound):
			s.replyErr(ctx, env, protocol.CodeProjectNotFound, err.Error())
			return
		case err != nil:
			s.replyErr(ctx, env, protocol.CodeSessionCreationFailed, err.Error())
			return
		}
		if spec.WorkingDir == "" {
			spec.WorkingDir = dir
		}
	}

	sess, err := s.registry.Create(ctx, spec)
	switch {
	case errors.Is(err, session.ErrLimitReached):
		s.replyErr(ctx, env, protocol.CodeSessionLimitReached, "session limit reached")
		return
	case err != nil:
		s.replyErr(ctx, env, protocol.CodeSessionCreationFailed, err.Error())
		return
	}
	slog.Info("session created",
		"session_id", sess.ID,
		"kind", sess.Kind,
		"agent", sess.AgentName,
		"device_id", env.DeviceID,
	)
}

// handleTerminateSession tears the session down. Termination is idempotent:
// an unknown or already-terminated id is silently accepted, so a client
// retrying over a flaky link converges without a special case.
func (s *Server) handleTerminateSession(ctx context.Context, env *protocol.Envelope, p *protocol.TerminateSessionPayload) {
	err := s.registry.Terminate(ctx, p.SessionID, session.ReasonUserRequest)
	switch {
	case errors.Is(err, session.ErrSupervisor):
		s.replyErr(ctx, env, protocol.CodeInvalidPayload, "the supervisor session cannot be terminated")
	case err != nil:
		s.replyErr(ctx, env, protocol.CodeInternalError, "terminate: "+err.Error())
	}
}

func (s *Server) handleListSessions(ctx context.Context, env *protocol.Envelope, p *protocol.ListSessionsPayload) {
	var sessions []session.Session
	if p.Type == "" {
		sessions = s.registry.List()
	} else {
		sessions = s.registry.ListByKind(p.Type)
	}
	wire := make([]protocol.Session, len(sessions))
	for i, sess := range sessions {
		wire[i] = sess.Wire()
	}
	s.reply(ctx, env.DeviceID, "", protocol.TypeSupervisorSessions, &protocol.SessionsPayload{Sessions: wire})
}

// handleSubscribe adds the device to the session's fan-out set. The
// snapshot frame is assembled and queued by the router.
func (s *Server) handleSubscribe(ctx context.Context, env *protocol.Envelope) {
	sess, err := s.registry.Get(env.SessionID)
	if err != nil {
		s.replyErr(ctx, env, protocol.CodeSessionNotFound, "unknown session "+env.SessionID)
		return
	}
	if err := s.router.Subscribe(ctx, env.DeviceID, sess.Wire()); err != nil {
		s.subscriptionErr(ctx, env, err)
	}
}

func (s *Server) handleUnsubscribe(ctx context.Context, env *protocol.Envelope) {
	if err := s.router.Unsubscribe(ctx, env.DeviceID, env.SessionID); err != nil {
		slog.Debug("unsubscribe", "device_id", env.DeviceID, "session_id", env.SessionID, "error", err)
	}
}

func (s *Server) handleInput(ctx context.Context, env *protocol.Envelope, p *protocol.InputPayload) {
	sess, err := s.registry.Get(env.SessionID)
	if err != nil {
		s.replyErr(ctx, env, protocol.CodeSessionNotFound, "unknown session "+env.SessionID)
		return
	}
	if sess.Kind != protocol.KindTerminal {
		s.replyErr(ctx, env, protocol.CodeInvalidPayload, "session.input targets terminal sessions")
		return
	}
	if err := s.registry.Terminals().Input(ctx, sess.ID, p.Data); err != nil {
		s.replyErr(ctx, env, protocol.CodeInternalError, "input: "+err.Error())
		return
	}
	s.registry.Touch(sess.ID)
}

// handleResize applies the terminal's new dimensions and announces them to
// subscribers. Latest request wins; there is no resize queue.
func (s *Server) handleResize(ctx context.Context, env *protocol.Envelope, p *protocol.ResizePayload) {
	sess, err := s.registry.Get(env.SessionID)
	if err != nil {
		s.replyErr(ctx, env, protocol.CodeSessionNotFound, "unknown session "+env.SessionID)
		return
	}
	if sess.Kind != protocol.KindTerminal {
		s.replyErr(ctx, env, protocol.CodeInvalidPayload, "session.resize targets terminal sessions")
		return
	}
	if err := s.registry.Terminals().Resize(ctx, sess.ID, p.Cols, p.Rows); err != nil {
		s.replyErr(ctx, env, protocol.CodeInternalError, "resize: "+err.Error())
		return
	}
	if err := s.registry.SetTerminalSize(sess.ID, p.Cols, p.Rows); err != nil {
		slog.Warn("record terminal size failed", "session_id", sess.ID, "error", err)
	}
	err = s.router.NotifySession(&protocol.Envelope{
		Type:      protocol.TypeSessionResized,
		SessionID: sess.ID,
	}, &protocol.ResizedPayload{Cols: p.Cols, Rows: p.Rows})
	if err != nil {
		slog.Warn("announce resize failed", "session_id", sess.ID, "error", err)
	}
}

func (s *Server) handleReplay(ctx context.Context, env *protocol.Envelope, p *protocol.ReplayPayload) {
	q := history.ReplayQuery{SinceSequence: p.SinceSequence, Limit: p.Limit}
	if p.SinceTimestamp > 0 {
		q.SinceTimestamp = time.UnixMilli(p.SinceTimestamp)
	}
	if err := s.router.Replay(ctx, env.DeviceID, env.SessionID, q); err != nil {
		s.subscriptionErr(ctx, env, err)
	}
}

func (s *Server) handleHistory(ctx context.Context, env *protocol.Envelope, p *protocol.HistoryRequestPayload) {
	if err := s.router.History(ctx, env.DeviceID, env.SessionID, p.BeforeSequence, p.Limit); err != nil {
		s.subscriptionErr(ctx, env, err)
	}
}

// subscriptionErr maps router lookup failures for subscribe, replay and
// history requests.
func (s *Server) subscriptionErr(ctx context.Context, env *protocol.Envelope, err error) {
	switch {
	case errors.Is(err, router.ErrUnknownSession):
		s.replyErr(ctx, env, protocol.CodeSessionNotFound, "unknown session "+env.SessionID)
	case errors.Is(err, router.ErrUnknownDevice):
		// The router dropped this device; force a re-auth.
		s.DeviceDropped(env.DeviceID, "stale request")
		s.replyErr(ctx, env, protocol.CodeInvalidAuthKey, "device not attached, authenticate again")
	default:
		s.replyErr(ctx, env, protocol.CodeInternalError, err.Error())
	}
}

// handleAudioRequest serves one stored voice blob, base64-encoded. Lookup
// failures answer inside the audio.response payload rather than a bare
// error frame, so the client's one-shot fetch can settle.
func (s *Server) handleAudioRequest(ctx context.Context, env *protocol.Envelope, p *protocol.AudioRequestPayload) {
	resp := &protocol.AudioResponsePayload{MessageID: p.MessageID, Type: p.Type}

	rec, err := s.store.Message(ctx, p.MessageID)
	if err != nil {
		resp.Error = &protocol.ErrorPayload{
			Code:    protocol.CodeInternalError,
			Message: "audio unavailable",
			Details: map[string]any{"message_id": p.MessageID, "reason": "message not found"},
		}
		s.reply(ctx, env.DeviceID, "", protocol.TypeAudioResponse, resp)
		return
	}

	data, format, err := s.audio.Load(p.Type, rec.SessionID, p.MessageID)
	if err != nil {
		resp.Error = &protocol.ErrorPayload{
			Code:    protocol.CodeInternalError,
			Message: "audio unavailable",
			Details: map[string]any{"message_id": p.MessageID, "reason": "blob not found"},
		}
		s.reply(ctx, env.DeviceID, "", protocol.TypeAudioResponse, resp)
		return
	}
	resp.Data = base64.StdEncoding.EncodeToString(data)
	resp.Format = format
	s.reply(ctx, env.DeviceID, "", protocol.TypeAudioResponse, resp)
}

// handleSync assembles the full state snapshot a client boots from.
func (s *Server) handleSync(ctx context.Context, env *protocol.Envelope, p *protocol.SyncPayload) {
	state := &protocol.SyncStatePayload{Lightweight: p.Lightweight}

	sessions := s.registry.List()
	state.Sessions = make([]protocol.Session, len(sessions))
	for i, sess := range sessions {
		state.Sessions[i] = sess.Wire()
	}

	state.Subscriptions = s.router.SubscriptionsOf(env.DeviceID)
	if state.Subscriptions == nil {
		state.Subscriptions = []string{}
	}

	if !p.Lightweight {
		msgs, _, err := s.store.History(ctx, protocol.SupervisorSessionID, 0, history.DefaultHistoryPage)
		if err != nil {
			slog.Warn("sync: supervisor history window failed", "error", err)
		} else {
			state.SupervisorHistory = history.WireAll(msgs)
		}
	}

	state.Streaming = s.router.StreamingStates()
	state.AgentAliases = s.catalog.Aliases()
	state.HiddenAgentTypes = s.catalog.HiddenTypes()

	tree, err := s.catalog.Tree()
	if err != nil {
		slog.Warn("sync: workspace tree scan failed", "error", err)
	} else {
		state.Workspaces = tree
	}

	s.reply(ctx, env.DeviceID, "", protocol.TypeSyncState, state)
}
