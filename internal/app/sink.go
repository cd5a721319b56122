package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/tiflis-io/tiflis-code/internal/router"
	"github.com/tiflis-io/tiflis-code/internal/session"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// supervisorRespawnDelay paces supervisor relaunches so a CLI that dies
// right after start cannot hot-loop.
const supervisorRespawnDelay = 2 * time.Second

// runtimeSink bridges runtime callbacks into the router and the registry.
// Runtimes invoke it from per-process reader goroutines; both targets are
// safe for concurrent use, so the sink carries no state of its own.
//
// Callbacks run on context.Background(): output produced while the run
// context winds down still lands in the durable log.
type runtimeSink struct {
	router       *router.Router
	registry     *session.Registry
	respawnDelay time.Duration
}

// Output broadcasts one runtime output frame to the session's subscribers.
func (s *runtimeSink) Output(sessionID string, out protocol.OutputPayload, streamingID string, complete bool) {
	typ := protocol.TypeSessionOutput
	if sessionID == protocol.SupervisorSessionID {
		typ = protocol.TypeSupervisorOutput
	}
	env := &protocol.Envelope{
		Type:               typ,
		SessionID:          sessionID,
		StreamingMessageID: streamingID,
		IsComplete:         complete,
	}
	if err := s.router.Broadcast(context.Background(), env, &out); err != nil {
		slog.Warn("broadcast runtime output failed",
			"session_id", sessionID,
			"error", err,
		)
	}
}

// ExecutionDone settles the session back to idle when an agent turn ends.
func (s *runtimeSink) ExecutionDone(sessionID string, err error) {
	if err != nil {
		slog.Warn("agent turn failed", "session_id", sessionID, "error", err)
	}
	if err := s.registry.EndExecution(context.Background(), sessionID); err != nil {
		slog.Warn("end execution failed", "session_id", sessionID, "error", err)
	}
}

// CLISessionID records the provider-side context id an agent CLI announced.
func (s *runtimeSink) CLISessionID(sessionID, cliID string) {
	if err := s.registry.SetCLISessionID(sessionID, cliID); err != nil {
		slog.Warn("record cli session id failed", "session_id", sessionID, "error", err)
	}
}

// Exited handles a session process that died on its own. Regular sessions
// are terminated so subscribers get their session.terminated notice; the
// supervisor is relaunched, since exactly one must exist while the
// workstation is up.
func (s *runtimeSink) Exited(sessionID string, err error) {
	if sessionID == protocol.SupervisorSessionID {
		s.respawnSupervisor(err)
		return
	}
	if terr := s.registry.Terminate(context.Background(), sessionID, session.ReasonRuntimeExit); terr != nil {
		slog.Warn("terminate exited session", "session_id", sessionID, "error", terr)
	}
}

// respawnSupervisor relaunches the supervisor CLI under its existing
// registry row. The row outlives the process; a row that is gone means the
// workstation is shutting down and the exit is final.
func (s *runtimeSink) respawnSupervisor(cause error) {
	slog.Error("supervisor process exited, relaunching",
		"error", cause,
		"delay", s.respawnDelay,
	)
	if s.respawnDelay > 0 {
		time.Sleep(s.respawnDelay)
	}

	sess, err := s.registry.Get(protocol.SupervisorSessionID)
	if err != nil {
		return
	}

	ctx := context.Background()
	// A turn in flight when the process died would leave the row busy and
	// block the next command.
	if err := s.registry.EndExecution(ctx, sess.ID); err != nil {
		slog.Warn("settle supervisor status", "error", err)
	}

	err = s.registry.Agents().Start(ctx, session.StartSpec{
		SessionID:  sess.ID,
		Kind:       protocol.KindSupervisor,
		AgentName:  sess.AgentName,
		BaseType:   sess.BaseType,
		WorkingDir: sess.WorkingDir,
	})
	if err != nil {
		slog.Error("supervisor relaunch failed", "error", err)
		return
	}
	slog.Info("supervisor relaunched", "agent", sess.AgentName)
}
