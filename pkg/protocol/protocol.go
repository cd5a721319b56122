// Package protocol defines the wire types shared by the Tiflis Code
// workstation and every connected client.
//
// These types form the lingua franca between the workstation's session
// router and the mobile, watch and web clients on the far side of the
// tunnel. All traffic is JSON text frames carrying a single [Envelope]
// whose Type field selects the payload shape from a closed registry; the
// codec in this package validates both ingress and egress against it.
package protocol

import (
	"encoding/json"
	"strings"
	"time"
)

// Version is the protocol version reported on connected and auth.success.
// Clients with a different major version must surface an error instead of
// attempting commands.
const Version = "1.13"

// Envelope is the top-level wire format for every message on the tunnel.
//
// SessionID is set when the message is scoped to one session. DeviceID is
// injected by the tunnel on ingress to the workstation; clients never set
// it and the workstation trusts no other source for it.
//
// Sequence, StreamingMessageID and IsComplete are only meaningful on
// streaming output events (session.output, supervisor.output and replayed
// frames): Sequence is the per-session monotonic counter, StreamingMessageID
// identifies one in-progress assistant message across all devices, and
// IsComplete marks its terminal frame.
type Envelope struct {
	Type               string          `json:"type"`
	ID                 string          `json:"id,omitempty"`
	SessionID          string          `json:"session_id,omitempty"`
	DeviceID           string          `json:"device_id,omitempty"`
	Sequence           int64           `json:"sequence,omitempty"`
	StreamingMessageID string          `json:"streaming_message_id,omitempty"`
	IsComplete         bool            `json:"is_complete,omitempty"`
	Timestamp          int64           `json:"timestamp,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
}

// Now returns the current time as the Unix-millisecond timestamp used on
// the wire.
func Now() int64 {
	return time.Now().UnixMilli()
}

// CompatibleVersion reports whether two protocol versions share a major
// component. Minor differences are tolerated; unknown optional fields are
// ignored by the codec anyway.
func CompatibleVersion(a, b string) bool {
	major := func(v string) string {
		if i := strings.IndexByte(v, '.'); i >= 0 {
			return v[:i]
		}
		return v
	}
	return major(a) != "" && major(a) == major(b)
}

// Message types: client to workstation.
const (
	TypeConnect = "connect" // tunnel handshake, both legs
	TypeAuth    = "auth"

	TypeHeartbeat = "heartbeat"

	TypeSupervisorCommand          = "supervisor.command"
	TypeSupervisorCancel           = "supervisor.cancel"
	TypeSupervisorClearContext     = "supervisor.clear_context"
	TypeSupervisorCreateSession    = "supervisor.create_session"
	TypeSupervisorTerminateSession = "supervisor.terminate_session"
	TypeSupervisorListSessions     = "supervisor.list_sessions"

	TypeSessionSubscribe   = "session.subscribe"
	TypeSessionUnsubscribe = "session.unsubscribe"
	TypeSessionExecute     = "session.execute"
	TypeSessionCancel      = "session.cancel"
	TypeSessionInput       = "session.input"
	TypeSessionResize      = "session.resize"
	TypeSessionReplay      = "session.replay"

	TypeHistoryRequest = "history.request"
	TypeAudioRequest   = "audio.request"
	TypeSync           = "sync"
)

// Message types: workstation to client.
const (
	TypeConnected    = "connected"
	TypeAuthSuccess  = "auth.success"
	TypeAuthError    = "auth.error"
	TypeHeartbeatAck = "heartbeat.ack"

	TypeSupervisorOutput         = "supervisor.output"
	TypeSupervisorUserMessage    = "supervisor.user_message"
	TypeSupervisorTranscription  = "supervisor.transcription"
	TypeSupervisorVoiceOutput    = "supervisor.voice_output"
	TypeSupervisorContextCleared = "supervisor.context_cleared"
	TypeSupervisorSessions       = "supervisor.sessions"

	TypeSessionCreated       = "session.created"
	TypeSessionTerminated    = "session.terminated"
	TypeSessionSubscribed    = "session.subscribed"
	TypeSessionOutput        = "session.output"
	TypeSessionUserMessage   = "session.user_message"
	TypeSessionTranscription = "session.transcription"
	TypeSessionVoiceOutput   = "session.voice_output"
	TypeSessionResized       = "session.resized"
	TypeSessionReplayData    = "session.replay.data"

	TypeHistoryResponse = "history.response"
	TypeAudioResponse   = "audio.response"
	TypeSyncState       = "sync.state"
	TypeMessageAck      = "message.ack"
	TypeError           = "error"

	TypeWorkstationOffline = "connection.workstation_offline"
	TypeWorkstationOnline  = "connection.workstation_online"
)

// Message types: tunnel control frames on the workstation leg.
const (
	TypePing = "ping"
	TypePong = "pong"
)

// Message types: watch relay, carried on the local peer channel between a
// watch and its paired phone, never on the tunnel.
const (
	TypeRelayConnect         = "relay.connect"
	TypeRelayDisconnect      = "relay.disconnect"
	TypeRelayMessage         = "relay.message"
	TypeRelaySync            = "relay.sync"
	TypeRelayResponse        = "relay.response"
	TypeRelayConnectionState = "relay.connectionState"
)

// Session kinds.
const (
	KindSupervisor = "supervisor"
	KindAgent      = "agent"
	KindTerminal   = "terminal"
)

// SupervisorSessionID is the id of the singleton supervisor session.
const SupervisorSessionID = "supervisor"

// Session statuses.
const (
	StatusActive     = "active"
	StatusIdle       = "idle"
	StatusBusy       = "busy"
	StatusTerminated = "terminated"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message content types.
const (
	ContentText          = "text"
	ContentAudio         = "audio"
	ContentTranscription = "transcription"
)

// Audio directions for audio.request / audio.response.
const (
	AudioInput  = "input"
	AudioOutput = "output"
)

// Session describes one session's metadata as sent to clients.
type Session struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	WorkingDir     string `json:"working_dir,omitempty"`
	Workspace      string `json:"workspace,omitempty"`
	Project        string `json:"project,omitempty"`
	Worktree       string `json:"worktree,omitempty"`
	AgentName      string `json:"agent_name,omitempty"`
	Cols           int    `json:"cols,omitempty"`
	Rows           int    `json:"rows,omitempty"`
	CreatedAt      int64  `json:"created_at"`
	LastActivityAt int64  `json:"last_activity_at,omitempty"`
}

// Message is one entry of a session's durable log as sent to clients in
// history.response, sync.state and session.subscribed payloads. Audio
// bytes never travel inline; HasAudioInput/HasAudioOutput advertise that
// a blob can be fetched with audio.request.
type Message struct {
	ID             string         `json:"id"`
	SessionID      string         `json:"session_id"`
	Sequence       int64          `json:"sequence"`
	Role           string         `json:"role"`
	ContentType    string         `json:"content_type"`
	Content        string         `json:"content,omitempty"`
	ContentBlocks  []ContentBlock `json:"content_blocks,omitempty"`
	HasAudioInput  bool           `json:"has_audio_input,omitempty"`
	HasAudioOutput bool           `json:"has_audio_output,omitempty"`
	IsComplete     bool           `json:"is_complete"`
	Timestamp      int64          `json:"timestamp"`
}

// OutputEvent is one sequenced output frame inside session.replay.data.
// Live frames travel as session.output / supervisor.output envelopes
// instead, with the same fields hoisted onto the envelope.
type OutputEvent struct {
	Sequence           int64          `json:"sequence"`
	MessageID          string         `json:"message_id,omitempty"`
	StreamingMessageID string         `json:"streaming_message_id,omitempty"`
	IsComplete         bool           `json:"is_complete,omitempty"`
	Timestamp          int64          `json:"timestamp"`
	Role               string         `json:"role,omitempty"`
	ContentType        string         `json:"content_type"`
	Content            string         `json:"content,omitempty"`
	ContentBlocks      []ContentBlock `json:"content_blocks,omitempty"`
}

// Subscription is the wire form of one device-to-session subscription.
type Subscription struct {
	DeviceID     string `json:"device_id"`
	SessionID    string `json:"session_id"`
	SubscribedAt int64  `json:"subscribed_at,omitempty"`
}

// WorkspaceProject is one project inside a workspace.
type WorkspaceProject struct {
	Name          string `json:"name"`
	Path          string `json:"path"`
	DefaultBranch string `json:"default_branch,omitempty"`
}

// Workspace is one entry of the workspace tree reported in sync.state.
type Workspace struct {
	Name     string             `json:"name"`
	Path     string             `json:"path"`
	Projects []WorkspaceProject `json:"projects,omitempty"`
}

// StreamingState reports the in-progress assistant message of one session
// so a late subscriber converges on the same record as everyone else.
type StreamingState struct {
	SessionID          string         `json:"session_id"`
	StreamingMessageID string         `json:"streaming_message_id"`
	ContentBlocks      []ContentBlock `json:"content_blocks,omitempty"`
}
