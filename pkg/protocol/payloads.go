package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload is implemented by every registered payload type. Validate
// enforces required fields after decoding; unknown fields are ignored for
// forward compatibility, missing required ones fail.
type Payload interface {
	Validate() error
}

func missingField(name string) error {
	return fmt.Errorf("%w: missing required field %q", ErrInvalidPayload, name)
}

func badField(name, reason string) error {
	return fmt.Errorf("%w: field %q %s", ErrInvalidPayload, name, reason)
}

// EmptyPayload is shared by message types that carry no payload fields.
type EmptyPayload struct{}

func (EmptyPayload) Validate() error { return nil }

// ConnectPayload opens the tunnel handshake. Clients set DeviceID; the
// workstation leg omits it. Reconnect marks a resumed connection so the
// far side can restore routed state instead of starting fresh.
type ConnectPayload struct {
	TunnelID  string `json:"tunnel_id"`
	AuthKey   string `json:"auth_key"`
	DeviceID  string `json:"device_id,omitempty"`
	Reconnect bool   `json:"reconnect,omitempty"`
}

func (p *ConnectPayload) Validate() error {
	if p.TunnelID == "" {
		return missingField("tunnel_id")
	}
	if p.AuthKey == "" {
		return missingField("auth_key")
	}
	return nil
}

// ConnectedPayload acknowledges connect.
type ConnectedPayload struct {
	TunnelID        string `json:"tunnel_id"`
	ProtocolVersion string `json:"protocol_version"`
	Restored        bool   `json:"restored,omitempty"`
}

func (p *ConnectedPayload) Validate() error {
	if p.ProtocolVersion == "" {
		return missingField("protocol_version")
	}
	return nil
}

// AuthPayload authenticates a device against the workstation. DeviceID is
// the client's identity claim; the workstation keys state on the
// tunnel-injected envelope field and rejects a mismatch.
type AuthPayload struct {
	AuthKey  string `json:"auth_key"`
	DeviceID string `json:"device_id"`
}

func (p *AuthPayload) Validate() error {
	if p.AuthKey == "" {
		return missingField("auth_key")
	}
	if p.DeviceID == "" {
		return missingField("device_id")
	}
	return nil
}

// AuthSuccessPayload reports a successful authentication together with the
// workstation identity and the device's server-side subscription set.
type AuthSuccessPayload struct {
	DeviceID              string   `json:"device_id"`
	WorkstationName       string   `json:"workstation_name,omitempty"`
	WorkstationVersion    string   `json:"workstation_version,omitempty"`
	ProtocolVersion       string   `json:"protocol_version"`
	WorkspacesRoot        string   `json:"workspaces_root,omitempty"`
	RestoredSubscriptions []string `json:"restored_subscriptions"`
}

func (p *AuthSuccessPayload) Validate() error {
	if p.DeviceID == "" {
		return missingField("device_id")
	}
	if p.ProtocolVersion == "" {
		return missingField("protocol_version")
	}
	return nil
}

// HeartbeatPayload is the client liveness probe.
type HeartbeatPayload struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

func (p *HeartbeatPayload) Validate() error {
	if p.ID == "" {
		return missingField("id")
	}
	if p.Timestamp <= 0 {
		return badField("timestamp", "must be positive")
	}
	return nil
}

// HeartbeatAckPayload answers a heartbeat with the matching id.
type HeartbeatAckPayload struct {
	ID                  string `json:"id"`
	Timestamp           int64  `json:"timestamp"`
	WorkstationUptimeMS int64  `json:"workstation_uptime_ms"`
}

func (p *HeartbeatAckPayload) Validate() error {
	if p.ID == "" {
		return missingField("id")
	}
	return nil
}

// SupervisorCommandPayload carries a top-level chat command to the
// supervisor. MessageID is client-generated and echoed via message.ack.
type SupervisorCommandPayload struct {
	Content   string `json:"content"`
	MessageID string `json:"message_id,omitempty"`
}

func (p *SupervisorCommandPayload) Validate() error {
	if p.Content == "" {
		return missingField("content")
	}
	return nil
}

// CreateSessionPayload asks the supervisor to create a session.
type CreateSessionPayload struct {
	Type       string `json:"type"`
	Workspace  string `json:"workspace,omitempty"`
	Project    string `json:"project,omitempty"`
	Worktree   string `json:"worktree,omitempty"`
	AgentName  string `json:"agent_name,omitempty"`
	WorkingDir string `json:"working_dir,omitempty"`
	Cols       int    `json:"cols,omitempty"`
	Rows       int    `json:"rows,omitempty"`
}

func (p *CreateSessionPayload) Validate() error {
	switch p.Type {
	case KindSupervisor, KindAgent, KindTerminal:
		return nil
	case "":
		return missingField("type")
	default:
		return badField("type", fmt.Sprintf("unknown session kind %q", p.Type))
	}
}

// TerminateSessionPayload names the session to terminate. The target id is
// payload data here because the message itself is supervisor-scoped.
type TerminateSessionPayload struct {
	SessionID string `json:"session_id"`
}

func (p *TerminateSessionPayload) Validate() error {
	if p.SessionID == "" {
		return missingField("session_id")
	}
	return nil
}

// ListSessionsPayload optionally filters by session kind.
type ListSessionsPayload struct {
	Type string `json:"type,omitempty"`
}

func (p *ListSessionsPayload) Validate() error {
	switch p.Type {
	case "", KindSupervisor, KindAgent, KindTerminal:
		return nil
	default:
		return badField("type", fmt.Sprintf("unknown session kind %q", p.Type))
	}
}

// ExecutePayload submits input to an agent session for execution.
type ExecutePayload struct {
	Content   string `json:"content"`
	MessageID string `json:"message_id,omitempty"`
}

func (p *ExecutePayload) Validate() error {
	if p.Content == "" {
		return missingField("content")
	}
	return nil
}

// InputPayload writes raw input to a terminal session.
type InputPayload struct {
	Data string `json:"data"`
}

func (p *InputPayload) Validate() error {
	if p.Data == "" {
		return missingField("data")
	}
	return nil
}

// ResizePayload resizes a terminal session.
type ResizePayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (p *ResizePayload) Validate() error {
	if p.Cols <= 0 {
		return badField("cols", "must be positive")
	}
	if p.Rows <= 0 {
		return badField("rows", "must be positive")
	}
	return nil
}

// ResizedPayload announces a completed resize to all subscribers.
type ResizedPayload struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (p *ResizedPayload) Validate() error {
	if p.Cols <= 0 {
		return badField("cols", "must be positive")
	}
	if p.Rows <= 0 {
		return badField("rows", "must be positive")
	}
	return nil
}

// ReplayPayload requests sequenced output replay for a session. Exactly one
// of SinceSequence / SinceTimestamp selects the range start.
type ReplayPayload struct {
	SinceSequence  int64 `json:"since_sequence,omitempty"`
	SinceTimestamp int64 `json:"since_timestamp,omitempty"`
	Limit          int   `json:"limit,omitempty"`
}

func (p *ReplayPayload) Validate() error {
	if p.SinceSequence < 0 {
		return badField("since_sequence", "must not be negative")
	}
	if p.SinceTimestamp < 0 {
		return badField("since_timestamp", "must not be negative")
	}
	if p.Limit < 0 {
		return badField("limit", "must not be negative")
	}
	return nil
}

// ReplayDataPayload carries the replayed frames.
type ReplayDataPayload struct {
	Events  []OutputEvent `json:"events"`
	HasMore bool          `json:"has_more"`
}

func (p *ReplayDataPayload) Validate() error { return nil }

// HistoryRequestPayload pages through a session's durable log, newest
// first, strictly before BeforeSequence when it is set.
type HistoryRequestPayload struct {
	BeforeSequence int64 `json:"before_sequence,omitempty"`
	Limit          int   `json:"limit,omitempty"`
}

func (p *HistoryRequestPayload) Validate() error {
	if p.BeforeSequence < 0 {
		return badField("before_sequence", "must not be negative")
	}
	if p.Limit < 0 {
		return badField("limit", "must not be negative")
	}
	return nil
}

// HistoryResponsePayload answers history.request.
type HistoryResponsePayload struct {
	History                []Message      `json:"history"`
	HasMore                bool           `json:"has_more"`
	OldestSequence         int64          `json:"oldest_sequence,omitempty"`
	NewestSequence         int64          `json:"newest_sequence,omitempty"`
	IsExecuting            bool           `json:"is_executing"`
	StreamingMessageID     string         `json:"streaming_message_id,omitempty"`
	CurrentStreamingBlocks []ContentBlock `json:"current_streaming_blocks,omitempty"`
}

func (p *HistoryResponsePayload) Validate() error { return nil }

// OutputPayload is the body of session.output and supervisor.output. The
// sequence, streaming id and completion flag ride on the envelope.
type OutputPayload struct {
	Role          string         `json:"role,omitempty"`
	ContentType   string         `json:"content_type"`
	Content       string         `json:"content,omitempty"`
	ContentBlocks []ContentBlock `json:"content_blocks,omitempty"`
}

func (p *OutputPayload) Validate() error {
	switch p.ContentType {
	case ContentText, ContentAudio, ContentTranscription:
		return nil
	case "":
		return missingField("content_type")
	default:
		return badField("content_type", fmt.Sprintf("unknown content type %q", p.ContentType))
	}
}

// UserMessagePayload mirrors a user-sent message to the session's other
// subscribers so every device shows the same conversation.
type UserMessagePayload struct {
	MessageID   string `json:"message_id"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

func (p *UserMessagePayload) Validate() error {
	if p.MessageID == "" {
		return missingField("message_id")
	}
	return nil
}

// TranscriptionPayload carries a voice-input transcription.
type TranscriptionPayload struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	IsFinal   bool   `json:"is_final,omitempty"`
}

func (p *TranscriptionPayload) Validate() error {
	if p.MessageID == "" {
		return missingField("message_id")
	}
	return nil
}

// VoiceOutputPayload announces that synthesized audio exists for a message.
// Bytes are fetched separately with audio.request.
type VoiceOutputPayload struct {
	MessageID  string `json:"message_id"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	HasAudio   bool   `json:"has_audio"`
}

func (p *VoiceOutputPayload) Validate() error {
	if p.MessageID == "" {
		return missingField("message_id")
	}
	return nil
}

// AudioRequestPayload fetches a stored audio blob by message id.
type AudioRequestPayload struct {
	MessageID string `json:"message_id"`
	Type      string `json:"type"`
}

func (p *AudioRequestPayload) Validate() error {
	if p.MessageID == "" {
		return missingField("message_id")
	}
	switch p.Type {
	case AudioInput, AudioOutput:
		return nil
	case "":
		return missingField("type")
	default:
		return badField("type", fmt.Sprintf("unknown audio direction %q", p.Type))
	}
}

// AudioResponsePayload answers audio.request. Data is base64; a failed
// lookup sets Error and leaves Data empty.
type AudioResponsePayload struct {
	MessageID string        `json:"message_id"`
	Type      string        `json:"type"`
	Data      string        `json:"data,omitempty"`
	Format    string        `json:"format,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

func (p *AudioResponsePayload) Validate() error {
	if p.MessageID == "" {
		return missingField("message_id")
	}
	return nil
}

// SyncPayload requests a state snapshot. Lightweight omits the supervisor
// history window, trimming the payload for constrained clients.
type SyncPayload struct {
	Lightweight bool `json:"lightweight,omitempty"`
}

func (p *SyncPayload) Validate() error { return nil }

// AgentAlias maps a configured alias to its base agent type.
type AgentAlias struct {
	Name     string `json:"name"`
	BaseType string `json:"base_type"`
}

// SyncStatePayload is the full answer to sync.
type SyncStatePayload struct {
	Sessions          []Session        `json:"sessions"`
	Subscriptions     []string         `json:"subscriptions"`
	SupervisorHistory []Message        `json:"supervisor_history,omitempty"`
	Streaming         []StreamingState `json:"streaming,omitempty"`
	AgentAliases      []AgentAlias     `json:"agent_aliases,omitempty"`
	HiddenAgentTypes  []string         `json:"hidden_agent_types,omitempty"`
	Workspaces        []Workspace      `json:"workspaces,omitempty"`
	Lightweight       bool             `json:"lightweight,omitempty"`
}

func (p *SyncStatePayload) Validate() error { return nil }

// SessionCreatedPayload announces a new session.
type SessionCreatedPayload struct {
	Session Session `json:"session"`
}

func (p *SessionCreatedPayload) Validate() error {
	if p.Session.ID == "" {
		return missingField("session.id")
	}
	return nil
}

// SessionTerminatedPayload announces a terminated session. Code is set when
// termination was forced by an internal failure.
type SessionTerminatedPayload struct {
	Reason string    `json:"reason,omitempty"`
	Code   ErrorCode `json:"code,omitempty"`
}

func (p *SessionTerminatedPayload) Validate() error { return nil }

// SubscribedPayload is the consistent snapshot sent when a subscription is
// established: session metadata, execution flag, a bounded recent history
// window and the current streaming state, all from one instant.
type SubscribedPayload struct {
	Session                *Session       `json:"session,omitempty"`
	IsExecuting            bool           `json:"is_executing"`
	History                []Message      `json:"history"`
	HasMore                bool           `json:"has_more,omitempty"`
	StreamingMessageID     string         `json:"streaming_message_id,omitempty"`
	CurrentStreamingBlocks []ContentBlock `json:"current_streaming_blocks,omitempty"`
}

func (p *SubscribedPayload) Validate() error { return nil }

// SessionsPayload answers supervisor.list_sessions.
type SessionsPayload struct {
	Sessions []Session `json:"sessions"`
}

func (p *SessionsPayload) Validate() error { return nil }

// MessageAckPayload confirms durable acceptance of a client-sent message.
type MessageAckPayload struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
}

// AckReceived is the only ack status currently emitted.
const AckReceived = "received"

func (p *MessageAckPayload) Validate() error {
	if p.MessageID == "" {
		return missingField("message_id")
	}
	if p.Status == "" {
		return missingField("status")
	}
	return nil
}

// ErrorPayload is the uniform error body for error and auth.error.
type ErrorPayload struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (p *ErrorPayload) Validate() error {
	if p.Code == "" {
		return missingField("code")
	}
	if !p.Code.Known() {
		return badField("code", fmt.Sprintf("unknown error code %q", p.Code))
	}
	if p.Message == "" {
		return missingField("message")
	}
	return nil
}

// WireError converts the payload into an error value.
func (p *ErrorPayload) WireError() *WireError {
	return &WireError{Code: p.Code, Message: p.Message, Details: p.Details}
}

// RelayMessagePayload wraps a complete backbone envelope for the watch
// relay: relay.message carries watch traffic to the phone, relay.response
// mirrors backbone traffic back to the watch.
type RelayMessagePayload struct {
	Payload json.RawMessage `json:"payload"`
}

func (p *RelayMessagePayload) Validate() error {
	if len(p.Payload) == 0 {
		return missingField("payload")
	}
	return nil
}

// RelayConnectionStatePayload reports the phone's backbone connection to
// the watch. Field names follow the relay contract as published.
type RelayConnectionStatePayload struct {
	IsConnected       bool   `json:"isConnected"`
	WorkstationOnline bool   `json:"workstationOnline"`
	Error             string `json:"error,omitempty"`
}

func (p *RelayConnectionStatePayload) Validate() error { return nil }
