package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec errors. Both map to the INVALID_PAYLOAD wire code at the server
// edge; they are distinct so callers can tell schema violations from
// unregistered types.
var (
	ErrUnknownType    = errors.New("protocol: unknown message type")
	ErrInvalidPayload = errors.New("protocol: invalid payload")
)

// payloadTypes is the closed registry mapping message type to payload
// constructor. A type absent here does not exist on the wire.
var payloadTypes = map[string]func() Payload{
	TypeConnect:   func() Payload { return &ConnectPayload{} },
	TypeConnected: func() Payload { return &ConnectedPayload{} },
	TypeAuth:      func() Payload { return &AuthPayload{} },

	TypeAuthSuccess: func() Payload { return &AuthSuccessPayload{} },
	TypeAuthError:   func() Payload { return &ErrorPayload{} },

	TypeHeartbeat:    func() Payload { return &HeartbeatPayload{} },
	TypeHeartbeatAck: func() Payload { return &HeartbeatAckPayload{} },

	TypePing: func() Payload { return &EmptyPayload{} },
	TypePong: func() Payload { return &EmptyPayload{} },

	TypeSupervisorCommand:          func() Payload { return &SupervisorCommandPayload{} },
	TypeSupervisorCancel:           func() Payload { return &EmptyPayload{} },
	TypeSupervisorClearContext:     func() Payload { return &EmptyPayload{} },
	TypeSupervisorCreateSession:    func() Payload { return &CreateSessionPayload{} },
	TypeSupervisorTerminateSession: func() Payload { return &TerminateSessionPayload{} },
	TypeSupervisorListSessions:     func() Payload { return &ListSessionsPayload{} },

	TypeSessionSubscribe:   func() Payload { return &EmptyPayload{} },
	TypeSessionUnsubscribe: func() Payload { return &EmptyPayload{} },
	TypeSessionExecute:     func() Payload { return &ExecutePayload{} },
	TypeSessionCancel:      func() Payload { return &EmptyPayload{} },
	TypeSessionInput:       func() Payload { return &InputPayload{} },
	TypeSessionResize:      func() Payload { return &ResizePayload{} },
	TypeSessionReplay:      func() Payload { return &ReplayPayload{} },

	TypeHistoryRequest: func() Payload { return &HistoryRequestPayload{} },
	TypeAudioRequest:   func() Payload { return &AudioRequestPayload{} },
	TypeSync:           func() Payload { return &SyncPayload{} },

	TypeSupervisorOutput:         func() Payload { return &OutputPayload{} },
	TypeSupervisorUserMessage:    func() Payload { return &UserMessagePayload{} },
	TypeSupervisorTranscription:  func() Payload { return &TranscriptionPayload{} },
	TypeSupervisorVoiceOutput:    func() Payload { return &VoiceOutputPayload{} },
	TypeSupervisorContextCleared: func() Payload { return &EmptyPayload{} },
	TypeSupervisorSessions:       func() Payload { return &SessionsPayload{} },

	TypeSessionCreated:       func() Payload { return &SessionCreatedPayload{} },
	TypeSessionTerminated:    func() Payload { return &SessionTerminatedPayload{} },
	TypeSessionSubscribed:    func() Payload { return &SubscribedPayload{} },
	TypeSessionOutput:        func() Payload { return &OutputPayload{} },
	TypeSessionUserMessage:   func() Payload { return &UserMessagePayload{} },
	TypeSessionTranscription: func() Payload { return &TranscriptionPayload{} },
	TypeSessionVoiceOutput:   func() Payload { return &VoiceOutputPayload{} },
	TypeSessionResized:       func() Payload { return &ResizedPayload{} },
	TypeSessionReplayData:    func() Payload { return &ReplayDataPayload{} },

	TypeHistoryResponse: func() Payload { return &HistoryResponsePayload{} },
	TypeAudioResponse:   func() Payload { return &AudioResponsePayload{} },
	TypeSyncState:       func() Payload { return &SyncStatePayload{} },
	TypeMessageAck:      func() Payload { return &MessageAckPayload{} },
	TypeError:           func() Payload { return &ErrorPayload{} },

	TypeWorkstationOffline: func() Payload { return &EmptyPayload{} },
	TypeWorkstationOnline:  func() Payload { return &EmptyPayload{} },

	TypeRelayConnect:         func() Payload { return &EmptyPayload{} },
	TypeRelayDisconnect:      func() Payload { return &EmptyPayload{} },
	TypeRelayMessage:         func() Payload { return &RelayMessagePayload{} },
	TypeRelaySync:            func() Payload { return &EmptyPayload{} },
	TypeRelayResponse:        func() Payload { return &RelayMessagePayload{} },
	TypeRelayConnectionState: func() Payload { return &RelayConnectionStatePayload{} },
}

// sessionScoped lists the types that must carry a top-level session_id.
var sessionScoped = map[string]bool{
	TypeSessionSubscribe:   true,
	TypeSessionUnsubscribe: true,
	TypeSessionExecute:     true,
	TypeSessionCancel:      true,
	TypeSessionInput:       true,
	TypeSessionResize:      true,
	TypeSessionReplay:      true,
	TypeHistoryRequest:     true,

	TypeSessionTerminated:    true,
	TypeSessionSubscribed:    true,
	TypeSessionOutput:        true,
	TypeSessionUserMessage:   true,
	TypeSessionTranscription: true,
	TypeSessionVoiceOutput:   true,
	TypeSessionResized:       true,
	TypeSessionReplayData:    true,
	TypeHistoryResponse:      true,
}

// KnownType reports whether typ is registered.
func KnownType(typ string) bool {
	_, ok := payloadTypes[typ]
	return ok
}

// SessionScoped reports whether typ requires a top-level session_id.
func SessionScoped(typ string) bool {
	return sessionScoped[typ]
}

// Decode parses one wire frame into its envelope and typed payload. The
// payload is validated; unknown types fail with [ErrUnknownType], schema
// violations with [ErrInvalidPayload]. Unknown JSON fields are ignored.
func Decode(data []byte) (*Envelope, Payload, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	payload, err := DecodePayload(&env)
	if err != nil {
		return &env, nil, err
	}
	return &env, payload, nil
}

// DecodePayload resolves and validates the typed payload of an already
// parsed envelope.
func DecodePayload(env *Envelope) (Payload, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing required field %q", ErrInvalidPayload, "type")
	}
	factory, ok := payloadTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	payload := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, payload); err != nil {
			return nil, fmt.Errorf("%w: type %q: %v", ErrInvalidPayload, env.Type, err)
		}
	}
	if err := payload.Validate(); err != nil {
		return nil, fmt.Errorf("type %q: %w", env.Type, err)
	}
	if sessionScoped[env.Type] && env.SessionID == "" {
		return nil, fmt.Errorf("%w: type %q: missing required field %q", ErrInvalidPayload, env.Type, "session_id")
	}
	return payload, nil
}

// Encode validates payload against env.Type and marshals the full frame.
// Egress passes through the same registry as ingress so the workstation
// never emits a frame it would itself reject.
func Encode(env *Envelope, payload Payload) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing required field %q", ErrInvalidPayload, "type")
	}
	if _, ok := payloadTypes[env.Type]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if sessionScoped[env.Type] && env.SessionID == "" {
		return nil, fmt.Errorf("%w: type %q: missing required field %q", ErrInvalidPayload, env.Type, "session_id")
	}
	if payload != nil {
		if err := payload.Validate(); err != nil {
			return nil, fmt.Errorf("type %q: %w", env.Type, err)
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: type %q: %v", ErrInvalidPayload, env.Type, err)
		}
		env.Payload = raw
	}
	if env.Timestamp == 0 {
		env.Timestamp = Now()
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("%w: type %q: %v", ErrInvalidPayload, env.Type, err)
	}
	return data, nil
}
