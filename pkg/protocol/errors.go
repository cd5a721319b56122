package protocol

import "fmt"

// ErrorCode is one of the closed set of machine-readable error codes
// carried by error and auth.error payloads.
type ErrorCode string

const (
	CodeInvalidAuthKey        ErrorCode = "INVALID_AUTH_KEY"
	CodeSessionNotFound       ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionBusy           ErrorCode = "SESSION_BUSY"
	CodeInvalidPayload        ErrorCode = "INVALID_PAYLOAD"
	CodeInternalError         ErrorCode = "INTERNAL_ERROR"
	CodeWorkspaceNotFound     ErrorCode = "WORKSPACE_NOT_FOUND"
	CodeProjectNotFound       ErrorCode = "PROJECT_NOT_FOUND"
	CodeSessionLimitReached   ErrorCode = "SESSION_LIMIT_REACHED"
	CodeSessionCreationFailed ErrorCode = "SESSION_CREATION_FAILED"
	CodeAgentCommandFailed    ErrorCode = "AGENT_COMMAND_FAILED"
	CodeNotSubscribed         ErrorCode = "NOT_SUBSCRIBED"
	CodeTunnelNotConnected    ErrorCode = "TUNNEL_NOT_CONNECTED"
)

// knownCodes guards egress: the workstation never invents codes outside
// the closed set.
var knownCodes = map[ErrorCode]struct{}{
	CodeInvalidAuthKey:        {},
	CodeSessionNotFound:       {},
	CodeSessionBusy:           {},
	CodeInvalidPayload:        {},
	CodeInternalError:         {},
	CodeWorkspaceNotFound:     {},
	CodeProjectNotFound:       {},
	CodeSessionLimitReached:   {},
	CodeSessionCreationFailed: {},
	CodeAgentCommandFailed:    {},
	CodeNotSubscribed:         {},
	CodeTunnelNotConnected:    {},
}

// Known reports whether c belongs to the closed code set.
func (c ErrorCode) Known() bool {
	_, ok := knownCodes[c]
	return ok
}

// WireError is a protocol-level failure received from (or destined for)
// the far side. It implements error so handlers can wrap and return it.
type WireError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *WireError) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewWireError builds a WireError with the given code and formatted message.
func NewWireError(code ErrorCode, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}
