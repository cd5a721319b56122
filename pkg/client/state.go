package client

// State is one position in the client connection state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateAuthenticating
	StateAuthenticated
	StateVerified
	StateDegraded
	StateReconnecting
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateVerified:
		return "verified"
	case StateDegraded:
		return "degraded"
	case StateReconnecting:
		return "reconnecting"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Sendable reports whether commands may go out in this state. Degraded
// still sends: the link is suspect, not gone.
func (s State) Sendable() bool {
	switch s {
	case StateAuthenticated, StateVerified, StateDegraded:
		return true
	default:
		return false
	}
}

// Connected reports whether a tunnel link is established. Authenticating
// is deliberately excluded: the handshake may still be rejected.
func (s State) Connected() bool {
	switch s {
	case StateConnected, StateAuthenticated, StateVerified, StateDegraded:
		return true
	default:
		return false
	}
}

// Status is one observable snapshot of the client connection.
type Status struct {
	State State

	// Attempt counts consecutive failed connection rounds; it resets to
	// zero once the tunnel accepts a registration.
	Attempt int

	// Err is the error behind the current reconnecting or error state.
	Err error

	// WorkstationOnline mirrors the tunnel's workstation_offline/online
	// notifications. It starts true and is only meaningful while connected.
	WorkstationOnline bool

	// WorkstationUptimeMS is the workstation uptime from the last
	// heartbeat ack.
	WorkstationUptimeMS int64
}
