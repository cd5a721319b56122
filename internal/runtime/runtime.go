// Package runtime provides the default session executors: agent CLI
// subprocesses speaking line-delimited JSON over stdio, and pipe-backed
// shells for terminal sessions.
//
// Runtimes own their child processes and report everything they observe
// through a [Sink]. They never touch the registry or the router directly;
// the app wires the sink to broadcasts and status transitions.
package runtime

import (
	"errors"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// Runtime errors.
var (
	// ErrUnknownSession reports an operation against a session id the
	// runtime never started or has already released.
	ErrUnknownSession = errors.New("runtime: unknown session")

	// ErrAlreadyStarted reports a second Start for a live session id.
	ErrAlreadyStarted = errors.New("runtime: session already started")
)

// Sink receives everything a running session emits. Implementations must be
// safe for concurrent use; runtimes call them from per-process reader
// goroutines.
type Sink interface {
	// Output delivers one output frame for broadcast. streamingID groups
	// the frames of one in-progress assistant message and is empty for
	// terminal chunks; complete marks the final frame of a message.
	Output(sessionID string, out protocol.OutputPayload, streamingID string, complete bool)

	// ExecutionDone reports the end of an agent turn. err is nil on clean
	// completion.
	ExecutionDone(sessionID string, err error)

	// CLISessionID reports the provider-side context id an agent CLI
	// announces on its event stream.
	CLISessionID(sessionID, cliID string)

	// Exited reports that a session's process died on its own. Deliberate
	// termination does not fire it.
	Exited(sessionID string, err error)
}

// stdio stream limits, shared by both runtimes.
const (
	scanBufInitial = 64 * 1024
	scanBufMax     = 1024 * 1024
)
