// Package session owns the registry of live sessions on a workstation: the
// supervisor singleton, agent sessions, and PTY terminal sessions.
//
// The registry is the single source of truth for session identity and
// status. Runtimes (the processes actually executing agent turns or shell
// commands) are injected behind the [AgentRuntime] and [TerminalRuntime]
// interfaces; the registry handles lifecycle, limits, persistence, and event
// emission, never process management itself.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// Registry errors. The transport layer maps these to wire error codes.
var (
	// ErrNotFound indicates the session id is not registered.
	ErrNotFound = errors.New("session not found")

	// ErrTerminated indicates an operation on a session that has already
	// been terminated. Terminated is absorbing: no status transition leaves it.
	ErrTerminated = errors.New("session terminated")

	// ErrBusy indicates an execution was requested while a previous one is
	// still running on the same session.
	ErrBusy = errors.New("session busy")

	// ErrLimitReached indicates the configured session cap is exhausted.
	ErrLimitReached = errors.New("session limit reached")

	// ErrSupervisor indicates an operation that is not permitted on the
	// supervisor singleton, such as terminating it.
	ErrSupervisor = errors.New("operation not permitted on supervisor session")
)

// Session is a snapshot of one live session. Registry methods return copies;
// all mutation goes through the registry so status transitions stay guarded.
type Session struct {
	// ID is "supervisor" for the singleton, "<agentName>-<nonce>" for agent
	// sessions, and "terminal-<nonce>" for terminals.
	ID string

	// Kind is one of [protocol.KindSupervisor], [protocol.KindAgent],
	// [protocol.KindTerminal].
	Kind string

	// AgentName is the resolved agent name (base type or alias) for agent
	// and supervisor sessions. Empty for terminals.
	AgentName string

	// BaseType is the underlying agent type when AgentName is an alias,
	// otherwise equal to AgentName.
	BaseType string

	Workspace  string
	Project    string
	Worktree   string
	WorkingDir string

	// Status is one of the protocol session statuses. New sessions start
	// active, transition between idle and busy while live, and end at
	// terminated.
	Status string

	// CLISessionID is the provider-side context id discovered after the
	// first execution, enabling resume-style continuation. Empty until the
	// runtime reports it.
	CLISessionID string

	// Cols and Rows hold the current PTY dimensions for terminal sessions.
	Cols int
	Rows int

	CreatedAt      time.Time
	LastActivityAt time.Time
}

// Wire converts the session to its client-facing protocol shape.
func (s Session) Wire() protocol.Session {
	w := protocol.Session{
		ID:         s.ID,
		Type:       s.Kind,
		Status:     s.Status,
		WorkingDir: s.WorkingDir,
		Workspace:  s.Workspace,
		Project:    s.Project,
		Worktree:   s.Worktree,
		AgentName:  s.AgentName,
		Cols:       s.Cols,
		Rows:       s.Rows,
		CreatedAt:  s.CreatedAt.UnixMilli(),
	}
	if !s.LastActivityAt.IsZero() {
		w.LastActivityAt = s.LastActivityAt.UnixMilli()
	}
	return w
}

// Record converts the session to its durable store shape.
func (s Session) Record() history.SessionRecord {
	return history.SessionRecord{
		ID:         s.ID,
		Type:       s.Kind,
		Workspace:  s.Workspace,
		Project:    s.Project,
		Worktree:   s.Worktree,
		WorkingDir: s.WorkingDir,
		Status:     s.Status,
		CreatedAt:  s.CreatedAt,
	}
}

// live reports whether the session still accepts operations.
func (s Session) live() bool {
	return s.Status != protocol.StatusTerminated
}

// CreateSpec describes a session to create.
type CreateSpec struct {
	// Kind selects the session type and which runtime handles it.
	Kind string

	// AgentName is the requested agent (base type or alias). Ignored for
	// terminals. The caller resolves aliases before constructing the spec.
	AgentName string

	// BaseType is the resolved underlying agent type. Defaults to AgentName.
	BaseType string

	Workspace  string
	Project    string
	Worktree   string
	WorkingDir string

	// Cols and Rows set the initial PTY size for terminals. Zero values fall
	// back to the registry defaults.
	Cols int
	Rows int
}

// StartSpec is the runtime-facing description of a session to start.
type StartSpec struct {
	SessionID  string
	Kind       string
	AgentName  string
	BaseType   string
	WorkingDir string
	Cols       int
	Rows       int
}

// ExecuteInput carries one user turn into an agent runtime.
type ExecuteInput struct {
	// MessageID is the client-generated id of the user message, used for
	// acknowledgement and history idempotence.
	MessageID string

	// Content is the message text, or base64-encoded audio when ContentType
	// is [protocol.ContentAudio].
	Content string

	// ContentType is [protocol.ContentText] or [protocol.ContentAudio].
	ContentType string
}

// AgentRuntime executes agent turns. Implementations own the underlying
// process or API session; all methods must be safe for concurrent use.
type AgentRuntime interface {
	// Start registers a new agent session with the runtime.
	Start(ctx context.Context, spec StartSpec) error

	// Execute runs one user turn on the session. It returns once the turn is
	// accepted; output arrives asynchronously through the router.
	Execute(ctx context.Context, sessionID string, input ExecuteInput) error

	// Cancel aborts the in-flight execution, if any. A no-op when idle.
	Cancel(ctx context.Context, sessionID string) error

	// ClearContext discards the session's conversational context while
	// keeping the session alive.
	ClearContext(ctx context.Context, sessionID string) error

	// Terminate stops the session and releases its resources.
	Terminate(ctx context.Context, sessionID string) error
}

// TerminalRuntime manages PTY-backed terminal sessions. All methods must be
// safe for concurrent use.
type TerminalRuntime interface {
	// Start spawns a shell attached to a new PTY of spec.Cols x spec.Rows.
	Start(ctx context.Context, spec StartSpec) error

	// Input writes raw bytes to the PTY stdin.
	Input(ctx context.Context, sessionID string, data string) error

	// Resize changes the PTY dimensions.
	Resize(ctx context.Context, sessionID string, cols, rows int) error

	// Terminate kills the shell and closes the PTY.
	Terminate(ctx context.Context, sessionID string) error
}

// EventType identifies a registry event.
type EventType string

// Registry event types.
const (
	// EventCreated fires after a session is registered and persisted.
	EventCreated EventType = "created"

	// EventTerminated fires after a session is removed from the registry.
	EventTerminated EventType = "terminated"

	// EventCLISessionID fires when an agent runtime reports the
	// provider-side context id for a session.
	EventCLISessionID EventType = "cli_session_id"

	// EventStatusChanged fires on busy/idle/active transitions.
	EventStatusChanged EventType = "status_changed"
)

// Event describes a registry state change. Events are delivered to the
// handler registered via [Registry.OnEvent], outside registry locks.
type Event struct {
	Type    EventType
	Session Session

	// Reason describes why a session was terminated ("user_request",
	// "shutdown", "runtime_exit"). Only set for [EventTerminated].
	Reason string
}

// Termination reasons reported in [Event.Reason] and the
// session.terminated payload.
const (
	ReasonUserRequest = "user_request"
	ReasonShutdown    = "shutdown"
	ReasonRuntimeExit = "runtime_exit"
)
