package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiflis-io/tiflis-code/internal/history"
	"github.com/tiflis-io/tiflis-code/internal/observe"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// DefaultMaxSessions caps agent plus terminal sessions when the config does
// not set a limit. The supervisor does not count against it.
const DefaultMaxSessions = 32

// Default PTY dimensions for terminal sessions created without explicit size.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// RegistryConfig configures a [Registry].
type RegistryConfig struct {
	// Agents executes supervisor and agent sessions. Must not be nil.
	Agents AgentRuntime

	// Terminals manages PTY terminal sessions. Must not be nil.
	Terminals TerminalRuntime

	// Store persists session rows. May be nil, in which case sessions are
	// tracked in memory only.
	Store history.Store

	// MaxSessions caps concurrent agent+terminal sessions. Defaults to
	// [DefaultMaxSessions] if zero or negative.
	MaxSessions int

	// DefaultCols and DefaultRows size terminals created without explicit
	// dimensions. Default to [DefaultCols] x [DefaultRows].
	DefaultCols int
	DefaultRows int

	// Metrics receives session gauge and counter updates. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Registry owns the id → session map and the distinguished supervisor slot.
//
// All methods are safe for concurrent use. Event handlers run outside
// registry locks, so they may call back into the registry.
type Registry struct {
	agents      AgentRuntime
	terminals   TerminalRuntime
	store       history.Store
	maxSessions int
	defaultCols int
	defaultRows int
	metrics     *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	handler  func(Event)
}

// NewRegistry creates a [Registry]. When a store is configured, any session
// rows left live by a previous process are marked terminated: their runtimes
// died with that process.
func NewRegistry(ctx context.Context, cfg RegistryConfig) (*Registry, error) {
	if cfg.Agents == nil {
		return nil, fmt.Errorf("session registry: nil agent runtime")
	}
	if cfg.Terminals == nil {
		return nil, fmt.Errorf("session registry: nil terminal runtime")
	}
	maxSessions := cfg.MaxSessions
	if maxSessions <= 0 {
		maxSessions = DefaultMaxSessions
	}
	cols, rows := cfg.DefaultCols, cfg.DefaultRows
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	r := &Registry{
		agents:      cfg.Agents,
		terminals:   cfg.Terminals,
		store:       cfg.Store,
		maxSessions: maxSessions,
		defaultCols: cols,
		defaultRows: rows,
		metrics:     metrics,
		sessions:    make(map[string]*Session),
	}

	if r.store != nil {
		if err := r.reconcileStore(ctx); err != nil {
			return nil, fmt.Errorf("session registry: reconcile store: %w", err)
		}
	}
	return r, nil
}

// OnEvent registers the single event handler. Must be called before the
// registry is shared across goroutines; later calls replace the handler.
func (r *Registry) OnEvent(handler func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Create registers a new session of the requested kind and starts its
// runtime. For the supervisor kind it is idempotent and returns the live
// singleton. Returns [ErrLimitReached] when the session cap is exhausted;
// runtime start failures are wrapped and the session is not registered.
func (r *Registry) Create(ctx context.Context, spec CreateSpec) (Session, error) {
	switch spec.Kind {
	case protocol.KindSupervisor:
		return r.createSupervisor(ctx, spec)
	case protocol.KindAgent, protocol.KindTerminal:
	default:
		return Session{}, fmt.Errorf("session registry: unknown session kind %q", spec.Kind)
	}

	id, err := r.reserve(spec)
	if err != nil {
		return Session{}, err
	}

	sess := r.newSession(id, spec)
	start := StartSpec{
		SessionID:  id,
		Kind:       spec.Kind,
		AgentName:  sess.AgentName,
		BaseType:   sess.BaseType,
		WorkingDir: sess.WorkingDir,
		Cols:       sess.Cols,
		Rows:       sess.Rows,
	}
	if spec.Kind == protocol.KindTerminal {
		err = r.terminals.Start(ctx, start)
	} else {
		err = r.agents.Start(ctx, start)
	}
	if err != nil {
		r.release(id)
		return Session{}, fmt.Errorf("session registry: start %s session: %w", spec.Kind, err)
	}

	r.register(ctx, sess)
	return sess, nil
}

// Get returns a snapshot of the session, or [ErrNotFound].
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

// List returns snapshots of all live sessions: supervisor first, then by
// creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, *sess)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if (out[i].Kind == protocol.KindSupervisor) != (out[j].Kind == protocol.KindSupervisor) {
			return out[i].Kind == protocol.KindSupervisor
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListByKind returns live sessions of the given kind, oldest first.
func (r *Registry) ListByKind(kind string) []Session {
	all := r.List()
	out := all[:0]
	for _, sess := range all {
		if sess.Kind == kind {
			out = append(out, sess)
		}
	}
	return out
}

// Terminate stops the session's runtime, removes it from the registry,
// marks its store row terminated, and emits [EventTerminated]. Terminating
// an unknown or already-terminated id is a no-op. The supervisor cannot be
// terminated; use [Registry.TerminateAll] at shutdown.
//
// The session is removed even when the runtime refuses to die; the error is
// returned so callers can report it.
func (r *Registry) Terminate(ctx context.Context, id, reason string) error {
	if id == protocol.SupervisorSessionID {
		return ErrSupervisor
	}
	return r.terminate(ctx, id, reason)
}

// TerminateAll terminates every session, the supervisor included, with
// per-session error isolation: one stuck runtime does not block the rest.
func (r *Registry) TerminateAll(ctx context.Context) error {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		g.Go(func() error {
			if err := r.terminate(ctx, id, ReasonShutdown); err != nil {
				return fmt.Errorf("terminate %s: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// BeginExecution transitions the session to busy. Returns [ErrBusy] when an
// execution is already running and [ErrNotFound] for unknown ids.
func (r *Registry) BeginExecution(ctx context.Context, id string) error {
	return r.transition(ctx, id, protocol.StatusBusy)
}

// EndExecution transitions the session from busy back to idle. A no-op when
// the session was terminated mid-execution.
func (r *Registry) EndExecution(ctx context.Context, id string) error {
	err := r.transition(ctx, id, protocol.StatusIdle)
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminated) {
		return nil
	}
	return err
}

// Touch updates the session's last-activity timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id]; ok {
		sess.LastActivityAt = time.Now()
	}
}

// SetCLISessionID records the provider-side context id reported by an agent
// runtime after its first execution and emits [EventCLISessionID].
func (r *Registry) SetCLISessionID(id, cliSessionID string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	sess.CLISessionID = cliSessionID
	snapshot := *sess
	handler := r.handler
	r.mu.Unlock()

	slog.Debug("cli session id discovered",
		"session_id", id,
		"cli_session_id", cliSessionID,
	)
	r.emit(handler, Event{Type: EventCLISessionID, Session: snapshot})
	return nil
}

// SetTerminalSize records new PTY dimensions after a successful resize.
func (r *Registry) SetTerminalSize(id string, cols, rows int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return ErrNotFound
	}
	sess.Cols, sess.Rows = cols, rows
	sess.LastActivityAt = time.Now()
	return nil
}

// Agents returns the configured agent runtime.
func (r *Registry) Agents() AgentRuntime { return r.agents }

// Terminals returns the configured terminal runtime.
func (r *Registry) Terminals() TerminalRuntime { return r.terminals }

// ─────────────────────────────────────────────────────────────────────────────
// Internals
// ─────────────────────────────────────────────────────────────────────────────

// createSupervisor returns the live supervisor, creating it on first call.
func (r *Registry) createSupervisor(ctx context.Context, spec CreateSpec) (Session, error) {
	sess := r.newSession(protocol.SupervisorSessionID, spec)

	r.mu.Lock()
	if existing, ok := r.sessions[protocol.SupervisorSessionID]; ok && existing.live() {
		snapshot := *existing
		r.mu.Unlock()
		return snapshot, nil
	}
	// Placeholder pins the singleton slot until the runtime start resolves,
	// so a concurrent call cannot start a second supervisor runtime.
	placeholder := sess
	r.sessions[protocol.SupervisorSessionID] = &placeholder
	r.mu.Unlock()

	err := r.agents.Start(ctx, StartSpec{
		SessionID:  sess.ID,
		Kind:       protocol.KindSupervisor,
		AgentName:  sess.AgentName,
		BaseType:   sess.BaseType,
		WorkingDir: sess.WorkingDir,
	})
	if err != nil {
		r.release(protocol.SupervisorSessionID)
		return Session{}, fmt.Errorf("session registry: start supervisor: %w", err)
	}

	r.register(ctx, sess)
	return sess, nil
}

// newSession builds the initial snapshot for a session about to start.
func (r *Registry) newSession(id string, spec CreateSpec) Session {
	baseType := spec.BaseType
	if baseType == "" {
		baseType = spec.AgentName
	}
	cols, rows := spec.Cols, spec.Rows
	if spec.Kind == protocol.KindTerminal {
		if cols <= 0 {
			cols = r.defaultCols
		}
		if rows <= 0 {
			rows = r.defaultRows
		}
	} else {
		cols, rows = 0, 0
	}
	now := time.Now()
	return Session{
		ID:             id,
		Kind:           spec.Kind,
		AgentName:      spec.AgentName,
		BaseType:       baseType,
		Workspace:      spec.Workspace,
		Project:        spec.Project,
		Worktree:       spec.Worktree,
		WorkingDir:     spec.WorkingDir,
		Status:         protocol.StatusActive,
		Cols:           cols,
		Rows:           rows,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// reserve checks the session cap and allocates an id while holding the lock,
// so two concurrent creates cannot both squeeze past the limit.
func (r *Registry) reserve(spec CreateSpec) (string, error) {
	prefix := spec.AgentName
	if spec.Kind == protocol.KindTerminal {
		prefix = protocol.KindTerminal
	}
	id, err := newSessionID(prefix)
	if err != nil {
		return "", fmt.Errorf("session registry: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, sess := range r.sessions {
		if sess.Kind != protocol.KindSupervisor {
			count++
		}
	}
	if count >= r.maxSessions {
		return "", ErrLimitReached
	}
	// Placeholder pins the slot until the runtime start resolves.
	placeholder := r.newSession(id, spec)
	r.sessions[id] = &placeholder
	return id, nil
}

// release frees a reserved slot after a failed runtime start.
func (r *Registry) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// register finalises a started session: store row, metrics, created event.
func (r *Registry) register(ctx context.Context, sess Session) {
	r.mu.Lock()
	stored := sess
	r.sessions[sess.ID] = &stored
	handler := r.handler
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.SaveSession(ctx, sess.Record()); err != nil {
			slog.Warn("failed to persist session row",
				"session_id", sess.ID,
				"error", err,
			)
		}
	}
	r.metrics.RecordSessionCreated(ctx, sess.Kind)

	slog.Info("session created",
		"session_id", sess.ID,
		"kind", sess.Kind,
		"agent", sess.AgentName,
		"workspace", sess.Workspace,
	)
	r.emit(handler, Event{Type: EventCreated, Session: sess})
}

// terminate runs the shared termination path, supervisor included.
func (r *Registry) terminate(ctx context.Context, id, reason string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	snapshot := *sess
	snapshot.Status = protocol.StatusTerminated
	delete(r.sessions, id)
	handler := r.handler
	r.mu.Unlock()

	var runtimeErr error
	if snapshot.Kind == protocol.KindTerminal {
		runtimeErr = r.terminals.Terminate(ctx, id)
	} else {
		runtimeErr = r.agents.Terminate(ctx, id)
	}
	if runtimeErr != nil {
		slog.Warn("runtime terminate failed",
			"session_id", id,
			"kind", snapshot.Kind,
			"error", runtimeErr,
		)
	}

	if r.store != nil {
		if err := r.store.MarkTerminated(ctx, id); err != nil {
			slog.Warn("failed to mark session terminated",
				"session_id", id,
				"error", err,
			)
		}
	}
	r.metrics.RecordSessionTerminated(ctx, snapshot.Kind, reason)

	slog.Info("session terminated",
		"session_id", id,
		"kind", snapshot.Kind,
		"reason", reason,
	)
	r.emit(handler, Event{Type: EventTerminated, Session: snapshot, Reason: reason})

	if runtimeErr != nil {
		return fmt.Errorf("session registry: terminate runtime: %w", runtimeErr)
	}
	return nil
}

// transition applies a guarded status change and persists it.
func (r *Registry) transition(ctx context.Context, id, status string) error {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if sess.Status == protocol.StatusTerminated {
		r.mu.Unlock()
		return ErrTerminated
	}
	if status == protocol.StatusBusy && sess.Status == protocol.StatusBusy {
		r.mu.Unlock()
		return ErrBusy
	}
	sess.Status = status
	sess.LastActivityAt = time.Now()
	snapshot := *sess
	handler := r.handler
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateSessionStatus(ctx, id, status); err != nil && !errors.Is(err, history.ErrNotFound) {
			slog.Warn("failed to persist session status",
				"session_id", id,
				"status", status,
				"error", err,
			)
		}
	}
	r.emit(handler, Event{Type: EventStatusChanged, Session: snapshot})
	return nil
}

// reconcileStore marks rows from a previous process terminated.
func (r *Registry) reconcileStore(ctx context.Context) error {
	recs, err := r.store.Sessions(ctx)
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Status == protocol.StatusTerminated {
			continue
		}
		if err := r.store.MarkTerminated(ctx, rec.ID); err != nil {
			return fmt.Errorf("mark stale session %s: %w", rec.ID, err)
		}
		slog.Info("marked stale session terminated", "session_id", rec.ID)
	}
	return nil
}

// emit delivers an event to the handler, if one is registered. Callers must
// not hold r.mu.
func (r *Registry) emit(handler func(Event), ev Event) {
	if handler != nil {
		handler(ev)
	}
}
