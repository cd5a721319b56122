// Package mock provides scripted test doubles for the session runtime
// interfaces.
//
// Each mock records every method call for assertion in tests and exposes
// exported *Err fields that control what the mock returns. All mocks are
// safe for concurrent use via an internal [sync.Mutex].
//
// Typical usage:
//
//	agents := &mock.AgentRuntime{}
//	agents.ExecuteErr = errors.New("cli exited")
//
//	// inject into the system under test …
//
//	if got := agents.CallCount("Execute"); got != 1 {
//	    t.Errorf("expected 1 Execute call, got %d", got)
//	}
package mock

import (
	"context"
	"sync"

	"github.com/tiflis-io/tiflis-code/internal/session"
)

// Call records the name and arguments of a single method invocation.
type Call struct {
	// Method is the name of the interface method that was called.
	Method string

	// Args holds the non-context arguments passed to the method, in order.
	Args []any
}

// ─────────────────────────────────────────────────────────────────────────────
// AgentRuntime mock
// ─────────────────────────────────────────────────────────────────────────────

// AgentRuntime is a configurable test double for [session.AgentRuntime].
// All exported *Err fields default to nil (success).
type AgentRuntime struct {
	mu sync.Mutex

	// calls records every method invocation in order.
	calls []Call

	// StartErr is returned by [AgentRuntime.Start] when non-nil.
	StartErr error

	// ExecuteErr is returned by [AgentRuntime.Execute] when non-nil.
	ExecuteErr error

	// CancelErr is returned by [AgentRuntime.Cancel] when non-nil.
	CancelErr error

	// ClearContextErr is returned by [AgentRuntime.ClearContext] when non-nil.
	ClearContextErr error

	// TerminateErr is returned by [AgentRuntime.Terminate] when non-nil.
	TerminateErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *AgentRuntime) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *AgentRuntime) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *AgentRuntime) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Start implements [session.AgentRuntime].
func (m *AgentRuntime) Start(_ context.Context, spec session.StartSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Start", Args: []any{spec}})
	return m.StartErr
}

// Execute implements [session.AgentRuntime].
func (m *AgentRuntime) Execute(_ context.Context, sessionID string, input session.ExecuteInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Execute", Args: []any{sessionID, input}})
	return m.ExecuteErr
}

// Cancel implements [session.AgentRuntime].
func (m *AgentRuntime) Cancel(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Cancel", Args: []any{sessionID}})
	return m.CancelErr
}

// ClearContext implements [session.AgentRuntime].
func (m *AgentRuntime) ClearContext(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "ClearContext", Args: []any{sessionID}})
	return m.ClearContextErr
}

// Terminate implements [session.AgentRuntime].
func (m *AgentRuntime) Terminate(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Terminate", Args: []any{sessionID}})
	return m.TerminateErr
}

// Ensure AgentRuntime satisfies the interface at compile time.
var _ session.AgentRuntime = (*AgentRuntime)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// TerminalRuntime mock
// ─────────────────────────────────────────────────────────────────────────────

// TerminalRuntime is a configurable test double for [session.TerminalRuntime].
type TerminalRuntime struct {
	mu sync.Mutex

	calls []Call

	// StartErr is returned by [TerminalRuntime.Start] when non-nil.
	StartErr error

	// InputErr is returned by [TerminalRuntime.Input] when non-nil.
	InputErr error

	// ResizeErr is returned by [TerminalRuntime.Resize] when non-nil.
	ResizeErr error

	// TerminateErr is returned by [TerminalRuntime.Terminate] when non-nil.
	TerminateErr error
}

// Calls returns a copy of all recorded method invocations.
func (m *TerminalRuntime) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the named method was invoked.
func (m *TerminalRuntime) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// Reset clears all recorded calls without altering response configuration.
func (m *TerminalRuntime) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// Start implements [session.TerminalRuntime].
func (m *TerminalRuntime) Start(_ context.Context, spec session.StartSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Start", Args: []any{spec}})
	return m.StartErr
}

// Input implements [session.TerminalRuntime].
func (m *TerminalRuntime) Input(_ context.Context, sessionID string, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Input", Args: []any{sessionID, data}})
	return m.InputErr
}

// Resize implements [session.TerminalRuntime].
func (m *TerminalRuntime) Resize(_ context.Context, sessionID string, cols, rows int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Resize", Args: []any{sessionID, cols, rows}})
	return m.ResizeErr
}

// Terminate implements [session.TerminalRuntime].
func (m *TerminalRuntime) Terminate(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, Call{Method: "Terminate", Args: []any{sessionID}})
	return m.TerminateErr
}

// Ensure TerminalRuntime satisfies the interface at compile time.
var _ session.TerminalRuntime = (*TerminalRuntime)(nil)
