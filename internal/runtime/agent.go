package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tiflis-io/tiflis-code/internal/session"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// killGrace is how long Terminate waits after closing stdin before killing
// the process.
const killGrace = 2 * time.Second

// Compile-time assertion that Agent satisfies the registry's runtime
// interface.
var _ session.AgentRuntime = (*Agent)(nil)

// CLI describes the launchable command for one agent session. Resolved from
// the workspace catalog before Start.
type CLI struct {
	Command string
	Args    []string
}

// CLIResolver maps a base agent type to its command line. Implemented by
// the workspace catalog.
type CLIResolver func(baseType string) (CLI, error)

// Agent runs each agent session as one long-lived CLI subprocess. Commands
// go to the child's stdin as JSON lines; events stream back on stdout, one
// JSON object per line. stderr is logged.
//
// All methods are safe for concurrent use.
type Agent struct {
	resolve CLIResolver
	sink    Sink

	mu    sync.Mutex
	procs map[string]*agentProc
}

// NewAgent builds the agent runtime. resolve and sink must not be nil.
func NewAgent(resolve CLIResolver, sink Sink) *Agent {
	return &Agent{
		resolve: resolve,
		sink:    sink,
		procs:   make(map[string]*agentProc),
	}
}

// agentProc is one live CLI subprocess.
type agentProc struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}

	mu          sync.Mutex
	stdin       io.WriteCloser
	closed      bool
	executing   bool
	streamingID string
}

// agentCommand is one stdin line sent to the CLI.
type agentCommand struct {
	Type        string `json:"type"`
	MessageID   string `json:"message_id,omitempty"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// agentEvent is one stdout line received from the CLI. Unknown types are
// skipped so newer CLIs can emit richer streams.
type agentEvent struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"session_id,omitempty"`
	Text      string                 `json:"text,omitempty"`
	Block     *protocol.ContentBlock `json:"block,omitempty"`
	Message   string                 `json:"message,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

// Start launches the CLI for spec.SessionID in spec.WorkingDir.
func (a *Agent) Start(ctx context.Context, spec session.StartSpec) error {
	cli, err := a.resolve(spec.BaseType)
	if err != nil {
		return fmt.Errorf("runtime: resolve agent %q: %w", spec.BaseType, err)
	}

	cmd := exec.Command(cli.Command, cli.Args...)
	cmd.Dir = spec.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("runtime: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("runtime: stderr pipe: %w", err)
	}

	p := &agentProc{
		id:    spec.SessionID,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
	}

	a.mu.Lock()
	if _, exists := a.procs[spec.SessionID]; exists {
		a.mu.Unlock()
		return fmt.Errorf("runtime: %s: %w", spec.SessionID, ErrAlreadyStarted)
	}
	a.procs[spec.SessionID] = p
	a.mu.Unlock()

	if err := cmd.Start(); err != nil {
		a.release(spec.SessionID)
		return fmt.Errorf("runtime: start %s: %w", cli.Command, err)
	}

	slog.Info("agent process started",
		"session_id", spec.SessionID,
		"agent", spec.BaseType,
		"command", cli.Command,
	)

	// Wait must not run before the pipe readers drain, it closes the pipes.
	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		a.readEvents(p, stdout)
	}()
	go func() {
		defer readers.Done()
		logStderr(spec.SessionID, stderr)
	}()
	go a.watchExit(p, &readers)
	return nil
}

// Execute sends one user turn to the CLI. Output arrives asynchronously
// through the sink; ExecutionDone fires when the CLI reports the turn
// finished.
func (a *Agent) Execute(ctx context.Context, sessionID string, input session.ExecuteInput) error {
	p := a.proc(sessionID)
	if p == nil {
		return fmt.Errorf("runtime: %s: %w", sessionID, ErrUnknownSession)
	}
	p.mu.Lock()
	p.executing = true
	p.mu.Unlock()

	err := p.send(agentCommand{
		Type:        "execute",
		MessageID:   input.MessageID,
		Content:     input.Content,
		ContentType: input.ContentType,
	})
	if err != nil {
		p.mu.Lock()
		p.executing = false
		p.mu.Unlock()
	}
	return err
}

// Cancel aborts the in-flight turn. A no-op when the session is idle.
func (a *Agent) Cancel(ctx context.Context, sessionID string) error {
	p := a.proc(sessionID)
	if p == nil {
		return fmt.Errorf("runtime: %s: %w", sessionID, ErrUnknownSession)
	}
	p.mu.Lock()
	executing := p.executing
	p.mu.Unlock()
	if !executing {
		return nil
	}
	return p.send(agentCommand{Type: "cancel"})
}

// ClearContext asks the CLI to drop its conversational context.
func (a *Agent) ClearContext(ctx context.Context, sessionID string) error {
	p := a.proc(sessionID)
	if p == nil {
		return fmt.Errorf("runtime: %s: %w", sessionID, ErrUnknownSession)
	}
	return p.send(agentCommand{Type: "clear_context"})
}

// Terminate stops the CLI: stdin closes first so it can exit cleanly, then
// the process is killed after a grace period. Idempotent.
func (a *Agent) Terminate(ctx context.Context, sessionID string) error {
	p := a.proc(sessionID)
	if p == nil {
		return nil
	}

	p.mu.Lock()
	alreadyClosed := p.closed
	p.closed = true
	p.mu.Unlock()
	if alreadyClosed {
		return nil
	}

	p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(killGrace):
		p.cmd.Process.Kill()
		<-p.done
	case <-ctx.Done():
		p.cmd.Process.Kill()
		<-p.done
	}
	a.release(sessionID)
	return nil
}

func (a *Agent) proc(sessionID string) *agentProc {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.procs[sessionID]
}

func (a *Agent) release(sessionID string) {
	a.mu.Lock()
	delete(a.procs, sessionID)
	a.mu.Unlock()
}

// readEvents consumes the CLI's stdout stream until EOF.
func (a *Agent) readEvents(p *agentProc, stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, scanBufInitial), scanBufMax)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev agentEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("agent emitted malformed event line",
				"session_id", p.id,
				"error", err,
			)
			continue
		}
		a.handleEvent(p, ev)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("agent stdout read failed", "session_id", p.id, "error", err)
	}
}

func (a *Agent) handleEvent(p *agentProc, ev agentEvent) {
	switch ev.Type {
	case "session":
		if ev.SessionID != "" {
			a.sink.CLISessionID(p.id, ev.SessionID)
		}

	case "text":
		a.sink.Output(p.id, protocol.OutputPayload{
			Role:        protocol.RoleAssistant,
			ContentType: protocol.ContentText,
			Content:     ev.Text,
		}, p.turnStreamingID(), false)

	case "block":
		if ev.Block == nil {
			return
		}
		a.sink.Output(p.id, protocol.OutputPayload{
			Role:          protocol.RoleAssistant,
			ContentType:   protocol.ContentText,
			ContentBlocks: []protocol.ContentBlock{*ev.Block},
		}, p.turnStreamingID(), false)

	case "result":
		streamingID, open := p.finishTurn()
		if open {
			a.sink.Output(p.id, protocol.OutputPayload{
				Role:        protocol.RoleAssistant,
				ContentType: protocol.ContentText,
			}, streamingID, true)
		}
		var err error
		if ev.IsError {
			err = fmt.Errorf("agent turn failed: %s", ev.Message)
		}
		a.sink.ExecutionDone(p.id, err)

	case "error":
		streamingID, open := p.finishTurn()
		if open {
			a.sink.Output(p.id, protocol.OutputPayload{
				Role:          protocol.RoleAssistant,
				ContentType:   protocol.ContentText,
				ContentBlocks: []protocol.ContentBlock{{Type: protocol.BlockError, Text: ev.Message}},
			}, streamingID, true)
		}
		a.sink.ExecutionDone(p.id, fmt.Errorf("agent error: %s", ev.Message))

	default:
		slog.Debug("agent emitted unknown event type",
			"session_id", p.id,
			"event_type", ev.Type,
		)
	}
}

// watchExit waits for the process and reports unexpected deaths.
func (a *Agent) watchExit(p *agentProc, readers *sync.WaitGroup) {
	readers.Wait()
	err := p.cmd.Wait()
	close(p.done)

	p.mu.Lock()
	deliberate := p.closed
	p.closed = true
	p.mu.Unlock()
	if deliberate {
		return
	}

	a.release(p.id)
	slog.Warn("agent process exited", "session_id", p.id, "error", err)
	a.sink.Exited(p.id, err)
}

// send writes one command line to the CLI's stdin.
func (p *agentProc) send(cmd agentCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("runtime: encode command: %w", err)
	}
	data = append(data, '\n')

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("runtime: %s: %w", p.id, ErrUnknownSession)
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("runtime: write command: %w", err)
	}
	return nil
}

// turnStreamingID returns the current turn's streaming message id, minting
// one on the first output frame so every frame of a turn shares it.
func (p *agentProc) turnStreamingID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streamingID == "" {
		p.streamingID = uuid.NewString()
	}
	return p.streamingID
}

// finishTurn closes the current turn and reports whether output frames had
// opened one.
func (p *agentProc) finishTurn() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.streamingID
	p.streamingID = ""
	p.executing = false
	return id, id != ""
}

// logStderr drains a child's stderr into the log.
func logStderr(sessionID string, stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, scanBufInitial), scanBufMax)
	for scanner.Scan() {
		slog.Debug("agent stderr", "session_id", sessionID, "line", scanner.Text())
	}
}
