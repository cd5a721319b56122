package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/tiflis-io/tiflis-code/internal/session"
	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// terminalChunk is the read size for shell output. Chunks are forwarded as
// they arrive, one output frame per read.
const terminalChunk = 4096

// Compile-time assertion that Terminal satisfies the registry's runtime
// interface.
var _ session.TerminalRuntime = (*Terminal)(nil)

// Terminal runs terminal sessions as pipe-backed shells. Output is merged
// stdout+stderr forwarded in raw chunks; the initial size travels via
// COLUMNS/LINES in the environment. Real PTY allocation is a platform
// concern left to dedicated executors.
//
// All methods are safe for concurrent use.
type Terminal struct {
	shell string
	sink  Sink

	mu    sync.Mutex
	procs map[string]*terminalProc
}

// NewTerminal builds the shell runtime. shell is the command to launch,
// sink must not be nil.
func NewTerminal(shell string, sink Sink) *Terminal {
	return &Terminal{
		shell: shell,
		sink:  sink,
		procs: make(map[string]*terminalProc),
	}
}

type terminalProc struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	stdin  io.WriteCloser
	closed bool
	cols   int
	rows   int
}

// Start launches the shell for spec.SessionID sized spec.Cols x spec.Rows.
func (t *Terminal) Start(ctx context.Context, spec session.StartSpec) error {
	cmd := exec.Command(t.shell)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(),
		"COLUMNS="+strconv.Itoa(spec.Cols),
		"LINES="+strconv.Itoa(spec.Rows),
		"TERM=dumb",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("runtime: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	p := &terminalProc{
		id:    spec.SessionID,
		cmd:   cmd,
		stdin: stdin,
		done:  make(chan struct{}),
		cols:  spec.Cols,
		rows:  spec.Rows,
	}

	t.mu.Lock()
	if _, exists := t.procs[spec.SessionID]; exists {
		t.mu.Unlock()
		return fmt.Errorf("runtime: %s: %w", spec.SessionID, ErrAlreadyStarted)
	}
	t.procs[spec.SessionID] = p
	t.mu.Unlock()

	if err := cmd.Start(); err != nil {
		t.release(spec.SessionID)
		return fmt.Errorf("runtime: start %s: %w", t.shell, err)
	}

	slog.Info("terminal shell started",
		"session_id", spec.SessionID,
		"shell", t.shell,
		"cols", spec.Cols,
		"rows", spec.Rows,
	)

	// Wait must not run before the output reader drains, it closes the pipe.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		t.readOutput(p, stdout)
	}()
	go t.watchExit(p, readerDone)
	return nil
}

// Input writes raw bytes to the shell's stdin.
func (t *Terminal) Input(ctx context.Context, sessionID string, data string) error {
	p := t.proc(sessionID)
	if p == nil {
		return fmt.Errorf("runtime: %s: %w", sessionID, ErrUnknownSession)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("runtime: %s: %w", sessionID, ErrUnknownSession)
	}
	if _, err := io.WriteString(p.stdin, data); err != nil {
		return fmt.Errorf("runtime: write input: %w", err)
	}
	return nil
}

// Resize records the new dimensions. Pipes have no window size to change;
// the recorded size seeds session metadata and session.resized fan-out.
func (t *Terminal) Resize(ctx context.Context, sessionID string, cols, rows int) error {
	p := t.proc(sessionID)
	if p == nil {
		return fmt.Errorf("runtime: %s: %w", sessionID, ErrUnknownSession)
	}
	p.mu.Lock()
	p.cols, p.rows = cols, rows
	p.mu.Unlock()
	return nil
}

// Size reports the last known dimensions of a terminal session.
func (t *Terminal) Size(sessionID string) (cols, rows int, err error) {
	p := t.proc(sessionID)
	if p == nil {
		return 0, 0, fmt.Errorf("runtime: %s: %w", sessionID, ErrUnknownSession)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows, nil
}

// Terminate stops the shell: stdin closes first, the process is killed
// after a grace period. Idempotent.
func (t *Terminal) Terminate(ctx context.Context, sessionID string) error {
	p := t.proc(sessionID)
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
	t.release(sessionID)
	return nil
}

func (t *Terminal) proc(sessionID string) *terminalProc {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.procs[sessionID]
}

func (t *Terminal) release(sessionID string) {
	t.mu.Lock()
	delete(t.procs, sessionID)
	t.mu.Unlock()
}

// readOutput forwards merged stdout+stderr chunks until EOF. Terminal
// frames carry no streaming id; each chunk stands alone.
func (t *Terminal) readOutput(p *terminalProc, stdout io.Reader) {
	buf := make([]byte, terminalChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			t.sink.Output(p.id, protocol.OutputPayload{
				ContentType: protocol.ContentText,
				Content:     string(buf[:n]),
			}, "", true)
		}
		if err != nil {
			if err != io.EOF {
				slog.Warn("terminal read failed", "session_id", p.id, "error", err)
			}
			return
		}
	}
}

func (t *Terminal) watchExit(p *terminalProc, readerDone <-chan struct{}) {
	<-readerDone
	err := p.cmd.Wait()
	close(p.done)

	p.mu.Lock()
	deliberate := p.closed
	p.closed = true
	p.mu.Unlock()
	if deliberate {
		return
	}

	t.release(p.id)
	slog.Warn("terminal shell exited", "session_id", p.id, "error", err)
	t.sink.Exited(p.id, err)
}
