package runtime_test

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tiflis-io/tiflis-code/pkg/protocol"
)

// ── recording sink ───────────────────────────────────────────────────────────

type sinkOutput struct {
	sessionID   string
	payload     protocol.OutputPayload
	streamingID string
	complete    bool
}

type recordingSink struct {
	mu      sync.Mutex
	outputs []sinkOutput
	turns   []error
	cliIDs  map[string]string
	exits   map[string]error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		cliIDs: make(map[string]string),
		exits:  make(map[string]error),
	}
}

func (s *recordingSink) Output(sessionID string, out protocol.OutputPayload, streamingID string, complete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = append(s.outputs, sinkOutput{sessionID, out, streamingID, complete})
}

func (s *recordingSink) ExecutionDone(sessionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, err)
}

func (s *recordingSink) CLISessionID(sessionID, cliID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cliIDs[sessionID] = cliID
}

func (s *recordingSink) Exited(sessionID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		err = errClean
	}
	s.exits[sessionID] = err
}

var errClean = &cleanExit{}

type cleanExit struct{}

func (*cleanExit) Error() string { return "clean exit" }

func (s *recordingSink) snapshotOutputs() []sinkOutput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkOutput, len(s.outputs))
	copy(out, s.outputs)
	return out
}

func (s *recordingSink) turnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns)
}

func (s *recordingSink) turn(i int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.turns[i]
}

func (s *recordingSink) cliID(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cliIDs[sessionID]
}

func (s *recordingSink) exited(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.exits[sessionID]
	return ok
}

// combinedOutput concatenates all recorded chunk contents for a session.
func (s *recordingSink) combinedOutput(sessionID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var b strings.Builder
	for _, o := range s.outputs {
		if o.sessionID == sessionID {
			b.WriteString(o.payload.Content)
		}
	}
	return b.String()
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
