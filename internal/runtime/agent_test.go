package runtime_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tiflis-io/tiflis-code/internal/runtime"
	"github.com/tiflis-io/tiflis-code/internal/session"
)

// fakeCLI is a shell script speaking the agent stdio protocol: it announces
// a provider context id, then answers every stdin line with a text frame
// and a result.
const fakeCLI = `
printf '%s\n' '{"type":"session","session_id":"ctx-1"}'
while IFS= read -r line; do
  printf '%s\n' '{"type":"text","text":"hello"}'
  printf '%s\n' '{"type":"result"}'
done
`

func shResolver(script string) runtime.CLIResolver {
	return func(baseType string) (runtime.CLI, error) {
		return runtime.CLI{Command: "sh", Args: []string{"-c", script}}, nil
	}
}

func startAgent(t *testing.T, sink *recordingSink, script, id string) *runtime.Agent {
	t.Helper()
	a := runtime.NewAgent(shResolver(script), sink)
	err := a.Start(t.Context(), session.StartSpec{
		SessionID:  id,
		Kind:       "agent",
		BaseType:   "claude",
		WorkingDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Terminate(context.Background(), id) })
	return a
}

func TestAgentTurnLifecycle(t *testing.T) {
	sink := newRecordingSink()
	a := startAgent(t, sink, fakeCLI, "claude-1")

	waitFor(t, "cli session id", func() bool { return sink.cliID("claude-1") == "ctx-1" })

	err := a.Execute(t.Context(), "claude-1", session.ExecuteInput{
		MessageID: "m-1",
		Content:   "hi",
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	waitFor(t, "turn completion", func() bool { return sink.turnCount() == 1 })
	if err := sink.turn(0); err != nil {
		t.Fatalf("turn reported error: %v", err)
	}

	outputs := sink.snapshotOutputs()
	if len(outputs) != 2 {
		t.Fatalf("got %d output frames, want 2", len(outputs))
	}
	text, final := outputs[0], outputs[1]
	if text.payload.Content != "hello" || text.complete {
		t.Errorf("text frame = %+v", text)
	}
	if text.streamingID == "" {
		t.Error("text frame has no streaming id")
	}
	if !final.complete || final.streamingID != text.streamingID {
		t.Errorf("final frame = %+v, want complete with same streaming id", final)
	}
}

func TestAgentTurnsGetDistinctStreamingIDs(t *testing.T) {
	sink := newRecordingSink()
	a := startAgent(t, sink, fakeCLI, "claude-2")

	for i := 0; i < 2; i++ {
		if err := a.Execute(t.Context(), "claude-2", session.ExecuteInput{Content: "go"}); err != nil {
			t.Fatalf("Execute %d: %v", i, err)
		}
		want := i + 1
		waitFor(t, "turn completion", func() bool { return sink.turnCount() == want })
	}

	outputs := sink.snapshotOutputs()
	if len(outputs) != 4 {
		t.Fatalf("got %d frames, want 4", len(outputs))
	}
	if outputs[0].streamingID == outputs[2].streamingID {
		t.Error("second turn reused the first turn's streaming id")
	}
}

func TestAgentTurnError(t *testing.T) {
	script := `
while IFS= read -r line; do
  printf '%s\n' '{"type":"result","is_error":true,"message":"boom"}'
done
`
	sink := newRecordingSink()
	a := startAgent(t, sink, script, "claude-3")

	if err := a.Execute(t.Context(), "claude-3", session.ExecuteInput{Content: "go"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	waitFor(t, "turn completion", func() bool { return sink.turnCount() == 1 })
	if err := sink.turn(0); err == nil {
		t.Fatal("turn succeeded, want error")
	}
}

func TestAgentSkipsMalformedLines(t *testing.T) {
	script := `
while IFS= read -r line; do
  printf '%s\n' 'not json at all'
  printf '%s\n' '{"type":"result"}'
done
`
	sink := newRecordingSink()
	a := startAgent(t, sink, script, "claude-4")

	if err := a.Execute(t.Context(), "claude-4", session.ExecuteInput{Content: "go"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	waitFor(t, "turn completion", func() bool { return sink.turnCount() == 1 })
	if err := sink.turn(0); err != nil {
		t.Errorf("turn error: %v", err)
	}
}

func TestAgentProcessDeathReported(t *testing.T) {
	sink := newRecordingSink()
	startAgent(t, sink, "exit 3", "claude-5")

	waitFor(t, "exit report", func() bool { return sink.exited("claude-5") })
}

func TestAgentTerminateIsQuiet(t *testing.T) {
	sink := newRecordingSink()
	a := startAgent(t, sink, fakeCLI, "claude-6")

	if err := a.Terminate(t.Context(), "claude-6"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if err := a.Terminate(t.Context(), "claude-6"); err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if sink.exited("claude-6") {
		t.Error("deliberate termination reported as process death")
	}
}

func TestAgentCancelWhenIdle(t *testing.T) {
	sink := newRecordingSink()
	a := startAgent(t, sink, fakeCLI, "claude-7")

	if err := a.Cancel(t.Context(), "claude-7"); err != nil {
		t.Fatalf("Cancel while idle: %v", err)
	}
}

func TestAgentUnknownSession(t *testing.T) {
	a := runtime.NewAgent(shResolver(fakeCLI), newRecordingSink())

	err := a.Execute(t.Context(), "ghost", session.ExecuteInput{Content: "x"})
	if !errors.Is(err, runtime.ErrUnknownSession) {
		t.Fatalf("Execute = %v, want ErrUnknownSession", err)
	}
	if err := a.Terminate(t.Context(), "ghost"); err != nil {
		t.Fatalf("Terminate unknown = %v, want nil", err)
	}
}

func TestAgentStartFailureLeavesNoProc(t *testing.T) {
	resolver := func(string) (runtime.CLI, error) {
		return runtime.CLI{Command: "/nonexistent/agent-cli"}, nil
	}
	a := runtime.NewAgent(resolver, newRecordingSink())

	err := a.Start(t.Context(), session.StartSpec{SessionID: "claude-8", BaseType: "claude"})
	if err == nil {
		t.Fatal("Start succeeded with missing binary")
	}
	if err := a.Execute(t.Context(), "claude-8", session.ExecuteInput{Content: "x"}); !errors.Is(err, runtime.ErrUnknownSession) {
		t.Fatalf("Execute = %v, want ErrUnknownSession", err)
	}
}
