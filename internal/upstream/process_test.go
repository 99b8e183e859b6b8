package upstream

import (
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/user/agentrelay/internal/protocol"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test shells out to sh")
	}
}

func TestProcessStreamsOutput(t *testing.T) {
	requireShell(t)

	// The stub ignores the injected flags and prints one result line.
	script := `echo '{"type":"result","subtype":"success","session_id":"sess_1","usage":{}}'`
	p, err := StartProcess(context.Background(), ProcessOptions{
		Command: []string{"sh", "-c", script},
	}, "hello")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Close()

	msg, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	res, ok := msg.(protocol.ResultMessage)
	if !ok {
		t.Fatalf("expected ResultMessage, got %T", msg)
	}
	if res.SessionID != "sess_1" {
		t.Errorf("unexpected session id %q", res.SessionID)
	}

	if _, err := p.Next(context.Background()); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after clean exit, got %v", err)
	}
}

func TestProcessEchoesPrompt(t *testing.T) {
	requireShell(t)

	// cat echoes the prompt line we wrote to stdin back as a user
	// message; closing stdin ends the stream.
	p, err := StartProcess(context.Background(), ProcessOptions{
		Command: []string{"sh", "-c", "cat"},
	}, "round trip")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	msg, err := p.Next(context.Background())
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	user, ok := msg.(protocol.UserMessage)
	if !ok {
		t.Fatalf("expected UserMessage, got %T", msg)
	}
	text, _ := user.Message.Content.AsString()
	if text != "round trip" {
		t.Errorf("expected prompt text, got %q", text)
	}

	p.Close()
}

func TestProcessFailureSurfacesStderr(t *testing.T) {
	requireShell(t)

	p, err := StartProcess(context.Background(), ProcessOptions{
		Command: []string{"sh", "-c", "echo oops >&2; exit 3"},
	}, "hello")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Close()

	for {
		_, err := p.Next(context.Background())
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			t.Fatal("expected a process failure, got clean EOF")
		}
		if !strings.Contains(err.Error(), "oops") {
			t.Errorf("expected stderr tail in error, got %v", err)
		}
		return
	}
}

func TestProcessEmptyCommand(t *testing.T) {
	if _, err := StartProcess(context.Background(), ProcessOptions{}, "hi"); err == nil {
		t.Error("expected an error for an empty command")
	}
}

func TestCloseTerminatesUndrainedStream(t *testing.T) {
	requireShell(t)

	// Emit far more lines than the message buffer holds, then hang. An
	// abandoning consumer closes without draining; the stream must still
	// reach a terminal state instead of wedging on the full buffer.
	line := `{"type":"result","subtype":"success","session_id":"sess_1","usage":{}}`
	script := `i=0; while [ $i -lt 64 ]; do echo '` + line + `'; i=$((i+1)); done; sleep 60`
	p, err := StartProcess(context.Background(), ProcessOptions{
		Command: []string{"sh", "-c", script},
	}, "hello")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		_, err := p.Next(ctx)
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) {
			t.Fatal("stream never terminated after Close")
		}
		return
	}
}
