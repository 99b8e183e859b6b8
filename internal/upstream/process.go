package upstream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/user/agentrelay/internal/protocol"
)

// ProcessOptions configures the agent runtime subprocess.
type ProcessOptions struct {
	// Command is the runtime CLI and any fixed arguments.
	Command []string
	// Dir is the working directory the runtime operates in.
	Dir string
	// Resume is an upstream session ID to resume, if any.
	Resume string
	// PermissionMode is passed through to the runtime when set.
	PermissionMode string
}

// Process runs the agent runtime CLI and exposes its stream-json stdout
// as a Source. One Process serves one turn sequence: send the prompt,
// drain events until io.EOF, then Close.
type Process struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	messages chan protocol.Message
	done     chan struct{}
	once     sync.Once

	mu     sync.Mutex
	runErr error
	stderr strings.Builder
}

// StartProcess launches the runtime subprocess and begins scanning its
// output. The prompt is written to the runtime's stdin immediately.
func StartProcess(ctx context.Context, opts ProcessOptions, prompt string) (*Process, error) {
	if len(opts.Command) == 0 {
		return nil, fmt.Errorf("start agent process: empty command")
	}

	args := append([]string{}, opts.Command[1:]...)
	args = append(args,
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	)
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}

	cmd := exec.CommandContext(ctx, opts.Command[0], args...)
	cmd.Dir = opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}

	p := &Process{
		cmd:      cmd,
		stdin:    stdin,
		messages: make(chan protocol.Message, 16),
		done:     make(chan struct{}),
	}
	cmd.Stderr = &stderrWriter{p: p}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	go p.scan(stdout)

	if err := p.send(protocol.NewUserPrompt(prompt)); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func (p *Process) send(msg any) error {
	var data []byte
	var err error
	if m, ok := msg.(marshaler); ok {
		data, err = m.Marshal()
	} else {
		err = fmt.Errorf("unsupported outbound message %T", msg)
	}
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to agent process: %w", err)
	}
	return nil
}

// SendControl writes a control response (permission decision) to the
// runtime.
func (p *Process) SendControl(resp protocol.ControlResponse) error {
	return p.send(resp)
}

// scan drains stdout into the message channel until the pipe closes or
// Close abandons the stream. The reap runs before the channel closes so
// a non-zero exit is visible when Next observes the closed channel.
func (p *Process) scan(stdout io.Reader) {
	defer close(p.messages)
	defer p.reap()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		msg, err := protocol.Decode([]byte(line))
		if err != nil {
			slog.Debug("skipping undecodable agent output", "error", err)
			continue
		}
		select {
		case p.messages <- msg:
		case <-p.done:
			// Consumer gone; stop delivering so this goroutine can exit.
			return
		}
	}
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		p.runErr = fmt.Errorf("agent process: %w (stderr: %s)", err, strings.TrimSpace(p.stderr.String()))
	}
}

// Next implements the Source pull interface.
func (p *Process) Next(ctx context.Context) (protocol.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg, ok := <-p.messages:
		if !ok {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.runErr != nil {
				return nil, p.runErr
			}
			return nil, io.EOF
		}
		return msg, nil
	}
}

// Close shuts the runtime down. Closing stdin asks it to exit; a
// process that already exited is not an error.
func (p *Process) Close() error {
	p.once.Do(func() { close(p.done) })
	if err := p.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		slog.Debug("close agent stdin", "error", err)
	}
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return nil
}

type stderrWriter struct {
	p *Process
}

func (w *stderrWriter) Write(data []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	// Keep a bounded tail for error reporting.
	if w.p.stderr.Len() < 64*1024 {
		w.p.stderr.Write(data)
	}
	return len(data), nil
}
