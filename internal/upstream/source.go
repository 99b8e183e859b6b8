// Package upstream supplies message sources for the translation layer:
// concrete implementations of the asynchronous pull interface the agent
// package consumes.
package upstream

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/user/agentrelay/internal/protocol"
)

// ReaderSource pulls messages from newline-delimited JSON on an
// io.Reader: a capture file, a test script, or a pipe. Undecodable and
// unrecognized lines are skipped, matching the protocol's
// forward-compatibility default.
type ReaderSource struct {
	scanner *bufio.Scanner
}

// NewReaderSource creates a source reading from r.
func NewReaderSource(r io.Reader) *ReaderSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &ReaderSource{scanner: scanner}
}

// Next returns the next decodable message, or io.EOF at end of input.
func (s *ReaderSource) Next(ctx context.Context) (protocol.Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := strings.TrimSpace(s.scanner.Text())
		if line == "" {
			continue
		}
		msg, err := protocol.Decode([]byte(line))
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownMessage) {
				slog.Debug("skipping unknown upstream message", "error", err)
			} else {
				slog.Debug("skipping malformed upstream line", "error", err)
			}
			continue
		}
		return msg, nil
	}
}
