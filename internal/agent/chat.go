package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/user/agentrelay/internal/protocol"
)

// Source is an asynchronous pull interface over the upstream message
// stream. Next blocks until a message is available, returns io.EOF when
// the stream ends cleanly, and honors ctx cancellation while waiting.
type Source interface {
	Next(ctx context.Context) (protocol.Message, error)
}

// ChatOptions configures one chat turn sequence.
type ChatOptions struct {
	// OnSessionID is invoked once, with the upstream session ID, as
	// soon as the stream reveals it.
	OnSessionID func(sessionID string)
}

// Chat drives one turn sequence: it pulls messages from src until the
// stream ends, translates each with a fresh Translator, and sends the
// resulting events on the returned channel. The channel is closed when
// the sequence ends or ctx is cancelled; cancellation takes effect
// between messages, never mid-translation.
//
// Source failures other than a clean EOF surface as a single Error
// event before the channel closes.
func Chat(ctx context.Context, src Source, opts ChatOptions) <-chan Event {
	events := make(chan Event)
	go func() {
		defer close(events)

		t := NewTranslator()
		sessionSeen := false

		for {
			msg, err := src.Next(ctx)
			if err != nil {
				switch {
				case errors.Is(err, io.EOF),
					errors.Is(err, context.Canceled),
					errors.Is(err, context.DeadlineExceeded):
					return
				case errors.Is(err, protocol.ErrUnknownMessage):
					slog.Debug("skipping unrecognized upstream message", "error", err)
					continue
				default:
					slog.Error("upstream source failed", "error", err)
					emit(ctx, events, Error{Type: EventKindError, Message: err.Error()})
					return
				}
			}

			if !sessionSeen {
				if sid := protocol.SessionIDOf(msg); sid != "" {
					sessionSeen = true
					if opts.OnSessionID != nil {
						opts.OnSessionID(sid)
					}
				}
			}

			for _, event := range t.Translate(msg) {
				if !emit(ctx, events, event) {
					return
				}
			}
		}
	}()
	return events
}

func emit(ctx context.Context, ch chan<- Event, event Event) bool {
	select {
	case ch <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
