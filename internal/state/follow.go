package state

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/user/agentrelay/internal/types"
)

// Follow streams a session's messages: every message already in the
// file, then each newly appended one as it lands. The returned channel
// closes when ctx is cancelled or the session file disappears.
//
// Following tolerates reads racing in-progress appends (torn trailing
// lines are re-read on the next change) and metadata rewrites (the
// rewrite replays all messages, so delivery resumes by count).
func (s *Store) Follow(ctx context.Context, id types.SessionID) (<-chan *types.ChatMessage, error) {
	path := s.path(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("stat session file: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory rather than the file so the watch survives
	// UpdateMetadata's rename-over-replace.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch sessions dir: %w", err)
	}

	out := make(chan *types.ChatMessage)
	go func() {
		defer close(out)
		defer watcher.Close()

		delivered := 0
		deliverNew := func() bool {
			lock := s.getLock(id)
			lock.Lock()
			_, records, err := s.readLocked(id)
			lock.Unlock()
			if err != nil {
				// The file vanished or broke; stop following.
				slog.Debug("stopping session follow", "session_id", id, "error", err)
				return false
			}
			for ; delivered < len(records); delivered++ {
				select {
				case out <- records[delivered].Message:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		if !deliverNew() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != path {
					continue
				}
				if event.Op.Has(fsnotify.Remove) {
					return
				}
				if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Rename) {
					if !deliverNew() {
						return
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("session watch error", "session_id", id, "error", err)
			}
		}
	}()
	return out, nil
}
