package state

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/agentrelay/internal/types"
)

// ErrNotFound is returned when a session file does not exist. Every
// other I/O condition is surfaced as a hard failure; callers can rely
// on errors.Is to tell "absent" from "cannot be accessed".
var ErrNotFound = errors.New("session not found")

// ErrExists is returned by Create when the session ID is already taken.
var ErrExists = errors.New("session already exists")

const logExt = ".jsonl"

type recordType string

const (
	recordTypeMetadata recordType = "metadata"
	recordTypeMessage  recordType = "message"
)

// metadataRecord is the first line of every session file.
type metadataRecord struct {
	Type recordType `json:"type"`
	types.SessionMetadata
}

// messageRecord is every subsequent line.
type messageRecord struct {
	Type       recordType         `json:"type"`
	Message    *types.ChatMessage `json:"message"`
	AppendedAt time.Time          `json:"appended_at"`
}

// Store is a file-per-session append-only log store rooted at a data
// directory. Session files live at sessions/<sessionID>.jsonl.
//
// A per-session mutex serializes Append, UpdateMetadata, and Delete for
// in-process callers. Writers in other processes are not coordinated;
// they must not race UpdateMetadata's read-modify-rewrite.
type Store struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
	now   func() time.Time
}

// NewStore creates a Store rooted at the given data directory.
func NewStore(root string) *Store {
	return &Store{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
		now:   time.Now,
	}
}

// getLock returns the per-session mutex, creating one if needed.
func (s *Store) getLock(id types.SessionID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *Store) sessionsDir() string {
	return filepath.Join(s.root, "sessions")
}

func (s *Store) path(id types.SessionID) string {
	return filepath.Join(s.sessionsDir(), string(id)+logExt)
}

// Create writes metadata as the sole line of a brand-new session file.
// It fails with ErrExists if the session ID is already in use.
func (s *Store) Create(_ context.Context, metadata *types.SessionMetadata) error {
	if metadata.SessionID == "" {
		return fmt.Errorf("create session: empty session id")
	}
	if err := os.MkdirAll(s.sessionsDir(), 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	lock := s.getLock(metadata.SessionID)
	lock.Lock()
	defer lock.Unlock()

	// O_EXCL makes create-if-absent atomic.
	f, err := os.OpenFile(s.path(metadata.SessionID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrExists, metadata.SessionID)
		}
		return fmt.Errorf("create session file: %w", err)
	}
	defer f.Close()

	line, err := marshalLine(metadataRecord{Type: recordTypeMetadata, SessionMetadata: *metadata})
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("write session metadata: %w", err)
	}
	return nil
}

// Append adds one message record. The session must already exist; the
// existing lines are never touched.
func (s *Store) Append(_ context.Context, id types.SessionID, message *types.ChatMessage) error {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.path(id), os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	line, err := marshalLine(messageRecord{
		Type:       recordTypeMessage,
		Message:    message,
		AppendedAt: s.now(),
	})
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// Read streams the session file and returns its metadata and messages
// in file order. A missing file returns ErrNotFound; any other I/O
// failure is a hard error.
func (s *Store) Read(_ context.Context, id types.SessionID) (*types.SessionLog, error) {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	metadata, records, err := s.readLocked(id)
	if err != nil {
		return nil, err
	}
	log := &types.SessionLog{Metadata: metadata}
	for _, rec := range records {
		log.Messages = append(log.Messages, rec.Message)
	}
	return log, nil
}

// readLocked scans the session file. Caller must hold the session lock.
// Unparseable lines are skipped so a read racing an in-progress append
// never fails on a torn trailing line.
func (s *Store) readLocked(id types.SessionID) (*types.SessionMetadata, []messageRecord, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, nil, fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()

	var metadata *types.SessionMetadata
	var records []messageRecord

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var head struct {
			Type recordType `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &head); err != nil {
			continue
		}
		switch head.Type {
		case recordTypeMetadata:
			var rec metadataRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				continue
			}
			meta := rec.SessionMetadata
			metadata = &meta
		case recordTypeMessage:
			var rec messageRecord
			if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Message == nil {
				continue
			}
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan session file: %w", err)
	}
	if metadata == nil {
		return nil, nil, fmt.Errorf("session file %s has no metadata record", id)
	}
	return metadata, records, nil
}

// UpdateMetadata merges patch into the stored metadata and rewrites the
// whole file: new metadata line first, then every previously read
// message record in original order. The rewrite goes through a temp
// file and rename, so in-process readers never observe a half-written
// file; out-of-process writers must still not append concurrently.
func (s *Store) UpdateMetadata(_ context.Context, id types.SessionID, patch types.MetadataPatch) error {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	metadata, records, err := s.readLocked(id)
	if err != nil {
		return err
	}

	if patch.Config != nil {
		metadata.Config = *patch.Config
	}
	if patch.State != nil {
		metadata.State = *patch.State
	}
	metadata.UpdatedAt = s.now()

	var buf []byte
	line, err := marshalLine(metadataRecord{Type: recordTypeMetadata, SessionMetadata: *metadata})
	if err != nil {
		return err
	}
	buf = append(buf, line...)
	for _, rec := range records {
		line, err := marshalLine(rec)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
	}

	// Atomic replace: write to temp file then rename.
	tmp := s.path(id) + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := os.Rename(tmp, s.path(id)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// List returns metadata for every session file, newest update first.
// Unreadable or non-log files are skipped.
func (s *Store) List(ctx context.Context) ([]*types.SessionMetadata, error) {
	entries, err := os.ReadDir(s.sessionsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var sessions []*types.SessionMetadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), logExt) {
			continue
		}
		id := types.SessionID(strings.TrimSuffix(entry.Name(), logExt))
		log, err := s.Read(ctx, id)
		if err != nil {
			continue
		}
		sessions = append(sessions, log.Metadata)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

// Delete removes the session file. Deleting a session that does not
// exist is an error.
func (s *Store) Delete(_ context.Context, id types.SessionID) error {
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("delete session file: %w", err)
	}
	return nil
}

func marshalLine(record any) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal session record: %w", err)
	}
	return append(data, '\n'), nil
}

var _ types.SessionStore = (*Store)(nil)
