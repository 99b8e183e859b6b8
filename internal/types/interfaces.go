package types

import "context"

// SessionStore persists one append-only log file per session.
type SessionStore interface {
	Create(ctx context.Context, metadata *SessionMetadata) error
	Append(ctx context.Context, id SessionID, message *ChatMessage) error
	Read(ctx context.Context, id SessionID) (*SessionLog, error)
	UpdateMetadata(ctx context.Context, id SessionID, patch MetadataPatch) error
	List(ctx context.Context) ([]*SessionMetadata, error)
	Delete(ctx context.Context, id SessionID) error
}

// SessionLog is the fully materialized content of one session file.
type SessionLog struct {
	Metadata *SessionMetadata
	Messages []*ChatMessage
}
