package types

import "github.com/google/uuid"

type SessionID string
type MessageID string
type RequestID string

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}
