// internal/types/ids.go
package types

import "github.com/google/uuid"

type SessionID string
type ClientChatID string
type ToolCallID string
type RequestID string

func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

func NewRequestID() RequestID {
	return RequestID(uuid.New().String())
}

func NewToolCallID() ToolCallID {
	return ToolCallID(uuid.New().String())
}
