// internal/types/audit.go
package types

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditKind is the closed set of durable (audit-path) event kinds.
type AuditKind string

const (
	KindSessionStarted        AuditKind = "session_started"
	KindSessionFinished       AuditKind = "session_finished"
	KindStepFinished          AuditKind = "step_finished"
	KindToolCallStarted       AuditKind = "tool_call_started"
	KindToolCallFinished      AuditKind = "tool_call_finished"
	KindToolCallOutbound      AuditKind = "tool_call_outbound"
	KindToolCallInbound       AuditKind = "tool_call_inbound"
	KindMessageLogged         AuditKind = "message_logged"
	KindClassificationDecided AuditKind = "classification_decided"
	KindCapabilityRouted      AuditKind = "capability_routed"
	KindPersonaPostProcessed  AuditKind = "persona_post_processed"
)

// ValidAuditKind reports whether k is one of the known audit kinds.
func ValidAuditKind(k AuditKind) bool {
	switch k {
	case KindSessionStarted, KindSessionFinished, KindStepFinished,
		KindToolCallStarted, KindToolCallFinished, KindToolCallOutbound,
		KindToolCallInbound, KindMessageLogged, KindClassificationDecided,
		KindCapabilityRouted, KindPersonaPostProcessed:
		return true
	}
	return false
}

// AuditEvent is the richer event shape written to the durable sink.
// Sequence is monotonically increasing within one emitter instance.
type AuditEvent struct {
	Kind           AuditKind       `json:"kind"`
	SessionID      SessionID       `json:"sessionId"`
	RequestID      RequestID       `json:"requestId"`
	Sequence       int64           `json:"sequence"`
	Timestamp      time.Time       `json:"timestamp"`
	Source         Source          `json:"source"`
	DedupeKey      string          `json:"dedupeKey,omitempty"`
	ModelID        string          `json:"modelId,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	PersonaEnabled bool            `json:"personaEnabled,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

func (a *AuditEvent) Validate() error {
	if !ValidAuditKind(a.Kind) {
		return fmt.Errorf("unknown audit kind: %q", a.Kind)
	}
	if a.SessionID == "" {
		return fmt.Errorf("audit event requires sessionId")
	}
	return nil
}

// Sink is the single capability the durable backend exposes.
type Sink interface {
	Insert(ctx context.Context, event *AuditEvent) error
}
