// internal/types/events.go
package types

import (
	"fmt"
	"time"
)

// Source identifies which side of the connection reported an event.
type Source string

const (
	SourceServer Source = "server"
	SourceClient Source = "client"
)

// EventType is the closed set of observed session event types.
type EventType string

const (
	EventSessionInit      EventType = "session_init"
	EventUserMessage      EventType = "user_message"
	EventAssistantMessage EventType = "assistant_message"
	EventStepUsage        EventType = "step_usage"
	EventToolStart        EventType = "tool_start"
	EventToolEnd          EventType = "tool_end"
	EventTotalUsage       EventType = "total_usage"
)

// Usage holds token counts and the dollar cost for one usage snapshot.
type Usage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	Cost         float64 `json:"cost"`
}

// Event is one observed occurrence in an agent session. The Type field
// discriminates the union; only the fields belonging to that type are set.
type Event struct {
	Type         EventType    `json:"type"`
	SessionID    SessionID    `json:"sessionId"`
	Timestamp    time.Time    `json:"timestamp"`
	Source       Source       `json:"source"`
	ClientChatID ClientChatID `json:"clientChatId,omitempty"`

	// user_message / assistant_message
	Text string `json:"text,omitempty"`

	// step_usage / total_usage
	StepIndex   int          `json:"stepIndex,omitempty"`
	Usage       *Usage       `json:"usage,omitempty"`
	ToolCallIDs []ToolCallID `json:"toolCallIds,omitempty"`

	// tool_start / tool_end
	ToolCallID    ToolCallID `json:"toolCallId,omitempty"`
	ToolName      string     `json:"toolName,omitempty"`
	DurationMs    int64      `json:"durationMs,omitempty"`
	Success       *bool      `json:"success,omitempty"`
	Error         string     `json:"error,omitempty"`
	OutputSummary string     `json:"outputSummary,omitempty"`
}

// Validate checks the per-type required fields. The switch is exhaustive
// over EventType; unknown types are rejected.
func (e *Event) Validate() error {
	if e.Source != SourceServer && e.Source != SourceClient {
		return fmt.Errorf("invalid source: %q", e.Source)
	}
	switch e.Type {
	case EventSessionInit:
		return nil
	case EventUserMessage, EventAssistantMessage:
		return nil
	case EventStepUsage:
		if e.Usage == nil {
			return fmt.Errorf("step_usage requires usage")
		}
		return nil
	case EventTotalUsage:
		if e.Usage == nil {
			return fmt.Errorf("total_usage requires usage")
		}
		return nil
	case EventToolStart:
		if e.ToolCallID == "" || e.ToolName == "" {
			return fmt.Errorf("tool_start requires toolCallId and toolName")
		}
		return nil
	case EventToolEnd:
		if e.ToolCallID == "" || e.ToolName == "" {
			return fmt.Errorf("tool_end requires toolCallId and toolName")
		}
		if e.DurationMs < 0 {
			return fmt.Errorf("tool_end requires non-negative durationMs")
		}
		if e.Success == nil {
			return fmt.Errorf("tool_end requires success")
		}
		return nil
	default:
		return fmt.Errorf("unknown event type: %q", e.Type)
	}
}

// ValidateFromClient applies the stricter rules for client-labeled sources:
// only tool lifecycle events may be submitted by clients.
func (e *Event) ValidateFromClient() error {
	if e.Type != EventToolStart && e.Type != EventToolEnd {
		return fmt.Errorf("event type %q not accepted from client sources", e.Type)
	}
	return e.Validate()
}

// Succeeded reports whether a tool_end event completed successfully.
func (e *Event) Succeeded() bool {
	return e.Success != nil && *e.Success
}
