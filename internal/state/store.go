// internal/state/store.go
package state

import (
	"container/list"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/user/agentlens/internal/types"
)

// TopToolsCap bounds the topTools list in a session summary.
const TopToolsCap = 5

// LabelMaxLen caps a session display label after trimming.
const LabelMaxLen = 120

// ErrNotFound is returned for operations on unknown session ids. It is
// distinct from validation errors so the API layer can map it to 404.
var ErrNotFound = errors.New("session not found")

// ToolCount is one entry in a summary's topTools list.
type ToolCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// SessionSummary is a pure fold over one session's event log. It is never
// mutated independently of the log.
type SessionSummary struct {
	SessionID         types.SessionID `json:"sessionId"`
	Label             string          `json:"label,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
	LastEventAt       time.Time       `json:"lastEventAt"`
	MessageCount      int             `json:"messageCount"`
	ToolCalls         int             `json:"toolCalls"`
	InputTokens       int             `json:"inputTokens"`
	OutputTokens      int             `json:"outputTokens"`
	TotalTokens       int             `json:"totalTokens"`
	TotalCost         float64         `json:"totalCost"`
	AvgToolDurationMs int64           `json:"avgToolDurationMs"`
	TopTools          []ToolCount     `json:"topTools"`
}

// SessionDetail is the full event log plus two indices derivable from it.
type SessionDetail struct {
	SessionID     types.SessionID            `json:"sessionId"`
	Label         string                     `json:"label,omitempty"`
	Events        []types.Event              `json:"events"`
	StepTools     map[int][]types.ToolCallID `json:"stepTools"`
	ToolDurations map[types.ToolCallID]int64 `json:"toolDurations"`
}

// sessionLog holds one session's ordered events and its cached summary.
// The summary cache is invalidated on every append.
type sessionLog struct {
	id      types.SessionID
	label   string
	events  []types.Event
	elem    *list.Element
	summary *SessionSummary
}

// Store is the in-memory session event registry. Sessions are created
// implicitly by their first event and evicted least-recently-active first
// once the capacity is exceeded.
type Store struct {
	mu       sync.RWMutex
	capacity int
	sessions map[types.SessionID]*sessionLog
	recent   *list.List // front = most recently active
	clients  map[types.ClientChatID]types.SessionID
}

// NewStore creates a Store that retains at most capacity sessions.
// capacity <= 0 means unbounded.
func NewStore(capacity int) *Store {
	return &Store{
		capacity: capacity,
		sessions: make(map[types.SessionID]*sessionLog),
		recent:   list.New(),
		clients:  make(map[types.ClientChatID]types.SessionID),
	}
}

// Append indexes the event under its session, preserving insertion order.
// The session is created on first append. If the event carries both a
// session id and a client chat id, the client mapping is registered as a
// side effect.
func (s *Store) Append(event types.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[event.SessionID]
	if log == nil {
		log = &sessionLog{id: event.SessionID}
		log.elem = s.recent.PushFront(log)
		s.sessions[event.SessionID] = log
		s.evictOverCapacity()
	} else {
		s.recent.MoveToFront(log.elem)
	}

	log.events = append(log.events, event)
	log.summary = nil

	if event.ClientChatID != "" {
		s.clients[event.ClientChatID] = event.SessionID
	}
}

// evictOverCapacity removes least-recently-active sessions until the store
// is within capacity. Caller must hold the write lock.
func (s *Store) evictOverCapacity() {
	if s.capacity <= 0 {
		return
	}
	for len(s.sessions) > s.capacity {
		back := s.recent.Back()
		if back == nil {
			return
		}
		victim := back.Value.(*sessionLog)
		s.removeLocked(victim)
		slog.Warn("session evicted over capacity", "session_id", victim.id, "events", len(victim.events))
	}
}

func (s *Store) removeLocked(log *sessionLog) {
	s.recent.Remove(log.elem)
	delete(s.sessions, log.id)
	for handle, id := range s.clients {
		if id == log.id {
			delete(s.clients, handle)
		}
	}
}

// EvictIdle removes sessions whose last event is older than ttl and returns
// the number evicted. Used by the retention sweep.
func (s *Store) EvictIdle(ttl time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	evicted := 0
	for _, log := range s.sessions {
		if len(log.events) == 0 {
			continue
		}
		last := log.events[len(log.events)-1].Timestamp
		if last.Before(cutoff) {
			s.removeLocked(log)
			evicted++
		}
	}
	return evicted
}

// Has reports whether the session is currently retained.
func (s *Store) Has(id types.SessionID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Len returns the number of retained sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// RegisterClientSession maps a client handle to a session id.
func (s *Store) RegisterClientSession(handle types.ClientChatID, id types.SessionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[handle] = id
}

// ResolveSessionID returns the session id registered for a client handle.
func (s *Store) ResolveSessionID(handle types.ClientChatID) (types.SessionID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.clients[handle]
	return id, ok
}

// Rename sets the session's display label. The label is trimmed and capped;
// it affects no derived metric. An empty label clears it.
func (s *Store) Rename(id types.SessionID, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[id]
	if log == nil {
		return ErrNotFound
	}
	label = strings.TrimSpace(label)
	if len(label) > LabelMaxLen {
		// Cut on a rune boundary so the label stays valid UTF-8.
		cut := LabelMaxLen
		for cut > 0 && !utf8.RuneStart(label[cut]) {
			cut--
		}
		label = label[:cut]
	}
	log.label = label
	if log.summary != nil {
		log.summary.Label = label
	}
	return nil
}

// ListSummaries returns one summary per known session, most recent activity
// first.
func (s *Store) ListSummaries() []SessionSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SessionSummary, 0, len(s.sessions))
	for elem := s.recent.Front(); elem != nil; elem = elem.Next() {
		log := elem.Value.(*sessionLog)
		out = append(out, *log.summarize())
	}
	return out
}

// Summary returns the cached (or freshly folded) summary for one session.
func (s *Store) Summary(id types.SessionID) (SessionSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	log := s.sessions[id]
	if log == nil {
		return SessionSummary{}, false
	}
	return *log.summarize(), true
}

// Detail returns the session's ordered event log and derived indices.
func (s *Store) Detail(id types.SessionID) (*SessionDetail, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.sessions[id]
	if log == nil {
		return nil, false
	}

	detail := &SessionDetail{
		SessionID:     id,
		Label:         log.label,
		Events:        append([]types.Event(nil), log.events...),
		StepTools:     make(map[int][]types.ToolCallID),
		ToolDurations: make(map[types.ToolCallID]int64),
	}
	for _, ev := range log.events {
		switch ev.Type {
		case types.EventStepUsage:
			if len(ev.ToolCallIDs) > 0 {
				detail.StepTools[ev.StepIndex] = append(detail.StepTools[ev.StepIndex], ev.ToolCallIDs...)
			}
		case types.EventToolEnd:
			detail.ToolDurations[ev.ToolCallID] = ev.DurationMs
		}
	}
	return detail, true
}

// EventsBySession returns a copy of every retained session's event log,
// for the aggregation engine.
func (s *Store) EventsBySession() map[types.SessionID][]types.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[types.SessionID][]types.Event, len(s.sessions))
	for id, log := range s.sessions {
		out[id] = append([]types.Event(nil), log.events...)
	}
	return out
}

// summarize folds the event log into a summary, caching the result until
// the next append. Caller must hold the store lock.
func (l *sessionLog) summarize() *SessionSummary {
	if l.summary != nil {
		return l.summary
	}

	sum := &SessionSummary{SessionID: l.id, Label: l.label}
	toolCounts := make(map[string]int)
	var stepUsage types.Usage
	var totalUsage *types.Usage
	var durationSum int64

	for i, ev := range l.events {
		if i == 0 {
			sum.StartedAt = ev.Timestamp
		}
		sum.LastEventAt = ev.Timestamp

		switch ev.Type {
		case types.EventUserMessage, types.EventAssistantMessage:
			sum.MessageCount++
		case types.EventStepUsage:
			stepUsage.InputTokens += ev.Usage.InputTokens
			stepUsage.OutputTokens += ev.Usage.OutputTokens
			stepUsage.TotalTokens += ev.Usage.TotalTokens
			stepUsage.Cost += ev.Usage.Cost
		case types.EventTotalUsage:
			u := *ev.Usage
			totalUsage = &u
		case types.EventToolEnd:
			sum.ToolCalls++
			durationSum += ev.DurationMs
			toolCounts[ev.ToolName]++
		case types.EventSessionInit, types.EventToolStart:
		}
	}

	// An explicit total_usage snapshot is authoritative; otherwise the
	// per-step records are summed.
	usage := stepUsage
	if totalUsage != nil {
		usage = *totalUsage
	}
	sum.InputTokens = usage.InputTokens
	sum.OutputTokens = usage.OutputTokens
	sum.TotalTokens = usage.TotalTokens
	sum.TotalCost = usage.Cost

	if sum.ToolCalls > 0 {
		sum.AvgToolDurationMs = int64(math.Round(float64(durationSum) / float64(sum.ToolCalls)))
	}

	sum.TopTools = topTools(toolCounts, TopToolsCap)

	l.summary = sum
	return sum
}

// topTools returns the highest-count tools, count descending, name ascending
// on ties, capped at limit.
func topTools(counts map[string]int, limit int) []ToolCount {
	out := make([]ToolCount, 0, len(counts))
	for name, count := range counts {
		out = append(out, ToolCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
