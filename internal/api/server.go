// internal/api/server.go
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/user/agentlens/internal/analytics"
	"github.com/user/agentlens/internal/bus"
	"github.com/user/agentlens/internal/emitter"
	"github.com/user/agentlens/internal/state"
	"github.com/user/agentlens/internal/types"
)

// keepAliveInterval paces the SSE comment frames that hold a live feed
// connection open.
const keepAliveInterval = 15 * time.Second

// Server is the HTTP surface over the observability pipeline.
type Server struct {
	store     *state.Store
	bus       *bus.Bus
	sink      types.Sink
	clk       clock.Clock
	queueSize int
	mux       *http.ServeMux

	emitters *emitter.Registry
}

// NewServer creates a Server wired to the given store, bus, and durable
// sink. queueSize bounds each session's audit write queue.
func NewServer(store *state.Store, eventBus *bus.Bus, sink types.Sink, queueSize int) *Server {
	s := &Server{
		store:     store,
		bus:       eventBus,
		sink:      sink,
		clk:       clock.New(),
		queueSize: queueSize,
		mux:       http.NewServeMux(),
		emitters:  emitter.NewRegistry(sink, queueSize),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/events", s.handleIngest)
	s.mux.HandleFunc("GET /api/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /api/sessions/", s.handleSessionDetail)
	s.mux.HandleFunc("POST /api/sessions/", s.handleRename)
	s.mux.HandleFunc("GET /api/report", s.handleReport)
	s.mux.HandleFunc("GET /api/livefeed", s.handleLiveFeed)
	return s
}

// SetClock replaces the wall clock, letting tests drive the keep-alive
// ticker deterministically.
func (s *Server) SetClock(clk clock.Clock) {
	s.clk = clk
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close flushes every session's audit emitter, bounded by timeout.
func (s *Server) Close(timeout time.Duration) {
	s.emitters.CloseAll(timeout)
}

// PruneEmitters closes the emitters of sessions the store no longer
// retains, so eviction frees the audit worker and queue too. Returns the
// number pruned.
func (s *Server) PruneEmitters(timeout time.Duration) int {
	return s.emitters.Prune(s.store.Has, timeout)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var ev types.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if ev.Source == "" {
		ev.Source = types.SourceServer
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// An event may carry an explicit session id or a client handle that
	// resolves through the store's mapping.
	if ev.SessionID == "" {
		if ev.ClientChatID == "" {
			writeError(w, http.StatusBadRequest, "sessionId or clientChatId required")
			return
		}
		id, ok := s.store.ResolveSessionID(ev.ClientChatID)
		if !ok {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown clientChatId: %s", ev.ClientChatID))
			return
		}
		ev.SessionID = id
	}

	var err error
	if ev.Source == types.SourceClient {
		err = ev.ValidateFromClient()
	} else {
		err = ev.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Live path.
	s.store.Append(ev)
	s.bus.Publish(ev)

	// Audit path, best effort and independent of the response.
	if kind, ok := auditKindFor(ev.Type); ok {
		s.emitters.For(ev.SessionID).Emit(kind, ev, emitter.WithTimestamp(ev.Timestamp), emitter.WithSource(ev.Source))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "accepted",
		"sessionId": string(ev.SessionID),
	})
}

// auditKindFor maps an observed event type onto its durable counterpart.
func auditKindFor(t types.EventType) (types.AuditKind, bool) {
	switch t {
	case types.EventSessionInit:
		return types.KindSessionStarted, true
	case types.EventUserMessage, types.EventAssistantMessage:
		return types.KindMessageLogged, true
	case types.EventStepUsage:
		return types.KindStepFinished, true
	case types.EventToolStart:
		return types.KindToolCallStarted, true
	case types.EventToolEnd:
		return types.KindToolCallFinished, true
	case types.EventTotalUsage:
		return types.KindSessionFinished, true
	default:
		return "", false
	}
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	summaries := s.store.ListSummaries()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summaries)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	id := types.SessionID(strings.TrimPrefix(r.URL.Path, "/api/sessions/"))
	if id == "" || strings.Contains(string(id), "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	detail, ok := s.store.Detail(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("session not found: %s", id))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detail)
}

// renameRequest is the JSON body for POST /api/sessions/{id}/label.
type renameRequest struct {
	Label string `json:"label"`
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	// Path: /api/sessions/{id}/label
	path := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] != "label" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	id := types.SessionID(parts[0])

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	if err := s.store.Rename(id, req.Label); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	timeframe := r.URL.Query().Get("timeframe")
	if timeframe == "" {
		timeframe = "all"
	}

	report := analytics.Aggregate(timeframe, s.store.EventsBySession())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}

// handshake is the synthetic first record on a live feed connection.
type handshake struct {
	Type        string          `json:"type"`
	SessionID   types.SessionID `json:"sessionId,omitempty"`
	ConnectedAt time.Time       `json:"connectedAt"`
}

func (s *Server) handleLiveFeed(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionID := types.SessionID(r.URL.Query().Get("sessionId"))

	// The bus lane is scoped to this connection: acquired on subscribe,
	// released on disconnect.
	feed := make(chan types.Event, 64)
	handler := func(ev types.Event) {
		select {
		case feed <- ev:
		default:
		}
	}
	var unsubscribe func()
	if sessionID != "" {
		unsubscribe = s.bus.SubscribeSession(sessionID, handler)
	} else {
		unsubscribe = s.bus.SubscribeAll(handler)
	}
	defer unsubscribe()

	if err := writeSSE(w, handshake{Type: "handshake", SessionID: sessionID, ConnectedAt: time.Now()}); err != nil {
		return
	}
	flusher.Flush()

	ticker := s.clk.Ticker(keepAliveInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-feed:
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("marshal SSE payload failed", "error", err)
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
