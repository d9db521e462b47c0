// internal/sink/jsonl.go
package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/agentlens/internal/types"
)

// JSONL is a file-backed durable sink. Audit events are appended per
// session to sessions/<sessionID>/audit.jsonl.
type JSONL struct {
	root  string
	mu    sync.Mutex
	locks map[types.SessionID]*sync.Mutex
}

// NewJSONL creates a JSONL sink rooted at the given directory.
func NewJSONL(root string) *JSONL {
	return &JSONL{
		root:  root,
		locks: make(map[types.SessionID]*sync.Mutex),
	}
}

// getLock returns the per-session mutex, creating one if it doesn't exist.
func (j *JSONL) getLock(sessionID types.SessionID) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()

	if lock, ok := j.locks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	j.locks[sessionID] = lock
	return lock
}

func (j *JSONL) path(sessionID types.SessionID) string {
	return filepath.Join(j.root, "sessions", string(sessionID), "audit.jsonl")
}

// Insert appends the audit event to the session's file.
func (j *JSONL) Insert(_ context.Context, event *types.AuditEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	lock := j.getLock(event.SessionID)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Dir(j.path(event.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	f, err := os.OpenFile(j.path(event.SessionID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// ReadSession returns a session's audit events in file order.
func (j *JSONL) ReadSession(sessionID types.SessionID) ([]*types.AuditEvent, error) {
	lock := j.getLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.Open(j.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()

	var events []*types.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event types.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("unmarshal audit event: %w", err)
		}
		events = append(events, &event)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit file: %w", err)
	}
	return events, nil
}

// Sessions lists the session ids present under the sink root.
func (j *JSONL) Sessions() ([]types.SessionID, error) {
	entries, err := os.ReadDir(filepath.Join(j.root, "sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	var ids []types.SessionID
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, types.SessionID(entry.Name()))
		}
	}
	return ids, nil
}
