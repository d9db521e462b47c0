// internal/sink/jsonl_test.go
package sink

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/user/agentlens/internal/types"
)

func TestJSONLAppendAndRead(t *testing.T) {
	j := NewJSONL(t.TempDir())
	ctx := context.Background()

	kinds := []types.AuditKind{types.KindSessionStarted, types.KindToolCallFinished, types.KindSessionFinished}
	for i, kind := range kinds {
		ev := &types.AuditEvent{
			Kind:      kind,
			SessionID: "s1",
			RequestID: "r1",
			Sequence:  int64(i),
			Timestamp: time.Now().UTC(),
			Source:    types.SourceServer,
			Payload:   json.RawMessage(`{"toolName":"bash"}`),
		}
		if err := j.Insert(ctx, ev); err != nil {
			t.Fatalf("insert %s: %v", kind, err)
		}
	}

	got, err := j.ReadSession("s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(kinds) {
		t.Fatalf("read %d events, want %d", len(got), len(kinds))
	}
	for i, ev := range got {
		if ev.Kind != kinds[i] || ev.Sequence != int64(i) {
			t.Errorf("event %d: kind=%s sequence=%d", i, ev.Kind, ev.Sequence)
		}
	}
	if string(got[1].Payload) != `{"toolName":"bash"}` {
		t.Errorf("payload round trip: %s", got[1].Payload)
	}
}

func TestJSONLRejectsInvalid(t *testing.T) {
	j := NewJSONL(t.TempDir())

	err := j.Insert(context.Background(), &types.AuditEvent{Kind: "bogus", SessionID: "s1"})
	if err == nil {
		t.Error("expected error for unknown kind")
	}
	err = j.Insert(context.Background(), &types.AuditEvent{Kind: types.KindSessionStarted})
	if err == nil {
		t.Error("expected error for missing session id")
	}
}

func TestJSONLMissingSession(t *testing.T) {
	j := NewJSONL(t.TempDir())

	events, err := j.ReadSession("never-seen")
	if err != nil || events != nil {
		t.Errorf("ReadSession = %v, %v; want nil, nil", events, err)
	}
	ids, err := j.Sessions()
	if err != nil || ids != nil {
		t.Errorf("Sessions = %v, %v; want nil, nil", ids, err)
	}
}

func TestJSONLSessionsListsDirectories(t *testing.T) {
	root := t.TempDir()
	j := NewJSONL(root)
	ctx := context.Background()

	for _, id := range []types.SessionID{"a", "b"} {
		ev := &types.AuditEvent{Kind: types.KindSessionStarted, SessionID: id, Timestamp: time.Now()}
		if err := j.Insert(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	// A stray file under sessions/ is not a session.
	if err := os.WriteFile(filepath.Join(root, "sessions", "notes.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	ids, err := j.Sessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("Sessions = %v, want [a b]", ids)
	}
}
