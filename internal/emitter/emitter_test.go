// internal/emitter/emitter_test.go
package emitter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/user/agentlens/internal/types"
)

// fakeSink records inserts and can be made slow or failing.
type fakeSink struct {
	mu     sync.Mutex
	events []*types.AuditEvent
	err    error
	delay  time.Duration
}

func (f *fakeSink) Insert(ctx context.Context, ev *types.AuditEvent) error {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeSink) all() []*types.AuditEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.AuditEvent(nil), f.events...)
}

func testMeta() Meta {
	return Meta{
		SessionID: types.NewSessionID(),
		RequestID: types.NewRequestID(),
		ModelID:   "gpt-4o-mini",
		UserID:    "u1",
	}
}

func TestEmitOrderAndSequence(t *testing.T) {
	sink := &fakeSink{}
	e := New(testMeta(), sink, 0)

	for i := 0; i < 20; i++ {
		e.Emit(types.KindMessageLogged, map[string]int{"n": i})
	}
	if !e.Flush(2 * time.Second) {
		t.Fatal("flush timed out")
	}
	e.Close()

	events := sink.all()
	if len(events) != 20 {
		t.Fatalf("expected 20 writes, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i) {
			t.Errorf("event %d has sequence %d", i, ev.Sequence)
		}
	}
}

func TestEmitDefaults(t *testing.T) {
	sink := &fakeSink{}
	meta := testMeta()
	e := New(meta, sink, 0)

	e.Emit(types.KindSessionStarted, nil)
	e.Flush(time.Second)
	e.Close()

	events := sink.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 write, got %d", len(events))
	}
	ev := events[0]
	if ev.Source != types.SourceServer {
		t.Errorf("expected default server source, got %q", ev.Source)
	}
	if ev.Timestamp.IsZero() {
		t.Error("expected timestamp assigned")
	}
	if ev.SessionID != meta.SessionID || ev.RequestID != meta.RequestID {
		t.Error("meta not stamped onto event")
	}
}

func TestEmitOptions(t *testing.T) {
	sink := &fakeSink{}
	e := New(testMeta(), sink, 0)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e.Emit(types.KindToolCallStarted, nil,
		WithTimestamp(at), WithSource(types.SourceClient), WithSequence(99))
	e.Flush(time.Second)
	e.Close()

	ev := sink.all()[0]
	if !ev.Timestamp.Equal(at) {
		t.Errorf("timestamp = %v, want %v", ev.Timestamp, at)
	}
	if ev.Source != types.SourceClient {
		t.Errorf("source = %q, want client", ev.Source)
	}
	if ev.Sequence != 99 {
		t.Errorf("sequence = %d, want 99", ev.Sequence)
	}
}

func TestDedupeKeySuppressesSecondEmit(t *testing.T) {
	sink := &fakeSink{}
	e := New(testMeta(), sink, 0)

	e.Emit(types.KindToolCallFinished, map[string]string{"call": "c1"}, WithDedupeKey("c1-finished"))
	e.Emit(types.KindToolCallFinished, map[string]string{"call": "c1"}, WithDedupeKey("c1-finished"))
	e.Emit(types.KindToolCallFinished, map[string]string{"call": "c2"}, WithDedupeKey("c2-finished"))
	e.Flush(time.Second)
	e.Close()

	if got := len(sink.all()); got != 2 {
		t.Errorf("expected exactly 2 durable writes, got %d", got)
	}
}

func TestSinkFailuresDoNotPropagate(t *testing.T) {
	sink := &fakeSink{err: errors.New("backend down")}
	e := New(testMeta(), sink, 0)

	// Emit must not panic or block regardless of sink failures.
	e.Emit(types.KindMessageLogged, map[string]string{"text": "hi"})
	e.Flush(time.Second)

	select {
	case err := <-e.Errors():
		if err == nil {
			t.Error("expected non-nil error")
		}
	case <-time.After(time.Second):
		t.Fatal("expected sink failure on error channel")
	}
	e.Close()
}

func TestFlushDeadline(t *testing.T) {
	sink := &fakeSink{delay: 300 * time.Millisecond}
	e := New(testMeta(), sink, 0)

	e.Emit(types.KindMessageLogged, nil)
	e.Emit(types.KindMessageLogged, nil)

	if e.Flush(50 * time.Millisecond) {
		t.Error("expected flush to give up before the writes finish")
	}
	if !e.Flush(5 * time.Second) {
		t.Error("expected unhurried flush to succeed")
	}
	e.Close()
}

func TestQueueFullDropsNewest(t *testing.T) {
	block := make(chan struct{})
	sink := &blockingSink{release: block}
	e := New(testMeta(), sink, 4)

	for i := 0; i < 50; i++ {
		e.Emit(types.KindMessageLogged, map[string]int{"n": i})
	}
	close(block)
	e.Flush(2 * time.Second)
	e.Close()

	// Writes that made it must still be in submission order.
	events := sink.all()
	if len(events) == 0 || len(events) >= 50 {
		t.Fatalf("expected partial delivery, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence <= events[i-1].Sequence {
			t.Errorf("out of order: %d after %d", events[i].Sequence, events[i-1].Sequence)
		}
	}
}

func TestConcurrentEmitDuringClose(t *testing.T) {
	// Emit racing Close must never panic on the queue send; a late Emit
	// is simply a no-op.
	for i := 0; i < 50; i++ {
		sink := &fakeSink{}
		e := New(testMeta(), sink, 4)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				e.Emit(types.KindMessageLogged, nil)
			}
		}()
		go func() {
			defer wg.Done()
			e.Close()
		}()
		wg.Wait()
	}
}

func TestConcurrentEmitsStaySequenceOrdered(t *testing.T) {
	sink := &fakeSink{}
	e := New(testMeta(), sink, 1024)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				e.Emit(types.KindMessageLogged, nil)
			}
		}()
	}
	wg.Wait()
	if !e.Flush(5 * time.Second) {
		t.Fatal("flush timed out")
	}
	e.Close()

	events := sink.all()
	if len(events) != 400 {
		t.Fatalf("expected 400 writes, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Sequence != events[i-1].Sequence+1 {
			t.Fatalf("sink writes not sequence-ordered: %d after %d",
				events[i].Sequence, events[i-1].Sequence)
		}
	}
}

func TestFlushDuringCloseDoesNotPanic(t *testing.T) {
	sink := &fakeSink{}
	e := New(testMeta(), sink, 4)
	e.Emit(types.KindMessageLogged, nil)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.Flush(time.Second)
	}()
	go func() {
		defer wg.Done()
		e.Close()
	}()
	wg.Wait()

	// Flush against an already closed emitter reports drained.
	if !e.Flush(time.Second) {
		t.Error("expected flush after close to report drained")
	}
}

func TestEmitAfterCloseIsNoOp(t *testing.T) {
	sink := &fakeSink{}
	e := New(testMeta(), sink, 0)
	e.Close()
	e.Emit(types.KindMessageLogged, nil)

	if got := len(sink.all()); got != 0 {
		t.Errorf("expected no writes after close, got %d", got)
	}
}

func TestRegistryReusesPerSession(t *testing.T) {
	sink := &fakeSink{}
	r := NewRegistry(sink, 0)

	a := r.For("s1")
	b := r.For("s1")
	c := r.For("s2")
	if a != b {
		t.Error("expected same emitter for same session")
	}
	if a == c {
		t.Error("expected distinct emitters for distinct sessions")
	}

	a.Emit(types.KindSessionStarted, nil)
	c.Emit(types.KindSessionStarted, nil)
	r.CloseAll(time.Second)

	if got := len(sink.all()); got != 2 {
		t.Errorf("expected 2 writes, got %d", got)
	}
}

func TestRegistryPruneClosesDeadSessions(t *testing.T) {
	sink := &fakeSink{}
	r := NewRegistry(sink, 0)

	a := r.For("s1")
	b := r.For("s2")
	a.Emit(types.KindSessionStarted, nil)
	b.Emit(types.KindSessionStarted, nil)

	alive := func(id types.SessionID) bool { return id == "s1" }
	if pruned := r.Prune(alive, time.Second); pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	// The surviving session keeps its emitter; the pruned one is closed
	// and a later For hands out a fresh instance.
	if r.For("s1") != a {
		t.Error("live session's emitter replaced")
	}
	b.Emit(types.KindMessageLogged, nil)
	if fresh := r.For("s2"); fresh == b {
		t.Error("expected a fresh emitter after prune")
	}

	r.CloseAll(time.Second)
	for _, ev := range sink.all() {
		if ev.Kind == types.KindMessageLogged {
			t.Error("emit on a pruned emitter reached the sink")
		}
	}
}

// blockingSink blocks every insert until released.
type blockingSink struct {
	release <-chan struct{}
	mu      sync.Mutex
	events  []*types.AuditEvent
}

func (b *blockingSink) Insert(ctx context.Context, ev *types.AuditEvent) error {
	<-b.release
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	return nil
}

func (b *blockingSink) all() []*types.AuditEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*types.AuditEvent(nil), b.events...)
}

var _ types.Sink = (*fakeSink)(nil)
