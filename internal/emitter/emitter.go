// internal/emitter/emitter.go
package emitter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/user/agentlens/internal/types"
)

// DefaultQueueSize bounds the pending write queue of one emitter.
const DefaultQueueSize = 256

// Meta carries the per-session identity stamped onto every emitted event.
type Meta struct {
	SessionID      types.SessionID
	RequestID      types.RequestID
	ModelID        string
	UserID         string
	PersonaEnabled bool
	StartSequence  int64
}

// EmitOption overrides a default field on an emitted event.
type EmitOption func(*emitOptions)

type emitOptions struct {
	timestamp time.Time
	source    types.Source
	sequence  *int64
	dedupeKey string
}

// WithTimestamp uses the given timestamp instead of now.
func WithTimestamp(t time.Time) EmitOption {
	return func(o *emitOptions) { o.timestamp = t }
}

// WithSource overrides the default "server" source.
func WithSource(s types.Source) EmitOption {
	return func(o *emitOptions) { o.source = s }
}

// WithSequence overrides the auto-incremented sequence number.
func WithSequence(n int64) EmitOption {
	return func(o *emitOptions) { o.sequence = &n }
}

// WithDedupeKey suppresses the emit if the key was already seen by this
// emitter instance. The suppression set lives for the emitter's lifetime
// and is not persisted.
func WithDedupeKey(key string) EmitOption {
	return func(o *emitOptions) { o.dedupeKey = key }
}

// task is one unit of work on the write queue: either a durable write or a
// flush marker.
type task struct {
	event *types.AuditEvent
	flush chan struct{}
}

// Emitter is a per-session, order-preserving, deduplicating, best-effort
// asynchronous forwarder of audit events to a durable sink. Writes happen
// strictly one at a time in submission order; concurrent Emit calls on the
// same instance serialize through the internal sequence lock and queue.
// Sink failures are logged and surfaced on Errors(), never to the caller.
type Emitter struct {
	meta Meta
	sink types.Sink

	mu     sync.Mutex
	seq    int64
	seen   map[string]struct{}
	closed bool

	queue chan task
	errs  chan error
	done  chan struct{}
}

// New creates an Emitter writing to sink. queueSize <= 0 selects
// DefaultQueueSize. The write worker starts immediately.
func New(meta Meta, sink types.Sink, queueSize int) *Emitter {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	e := &Emitter{
		meta:  meta,
		sink:  sink,
		seq:   meta.StartSequence,
		seen:  make(map[string]struct{}),
		queue: make(chan task, queueSize),
		errs:  make(chan error, 16),
		done:  make(chan struct{}),
	}
	go e.run()
	return e
}

// Errors exposes sink failures without ever blocking the write worker.
// Callers that do not drain it lose older errors, not events.
func (e *Emitter) Errors() <-chan error {
	return e.errs
}

// Emit forms the full audit event and appends it to the write queue.
// The call never blocks on the sink: a full queue drops the event with a
// warning. A repeated dedupe key is a no-op.
func (e *Emitter) Emit(kind types.AuditKind, payload any, opts ...EmitOption) {
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("audit payload marshal failed", "kind", kind, "error", err)
			return
		}
		raw = data
	}

	// Sequence assignment and the enqueue share one critical section so
	// concurrent Emit calls land on the queue in sequence order, and so
	// the send cannot race the close in Close. The send is non-blocking,
	// so holding the lock across it is safe.
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	if o.dedupeKey != "" {
		if _, dup := e.seen[o.dedupeKey]; dup {
			return
		}
		e.seen[o.dedupeKey] = struct{}{}
	}
	seq := e.seq
	if o.sequence != nil {
		seq = *o.sequence
	} else {
		e.seq++
	}

	ev := &types.AuditEvent{
		Kind:           kind,
		SessionID:      e.meta.SessionID,
		RequestID:      e.meta.RequestID,
		Sequence:       seq,
		Timestamp:      o.timestamp,
		Source:         o.source,
		DedupeKey:      o.dedupeKey,
		ModelID:        e.meta.ModelID,
		UserID:         e.meta.UserID,
		PersonaEnabled: e.meta.PersonaEnabled,
		Payload:        raw,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Source == "" {
		ev.Source = types.SourceServer
	}

	select {
	case e.queue <- task{event: ev}:
	default:
		slog.Warn("audit queue full, event dropped",
			"session_id", e.meta.SessionID, "kind", kind, "sequence", seq)
	}
}

// run drains the queue one task at a time, preserving submission order.
func (e *Emitter) run() {
	defer close(e.done)
	for t := range e.queue {
		if t.flush != nil {
			close(t.flush)
			continue
		}
		if err := e.sink.Insert(context.Background(), t.event); err != nil {
			slog.Warn("durable sink write failed",
				"session_id", e.meta.SessionID, "kind", t.event.Kind,
				"sequence", t.event.Sequence, "error", err)
			select {
			case e.errs <- err:
			default:
			}
		}
	}
}

// Flush waits until every write submitted before the call has been
// attempted, racing an optional deadline. timeout <= 0 waits indefinitely.
// On timeout it returns false without cancelling the in-flight write.
func (e *Emitter) Flush(timeout time.Duration) bool {
	marker := make(chan struct{})

	var deadline <-chan time.Time
	if timeout > 0 {
		deadline = time.After(timeout)
	}

	// The marker send must not race the close in Close, so it goes through
	// the same lock as Emit. A full queue retries until the deadline; a
	// closed emitter has drained once done fires.
	for !e.enqueueFlush(marker) {
		select {
		case <-e.done:
			return true
		case <-deadline:
			return false
		case <-time.After(time.Millisecond):
		}
	}

	select {
	case <-marker:
		return true
	case <-deadline:
		return false
	case <-e.done:
		return true
	}
}

// enqueueFlush attempts a non-blocking marker send under the emitter lock.
// It reports false when the queue is full or the emitter is closed.
func (e *Emitter) enqueueFlush(marker chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	select {
	case e.queue <- task{flush: marker}:
		return true
	default:
		return false
	}
}

// Close drains the queue and stops the worker. Emit calls after Close are
// no-ops. The queue is closed under the same lock Emit sends under, so a
// concurrent Emit either lands before the close or observes closed.
func (e *Emitter) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	<-e.done
}
