// internal/emitter/registry.go
package emitter

import (
	"sync"
	"time"

	"github.com/user/agentlens/internal/types"
)

// Registry hands out one Emitter per session, created lazily. Separate
// sessions get separate instances, so their write chains are independent
// and unordered relative to each other.
type Registry struct {
	sink      types.Sink
	queueSize int

	mu       sync.Mutex
	emitters map[types.SessionID]*Emitter
}

func NewRegistry(sink types.Sink, queueSize int) *Registry {
	return &Registry{
		sink:      sink,
		queueSize: queueSize,
		emitters:  make(map[types.SessionID]*Emitter),
	}
}

// For returns the session's emitter, creating it on first use.
func (r *Registry) For(id types.SessionID) *Emitter {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.emitters[id]
	if !ok {
		e = New(Meta{SessionID: id, RequestID: types.NewRequestID()}, r.sink, r.queueSize)
		r.emitters[id] = e
	}
	return e
}

// Prune flushes and closes the emitters of sessions the alive predicate
// rejects, removing them from the registry, and returns the number pruned.
// A later For recreates a fresh instance. Without pruning an evicted
// session's emitter would pin its worker goroutine and queue for the
// process lifetime.
func (r *Registry) Prune(alive func(types.SessionID) bool, timeout time.Duration) int {
	r.mu.Lock()
	var victims []*Emitter
	for id, e := range r.emitters {
		if !alive(id) {
			victims = append(victims, e)
			delete(r.emitters, id)
		}
	}
	r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for _, e := range victims {
		if remaining := time.Until(deadline); remaining > 0 {
			e.Flush(remaining)
		}
		e.Close()
	}
	return len(victims)
}

// CloseAll flushes every emitter within the shared timeout budget, then
// closes them.
func (r *Registry) CloseAll(timeout time.Duration) {
	r.mu.Lock()
	emitters := make([]*Emitter, 0, len(r.emitters))
	for _, e := range r.emitters {
		emitters = append(emitters, e)
	}
	r.emitters = make(map[types.SessionID]*Emitter)
	r.mu.Unlock()

	deadline := time.Now().Add(timeout)
	for _, e := range emitters {
		remaining := time.Until(deadline)
		if remaining > 0 {
			e.Flush(remaining)
		}
		e.Close()
	}
}
