package broker

import (
	"fmt"
	"sort"
	"sync"

	"pkt.systems/asyncstore/internal/asyncop"
)

type slot struct {
	generation uint32
	queue      *PersistableQueue
}

// Registry is the arena of live queues. Operations refer to queues by
// asyncop.Handle; a handle outlives its queue only as a stale value that
// Lookup rejects.
type Registry struct {
	mu     sync.RWMutex
	slots  []slot
	free   []uint32
	byName map[string]asyncop.Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]asyncop.Handle)}
}

func (r *Registry) register(q *PersistableQueue) (asyncop.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[q.name]; ok {
		return 0, fmt.Errorf("%w: %q", ErrQueueExists, q.name)
	}
	var idx uint32
	if n := len(r.free); n > 0 {
		idx = r.free[n-1]
		r.free = r.free[:n-1]
	} else {
		idx = uint32(len(r.slots))
		// Generation 0 is never issued so the zero Handle is always stale.
		r.slots = append(r.slots, slot{generation: 1})
	}
	s := &r.slots[idx]
	s.queue = q
	h := asyncop.NewHandle(idx, s.generation)
	r.byName[q.name] = h
	return h, nil
}

// Lookup resolves h, failing with ErrStaleHandle when its queue is gone.
func (r *Registry) Lookup(h asyncop.Handle) (*PersistableQueue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	idx := h.Index()
	if int(idx) >= len(r.slots) {
		return nil, ErrStaleHandle
	}
	s := r.slots[idx]
	if s.queue == nil || s.generation != h.Generation() {
		return nil, ErrStaleHandle
	}
	return s.queue, nil
}

// Get returns the live queue called name.
func (r *Registry) Get(name string) (*PersistableQueue, bool) {
	r.mu.RLock()
	h, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	q, err := r.Lookup(h)
	return q, err == nil
}

func (r *Registry) unregister(h asyncop.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := h.Index()
	if int(idx) >= len(r.slots) {
		return ErrStaleHandle
	}
	s := &r.slots[idx]
	if s.queue == nil || s.generation != h.Generation() {
		return ErrStaleHandle
	}
	delete(r.byName, s.queue.name)
	s.queue = nil
	s.generation++
	if s.generation == 0 {
		s.generation = 1
	}
	r.free = append(r.free, idx)
	return nil
}

// Len reports the number of live queues.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}

// Queues returns the live queues ordered by name.
func (r *Registry) Queues() []*PersistableQueue {
	r.mu.RLock()
	out := make([]*PersistableQueue, 0, len(r.byName))
	for _, s := range r.slots {
		if s.queue != nil {
			out = append(out, s.queue)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}
