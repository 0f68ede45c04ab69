package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"pkt.systems/asyncstore/internal/storage"
)

// Store implements storage.Backend in-memory; intended for tests and local dev.
type Store struct {
	mu      sync.RWMutex
	queues  map[string]*queueEntry
	nextID  uint64
	commits uint64
	closed  bool
}

type queueEntry struct {
	rec     storage.QueueRecord
	msgs    map[uint64]storage.MessageRecord
	flushes int
}

var (
	_ storage.Backend       = (*Store)(nil)
	_ storage.QueueLister   = (*Store)(nil)
	_ storage.MessageLister = (*Store)(nil)
)

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{queues: make(map[string]*queueEntry)}
}

// Describe implements storage.Describer.
func (s *Store) Describe() string {
	return "mem://"
}

// Close marks the store closed; further calls fail with storage.ErrClosed.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// CreateQueue stores rec under a freshly assigned persistence ID.
func (s *Store) CreateQueue(_ context.Context, rec storage.QueueRecord) (storage.QueueHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.QueueHandle{}, storage.ErrClosed
	}
	if _, ok := s.queues[rec.Name]; ok {
		return storage.QueueHandle{}, fmt.Errorf("memory: queue %q: %w", rec.Name, storage.ErrExists)
	}
	s.nextID++
	rec.PersistenceID = s.nextID
	rec.Data = append([]byte(nil), rec.Data...)
	s.queues[rec.Name] = &queueEntry{rec: rec, msgs: make(map[uint64]storage.MessageRecord)}
	return storage.QueueHandle{ID: rec.PersistenceID, Name: rec.Name, Key: rec.Name}, nil
}

// DestroyQueue removes the queue and its messages when deleteData is set.
func (s *Store) DestroyQueue(_ context.Context, handle storage.QueueHandle, deleteData bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if _, ok := s.queues[handle.Name]; !ok {
		return fmt.Errorf("memory: queue %q: %w", handle.Name, storage.ErrNotFound)
	}
	if deleteData {
		delete(s.queues, handle.Name)
	}
	return nil
}

// FlushQueue records the flush; memory has nothing to sync.
func (s *Store) FlushQueue(_ context.Context, handle storage.QueueHandle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	q, ok := s.queues[handle.Name]
	if !ok {
		return fmt.Errorf("memory: queue %q: %w", handle.Name, storage.ErrNotFound)
	}
	q.flushes++
	return nil
}

// Enqueue stores msg in queue.
func (s *Store) Enqueue(_ context.Context, queue string, msg storage.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	q, ok := s.queues[queue]
	if !ok {
		return fmt.Errorf("memory: queue %q: %w", queue, storage.ErrNotFound)
	}
	if _, dup := q.msgs[msg.Seq]; dup {
		return fmt.Errorf("memory: queue %q message %d: %w", queue, msg.Seq, storage.ErrExists)
	}
	msg.Payload = append([]byte(nil), msg.Payload...)
	q.msgs[msg.Seq] = msg
	return nil
}

// Dequeue removes the message at seq.
func (s *Store) Dequeue(_ context.Context, queue string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	q, ok := s.queues[queue]
	if !ok {
		return fmt.Errorf("memory: queue %q: %w", queue, storage.ErrNotFound)
	}
	if _, ok := q.msgs[seq]; !ok {
		return fmt.Errorf("memory: queue %q message %d: %w", queue, seq, storage.ErrNotFound)
	}
	delete(q.msgs, seq)
	return nil
}

// Commit counts acknowledged batches.
func (s *Store) Commit(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.commits++
	return nil
}

// ListQueues returns stored queues ordered by name.
func (s *Store) ListQueues(context.Context) ([]storage.QueueRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.QueueRecord, 0, len(s.queues))
	for _, q := range s.queues {
		rec := q.rec
		rec.Data = append([]byte(nil), rec.Data...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListMessages returns the messages of queue in sequence order.
func (s *Store) ListMessages(_ context.Context, queue string) ([]storage.MessageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.queues[queue]
	if !ok {
		return nil, fmt.Errorf("memory: queue %q: %w", queue, storage.ErrNotFound)
	}
	out := make([]storage.MessageRecord, 0, len(q.msgs))
	for _, m := range q.msgs {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Commits reports how many batches have been committed.
func (s *Store) Commits() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commits
}

// Flushes reports how many flushes queue has received.
func (s *Store) Flushes(queue string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.queues[queue]; ok {
		return q.flushes
	}
	return 0
}

// HasQueue reports whether queue is stored.
func (s *Store) HasQueue(queue string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.queues[queue]
	return ok
}
