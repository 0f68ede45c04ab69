package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"pkt.systems/asyncstore/internal/storage"
	"pkt.systems/asyncstore/internal/storage/memory"
)

// scriptedBackend wraps the memory store with per-call failures and gates.
type scriptedBackend struct {
	*memory.Store

	mu       sync.Mutex
	createID uint64
	fail     map[string]error
	gates    map[string]chan struct{}
	calls    []string
	destroys int
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		Store: memory.New(),
		fail:  map[string]error{},
		gates: map[string]chan struct{}{},
	}
}

func (s *scriptedBackend) failOn(call string, err error) {
	s.mu.Lock()
	s.fail[call] = err
	s.mu.Unlock()
}

func (s *scriptedBackend) gate(call string) chan struct{} {
	ch := make(chan struct{})
	s.mu.Lock()
	s.gates[call] = ch
	s.mu.Unlock()
	return ch
}

func (s *scriptedBackend) enter(ctx context.Context, call string) error {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	if strings.HasPrefix(call, "destroy:") {
		s.destroys++
	}
	gate := s.gates[call]
	err := s.fail[call]
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (s *scriptedBackend) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *scriptedBackend) Destroys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.destroys
}

func (s *scriptedBackend) CreateQueue(ctx context.Context, rec storage.QueueRecord) (storage.QueueHandle, error) {
	if err := s.enter(ctx, "create:"+rec.Name); err != nil {
		return storage.QueueHandle{}, err
	}
	h, err := s.Store.CreateQueue(ctx, rec)
	if err != nil {
		return h, err
	}
	s.mu.Lock()
	if s.createID != 0 {
		h.ID = s.createID
	}
	s.mu.Unlock()
	return h, nil
}

func (s *scriptedBackend) DestroyQueue(ctx context.Context, h storage.QueueHandle, deleteData bool) error {
	if err := s.enter(ctx, "destroy:"+h.Name); err != nil {
		return err
	}
	return s.Store.DestroyQueue(ctx, h, deleteData)
}

func (s *scriptedBackend) FlushQueue(ctx context.Context, h storage.QueueHandle) error {
	if err := s.enter(ctx, "flush:"+h.Name); err != nil {
		return err
	}
	return s.Store.FlushQueue(ctx, h)
}

func (s *scriptedBackend) Enqueue(ctx context.Context, queue string, msg storage.MessageRecord) error {
	if err := s.enter(ctx, fmt.Sprintf("enqueue:%s:%d", queue, msg.Seq)); err != nil {
		return err
	}
	return s.Store.Enqueue(ctx, queue, msg)
}

func (s *scriptedBackend) Dequeue(ctx context.Context, queue string, seq uint64) error {
	if err := s.enter(ctx, fmt.Sprintf("dequeue:%s:%d", queue, seq)); err != nil {
		return err
	}
	return s.Store.Dequeue(ctx, queue, seq)
}

func newTestBroker(t *testing.T, backend storage.Backend, opts ...Option) *Broker {
	t.Helper()
	b, err := New(Config{Backend: backend}, opts...)
	if err != nil {
		t.Fatalf("new broker: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = b.Close(ctx)
	})
	return b
}

func waitIdle(t *testing.T, b *Broker) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.WaitIdle(ctx); err != nil {
		t.Fatalf("wait idle: %v (outstanding %d)", err, b.Outstanding())
	}
}

func createdQueue(t *testing.T, b *Broker, name string) *PersistableQueue {
	t.Helper()
	q, err := b.DeclareQueue(name, nil)
	if err != nil {
		t.Fatalf("declare %s: %v", name, err)
	}
	if err := q.AsyncCreate(); err != nil {
		t.Fatalf("create %s: %v", name, err)
	}
	waitIdle(t, b)
	if !q.Created() {
		t.Fatalf("queue %s not created: %v", name, q.CreateErr())
	}
	return q
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func waitTxn(t *testing.T, txn *TxnContext) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := txn.Wait(ctx)
	if err == context.DeadlineExceeded {
		t.Fatalf("transaction %s still has %d outstanding ops", txn.ID(), txn.Outstanding())
	}
	return err
}
