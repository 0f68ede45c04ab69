package opqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/asyncstore/internal/asyncop"
	"pkt.systems/asyncstore/internal/storage"
)

type fakeBackend struct {
	mu        sync.Mutex
	calls     []string
	commits   int
	failOn    map[string]error
	commitErr error
	gate      chan struct{}
	gated     bool
	nextID    uint64
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{failOn: map[string]error{}}
}

func (f *fakeBackend) record(ctx context.Context, call string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	gate := f.gate
	if gate != nil && !f.gated {
		f.gated = true
	} else {
		gate = nil
	}
	f.calls = append(f.calls, call)
	err := f.failOn[call]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakeBackend) CreateQueue(ctx context.Context, rec storage.QueueRecord) (storage.QueueHandle, error) {
	if err := f.record(ctx, "create:"+rec.Name); err != nil {
		return storage.QueueHandle{}, err
	}
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()
	return storage.QueueHandle{ID: id, Name: rec.Name, Key: rec.Name}, nil
}

func (f *fakeBackend) DestroyQueue(ctx context.Context, h storage.QueueHandle, _ bool) error {
	return f.record(ctx, "destroy:"+h.Name)
}

func (f *fakeBackend) FlushQueue(ctx context.Context, h storage.QueueHandle) error {
	return f.record(ctx, "flush:"+h.Name)
}

func (f *fakeBackend) Enqueue(ctx context.Context, queue string, msg storage.MessageRecord) error {
	return f.record(ctx, "enqueue:"+queue+":"+msg.ID)
}

func (f *fakeBackend) Dequeue(ctx context.Context, queue string, seq uint64) error {
	return f.record(ctx, "dequeue:"+queue+":"+storage.SeqKey(seq))
}

func (f *fakeBackend) Commit(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	return f.commitErr
}

func (f *fakeBackend) Close() error { return nil }

func (f *fakeBackend) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type chanSink chan asyncop.Result

func (c chanSink) Post(r asyncop.Result) { c <- r }

func (c chanSink) collect(t *testing.T, n int) []asyncop.Result {
	t.Helper()
	out := make([]asyncop.Result, 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case r := <-c:
			out = append(out, r)
		case <-timeout:
			t.Fatalf("timed out after %d of %d results", len(out), n)
		}
	}
	return out
}

func enqueueOp(queue, id string) *asyncop.Operation {
	return &asyncop.Operation{Kind: asyncop.KindEnqueue, QueueName: queue, Message: asyncop.Message{ID: id}}
}

func newTestQueue(t *testing.T, backend storage.Backend, sink ResultSink) *Queue {
	t.Helper()
	q, err := New(Config{Backend: backend, Results: sink})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = q.Close(context.Background()) })
	return q
}

func TestQueuePreservesSubmissionOrder(t *testing.T) {
	backend := newFakeBackend()
	sink := make(chanSink, 16)
	q := newTestQueue(t, backend, sink)

	ops := []*asyncop.Operation{
		{Kind: asyncop.KindCreate, QueueName: "q1"},
		enqueueOp("q1", "m1"),
		enqueueOp("q1", "m2"),
		{Kind: asyncop.KindDequeue, QueueName: "q1", Message: asyncop.Message{ID: "m1", Position: 1}},
	}
	for _, op := range ops {
		if err := q.Submit(op); err != nil {
			t.Fatalf("submit %s: %v", op, err)
		}
	}
	results := sink.collect(t, len(ops))
	for i, r := range results {
		if r.Op != ops[i] {
			t.Fatalf("result %d: got %s, want %s", i, r.Op, ops[i])
		}
		if !r.OK() {
			t.Fatalf("result %d failed: %v", i, r.Err)
		}
	}
	if !results[0].Handle.Valid() {
		t.Fatalf("expected create to return a handle, got %+v", results[0].Handle)
	}
	want := []string{"create:q1", "enqueue:q1:m1", "enqueue:q1:m2", "dequeue:q1:" + storage.SeqKey(1)}
	got := backend.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
	if ops[3].Seq <= ops[0].Seq {
		t.Fatalf("sequence not increasing: %d then %d", ops[0].Seq, ops[3].Seq)
	}
}

func TestQueueFatalFailureFailsRestOfBatch(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	backend.failOn["enqueue:q:b"] = storage.NewFatalError(errors.New("disk gone"))
	sink := make(chanSink, 16)
	q := newTestQueue(t, backend, sink)

	if err := q.Submit(enqueueOp("q", "gate")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Wait for the first op to block so the following ones form one batch.
	deadline := time.Now().Add(5 * time.Second)
	for len(backend.Calls()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first op never reached backend")
		}
		time.Sleep(time.Millisecond)
	}
	batch := []*asyncop.Operation{enqueueOp("q", "a"), enqueueOp("q", "b"), enqueueOp("q", "c"), enqueueOp("q", "d")}
	for _, op := range batch {
		if err := q.Submit(op); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	close(backend.gate)

	results := sink.collect(t, 5)
	if !results[0].OK() || !results[1].OK() {
		t.Fatalf("expected gate and a to succeed: %v, %v", results[0].Err, results[1].Err)
	}
	if !errors.Is(results[2].Err, asyncop.ErrBackendOperationFailed) {
		t.Fatalf("expected backend failure for b, got %v", results[2].Err)
	}
	for _, r := range results[3:] {
		if !errors.Is(r.Err, asyncop.ErrPartialBatchFailure) {
			t.Fatalf("expected partial batch failure for %s, got %v", r.Op, r.Err)
		}
	}
	for _, call := range backend.Calls() {
		if call == "enqueue:q:c" || call == "enqueue:q:d" {
			t.Fatalf("op after fatal failure reached backend: %s", call)
		}
	}
}

func TestQueueRecoverableFailureContinuesBatch(t *testing.T) {
	backend := newFakeBackend()
	backend.failOn["enqueue:q:b"] = storage.ErrExists
	sink := make(chanSink, 16)
	q := newTestQueue(t, backend, sink)

	ops := []*asyncop.Operation{enqueueOp("q", "a"), enqueueOp("q", "b"), enqueueOp("q", "c")}
	for _, op := range ops {
		if err := q.Submit(op); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	results := sink.collect(t, 3)
	if !results[0].OK() || !results[2].OK() {
		t.Fatalf("expected a and c to succeed: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, asyncop.ErrBackendOperationFailed) || !errors.Is(results[1].Err, storage.ErrExists) {
		t.Fatalf("unexpected error for b: %v", results[1].Err)
	}
}

func TestQueueCommitFailureFailsSucceededOps(t *testing.T) {
	backend := newFakeBackend()
	commitErr := errors.New("fsync failed")
	backend.commitErr = commitErr
	sink := make(chanSink, 4)
	q := newTestQueue(t, backend, sink)

	if err := q.Submit(enqueueOp("q", "a")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	r := sink.collect(t, 1)[0]
	if !errors.Is(r.Err, asyncop.ErrBackendOperationFailed) || !errors.Is(r.Err, commitErr) {
		t.Fatalf("expected commit failure, got %v", r.Err)
	}
}

func TestQueueSubmitAfterClose(t *testing.T) {
	backend := newFakeBackend()
	sink := make(chanSink, 4)
	q, err := New(Config{Backend: backend, Results: sink})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	err = q.Submit(enqueueOp("q", "late"))
	if !errors.Is(err, asyncop.ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
	if len(backend.Calls()) != 0 {
		t.Fatalf("closed queue reached backend: %v", backend.Calls())
	}
}

func TestQueueCloseDrainsPending(t *testing.T) {
	backend := newFakeBackend()
	sink := make(chanSink, 64)
	q, err := New(Config{Backend: backend, Results: sink, MaxBatch: 4})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	const n = 20
	for i := 0; i < n; i++ {
		if err := q.Submit(enqueueOp("q", storage.SeqKey(uint64(i)))); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	results := sink.collect(t, n)
	for _, r := range results {
		if !r.OK() {
			t.Fatalf("unexpected failure: %v", r.Err)
		}
	}
	backend.mu.Lock()
	commits := backend.commits
	backend.mu.Unlock()
	if commits < n/4 {
		t.Fatalf("expected at least %d commits with max batch 4, got %d", n/4, commits)
	}
}

func TestQueueCloseTimeoutFailsStrandedOps(t *testing.T) {
	backend := newFakeBackend()
	backend.gate = make(chan struct{})
	sink := make(chanSink, 16)
	q, err := New(Config{Backend: backend, Results: sink})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ops := []*asyncop.Operation{enqueueOp("q", "stuck"), enqueueOp("q", "x"), enqueueOp("q", "y")}
	for _, op := range ops {
		if err := q.Submit(op); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	results := sink.collect(t, len(ops))
	seen := map[*asyncop.Operation]bool{}
	for _, r := range results {
		if r.OK() {
			t.Fatalf("expected %s to fail", r.Op)
		}
		if seen[r.Op] {
			t.Fatalf("duplicate result for %s", r.Op)
		}
		seen[r.Op] = true
		if !errors.Is(r.Err, asyncop.ErrQueueClosed) &&
			!errors.Is(r.Err, asyncop.ErrBackendOperationFailed) &&
			!errors.Is(r.Err, asyncop.ErrPartialBatchFailure) {
			t.Fatalf("unexpected error kind: %v", r.Err)
		}
	}
	select {
	case extra := <-sink:
		t.Fatalf("unexpected extra result %s", extra.Op)
	default:
	}
}
