package broker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"pkt.systems/asyncstore/internal/asyncop"
	"pkt.systems/asyncstore/internal/storage"
)

func TestCreateAssignsPersistenceID(t *testing.T) {
	backend := newScriptedBackend()
	backend.createID = 42
	b := newTestBroker(t, backend)

	q, err := b.DeclareQueue("Q1", Args{"durable": "true"})
	if err != nil {
		t.Fatalf("declare: %v", err)
	}
	if q.PersistenceID() != 0 {
		t.Fatalf("persistence id set before create: %d", q.PersistenceID())
	}
	if err := q.AsyncCreate(); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitIdle(t, b)
	if got := q.PersistenceID(); got != 42 {
		t.Fatalf("persistence id = %d, want 42", got)
	}
	if h := q.StoreHandle(); h.ID != 42 || h.Name != "Q1" {
		t.Fatalf("unexpected store handle %+v", h)
	}
	if _, err := q.Deliver(NewMessage([]byte("hello"), true)); err != nil {
		t.Fatalf("queue not usable after create: %v", err)
	}
	waitIdle(t, b)
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", q.Depth())
	}
}

func TestCreateTwiceRejected(t *testing.T) {
	b := newTestBroker(t, newScriptedBackend())
	q := createdQueue(t, b, "twice")
	if err := q.AsyncCreate(); !errors.Is(err, ErrAlreadyCreated) {
		t.Fatalf("expected ErrAlreadyCreated, got %v", err)
	}
}

func TestCreateFailureAllowsRetry(t *testing.T) {
	backend := newScriptedBackend()
	backend.failOn("create:flaky", errors.New("bucket missing"))
	b := newTestBroker(t, backend)
	q, _ := b.DeclareQueue("flaky", nil)
	if err := q.AsyncCreate(); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitIdle(t, b)
	if q.Created() || !errors.Is(q.CreateErr(), asyncop.ErrBackendOperationFailed) {
		t.Fatalf("expected create failure, created=%v err=%v", q.Created(), q.CreateErr())
	}
	if _, err := q.Deliver(NewMessage(nil, true)); !errors.Is(err, ErrNotCreated) {
		t.Fatalf("expected ErrNotCreated, got %v", err)
	}
	backend.failOn("create:flaky", nil)
	if err := q.AsyncCreate(); err != nil {
		t.Fatalf("retry create: %v", err)
	}
	waitIdle(t, b)
	if !q.Created() {
		t.Fatalf("retry did not create queue: %v", q.CreateErr())
	}
}

func TestDestroyWaitsForInFlightEnqueue(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")

	release := backend.gate("enqueue:Q1:1")
	if _, err := q.Deliver(NewMessage([]byte("M1"), true)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	destroyed := make(chan error, 1)
	go func() { destroyed <- q.AsyncDestroy(true) }()

	deadline := time.Now().Add(5 * time.Second)
	for !q.DestroyPending() {
		if time.Now().After(deadline) {
			t.Fatalf("destroy never started")
		}
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	select {
	case <-q.Done():
		t.Fatalf("destroy completed while enqueue in flight")
	case err := <-destroyed:
		t.Fatalf("AsyncDestroy returned while enqueue in flight: %v", err)
	default:
	}
	if backend.Destroys() != 0 {
		t.Fatalf("destroy reached backend while enqueue in flight")
	}
	if _, err := q.Deliver(NewMessage([]byte("late"), true)); !errors.Is(err, ErrBarrierClosed) {
		t.Fatalf("expected ErrBarrierClosed while destroying, got %v", err)
	}

	close(release)
	if err := <-destroyed; err != nil {
		t.Fatalf("destroy: %v", err)
	}
	waitClosed(t, q.Done(), "destroy completion")
	calls := backend.Calls()
	enq, des := -1, -1
	for i, c := range calls {
		switch c {
		case "enqueue:Q1:1":
			enq = i
		case "destroy:Q1":
			des = i
		}
	}
	if enq < 0 || des < 0 || des < enq {
		t.Fatalf("unexpected call order %v", calls)
	}
	if !q.Destroyed() || backend.HasQueue("Q1") {
		t.Fatalf("queue not destroyed (destroyed=%v stored=%v)", q.Destroyed(), backend.HasQueue("Q1"))
	}
}

func TestDestroyTwiceIssuesOneBackendDestroy(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")

	if err := q.AsyncDestroy(true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	waitClosed(t, q.Done(), "destroy")
	if err := q.AsyncDestroy(true); !errors.Is(err, ErrDoubleDestroy) {
		t.Fatalf("expected ErrDoubleDestroy, got %v", err)
	}
	waitIdle(t, b)
	if n := backend.Destroys(); n != 1 {
		t.Fatalf("backend destroys = %d, want 1", n)
	}
}

func TestConcurrentDestroyIssuesOneBackendDestroy(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "race")

	const callers = 16
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- q.AsyncDestroy(false)
		}()
	}
	wg.Wait()
	close(errs)
	ok := 0
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrDoubleDestroy):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 {
		t.Fatalf("%d destroys accepted, want 1", ok)
	}
	waitClosed(t, q.Done(), "destroy")
	waitIdle(t, b)
	if n := backend.Destroys(); n != 1 {
		t.Fatalf("backend destroys = %d, want 1", n)
	}
	if !backend.HasQueue("race") {
		t.Fatalf("destroy without delete removed stored queue")
	}
}

func TestDestroyedQueueRejectsOperations(t *testing.T) {
	b := newTestBroker(t, newScriptedBackend())
	q := createdQueue(t, b, "gone")
	qm, err := q.Deliver(NewMessage([]byte("x"), true))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	waitIdle(t, b)
	if err := q.AsyncDestroy(true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	waitClosed(t, q.Done(), "destroy")

	var destroyedErr *QueueDestroyedError
	checks := map[string]error{
		"create":  q.AsyncCreate(),
		"flush":   q.Flush(),
		"dequeue": q.Dequeue(nil, qm),
		"enqueue": q.Enqueue(nil, QueuedMessage{Msg: NewMessage(nil, true), Position: 99}),
	}
	for op, err := range checks {
		if !errors.Is(err, ErrBarrierClosed) || !errors.As(err, &destroyedErr) {
			t.Fatalf("%s: expected QueueDestroyedError, got %v", op, err)
		}
	}
	if _, err := b.Registry().Lookup(q.Handle()); !errors.Is(err, ErrStaleHandle) {
		t.Fatalf("expected stale handle after destroy, got %v", err)
	}
	if _, ok := b.Queue("gone"); ok {
		t.Fatalf("destroyed queue still registered")
	}
}

func TestDestroyBeforeCreateSkipsBackend(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q, _ := b.DeclareQueue("never", nil)
	if err := q.AsyncDestroy(true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	waitClosed(t, q.Done(), "destroy")
	if backend.Destroys() != 0 {
		t.Fatalf("destroy of uncreated queue reached backend")
	}
}

func TestDestroyFailureReported(t *testing.T) {
	backend := newScriptedBackend()
	backend.failOn("destroy:leaky", errors.New("permission denied"))
	reported := make(chan string, 1)
	b := newTestBroker(t, backend, WithDestroyFailureHandler(func(queue string, err error) {
		if !errors.Is(err, asyncop.ErrBackendOperationFailed) {
			t.Errorf("unexpected destroy error: %v", err)
		}
		reported <- queue
	}))
	q := createdQueue(t, b, "leaky")
	if err := q.AsyncDestroy(true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	select {
	case name := <-reported:
		if name != "leaky" {
			t.Fatalf("reported %q", name)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("destroy failure not reported")
	}
	waitClosed(t, q.Done(), "destroy")
	if !q.Destroyed() {
		t.Fatalf("queue should be terminal even when backend destroy fails")
	}
}

func TestFailedDequeueKeepsMessage(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")
	var msgs []QueuedMessage
	for i := 0; i < 3; i++ {
		qm, err := q.Deliver(NewMessage([]byte(fmt.Sprintf("M%d", i+1)), true))
		if err != nil {
			t.Fatalf("deliver: %v", err)
		}
		msgs = append(msgs, qm)
	}
	waitIdle(t, b)

	m2 := msgs[1]
	backend.failOn(fmt.Sprintf("dequeue:Q1:%d", m2.Position), errors.New("io error"))
	txn := NewTxn()
	if err := q.Dequeue(txn, m2); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := waitTxn(t, txn); !errors.Is(err, asyncop.ErrBackendOperationFailed) {
		t.Fatalf("expected txn failure, got %v", err)
	}
	got := q.Messages()
	if len(got) != 3 || got[1].Position != m2.Position || got[1].Msg != m2.Msg {
		t.Fatalf("M2 not restored at its position: %+v", got)
	}
	// The message is dequeueable again.
	backend.failOn(fmt.Sprintf("dequeue:Q1:%d", m2.Position), nil)
	txn = NewTxn()
	if err := q.Dequeue(txn, m2); err != nil {
		t.Fatalf("second dequeue: %v", err)
	}
	if err := waitTxn(t, txn); err != nil {
		t.Fatalf("second dequeue failed: %v", err)
	}
	if q.Depth() != 2 {
		t.Fatalf("depth = %d, want 2", q.Depth())
	}
}

func TestFailedEnqueueLeavesNoEntry(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")
	if _, err := q.Deliver(NewMessage([]byte("keep"), true)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	waitIdle(t, b)
	before := q.Messages()

	backend.failOn("enqueue:Q1:2", errors.New("quota"))
	txn := NewTxn()
	if _, err := q.EnqueueMessage(txn, NewMessage([]byte("drop"), true)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := waitTxn(t, txn); !errors.Is(err, asyncop.ErrBackendOperationFailed) {
		t.Fatalf("expected txn failure, got %v", err)
	}
	after := q.Messages()
	if len(after) != len(before) || after[0] != before[0] {
		t.Fatalf("sequence changed: before %+v after %+v", before, after)
	}
}

func TestDequeueUnknownMessage(t *testing.T) {
	b := newTestBroker(t, newScriptedBackend())
	q := createdQueue(t, b, "Q1")
	err := q.Dequeue(nil, QueuedMessage{Position: 7})
	if !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound, got %v", err)
	}
}

func TestEnqueueDuplicatePosition(t *testing.T) {
	b := newTestBroker(t, newScriptedBackend())
	q := createdQueue(t, b, "Q1")
	qm := QueuedMessage{Msg: NewMessage([]byte("a"), true), Position: 5}
	if err := q.Enqueue(nil, qm); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(nil, qm); !errors.Is(err, ErrPositionInUse) {
		t.Fatalf("expected ErrPositionInUse, got %v", err)
	}
	next, err := q.Deliver(NewMessage([]byte("b"), true))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if next.Position != 6 {
		t.Fatalf("next position = %d, want 6", next.Position)
	}
}

func TestDequeueParkedUntilEnqueueCompletes(t *testing.T) {
	b := newTestBroker(t, newScriptedBackend())
	q := createdQueue(t, b, "Q1")

	// Drive the completion handlers directly with the dequeue result arriving
	// first.
	qm := QueuedMessage{Msg: NewMessage([]byte("M1"), true), Position: 1}
	q.mu.Lock()
	q.messages.insert(&entry{qm: qm, enqueuePending: true, dequeuePending: true})
	q.mu.Unlock()
	if !q.barrier.Acquire() || !q.barrier.Acquire() {
		t.Fatalf("acquire failed")
	}
	enqTxn, deqTxn := NewTxn(), NewTxn()
	enqTxn.begin()
	deqTxn.begin()
	enqOp := &asyncop.Operation{Kind: asyncop.KindEnqueue, Queue: q.Handle(), QueueName: "Q1", Message: qm.operand(), Txn: enqTxn}
	deqOp := &asyncop.Operation{Kind: asyncop.KindDequeue, Queue: q.Handle(), QueueName: "Q1", Message: qm.operand(), Txn: deqTxn}

	q.complete(asyncop.Result{Op: deqOp})
	if q.Depth() != 1 {
		t.Fatalf("dequeue applied before enqueue completion")
	}
	if deqTxn.Outstanding() != 1 || q.barrier.Count() != 2 {
		t.Fatalf("parked dequeue completed early (txn %d, barrier %d)", deqTxn.Outstanding(), q.barrier.Count())
	}
	q.complete(asyncop.Result{Op: enqOp})
	if q.Depth() != 0 {
		t.Fatalf("parked dequeue not applied after enqueue completion")
	}
	if enqTxn.Outstanding() != 0 || deqTxn.Outstanding() != 0 || q.barrier.Count() != 0 {
		t.Fatalf("completion accounting off (enq %d, deq %d, barrier %d)", enqTxn.Outstanding(), deqTxn.Outstanding(), q.barrier.Count())
	}
}

func TestParkedDequeueFailsWithEnqueueError(t *testing.T) {
	b := newTestBroker(t, newScriptedBackend())
	q := createdQueue(t, b, "Q1")
	qm := QueuedMessage{Msg: NewMessage([]byte("M1"), true), Position: 1}
	q.mu.Lock()
	q.messages.insert(&entry{qm: qm, enqueuePending: true, dequeuePending: true})
	q.mu.Unlock()
	q.barrier.Acquire()
	q.barrier.Acquire()
	deqTxn := NewTxn()
	deqTxn.begin()
	enqOp := &asyncop.Operation{Kind: asyncop.KindEnqueue, Queue: q.Handle(), QueueName: "Q1", Message: qm.operand()}
	deqOp := &asyncop.Operation{Kind: asyncop.KindDequeue, Queue: q.Handle(), QueueName: "Q1", Message: qm.operand(), Txn: deqTxn}

	q.complete(asyncop.Result{Op: deqOp})
	enqErr := asyncop.Fail(enqOp, asyncop.ErrBackendOperationFailed, storage.ErrNotFound)
	q.complete(asyncop.Result{Op: enqOp, Err: enqErr})
	if q.Depth() != 0 {
		t.Fatalf("failed enqueue left entry")
	}
	if err := deqTxn.Err(); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("parked dequeue should carry enqueue error, got %v", err)
	}
	if q.barrier.Count() != 0 {
		t.Fatalf("barrier count = %d", q.barrier.Count())
	}
}

func TestDispatchTakesOldestAvailable(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")
	for i := 0; i < 3; i++ {
		if _, err := q.Deliver(NewMessage([]byte{byte(i)}, true)); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}
	select {
	case <-q.Notify():
	default:
		t.Fatalf("deliver did not notify")
	}
	release := backend.gate("dequeue:Q1:1")
	first, ok, err := q.Dispatch(nil)
	if err != nil || !ok || first.Position != 1 {
		t.Fatalf("first dispatch = %+v ok=%v err=%v", first, ok, err)
	}
	second, ok, err := q.Dispatch(nil)
	if err != nil || !ok || second.Position != 2 {
		t.Fatalf("second dispatch = %+v ok=%v err=%v", second, ok, err)
	}
	if q.Depth() != 3 {
		t.Fatalf("messages removed before dequeue completion")
	}
	close(release)
	waitIdle(t, b)
	if q.Depth() != 1 {
		t.Fatalf("depth = %d, want 1", q.Depth())
	}
	if _, ok, _ := q.Dispatch(nil); !ok {
		t.Fatalf("expected third message")
	}
	waitIdle(t, b)
	if _, ok, err := q.Dispatch(nil); ok || err != nil {
		t.Fatalf("expected empty dispatch, got ok=%v err=%v", ok, err)
	}
}

func TestEnqueueDequeueOrderingPerMessage(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")
	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/4; j++ {
				qm, err := q.Deliver(NewMessage([]byte("x"), true))
				if err != nil {
					t.Errorf("deliver: %v", err)
					return
				}
				if err := q.Dequeue(nil, qm); err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	waitIdle(t, b)
	if q.Depth() != 0 {
		t.Fatalf("depth = %d, want 0", q.Depth())
	}
	msgs, err := backend.ListMessages(t.Context(), "Q1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("backend still holds %d messages", len(msgs))
	}
	seen := map[string]int{}
	for i, c := range backend.Calls() {
		var pos uint64
		if _, err := fmt.Sscanf(c, "enqueue:Q1:%d", &pos); err == nil {
			seen[fmt.Sprint(pos)] = i
			continue
		}
		if _, err := fmt.Sscanf(c, "dequeue:Q1:%d", &pos); err == nil {
			at, ok := seen[fmt.Sprint(pos)]
			if !ok || at > i {
				t.Fatalf("dequeue of %d reached backend before its enqueue", pos)
			}
		}
	}
}

func TestFlushClearsDirty(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")
	if _, err := q.Deliver(NewMessage([]byte("x"), true)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	waitIdle(t, b)
	if q.Dirty() == 0 {
		t.Fatalf("expected dirty queue")
	}
	if err := b.FlushAll(); err != nil {
		t.Fatalf("flush all: %v", err)
	}
	waitIdle(t, b)
	if q.Dirty() != 0 || backend.Flushes("Q1") != 1 {
		t.Fatalf("flush not applied (dirty %d, flushes %d)", q.Dirty(), backend.Flushes("Q1"))
	}
	if err := b.FlushAll(); err != nil {
		t.Fatalf("flush all: %v", err)
	}
	waitIdle(t, b)
	if backend.Flushes("Q1") != 1 {
		t.Fatalf("clean queue flushed again")
	}
}

func TestConcurrentDeliverDispatchKeepsBackendOrder(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")
	const producers, perProducer = 4, 50
	const total = producers * perProducer

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		dispatched = map[uint64]int{}
		delivered  sync.WaitGroup
	)
	delivered.Add(producers)
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer delivered.Done()
			for i := 0; i < perProducer; i++ {
				if _, err := q.Deliver(NewMessage([]byte("m"), true)); err != nil {
					t.Errorf("deliver: %v", err)
					return
				}
			}
		}()
	}
	txn := NewTxn()
	stop := make(chan struct{})
	go func() {
		delivered.Wait()
		close(stop)
	}()
	for c := 0; c < 3; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				qm, ok, err := q.Dispatch(txn)
				if err != nil {
					t.Errorf("dispatch: %v", err)
					return
				}
				if ok {
					mu.Lock()
					dispatched[qm.Position]++
					mu.Unlock()
					continue
				}
				select {
				case <-stop:
					if q.Depth() == 0 {
						return
					}
					time.Sleep(time.Millisecond)
				default:
					time.Sleep(50 * time.Microsecond)
				}
			}
		}()
	}
	wg.Wait()
	if err := waitTxn(t, txn); err != nil {
		t.Fatalf("dispatch txn failed: %v", err)
	}
	waitIdle(t, b)
	if len(dispatched) != total {
		t.Fatalf("dispatched %d distinct messages, want %d", len(dispatched), total)
	}
	for pos, n := range dispatched {
		if n != 1 {
			t.Fatalf("message %d dispatched %d times", pos, n)
		}
	}
	if q.Depth() != 0 {
		t.Fatalf("depth = %d, want 0", q.Depth())
	}

	enqueuedAt := map[uint64]int{}
	var lastEnqueued uint64
	for i, c := range backend.Calls() {
		var pos uint64
		if _, err := fmt.Sscanf(c, "enqueue:Q1:%d", &pos); err == nil {
			if pos <= lastEnqueued {
				t.Fatalf("enqueue of %d reached backend after %d", pos, lastEnqueued)
			}
			lastEnqueued = pos
			enqueuedAt[pos] = i
			continue
		}
		if _, err := fmt.Sscanf(c, "dequeue:Q1:%d", &pos); err == nil {
			if at, ok := enqueuedAt[pos]; !ok || at > i {
				t.Fatalf("dequeue of %d reached backend before its enqueue", pos)
			}
		}
	}
}

func TestDispatchFailureReachesTxn(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")
	if _, err := q.Deliver(NewMessage([]byte("x"), true)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	waitIdle(t, b)
	boom := errors.New("disk on fire")
	backend.failOn("dequeue:Q1:1", boom)
	txn := NewTxn()
	qm, ok, err := q.Dispatch(txn)
	if err != nil || !ok || qm.Position != 1 {
		t.Fatalf("dispatch = %+v ok=%v err=%v", qm, ok, err)
	}
	if err := waitTxn(t, txn); !errors.Is(err, boom) {
		t.Fatalf("txn error = %v, want %v", err, boom)
	}
	if q.Depth() != 1 {
		t.Fatalf("failed dispatch removed the message (depth %d)", q.Depth())
	}
	backend.failOn("dequeue:Q1:1", nil)
	again, ok, err := q.Dispatch(nil)
	if err != nil || !ok || again.Position != 1 {
		t.Fatalf("redispatch = %+v ok=%v err=%v", again, ok, err)
	}
	waitIdle(t, b)
	if q.Depth() != 0 {
		t.Fatalf("depth = %d after redispatch", q.Depth())
	}
}

func TestSubmitFailureLeavesQueueUnchanged(t *testing.T) {
	backend := newScriptedBackend()
	b := newTestBroker(t, backend)
	q := createdQueue(t, b, "Q1")
	if err := q.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	waitIdle(t, b)
	if q.LastFlush().IsZero() {
		t.Fatalf("last flush not recorded")
	}
	if _, err := q.Deliver(NewMessage([]byte("x"), true)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	waitIdle(t, b)
	dirty := q.Dirty()
	if err := b.Close(t.Context()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := q.Deliver(NewMessage([]byte("late"), true)); !errors.Is(err, asyncop.ErrQueueClosed) {
		t.Fatalf("deliver after close = %v, want ErrQueueClosed", err)
	}
	if _, ok, err := q.Dispatch(nil); ok || !errors.Is(err, asyncop.ErrQueueClosed) {
		t.Fatalf("dispatch after close ok=%v err=%v", ok, err)
	}
	if q.Depth() != 1 || q.Dirty() != dirty {
		t.Fatalf("depth %d dirty %d after rejected ops, want 1 and %d", q.Depth(), q.Dirty(), dirty)
	}
	q.mu.Lock()
	e := q.messages.firstAvailable()
	q.mu.Unlock()
	if e == nil {
		t.Fatalf("rejected dispatch left the message marked pending")
	}
}
