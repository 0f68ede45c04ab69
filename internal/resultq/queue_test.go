package resultq

import (
	"context"
	"sync"
	"testing"
	"time"

	"pkt.systems/asyncstore/internal/asyncop"
)

func TestQueueDeliversEachResultOnce(t *testing.T) {
	q := New()
	const producers, perProducer = 8, 200
	seen := make(map[*asyncop.Operation]int)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, func(r asyncop.Result) { seen[r.Op]++ })
	}()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Post(asyncop.Result{Op: &asyncop.Operation{Kind: asyncop.KindFlush}})
			}
		}()
	}
	wg.Wait()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	if err := q.WaitIdle(waitCtx); err != nil {
		t.Fatalf("wait idle: %v", err)
	}
	q.Close()
	<-done
	if len(seen) != producers*perProducer {
		t.Fatalf("applied %d distinct results, want %d", len(seen), producers*perProducer)
	}
	for op, n := range seen {
		if n != 1 {
			t.Fatalf("result %p applied %d times", op, n)
		}
	}
}

func TestQueueDrainOnCallingGoroutine(t *testing.T) {
	q := New()
	for i := 0; i < 3; i++ {
		q.Post(asyncop.Result{})
	}
	if q.Len() != 3 {
		t.Fatalf("len = %d", q.Len())
	}
	var applied int
	if n := q.Drain(func(asyncop.Result) { applied++ }); n != 3 || applied != 3 {
		t.Fatalf("drained %d (applied %d), want 3", n, applied)
	}
	if q.Drain(func(asyncop.Result) { t.Fatalf("unexpected result") }) != 0 {
		t.Fatalf("expected empty queue")
	}
}

func TestQueuePostFromHandlerIsApplied(t *testing.T) {
	q := New()
	var order []asyncop.Kind
	q.Post(asyncop.Result{Op: &asyncop.Operation{Kind: asyncop.KindEnqueue}})
	q.Drain(func(r asyncop.Result) {
		order = append(order, r.Op.Kind)
		if r.Op.Kind == asyncop.KindEnqueue {
			q.Post(asyncop.Result{Op: &asyncop.Operation{Kind: asyncop.KindDequeue}})
		}
	})
	if len(order) != 2 || order[1] != asyncop.KindDequeue {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestQueueWaitIdleHonoursContext(t *testing.T) {
	q := New()
	q.Post(asyncop.Result{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.WaitIdle(ctx); err == nil {
		t.Fatalf("expected timeout with nobody consuming")
	}
}
