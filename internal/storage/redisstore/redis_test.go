package redisstore

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"pkt.systems/asyncstore/internal/storage"
)

// fakeRedis implements commander over in-process maps.
type fakeRedis struct {
	mu       sync.Mutex
	counters map[string]int64
	hashes   map[string]map[string]string
	closed   bool
	// execErr fails the next TxPipelined call before any command applies.
	execErr error
	execs   int
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{counters: map[string]int64{}, hashes: map[string]map[string]string{}}
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.counters[key])
	return cmd
}

func (f *fakeRedis) HSetNX(ctx context.Context, key, field string, value any) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewBoolCmd(ctx)
	h := f.hashes[key]
	if h == nil {
		h = map[string]string{}
		f.hashes[key] = h
	}
	if _, ok := h[field]; ok {
		cmd.SetVal(false)
		return cmd
	}
	h[field] = string(value.([]byte))
	cmd.SetVal(true)
	return cmd
}

func (f *fakeRedis) HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]string{}
	for k, v := range f.hashes[key] {
		out[k] = v
	}
	cmd := redis.NewMapStringStringCmd(ctx)
	cmd.SetVal(out)
	return cmd
}

func (f *fakeRedis) HExists(ctx context.Context, key, field string) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.hashes[key][field]
	cmd := redis.NewBoolCmd(ctx)
	cmd.SetVal(ok)
	return cmd
}

func (f *fakeRedis) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.hdelLocked(key, fields...))
	return cmd
}

func (f *fakeRedis) hdelLocked(key string, fields ...string) int64 {
	var n int64
	for _, field := range fields {
		if _, ok := f.hashes[key][field]; ok {
			delete(f.hashes[key], field)
			n++
		}
	}
	return n
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(f.delLocked(keys...))
	return cmd
}

func (f *fakeRedis) delLocked(keys ...string) int64 {
	var n int64
	for _, key := range keys {
		if _, ok := f.hashes[key]; ok {
			delete(f.hashes, key)
			n++
		}
	}
	return n
}

// fakePipe queues the commands DestroyQueue issues inside MULTI/EXEC.
type fakePipe struct {
	redis.Pipeliner
	f   *fakeRedis
	ops []func()
}

func (p *fakePipe) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	p.ops = append(p.ops, func() { p.f.delLocked(keys...) })
	return redis.NewIntCmd(ctx)
}

func (p *fakePipe) HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd {
	p.ops = append(p.ops, func() { p.f.hdelLocked(key, fields...) })
	return redis.NewIntCmd(ctx)
}

func (f *fakeRedis) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	pipe := &fakePipe{f: f}
	if err := fn(pipe); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs++
	if err := f.execErr; err != nil {
		f.execErr = nil
		return nil, err
	}
	for _, op := range pipe.ops {
		op()
	}
	return nil, nil
}

func (f *fakeRedis) Close() error { f.closed = true; return nil }

func exerciseStore(t *testing.T, store *Store) {
	t.Helper()
	ctx := context.Background()
	handle, err := store.CreateQueue(ctx, storage.QueueRecord{Name: "events", Data: []byte("d")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateQueue(ctx, storage.QueueRecord{Name: "events"}); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	for _, seq := range []uint64{10, 2, 7} {
		if err := store.Enqueue(ctx, "events", storage.MessageRecord{Seq: seq, ID: strconv.FormatUint(seq, 10)}); err != nil {
			t.Fatalf("enqueue %d: %v", seq, err)
		}
	}
	if err := store.Enqueue(ctx, "events", storage.MessageRecord{Seq: 2}); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected duplicate ErrExists, got %v", err)
	}
	if err := store.Enqueue(ctx, "nope", storage.MessageRecord{Seq: 1}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.Dequeue(ctx, "events", 7); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := store.Dequeue(ctx, "events", 7); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	msgs, err := store.ListMessages(ctx, "events")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Seq != 2 || msgs[1].Seq != 10 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	recs, err := store.ListQueues(ctx)
	if err != nil {
		t.Fatalf("list queues: %v", err)
	}
	if len(recs) != 1 || recs[0].PersistenceID != handle.ID {
		t.Fatalf("unexpected queues %+v", recs)
	}
	if err := store.FlushQueue(ctx, handle); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if err := store.DestroyQueue(ctx, handle, true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if msgs, _ := store.ListMessages(ctx, "events"); len(msgs) != 0 {
		t.Fatalf("expected messages deleted, got %d", len(msgs))
	}
	if err := store.FlushQueue(ctx, handle); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after destroy, got %v", err)
	}
}

func TestRedisStoreWithFake(t *testing.T) {
	fake := newFakeRedis()
	store := newWithClient(fake, "redis://fake/0", "", nil)
	if store.Describe() != "redis://fake/0?prefix=asyncstore" {
		t.Fatalf("describe = %q", store.Describe())
	}
	exerciseStore(t, store)
	if err := store.Close(); err != nil || !fake.closed {
		t.Fatalf("expected client closed, err=%v", err)
	}
}

func TestDestroyQueueIsAtomic(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	store := newWithClient(fake, "redis://fake/0", "", nil)
	handle, err := store.CreateQueue(ctx, storage.QueueRecord{Name: "jobs"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Enqueue(ctx, "jobs", storage.MessageRecord{Seq: 1, ID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	fake.execErr = errors.New("EXECABORT connection dropped")
	if err := store.DestroyQueue(ctx, handle, true); err == nil {
		t.Fatalf("expected destroy to fail")
	}
	if recs, _ := store.ListQueues(ctx); len(recs) != 1 {
		t.Fatalf("queue record lost on failed destroy: %+v", recs)
	}
	if msgs, _ := store.ListMessages(ctx, "jobs"); len(msgs) != 1 {
		t.Fatalf("messages lost on failed destroy: %+v", msgs)
	}
	if err := store.DestroyQueue(ctx, handle, true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if recs, _ := store.ListQueues(ctx); len(recs) != 0 {
		t.Fatalf("queue record left behind: %+v", recs)
	}
	if msgs, _ := store.ListMessages(ctx, "jobs"); len(msgs) != 0 {
		t.Fatalf("messages left behind: %+v", msgs)
	}
	if fake.execs != 2 {
		t.Fatalf("destroy ran %d transactions, want 2", fake.execs)
	}
}

func TestWrapErrorMapping(t *testing.T) {
	if err := wrapError(redis.Nil, "x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := wrapError(context.DeadlineExceeded, "x"); !storage.IsTransient(err) {
		t.Fatalf("expected transient, got %v", err)
	}
	if err := wrapError(errors.New("WRONGTYPE"), "x"); storage.IsTransient(err) {
		t.Fatalf("expected permanent, got %v", err)
	}
}

// Runs against a live server when ASYNCSTORE_REDIS_URL is set.
func TestRedisStoreIntegration(t *testing.T) {
	url := os.Getenv("ASYNCSTORE_REDIS_URL")
	if url == "" {
		t.Skip("ASYNCSTORE_REDIS_URL not set")
	}
	store, err := New(context.Background(), Config{URL: url, Prefix: "asyncstore-test-" + xid.New().String()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)
}
