// Package redisstore stores queues in Redis hashes:
//
//	<prefix>:queues          name -> queue record
//	<prefix>:seq             persistence ID counter
//	<prefix>:msgs:<escaped>  seq key -> message record
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/loggingutil"
	"pkt.systems/asyncstore/internal/storage"
)

// Config controls the Redis backend.
type Config struct {
	// URL is a redis:// or rediss:// URL; it takes precedence over Addr.
	URL      string
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	Logger   pslog.Logger
}

type commander interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	HSetNX(ctx context.Context, key, field string, value any) *redis.BoolCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HExists(ctx context.Context, key, field string) *redis.BoolCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
	Close() error
}

// Store implements storage.Backend on Redis.
type Store struct {
	client commander
	prefix string
	desc   string
	logger pslog.Logger
}

var (
	_ storage.Backend       = (*Store)(nil)
	_ storage.QueueLister   = (*Store)(nil)
	_ storage.MessageLister = (*Store)(nil)
)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: parse url: %w", err)
		}
		opts = parsed
	} else {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis: address is required")
		}
		opts = &redis.Options{Addr: cfg.Addr, Username: cfg.Username, Password: cfg.Password, DB: cfg.DB}
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return newWithClient(client, fmt.Sprintf("redis://%s/%d", opts.Addr, opts.DB), cfg.Prefix, cfg.Logger), nil
}

func newWithClient(client commander, location, prefix string, logger pslog.Logger) *Store {
	prefix = strings.Trim(prefix, ":")
	if prefix == "" {
		prefix = "asyncstore"
	}
	return &Store{
		client: client,
		prefix: prefix,
		desc:   location + "?prefix=" + prefix,
		logger: loggingutil.EnsureLogger(logger),
	}
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return s.desc }

// Close closes the client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) queuesKey() string { return s.prefix + ":queues" }
func (s *Store) seqKey() string    { return s.prefix + ":seq" }
func (s *Store) msgsKey(queue string) string {
	return s.prefix + ":msgs:" + storage.EscapeName(queue)
}

// CreateQueue stores the queue record under a new persistence ID.
func (s *Store) CreateQueue(ctx context.Context, rec storage.QueueRecord) (storage.QueueHandle, error) {
	exists, err := s.client.HExists(ctx, s.queuesKey(), rec.Name).Result()
	if err != nil {
		return storage.QueueHandle{}, wrapError(err, "redis: stat queue %q", rec.Name)
	}
	if exists {
		return storage.QueueHandle{}, fmt.Errorf("redis: queue %q: %w", rec.Name, storage.ErrExists)
	}
	id, err := s.client.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return storage.QueueHandle{}, wrapError(err, "redis: allocate persistence id")
	}
	rec.PersistenceID = uint64(id)
	ok, err := s.client.HSetNX(ctx, s.queuesKey(), rec.Name, storage.MarshalQueueRecord(rec)).Result()
	if err != nil {
		return storage.QueueHandle{}, wrapError(err, "redis: store queue %q", rec.Name)
	}
	if !ok {
		return storage.QueueHandle{}, fmt.Errorf("redis: queue %q: %w", rec.Name, storage.ErrExists)
	}
	return storage.QueueHandle{ID: rec.PersistenceID, Name: rec.Name, Key: s.msgsKey(rec.Name)}, nil
}

func (s *Store) requireQueue(ctx context.Context, name, op string) error {
	exists, err := s.client.HExists(ctx, s.queuesKey(), name).Result()
	if err != nil {
		return wrapError(err, "redis: %s %q", op, name)
	}
	if !exists {
		return fmt.Errorf("redis: %s %q: %w", op, name, storage.ErrNotFound)
	}
	return nil
}

// DestroyQueue removes the queue hash entry and its messages when deleteData
// is set.
func (s *Store) DestroyQueue(ctx context.Context, handle storage.QueueHandle, deleteData bool) error {
	if err := s.requireQueue(ctx, handle.Name, "destroy queue"); err != nil {
		return err
	}
	if !deleteData {
		return nil
	}
	// MULTI/EXEC so a queue record never outlives its messages.
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.msgsKey(handle.Name))
		pipe.HDel(ctx, s.queuesKey(), handle.Name)
		return nil
	})
	if err != nil {
		return wrapError(err, "redis: delete queue %q", handle.Name)
	}
	return nil
}

// FlushQueue verifies the queue exists; durability follows the server's
// persistence settings.
func (s *Store) FlushQueue(ctx context.Context, handle storage.QueueHandle) error {
	return s.requireQueue(ctx, handle.Name, "flush queue")
}

// Enqueue stores msg in the queue's message hash.
func (s *Store) Enqueue(ctx context.Context, queue string, msg storage.MessageRecord) error {
	if err := s.requireQueue(ctx, queue, "enqueue on"); err != nil {
		return err
	}
	ok, err := s.client.HSetNX(ctx, s.msgsKey(queue), storage.SeqKey(msg.Seq), storage.MarshalMessageRecord(msg)).Result()
	if err != nil {
		return wrapError(err, "redis: enqueue %s#%d", queue, msg.Seq)
	}
	if !ok {
		return fmt.Errorf("redis: message %s#%d: %w", queue, msg.Seq, storage.ErrExists)
	}
	return nil
}

// Dequeue removes the message at seq.
func (s *Store) Dequeue(ctx context.Context, queue string, seq uint64) error {
	n, err := s.client.HDel(ctx, s.msgsKey(queue), storage.SeqKey(seq)).Result()
	if err != nil {
		return wrapError(err, "redis: dequeue %s#%d", queue, seq)
	}
	if n == 0 {
		return fmt.Errorf("redis: dequeue %s#%d: %w", queue, seq, storage.ErrNotFound)
	}
	return nil
}

// Commit is a no-op; each command is acknowledged individually.
func (s *Store) Commit(context.Context) error { return nil }

// ListQueues returns every stored queue record.
func (s *Store) ListQueues(ctx context.Context) ([]storage.QueueRecord, error) {
	all, err := s.client.HGetAll(ctx, s.queuesKey()).Result()
	if err != nil {
		return nil, wrapError(err, "redis: list queues")
	}
	out := make([]storage.QueueRecord, 0, len(all))
	for name, raw := range all {
		rec, err := storage.UnmarshalQueueRecord([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("redis: decode queue %q: %w", name, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListMessages returns the queue's messages in sequence order.
func (s *Store) ListMessages(ctx context.Context, queue string) ([]storage.MessageRecord, error) {
	all, err := s.client.HGetAll(ctx, s.msgsKey(queue)).Result()
	if err != nil {
		return nil, wrapError(err, "redis: list messages of %q", queue)
	}
	out := make([]storage.MessageRecord, 0, len(all))
	for field, raw := range all {
		rec, err := storage.UnmarshalMessageRecord([]byte(raw))
		if err != nil {
			s.logger.Warn("redis.message.decode_failed", "queue", queue, "field", field, "error", err)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func wrapError(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", msg, storage.ErrNotFound)
	}
	if errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("%s: %w", msg, storage.ErrClosed)
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}
