// Package objectstore implements storage.Backend on top of a flat key/value
// object API. The S3 (minio), AWS and Azure backends provide a Client and
// share the layout:
//
//	<prefix>/queues/<escaped name>/queue.pb
//	<prefix>/queues/<escaped name>/msg/<seq>.msg
//
// Object writes are durable once acknowledged, so Commit does no work.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/loggingutil"
	"pkt.systems/asyncstore/internal/storage"
)

const (
	queueObject = "queue.pb"
	msgPrefix   = "msg/"
	msgSuffix   = ".msg"
)

// ErrObjectNotFound is returned by a Client when the key does not exist.
var ErrObjectNotFound = errors.New("objectstore: object not found")

// Client is the minimal object API a provider adapter supplies.
type Client interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every key under prefix.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Config wires a Client into a Store.
type Config struct {
	Client Client
	Prefix string
	// Scheme and Location build the Describe string (scheme://location/prefix).
	Scheme   string
	Location string
	// Classify maps provider errors into storage errors; nil keeps them as is.
	Classify func(error) error
	Logger   pslog.Logger
}

// Store implements storage.Backend over a Client.
type Store struct {
	client   Client
	prefix   string
	desc     string
	classify func(error) error
	logger   pslog.Logger

	mu     sync.Mutex
	nextID uint64
	closed bool
}

var (
	_ storage.Backend       = (*Store)(nil)
	_ storage.QueueLister   = (*Store)(nil)
	_ storage.MessageLister = (*Store)(nil)
)

// New constructs a Store and seeds persistence IDs from the queues already
// present under the prefix.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("objectstore: client required")
	}
	classify := cfg.Classify
	if classify == nil {
		classify = func(err error) error { return err }
	}
	prefix := strings.Trim(cfg.Prefix, "/")
	desc := cfg.Scheme + "://" + cfg.Location
	if prefix != "" {
		desc += "/" + prefix
	}
	s := &Store{
		client:   cfg.Client,
		prefix:   prefix,
		desc:     desc,
		classify: classify,
		logger:   loggingutil.EnsureLogger(cfg.Logger),
	}
	recs, err := s.ListQueues(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec.PersistenceID > s.nextID {
			s.nextID = rec.PersistenceID
		}
	}
	return s, nil
}

// Describe implements storage.Describer.
func (s *Store) Describe() string { return s.desc }

// Close marks the store closed; provider clients hold no resources.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) queuesRoot() string {
	if s.prefix == "" {
		return "queues/"
	}
	return s.prefix + "/queues/"
}

func (s *Store) queueKey(name string) string {
	return s.queuesRoot() + storage.EscapeName(name) + "/"
}

func (s *Store) recordKey(name string) string {
	return s.queueKey(name) + queueObject
}

func (s *Store) msgKey(queue string, seq uint64) string {
	return s.queueKey(queue) + msgPrefix + storage.SeqKey(seq) + msgSuffix
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) wrap(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrObjectNotFound) {
		return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), s.classify(err))
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	if _, err := s.client.Get(ctx, key); err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateQueue stores the queue record under a new persistence ID.
func (s *Store) CreateQueue(ctx context.Context, rec storage.QueueRecord) (storage.QueueHandle, error) {
	if err := s.checkOpen(); err != nil {
		return storage.QueueHandle{}, err
	}
	key := s.recordKey(rec.Name)
	found, err := s.exists(ctx, key)
	if err != nil {
		return storage.QueueHandle{}, s.wrap(err, "objectstore: stat queue %q", rec.Name)
	}
	if found {
		return storage.QueueHandle{}, fmt.Errorf("objectstore: queue %q: %w", rec.Name, storage.ErrExists)
	}
	s.mu.Lock()
	s.nextID++
	rec.PersistenceID = s.nextID
	s.mu.Unlock()
	if err := s.client.Put(ctx, key, storage.MarshalQueueRecord(rec), storage.ContentTypeQueueRecord); err != nil {
		return storage.QueueHandle{}, s.wrap(err, "objectstore: put queue %q", rec.Name)
	}
	return storage.QueueHandle{ID: rec.PersistenceID, Name: rec.Name, Key: s.queueKey(rec.Name)}, nil
}

// DestroyQueue deletes the queue's messages and record when deleteData is set.
func (s *Store) DestroyQueue(ctx context.Context, handle storage.QueueHandle, deleteData bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	found, err := s.exists(ctx, s.recordKey(handle.Name))
	if err != nil {
		return s.wrap(err, "objectstore: stat queue %q", handle.Name)
	}
	if !found {
		return fmt.Errorf("objectstore: destroy queue %q: %w", handle.Name, storage.ErrNotFound)
	}
	if !deleteData {
		return nil
	}
	keys, err := s.client.List(ctx, s.queueKey(handle.Name)+msgPrefix)
	if err != nil {
		return s.wrap(err, "objectstore: list messages of %q", handle.Name)
	}
	for _, key := range keys {
		if err := s.client.Delete(ctx, key); err != nil {
			return s.wrap(err, "objectstore: delete %q", key)
		}
	}
	// The record goes last so a partial destroy is retried by the next recovery.
	if err := s.client.Delete(ctx, s.recordKey(handle.Name)); err != nil {
		return s.wrap(err, "objectstore: delete queue %q", handle.Name)
	}
	return nil
}

// FlushQueue verifies the queue exists; acknowledged puts are already durable.
func (s *Store) FlushQueue(ctx context.Context, handle storage.QueueHandle) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	found, err := s.exists(ctx, s.recordKey(handle.Name))
	if err != nil {
		return s.wrap(err, "objectstore: stat queue %q", handle.Name)
	}
	if !found {
		return fmt.Errorf("objectstore: flush queue %q: %w", handle.Name, storage.ErrNotFound)
	}
	return nil
}

// Enqueue writes msg as one object.
func (s *Store) Enqueue(ctx context.Context, queue string, msg storage.MessageRecord) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := s.msgKey(queue, msg.Seq)
	found, err := s.exists(ctx, key)
	if err != nil {
		return s.wrap(err, "objectstore: stat message %s#%d", queue, msg.Seq)
	}
	if found {
		return fmt.Errorf("objectstore: message %s#%d: %w", queue, msg.Seq, storage.ErrExists)
	}
	if err := s.client.Put(ctx, key, storage.MarshalMessageRecord(msg), storage.ContentTypeMessageRecord); err != nil {
		return s.wrap(err, "objectstore: put message %s#%d", queue, msg.Seq)
	}
	return nil
}

// Dequeue deletes the message object.
func (s *Store) Dequeue(ctx context.Context, queue string, seq uint64) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := s.msgKey(queue, seq)
	found, err := s.exists(ctx, key)
	if err != nil {
		return s.wrap(err, "objectstore: stat message %s#%d", queue, seq)
	}
	if !found {
		return fmt.Errorf("objectstore: dequeue %s#%d: %w", queue, seq, storage.ErrNotFound)
	}
	if err := s.client.Delete(ctx, key); err != nil {
		return s.wrap(err, "objectstore: delete message %s#%d", queue, seq)
	}
	return nil
}

// Commit is a no-op.
func (s *Store) Commit(context.Context) error {
	return s.checkOpen()
}

// ListQueues reads every queue record under the prefix.
func (s *Store) ListQueues(ctx context.Context) ([]storage.QueueRecord, error) {
	keys, err := s.client.List(ctx, s.queuesRoot())
	if err != nil {
		return nil, s.wrap(err, "objectstore: list queues")
	}
	var out []storage.QueueRecord
	for _, key := range keys {
		rel := strings.TrimPrefix(key, s.queuesRoot())
		dir, file := path.Split(rel)
		if file != queueObject || strings.Count(dir, "/") != 1 {
			continue
		}
		data, err := s.client.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				continue
			}
			return nil, s.wrap(err, "objectstore: get %q", key)
		}
		rec, err := storage.UnmarshalQueueRecord(data)
		if err != nil {
			return nil, fmt.Errorf("objectstore: decode %q: %w", key, err)
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// ListMessages reads the messages of queue in sequence order.
func (s *Store) ListMessages(ctx context.Context, queue string) ([]storage.MessageRecord, error) {
	prefix := s.queueKey(queue) + msgPrefix
	keys, err := s.client.List(ctx, prefix)
	if err != nil {
		return nil, s.wrap(err, "objectstore: list messages of %q", queue)
	}
	sort.Strings(keys)
	out := make([]storage.MessageRecord, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, msgSuffix) {
			continue
		}
		data, err := s.client.Get(ctx, key)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				s.logger.Debug("objectstore.message.vanished", "key", key)
				continue
			}
			return nil, s.wrap(err, "objectstore: get %q", key)
		}
		rec, err := storage.UnmarshalMessageRecord(data)
		if err != nil {
			return nil, fmt.Errorf("objectstore: decode %q: %w", key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
