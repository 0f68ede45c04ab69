package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Content type constants used for persisted records across backends.
const (
	ContentTypeQueueRecord   = "application/vnd.asyncstore.queue+protobuf"
	ContentTypeMessageRecord = "application/vnd.asyncstore.message+protobuf"
	ContentTypeOctetStream   = "application/octet-stream"
)

// ErrNotFound indicates the requested queue or message is missing.
var (
	ErrNotFound       = errors.New("storage: not found")
	ErrExists         = errors.New("storage: already exists")
	ErrNotImplemented = errors.New("storage: not implemented")
	ErrClosed         = errors.New("storage: backend closed")
)

// QueueRecord is the persisted representation of a durable queue.
type QueueRecord struct {
	// Name is the queue's unique, immutable identity.
	Name string
	// PersistenceID is assigned by the backend when the queue is created.
	PersistenceID uint64
	// Data holds the queue's encoded persistable state (arguments etc).
	Data []byte
}

// MessageRecord is the persisted representation of one queued message.
type MessageRecord struct {
	// Seq is the message position within its queue.
	Seq     uint64
	ID      string
	Payload []byte
	// TxnID associates the record with a transaction when non-empty.
	TxnID   string
	Durable bool
}

// QueueHandle is the opaque backend-side reference returned by CreateQueue.
type QueueHandle struct {
	ID   uint64
	Name string
	// Key is the backend-specific location of the queue (object prefix, path,
	// redis key, row id).
	Key string
}

// Valid reports whether the handle refers to a created queue.
func (h QueueHandle) Valid() bool {
	return h.ID != 0 && h.Name != ""
}

// Backend defines the storage contract the operation queue dispatches to.
// Operations against one backend are issued from a single goroutine; a batch
// of operations is followed by one Commit which acknowledges it.
type Backend interface {
	// CreateQueue persists rec and assigns its persistence identity. It
	// returns ErrExists when a queue with the same name is already stored.
	CreateQueue(ctx context.Context, rec QueueRecord) (QueueHandle, error)
	// DestroyQueue closes the queue handle. When deleteData is set the queue
	// record and all of its messages are removed.
	DestroyQueue(ctx context.Context, handle QueueHandle, deleteData bool) error
	// FlushQueue forces buffered state for the queue to stable storage.
	FlushQueue(ctx context.Context, handle QueueHandle) error
	// Enqueue stores msg in queue.
	Enqueue(ctx context.Context, queue string, msg MessageRecord) error
	// Dequeue removes the message at seq from queue.
	Dequeue(ctx context.Context, queue string, seq uint64) error
	// Commit acknowledges every operation issued since the previous Commit.
	Commit(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}

// QueueLister enumerates persisted queues, used during recovery.
type QueueLister interface {
	ListQueues(ctx context.Context) ([]QueueRecord, error)
}

// MessageLister enumerates persisted messages of a queue in sequence order.
type MessageLister interface {
	ListMessages(ctx context.Context, queue string) ([]MessageRecord, error)
}

// Describer reports a human readable description of a backend for logs.
type Describer interface {
	Describe() string
}

// Describe returns the backend description or its Go type.
func Describe(b Backend) string {
	if d, ok := b.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", b)
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

type fatalError struct {
	err error
}

func (f fatalError) Error() string { return f.err.Error() }
func (f fatalError) Unwrap() error { return f.err }

// NewFatalError marks err as non-recoverable: the backend cannot continue the
// current batch.
func NewFatalError(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err stops the current batch. Context cancellation
// and a closed backend are always fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fe fatalError
	if errors.As(err, &fe) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed)
}

// EscapeName encodes a queue name into a single path segment usable as an
// object key, file name or redis key component.
func EscapeName(name string) string {
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			if c == '.' && i == 0 {
				fmt.Fprintf(&b, "%%%02X", c)
				continue
			}
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

// UnescapeName reverses EscapeName.
func UnescapeName(segment string) (string, error) {
	var b strings.Builder
	for i := 0; i < len(segment); i++ {
		c := segment[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(segment) {
			return "", fmt.Errorf("storage: invalid escape in %q", segment)
		}
		v, err := strconv.ParseUint(segment[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("storage: invalid escape in %q: %w", segment, err)
		}
		b.WriteByte(byte(v))
		i += 2
	}
	return b.String(), nil
}

// SeqKey renders a message sequence as a fixed-width, lexically ordered key.
func SeqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}
