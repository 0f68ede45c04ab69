// Package asyncop models the deferred storage operations a durable queue
// hands to the operation queue, and the results that flow back.
package asyncop

import (
	"errors"
	"fmt"
	"time"

	"pkt.systems/asyncstore/internal/storage"
)

// Kind identifies the operation variant.
type Kind uint8

const (
	// KindCreate persists a new queue.
	KindCreate Kind = iota + 1
	// KindDestroy closes (and optionally deletes) a queue.
	KindDestroy
	// KindFlush forces buffered queue state to the backend.
	KindFlush
	// KindEnqueue persists a message.
	KindEnqueue
	// KindDequeue removes a persisted message.
	KindDequeue
)

func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindDestroy:
		return "destroy"
	case KindFlush:
		return "flush"
	case KindEnqueue:
		return "enqueue"
	case KindDequeue:
		return "dequeue"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

var (
	// ErrBackendOperationFailed reports that the backend failed one operation.
	ErrBackendOperationFailed = errors.New("asyncop: backend operation failed")
	// ErrPartialBatchFailure reports an operation that was never attempted
	// because the backend stopped partway through its batch.
	ErrPartialBatchFailure = errors.New("asyncop: partial batch failure")
	// ErrQueueClosed reports a submission to, or an operation stranded in, a
	// closed operation queue.
	ErrQueueClosed = errors.New("asyncop: operation queue closed")
)

// Handle is a validity-checked reference to the queue that issued an
// operation. It packs an arena slot index with the slot generation; a handle
// whose generation no longer matches its slot is stale.
type Handle uint64

// NewHandle packs index and generation.
func NewHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

// Index returns the arena slot index.
func (h Handle) Index() uint32 { return uint32(h) }

// Generation returns the slot generation the handle was issued for.
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

// Txn is the transaction context an operation reports its outcome to.
type Txn interface {
	// ID identifies the transaction in logs and persisted records.
	ID() string
	// OpComplete is invoked exactly once per operation registered with the
	// transaction, after the operation's completion has been applied.
	OpComplete(err error)
}

// Message is the storage-facing view of a queued message.
type Message struct {
	Position uint64
	ID       string
	Payload  []byte
	Durable  bool
}

// Record converts the message into its persisted form.
func (m Message) Record(txn Txn) storage.MessageRecord {
	rec := storage.MessageRecord{
		Seq:     m.Position,
		ID:      m.ID,
		Payload: m.Payload,
		Durable: m.Durable,
	}
	if txn != nil {
		rec.TxnID = txn.ID()
	}
	return rec
}

// Operation is one unit of deferred storage work.
type Operation struct {
	Kind Kind
	// Queue is the completion context: the issuing queue's registry handle.
	Queue     Handle
	QueueName string
	// StoreHandle is the backend reference of the queue, zero for Create.
	StoreHandle storage.QueueHandle
	// Record carries the encoded queue for Create.
	Record []byte
	// DeleteQueue selects data removal for Destroy.
	DeleteQueue bool
	// Message is set for Enqueue and Dequeue.
	Message Message
	Txn     Txn

	Seq         uint64
	SubmittedAt time.Time
}

func (op *Operation) String() string {
	if op == nil {
		return "<nil>"
	}
	switch op.Kind {
	case KindEnqueue, KindDequeue:
		return fmt.Sprintf("%s(%s#%d)", op.Kind, op.QueueName, op.Message.Position)
	case KindDestroy:
		return fmt.Sprintf("%s(%s,delete=%t)", op.Kind, op.QueueName, op.DeleteQueue)
	default:
		return fmt.Sprintf("%s(%s)", op.Kind, op.QueueName)
	}
}

// Result is the outcome of an operation, posted to the result queue.
type Result struct {
	Op  *Operation
	Err error
	// Handle is assigned by the backend on a successful Create.
	Handle storage.QueueHandle
	// CompletedAt is stamped when the backend acknowledged the batch.
	CompletedAt time.Time
}

// OK reports whether the operation succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// OperationError describes a failed operation. It matches its Kind sentinel
// (ErrBackendOperationFailed, ErrPartialBatchFailure, ErrQueueClosed) via
// errors.Is and unwraps to the backend cause.
type OperationError struct {
	Op    Kind
	Queue string
	Kind  error
	Err   error
}

// Fail builds the OperationError for op.
func Fail(op *Operation, kind, cause error) *OperationError {
	e := &OperationError{Kind: kind, Err: cause}
	if op != nil {
		e.Op = op.Kind
		e.Queue = op.QueueName
	}
	return e
}

func (e *OperationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Queue, e.Kind)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Queue, e.Kind, e.Err)
}

// Is matches the failure sentinel.
func (e *OperationError) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func (e *OperationError) Unwrap() error {
	return e.Err
}
