package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/asyncstore/internal/asyncop"
	"pkt.systems/asyncstore/internal/barrier"
	"pkt.systems/asyncstore/internal/storage"
	"pkt.systems/asyncstore/internal/svcfields"
)

// PersistableQueue is a durable queue. Every storage mutation is issued as an
// asynchronous operation; the matching completion handler runs on the
// broker's completion goroutine and finalises in-memory state.
//
// Each issued operation holds one acquisition of the queue's usage barrier
// until its completion has been applied, so AsyncDestroy cannot submit the
// destroy operation while any other operation is outstanding.
type PersistableQueue struct {
	name   string
	args   Args
	handle asyncop.Handle
	broker *Broker
	logger pslog.Logger

	barrier barrier.UsageBarrier

	mu             sync.Mutex
	persistenceID  uint64
	storeHandle    storage.QueueHandle
	createIssued   bool
	created        bool
	createErr      error
	destroyPending bool
	destroyed      bool
	messages       messageList
	nextPosition   uint64
	dirty          int
	lastFlush      time.Time

	notify chan struct{}
	done   chan struct{}
}

var (
	_ Persistable = (*PersistableQueue)(nil)
	_ DataSource  = (*PersistableQueue)(nil)
)

func newPersistableQueue(b *Broker, name string, args Args) *PersistableQueue {
	return &PersistableQueue{
		name:         name,
		args:         args.clone(),
		broker:       b,
		logger:       svcfields.WithQueue(b.queueLogger, name),
		nextPosition: 1,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *PersistableQueue) Name() string { return q.name }

// Args returns a copy of the declare-time arguments.
func (q *PersistableQueue) Args() Args { return q.args.clone() }

// Handle returns the registry handle operations carry.
func (q *PersistableQueue) Handle() asyncop.Handle { return q.handle }

// Notify fires after a message becomes available for dispatch.
func (q *PersistableQueue) Notify() <-chan struct{} { return q.notify }

// Done is closed once the destroy operation has completed.
func (q *PersistableQueue) Done() <-chan struct{} { return q.done }

// Created reports whether the create operation completed successfully.
func (q *PersistableQueue) Created() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.created
}

// CreateErr returns the failure of the last create operation, if any.
func (q *PersistableQueue) CreateErr() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.createErr
}

// Destroyed reports whether destroy has completed.
func (q *PersistableQueue) Destroyed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyed
}

// DestroyPending reports whether destroy has begun but not completed.
func (q *PersistableQueue) DestroyPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.destroyPending
}

// StoreHandle returns the backend reference assigned on create.
func (q *PersistableQueue) StoreHandle() storage.QueueHandle {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.storeHandle
}

// Depth reports the number of messages in the visible sequence.
func (q *PersistableQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.messages.len()
}

// Bytes reports the total payload size of queued messages.
func (q *PersistableQueue) Bytes() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.messages.bytes
}

// Dirty reports mutations issued since the last successful flush.
func (q *PersistableQueue) Dirty() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dirty
}

// LastFlush returns the completion time of the last successful flush, zero
// when the queue has never been flushed.
func (q *PersistableQueue) LastFlush() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastFlush
}

// Messages returns the visible sequence in delivery order.
func (q *PersistableQueue) Messages() []QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueuedMessage, len(q.messages.entries))
	for i, e := range q.messages.entries {
		out[i] = e.qm
	}
	return out
}

// Encode appends the queue definition to dst.
func (q *PersistableQueue) Encode(dst []byte) []byte {
	return appendQueueDefinition(dst, q.name, q.args)
}

// EncodedSize returns the length Encode appends.
func (q *PersistableQueue) EncodedSize() int {
	return queueDefinitionSize(q.name, q.args)
}

// PersistenceID returns the backend-assigned identity, 0 before create.
func (q *PersistableQueue) PersistenceID() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.persistenceID
}

// SetPersistenceID records the backend identity. It is write-once: later
// calls with a different value are ignored.
func (q *PersistableQueue) SetPersistenceID(id uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setPersistenceIDLocked(id)
}

func (q *PersistableQueue) setPersistenceIDLocked(id uint64) {
	if q.persistenceID != 0 && q.persistenceID != id {
		q.logger.Warn("queue.persistence_id.reassign_ignored", "current", q.persistenceID, "requested", id)
		return
	}
	q.persistenceID = id
}

func (q *PersistableQueue) snapshot() []byte {
	q.mu.Lock()
	id := q.persistenceID
	recs := make([]storage.MessageRecord, len(q.messages.entries))
	for i, e := range q.messages.entries {
		recs[i] = e.qm.operand().Record(nil)
	}
	q.mu.Unlock()
	return appendSnapshot(nil, q.Encode(nil), id, recs)
}

// Size returns the length of the queue snapshot Write produces.
func (q *PersistableQueue) Size() uint64 {
	return uint64(len(q.snapshot()))
}

// Write serialises the queue definition and its messages into target.
func (q *PersistableQueue) Write(target []byte) int {
	buf := q.snapshot()
	if len(buf) > len(target) {
		return 0
	}
	return copy(target, buf)
}

// AsyncCreate issues the create operation. It may be called once per queue
// instance unless the create fails.
func (q *PersistableQueue) AsyncCreate() error {
	use := q.barrier.Use()
	defer use.Release()
	if !use.Acquired() {
		return q.destroyedError("create")
	}
	if err := q.destroyCheck("create"); err != nil {
		return err
	}
	q.mu.Lock()
	if q.createIssued {
		q.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrAlreadyCreated, q.name)
	}
	q.createIssued = true
	q.createErr = nil
	q.mu.Unlock()

	op := q.newOp(asyncop.KindCreate)
	op.Record = q.Encode(make([]byte, 0, q.EncodedSize()))
	if err := q.submit(op, &use, nil); err != nil {
		q.mu.Lock()
		q.createIssued = false
		q.mu.Unlock()
		return err
	}
	return nil
}

// AsyncDestroy marks the queue as destroying, waits for every outstanding
// operation to complete and then issues the destroy operation. With
// deleteQueue the persisted queue and messages are removed, otherwise only
// the backend handle is closed. It blocks and must not be called from the
// completion goroutine.
func (q *PersistableQueue) AsyncDestroy(deleteQueue bool) error {
	q.mu.Lock()
	if q.destroyed || q.destroyPending {
		q.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrDoubleDestroy, q.name)
	}
	q.destroyPending = true
	q.mu.Unlock()

	q.logger.Debug("queue.destroy.begin", "delete", deleteQueue, "inflight", q.barrier.Count())
	q.barrier.Destroy()

	q.mu.Lock()
	issued := q.createIssued
	q.mu.Unlock()
	op := q.newOp(asyncop.KindDestroy)
	op.DeleteQueue = deleteQueue
	if !issued {
		q.destroyComplete(asyncop.Result{Op: op, CompletedAt: q.broker.clock.Now()})
		return nil
	}
	if err := q.broker.submit(op); err != nil {
		q.destroyComplete(asyncop.Result{Op: op, Err: err, CompletedAt: q.broker.clock.Now()})
		return err
	}
	return nil
}

// Enqueue inserts qm into the visible sequence and issues its enqueue
// operation. The insert is rolled back if the operation fails.
func (q *PersistableQueue) Enqueue(txn *TxnContext, qm QueuedMessage) error {
	if qm.Position == 0 {
		return fmt.Errorf("broker: enqueue on %q: position required", q.name)
	}
	_, err := q.enqueue(txn, qm)
	return err
}

// EnqueueMessage assigns the next position to msg and enqueues it.
func (q *PersistableQueue) EnqueueMessage(txn *TxnContext, msg *Message) (QueuedMessage, error) {
	return q.enqueue(txn, QueuedMessage{Msg: msg})
}

func (q *PersistableQueue) enqueue(txn *TxnContext, qm QueuedMessage) (QueuedMessage, error) {
	use := q.barrier.Use()
	defer use.Release()
	if !use.Acquired() {
		return QueuedMessage{}, q.destroyedError("enqueue")
	}
	if err := q.destroyCheck("enqueue"); err != nil {
		return QueuedMessage{}, err
	}
	// The entry becomes visible together with its submitted operation, so a
	// dequeue for it is always behind the enqueue in the operation queue and
	// positions reach the backend in assignment order.
	q.mu.Lock()
	if !q.createIssued {
		q.mu.Unlock()
		return QueuedMessage{}, fmt.Errorf("%w: %q", ErrNotCreated, q.name)
	}
	if qm.Position == 0 {
		qm.Position = q.nextPosition
	}
	if !q.messages.insert(&entry{qm: qm, enqueuePending: true}) {
		q.mu.Unlock()
		return QueuedMessage{}, fmt.Errorf("%w: %q position %d", ErrPositionInUse, q.name, qm.Position)
	}
	op := q.newOpLocked(asyncop.KindEnqueue)
	op.Message = qm.operand()
	if err := q.submit(op, &use, txn); err != nil {
		q.messages.remove(qm.Position)
		q.mu.Unlock()
		return QueuedMessage{}, err
	}
	if qm.Position >= q.nextPosition {
		q.nextPosition = qm.Position + 1
	}
	q.dirty++
	q.mu.Unlock()
	q.signal()
	return qm, nil
}

// Dequeue issues the dequeue operation for a queued message. The message
// stays in the visible sequence until the operation completes.
func (q *PersistableQueue) Dequeue(txn *TxnContext, qm QueuedMessage) error {
	_, err := q.dequeue(txn, func() *entry {
		e, _ := q.messages.find(qm.Position)
		if e == nil || e.dequeuePending {
			return nil
		}
		return e
	})
	if errors.Is(err, errNothingToDequeue) {
		return fmt.Errorf("%w: %q position %d", ErrMessageNotFound, q.name, qm.Position)
	}
	return err
}

// Dispatch dequeues the oldest message that is not already being dequeued.
// It reports false when nothing is available. The outcome of the dequeue
// operation is reported to txn when it is non-nil.
func (q *PersistableQueue) Dispatch(txn *TxnContext) (QueuedMessage, bool, error) {
	qm, err := q.dequeue(txn, q.messages.firstAvailable)
	if errors.Is(err, errNothingToDequeue) {
		return QueuedMessage{}, false, nil
	}
	if err != nil {
		return QueuedMessage{}, false, err
	}
	return qm, true, nil
}

// Deliver places msg at the tail of the visible sequence, persists it through
// the store path and notifies consumers.
func (q *PersistableQueue) Deliver(msg *Message) (QueuedMessage, error) {
	return q.EnqueueMessage(nil, msg)
}

var errNothingToDequeue = errors.New("broker: nothing to dequeue")

func (q *PersistableQueue) dequeue(txn *TxnContext, pick func() *entry) (QueuedMessage, error) {
	use := q.barrier.Use()
	defer use.Release()
	if !use.Acquired() {
		return QueuedMessage{}, q.destroyedError("dequeue")
	}
	if err := q.destroyCheck("dequeue"); err != nil {
		return QueuedMessage{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	e := pick()
	if e == nil {
		return QueuedMessage{}, errNothingToDequeue
	}
	op := q.newOpLocked(asyncop.KindDequeue)
	op.Message = e.qm.operand()
	if err := q.submit(op, &use, txn); err != nil {
		return QueuedMessage{}, err
	}
	e.dequeuePending = true
	q.dirty++
	return e.qm, nil
}

// Flush issues a flush operation for the queue.
func (q *PersistableQueue) Flush() error {
	use := q.barrier.Use()
	defer use.Release()
	if !use.Acquired() {
		return q.destroyedError("flush")
	}
	if err := q.destroyCheck("flush"); err != nil {
		return err
	}
	q.mu.Lock()
	issued := q.createIssued
	q.mu.Unlock()
	if !issued {
		return fmt.Errorf("%w: %q", ErrNotCreated, q.name)
	}
	return q.submit(q.newOp(asyncop.KindFlush), &use, nil)
}

func (q *PersistableQueue) destroyCheck(op string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.destroyed || q.destroyPending {
		return q.destroyedError(op)
	}
	return nil
}

func (q *PersistableQueue) destroyedError(op string) error {
	return &QueueDestroyedError{Queue: q.name, Op: op}
}

func (q *PersistableQueue) newOp(kind asyncop.Kind) *asyncop.Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.newOpLocked(kind)
}

func (q *PersistableQueue) newOpLocked(kind asyncop.Kind) *asyncop.Operation {
	h := q.storeHandle
	if !h.Valid() {
		h = storage.QueueHandle{ID: h.ID, Name: q.name, Key: h.Key}
	}
	return &asyncop.Operation{
		Kind:        kind,
		Queue:       q.handle,
		QueueName:   q.name,
		StoreHandle: h,
	}
}

// submit transfers the caller's barrier acquisition to op. It never blocks
// and may be called with q.mu held.
func (q *PersistableQueue) submit(op *asyncop.Operation, use *barrier.ScopedUse, txn *TxnContext) error {
	use.Detach()
	if txn != nil {
		op.Txn = txn
		txn.begin()
	}
	if err := q.broker.submit(op); err != nil {
		if txn != nil {
			txn.abandon()
		}
		q.barrier.Release()
		return err
	}
	return nil
}

func (q *PersistableQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// finish reports op's outcome and releases its barrier acquisition.
func (q *PersistableQueue) finish(op *asyncop.Operation, err error) {
	if op.Txn != nil {
		op.Txn.OpComplete(err)
	}
	q.barrier.Release()
}

func (q *PersistableQueue) complete(res asyncop.Result) {
	switch res.Op.Kind {
	case asyncop.KindCreate:
		q.createComplete(res)
	case asyncop.KindFlush:
		q.flushComplete(res)
	case asyncop.KindDestroy:
		q.destroyComplete(res)
	case asyncop.KindEnqueue:
		q.enqueueComplete(res)
	case asyncop.KindDequeue:
		q.dequeueComplete(res)
	default:
		q.logger.Error("queue.completion.unknown", "op", res.Op.String())
		q.finish(res.Op, res.Err)
	}
}

func (q *PersistableQueue) createComplete(res asyncop.Result) {
	q.mu.Lock()
	if res.Err != nil {
		q.createIssued = false
		q.createErr = res.Err
		q.mu.Unlock()
		q.logger.Warn("queue.create.failed", "error", res.Err)
		q.finish(res.Op, res.Err)
		return
	}
	q.storeHandle = res.Handle
	q.setPersistenceIDLocked(res.Handle.ID)
	q.created = true
	id := q.persistenceID
	q.mu.Unlock()
	q.logger.Debug("queue.create.complete", "persistence_id", id)
	q.finish(res.Op, nil)
}

func (q *PersistableQueue) flushComplete(res asyncop.Result) {
	if res.Err != nil {
		q.logger.Warn("queue.flush.failed", "error", res.Err)
	} else {
		q.mu.Lock()
		q.dirty = 0
		q.lastFlush = res.CompletedAt
		q.mu.Unlock()
	}
	q.finish(res.Op, res.Err)
}

func (q *PersistableQueue) destroyComplete(res asyncop.Result) {
	q.mu.Lock()
	q.destroyed = true
	q.destroyPending = false
	q.storeHandle = storage.QueueHandle{}
	dropped := q.messages.len()
	q.messages = messageList{}
	q.mu.Unlock()
	if res.Err != nil {
		q.logger.Error("queue.destroy.failed", "error", res.Err)
	} else {
		q.logger.Debug("queue.destroy.complete", "delete", res.Op.DeleteQueue, "dropped", dropped)
	}
	q.broker.queueDestroyed(q, res.Err)
	close(q.done)
}

func (q *PersistableQueue) enqueueComplete(res asyncop.Result) {
	pos := res.Op.Message.Position
	q.mu.Lock()
	e, _ := q.messages.find(pos)
	var parked *asyncop.Result
	if e != nil {
		e.enqueuePending = false
		parked, e.parked = e.parked, nil
		if res.Err != nil {
			q.messages.remove(pos)
		}
	}
	q.mu.Unlock()
	if res.Err != nil {
		q.logger.Warn("queue.enqueue.failed", "position", pos, "error", res.Err)
	}
	q.finish(res.Op, res.Err)
	if parked == nil {
		return
	}
	if res.Err != nil {
		q.finish(parked.Op, res.Err)
		return
	}
	q.applyDequeue(*parked)
}

func (q *PersistableQueue) dequeueComplete(res asyncop.Result) {
	pos := res.Op.Message.Position
	q.mu.Lock()
	if e, _ := q.messages.find(pos); e != nil && e.enqueuePending {
		r := res
		e.parked = &r
		q.mu.Unlock()
		q.logger.Trace("queue.dequeue.parked", "position", pos)
		return
	}
	q.mu.Unlock()
	q.applyDequeue(res)
}

func (q *PersistableQueue) applyDequeue(res asyncop.Result) {
	pos := res.Op.Message.Position
	q.mu.Lock()
	if res.Err != nil {
		if e, _ := q.messages.find(pos); e != nil {
			e.dequeuePending = false
		}
	} else {
		q.messages.remove(pos)
	}
	q.mu.Unlock()
	if res.Err != nil {
		q.logger.Warn("queue.dequeue.failed", "position", pos, "error", res.Err)
		q.signal()
	}
	q.finish(res.Op, res.Err)
}

// restore rebuilds state for a queue recovered from the backend.
func (q *PersistableQueue) restore(rec storage.QueueRecord, msgs []storage.MessageRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.persistenceID = rec.PersistenceID
	q.storeHandle = storage.QueueHandle{ID: rec.PersistenceID, Name: rec.Name}
	q.createIssued = true
	q.created = true
	for _, m := range msgs {
		qm := QueuedMessage{
			Msg:      &Message{ID: m.ID, Payload: m.Payload, Durable: m.Durable},
			Position: m.Seq,
		}
		if !q.messages.insert(&entry{qm: qm}) {
			q.logger.Warn("queue.recover.duplicate_position", "position", m.Seq)
			continue
		}
		if m.Seq >= q.nextPosition {
			q.nextPosition = m.Seq + 1
		}
	}
}
