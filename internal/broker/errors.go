package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrBarrierClosed reports an operation on a destroying or destroyed
	// queue. Callers must treat the queue as gone.
	ErrBarrierClosed = errors.New("broker: queue barrier closed")
	// ErrDoubleDestroy reports a destroy request for a queue that is already
	// being destroyed or is destroyed.
	ErrDoubleDestroy = errors.New("broker: queue already destroyed")
	// ErrAlreadyCreated reports a second create on the same queue instance.
	ErrAlreadyCreated = errors.New("broker: queue already created")
	// ErrNotCreated reports a storage operation on a queue whose create was
	// never issued (or failed).
	ErrNotCreated = errors.New("broker: queue not created")
	// ErrMessageNotFound reports a dequeue of a message that is not queued or
	// is already being dequeued.
	ErrMessageNotFound = errors.New("broker: message not found")
	// ErrPositionInUse reports an enqueue at an occupied position.
	ErrPositionInUse = errors.New("broker: position already queued")
	// ErrStaleHandle reports a registry handle whose queue is gone.
	ErrStaleHandle = errors.New("broker: stale queue handle")
	// ErrQueueExists reports a declare for a name that is registered.
	ErrQueueExists = errors.New("broker: queue exists")
	// ErrClosed reports use of a closed broker.
	ErrClosed = errors.New("broker: closed")
)

// QueueDestroyedError is returned by operations attempted on a queue that is
// destroying or destroyed.
type QueueDestroyedError struct {
	Queue string
	Op    string
}

func (e *QueueDestroyedError) Error() string {
	return fmt.Sprintf("broker: %s on queue %q: queue destroyed", e.Op, e.Queue)
}

// Is matches ErrBarrierClosed.
func (e *QueueDestroyedError) Is(target error) bool {
	return target == ErrBarrierClosed
}
