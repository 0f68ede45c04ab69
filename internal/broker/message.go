package broker

import (
	"slices"

	"pkt.systems/asyncstore/internal/asyncop"
	"pkt.systems/asyncstore/internal/uuidv7"
)

// Message is a broker message. Its content is immutable once queued.
type Message struct {
	ID      string
	Payload []byte
	// Durable messages are persisted; transient ones only pass through the
	// store path so ordering with durable neighbours is kept.
	Durable bool
}

// NewMessage builds a message with a time-ordered ID.
func NewMessage(payload []byte, durable bool) *Message {
	return &Message{ID: uuidv7.NewString(), Payload: payload, Durable: durable}
}

// QueuedMessage is a message at a position within one queue.
type QueuedMessage struct {
	Msg      *Message
	Position uint64
}

func (qm QueuedMessage) operand() asyncop.Message {
	m := asyncop.Message{Position: qm.Position}
	if qm.Msg != nil {
		m.ID = qm.Msg.ID
		m.Payload = qm.Msg.Payload
		m.Durable = qm.Msg.Durable
	}
	return m
}

type entry struct {
	qm             QueuedMessage
	enqueuePending bool
	dequeuePending bool
	// parked holds a dequeue result that arrived before the enqueue result.
	parked *asyncop.Result
}

// messageList is the ordered in-memory message sequence, sorted by position.
type messageList struct {
	entries []*entry
	bytes   uint64
}

func comparePosition(e *entry, pos uint64) int {
	switch {
	case e.qm.Position < pos:
		return -1
	case e.qm.Position > pos:
		return 1
	default:
		return 0
	}
}

func (l *messageList) find(pos uint64) (*entry, int) {
	i, ok := slices.BinarySearchFunc(l.entries, pos, comparePosition)
	if !ok {
		return nil, i
	}
	return l.entries[i], i
}

func (l *messageList) insert(e *entry) bool {
	existing, i := l.find(e.qm.Position)
	if existing != nil {
		return false
	}
	l.entries = slices.Insert(l.entries, i, e)
	l.bytes += payloadSize(e.qm)
	return true
}

func (l *messageList) remove(pos uint64) *entry {
	e, i := l.find(pos)
	if e == nil {
		return nil
	}
	l.entries = slices.Delete(l.entries, i, i+1)
	l.bytes -= payloadSize(e.qm)
	return e
}

// firstAvailable returns the oldest entry not already being dequeued.
func (l *messageList) firstAvailable() *entry {
	for _, e := range l.entries {
		if !e.dequeuePending {
			return e
		}
	}
	return nil
}

func (l *messageList) len() int {
	return len(l.entries)
}

func payloadSize(qm QueuedMessage) uint64 {
	if qm.Msg == nil {
		return 0
	}
	return uint64(len(qm.Msg.Payload))
}
