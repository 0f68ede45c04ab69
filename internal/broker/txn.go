package broker

import (
	"context"
	"sync"

	"github.com/rs/xid"
)

// TxnContext tracks the asynchronous operations issued on behalf of one
// transaction and collects their outcome.
type TxnContext struct {
	id string

	mu          sync.Mutex
	outstanding int
	completed   int
	err         error
	changed     chan struct{}
}

// NewTxn returns a transaction context with a fresh ID.
func NewTxn() *TxnContext {
	return &TxnContext{id: xid.New().String(), changed: make(chan struct{})}
}

// ID returns the transaction ID.
func (t *TxnContext) ID() string {
	return t.id
}

func (t *TxnContext) begin() {
	t.mu.Lock()
	t.outstanding++
	t.mu.Unlock()
}

// abandon undoes begin for an operation that was never submitted.
func (t *TxnContext) abandon() {
	t.mu.Lock()
	t.outstanding--
	t.signalLocked()
	t.mu.Unlock()
}

// OpComplete records the outcome of one operation. The first failure is kept.
func (t *TxnContext) OpComplete(err error) {
	t.mu.Lock()
	t.outstanding--
	t.completed++
	if err != nil && t.err == nil {
		t.err = err
	}
	t.signalLocked()
	t.mu.Unlock()
}

func (t *TxnContext) signalLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

// Outstanding reports operations issued but not completed.
func (t *TxnContext) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outstanding
}

// Completed reports how many operations have completed.
func (t *TxnContext) Completed() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Err returns the first failure reported so far.
func (t *TxnContext) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Wait blocks until no operation is outstanding and returns the first
// failure, or ctx's error when it ends first.
func (t *TxnContext) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		if t.outstanding <= 0 {
			err := t.err
			t.mu.Unlock()
			return err
		}
		changed := t.changed
		t.mu.Unlock()
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
