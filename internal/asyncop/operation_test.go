package asyncop

import (
	"errors"
	"strings"
	"testing"

	"pkt.systems/asyncstore/internal/storage"
)

type stubTxn string

func (s stubTxn) ID() string       { return string(s) }
func (s stubTxn) OpComplete(error) {}

func TestHandlePacking(t *testing.T) {
	h := NewHandle(17, 3)
	if h.Index() != 17 || h.Generation() != 3 {
		t.Fatalf("unexpected unpack: index=%d gen=%d", h.Index(), h.Generation())
	}
	if NewHandle(17, 4) == h {
		t.Fatal("handles of different generations must differ")
	}
}

func TestOperationErrorMatching(t *testing.T) {
	cause := storage.ErrNotFound
	op := &Operation{Kind: KindDequeue, QueueName: "q1", Message: Message{Position: 4}}
	err := error(Fail(op, ErrBackendOperationFailed, cause))
	if !errors.Is(err, ErrBackendOperationFailed) {
		t.Fatal("expected sentinel match")
	}
	if errors.Is(err, ErrPartialBatchFailure) {
		t.Fatal("unexpected partial batch match")
	}
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatal("expected cause to unwrap")
	}
	var opErr *OperationError
	if !errors.As(err, &opErr) || opErr.Op != KindDequeue || opErr.Queue != "q1" {
		t.Fatalf("unexpected operation error %+v", opErr)
	}
	if !strings.Contains(err.Error(), "dequeue q1") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestMessageRecordCarriesTxn(t *testing.T) {
	msg := Message{Position: 9, ID: "m9", Payload: []byte("x"), Durable: true}
	rec := msg.Record(stubTxn("tx-1"))
	if rec.Seq != 9 || rec.ID != "m9" || rec.TxnID != "tx-1" || !rec.Durable {
		t.Fatalf("unexpected record %+v", rec)
	}
	if msg.Record(nil).TxnID != "" {
		t.Fatal("expected empty txn id without txn")
	}
}

func TestOperationString(t *testing.T) {
	cases := map[string]*Operation{
		"enqueue(q#3)":           {Kind: KindEnqueue, QueueName: "q", Message: Message{Position: 3}},
		"destroy(q,delete=true)": {Kind: KindDestroy, QueueName: "q", DeleteQueue: true},
		"create(q)":              {Kind: KindCreate, QueueName: "q"},
		"<nil>":                  nil,
	}
	for want, op := range cases {
		if got := op.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}
