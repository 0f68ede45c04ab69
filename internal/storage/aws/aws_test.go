package aws

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"pkt.systems/asyncstore/internal/storage"
)

func setupFakeS3(t *testing.T) Config {
	t.Helper()
	backend := s3mem.New()
	server := httptest.NewServer(gofakes3.New(backend).Server())
	t.Cleanup(server.Close)
	bucket := "asyncstore-aws"
	if err := backend.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	return Config{
		Endpoint:        server.URL,
		Region:          "us-east-1",
		Bucket:          bucket,
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}
}

func TestAWSQueueLifecycle(t *testing.T) {
	cfg := setupFakeS3(t)
	ctx := context.Background()
	store, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	handle, err := store.CreateQueue(ctx, storage.QueueRecord{Name: "audit log"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.CreateQueue(ctx, storage.QueueRecord{Name: "audit log"}); !errors.Is(err, storage.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if err := store.Enqueue(ctx, "audit log", storage.MessageRecord{Seq: 7, ID: "x", Payload: []byte("hello")}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msgs, err := store.ListMessages(ctx, "audit log")
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 1 || string(msgs[0].Payload) != "hello" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	if err := store.DestroyQueue(ctx, handle, true); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := store.FlushQueue(ctx, handle); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after destroy, got %v", err)
	}
}

func TestAWSConfigValidation(t *testing.T) {
	if _, err := New(context.Background(), Config{Region: "us-east-1"}); err == nil {
		t.Fatalf("expected missing bucket error")
	}
	if _, err := New(context.Background(), Config{Bucket: "b"}); err == nil {
		t.Fatalf("expected missing region error")
	}
}
