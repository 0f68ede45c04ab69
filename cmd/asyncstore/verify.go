package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/asyncstore"
	"pkt.systems/asyncstore/internal/broker"
	"pkt.systems/asyncstore/internal/storage"
	"pkt.systems/asyncstore/internal/uuidv7"
)

type verifyCheck struct {
	Name string
	Err  error
}

type verifyResult struct {
	Store   string
	Backend string
	Queue   string
	Checks  []verifyCheck
}

func (r verifyResult) Passed() bool {
	for _, c := range r.Checks {
		if c.Err != nil {
			return false
		}
	}
	return len(r.Checks) > 0
}

func (r verifyResult) print(out io.Writer) {
	fmt.Fprintf(out, "Store: %s\n", r.Store)
	if r.Backend != "" {
		fmt.Fprintf(out, "Backend: %s\n", r.Backend)
	}
	fmt.Fprintf(out, "Queue: %s\n\n", r.Queue)
	for _, check := range r.Checks {
		if check.Err == nil {
			fmt.Fprintf(out, "✔ %s\n", check.Name)
		} else {
			fmt.Fprintf(out, "✘ %s: %v\n", check.Name, check.Err)
		}
	}
}

func newVerifyCommand(logger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run diagnostic checks",
	}
	cmd.AddCommand(newVerifyStoreCommand(logger))
	return cmd
}

func newVerifyStoreCommand(logger pslog.Logger) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:          "store",
		Short:        "Round-trip a scratch queue through the configured store",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# Verify disk backend
ASYNCSTORE_STORE=disk:///var/lib/asyncstore asyncstore verify store

# Verify S3-compatible service (MinIO)
ASYNCSTORE_STORE=s3://localhost:9000/asyncstore?insecure=1 ASYNCSTORE_S3_ACCESS_KEY_ID=minio ASYNCSTORE_S3_SECRET_ACCESS_KEY=minio123 asyncstore verify store

# Verify PostgreSQL
asyncstore verify store --store postgres://asyncstore@localhost/asyncstore
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := prepare(logger)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			res, err := verifyStore(ctx, cfg, levelLogger(logger))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			res.print(out)
			if res.Passed() {
				fmt.Fprintln(out, "Storage verification succeeded.")
				return nil
			}
			return fmt.Errorf("storage verification failed")
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall verification deadline")
	return cmd
}

// verifyStore creates a uniquely named queue and walks it through create,
// enqueue, list, dequeue, flush and destroy. Checks after the first failure
// are skipped.
func verifyStore(ctx context.Context, cfg asyncstore.Config, logger pslog.Logger) (verifyResult, error) {
	cfg.DisableRecovery = true
	cfg.FlushInterval = -1
	cfg.MetricsListen = ""
	cfg.PprofListen = ""
	cfg.EnableProfilingMetrics = false
	srv, err := asyncstore.NewServer(cfg, asyncstore.WithLogger(logger))
	if err != nil {
		return verifyResult{}, err
	}
	defer srv.Close()

	b := srv.Broker()
	res := verifyResult{
		Store:   cfg.Store,
		Backend: storage.Describe(b.Backend()),
		Queue:   "asyncstore-verify-" + xid.New().String(),
	}
	var q *broker.PersistableQueue
	var queued broker.QueuedMessage
	payload := []byte("asyncstore verify " + res.Queue)

	steps := []struct {
		name string
		run  func() error
	}{
		{"create queue", func() error {
			var err error
			q, err = b.DeclareQueue(res.Queue, broker.Args{"purpose": "verify"})
			if err != nil {
				return err
			}
			if err := q.AsyncCreate(); err != nil {
				return err
			}
			if err := b.WaitIdle(ctx); err != nil {
				return err
			}
			if err := q.CreateErr(); err != nil {
				return err
			}
			if q.PersistenceID() == 0 {
				return errors.New("no persistence id assigned")
			}
			return nil
		}},
		{"enqueue durable message", func() error {
			txn := broker.NewTxn()
			var err error
			queued, err = q.EnqueueMessage(txn, broker.NewMessage(payload, true))
			if err != nil {
				return err
			}
			if _, err := uuidv7.Parse(queued.Msg.ID); err != nil {
				return fmt.Errorf("message id: %w", err)
			}
			return txn.Wait(ctx)
		}},
		{"list stored message", func() error {
			lister, ok := b.Backend().(storage.MessageLister)
			if !ok {
				return nil
			}
			msgs, err := lister.ListMessages(ctx, res.Queue)
			if errors.Is(err, storage.ErrNotImplemented) {
				return nil
			}
			if err != nil {
				return err
			}
			if len(msgs) != 1 || msgs[0].Seq != queued.Position || string(msgs[0].Payload) != string(payload) {
				return fmt.Errorf("unexpected stored messages: %d", len(msgs))
			}
			return nil
		}},
		{"snapshot round trip", func() error {
			buf := make([]byte, q.Size())
			n := q.Write(buf)
			snap, err := broker.DecodeSnapshot(buf[:n])
			if err != nil {
				return err
			}
			if snap.Name != res.Queue || snap.PersistenceID != q.PersistenceID() || len(snap.Messages) != 1 {
				return fmt.Errorf("snapshot mismatch: %+v", snap)
			}
			return nil
		}},
		{"dequeue message", func() error {
			txn := broker.NewTxn()
			if err := q.Dequeue(txn, queued); err != nil {
				return err
			}
			if err := txn.Wait(ctx); err != nil {
				return err
			}
			if q.Depth() != 0 {
				return fmt.Errorf("depth %d after dequeue", q.Depth())
			}
			return nil
		}},
		{"flush queue", func() error {
			if err := q.Flush(); err != nil {
				return err
			}
			if err := b.WaitIdle(ctx); err != nil {
				return err
			}
			if q.LastFlush().IsZero() {
				return errors.New("flush did not complete")
			}
			return nil
		}},
		{"destroy queue", func() error {
			if err := q.AsyncDestroy(true); err != nil {
				return err
			}
			select {
			case <-q.Done():
			case <-ctx.Done():
				return ctx.Err()
			}
			if _, ok := b.Queue(res.Queue); ok {
				return errors.New("queue still registered")
			}
			return nil
		}},
	}
	for _, step := range steps {
		err := step.run()
		res.Checks = append(res.Checks, verifyCheck{Name: step.name, Err: err})
		if err != nil {
			break
		}
	}
	return res, nil
}
