package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/xid"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/asyncstore"
	"pkt.systems/asyncstore/internal/broker"
	"pkt.systems/asyncstore/internal/storage"
	"pkt.systems/asyncstore/internal/svcfields"
)

type perfOptions struct {
	Queues    int
	Producers int
	Consumers int
	Messages  int
	Size      uint64
	Durable   bool
	Keep      bool
}

type perfReport struct {
	Queues      int
	Messages    int64
	Bytes       uint64
	Elapsed     time.Duration
	RSS         uint64
	CPU         float64
	Durable     bool
	Backend     string
	Outstanding int
}

func (r perfReport) rate() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Messages) / r.Elapsed.Seconds()
}

func (r perfReport) print(out io.Writer) {
	fmt.Fprintf(out, "Backend:    %s\n", r.Backend)
	fmt.Fprintf(out, "Queues:     %d (durable:%t)\n", r.Queues, r.Durable)
	fmt.Fprintf(out, "Messages:   %s enqueued and dequeued\n", humanize.Comma(r.Messages))
	fmt.Fprintf(out, "Payload:    %s\n", humanize.Bytes(r.Bytes))
	fmt.Fprintf(out, "Elapsed:    %s\n", r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(out, "Throughput: %s msg/s (%s/s)\n", humanize.CommafWithDigits(r.rate(), 1), humanize.Bytes(uint64(float64(r.Bytes)/max(r.Elapsed.Seconds(), 1e-9))))
	if r.RSS > 0 {
		fmt.Fprintf(out, "RSS:        %s\n", humanize.IBytes(r.RSS))
	}
	fmt.Fprintf(out, "CPU:        %.1f%%\n", r.CPU)
}

func newPerfCommand(baseLogger pslog.Logger) *cobra.Command {
	var opts perfOptions
	var size string
	cmd := &cobra.Command{
		Use:          "perf",
		Short:        "Measure enqueue/dequeue throughput against the configured store",
		SilenceUsage: true,
		Example: strings.TrimSpace(`
# 8 queues, 2 producers and 2 consumers each, 1 KiB durable messages on disk
asyncstore perf --store disk:///tmp/asyncstore-perf --queues 8 --producers 2 --consumers 2 --size 1KiB

# transient messages only pass through the store path
asyncstore perf --store mem:// --durable=false --messages 100000
`),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := svcfields.WithSubsystem(baseLogger, "cli.perf")
			cfg, _, err := prepare(logger)
			if err != nil {
				return err
			}
			parsed, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("parse --size: %w", err)
			}
			opts.Size = parsed
			report, err := runPerf(cmd.Context(), cfg, opts, levelLogger(baseLogger))
			if err != nil {
				return err
			}
			report.print(cmd.OutOrStdout())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&opts.Queues, "queues", 4, "number of queues")
	flags.IntVar(&opts.Producers, "producers", 1, "producer goroutines per queue")
	flags.IntVar(&opts.Consumers, "consumers", 1, "consumer goroutines per queue")
	flags.IntVar(&opts.Messages, "messages", 10000, "messages per queue")
	flags.StringVar(&size, "size", "1KiB", "payload size per message")
	flags.BoolVar(&opts.Durable, "durable", true, "persist messages (false sends transient messages through the store path)")
	flags.BoolVar(&opts.Keep, "keep", false, "keep the perf queues in the store instead of destroying them")
	return cmd
}

func (o perfOptions) validate() error {
	switch {
	case o.Queues <= 0:
		return fmt.Errorf("perf: --queues must be > 0")
	case o.Producers <= 0 || o.Consumers <= 0:
		return fmt.Errorf("perf: --producers and --consumers must be > 0")
	case o.Messages <= 0:
		return fmt.Errorf("perf: --messages must be > 0")
	}
	return nil
}

func runPerf(ctx context.Context, cfg asyncstore.Config, opts perfOptions, logger pslog.Logger) (perfReport, error) {
	if err := opts.validate(); err != nil {
		return perfReport{}, err
	}
	cfg.DisableRecovery = true
	srv, err := asyncstore.NewServer(cfg, asyncstore.WithLogger(logger))
	if err != nil {
		return perfReport{}, err
	}
	defer srv.Close()
	b := srv.Broker()

	proc, procErr := process.NewProcessWithContext(ctx, int32(os.Getpid()))
	if procErr == nil {
		_, _ = proc.PercentWithContext(ctx, 0)
	}

	run := xid.New().String()
	queues := make([]*broker.PersistableQueue, opts.Queues)
	for i := range queues {
		q, err := b.DeclareQueue(fmt.Sprintf("perf-%s-%03d", run, i), broker.Args{"perf": run})
		if err != nil {
			return perfReport{}, err
		}
		if err := q.AsyncCreate(); err != nil {
			return perfReport{}, err
		}
		queues[i] = q
	}
	if err := b.WaitIdle(ctx); err != nil {
		return perfReport{}, err
	}
	for _, q := range queues {
		if err := q.CreateErr(); err != nil {
			return perfReport{}, fmt.Errorf("perf: create %s: %w", q.Name(), err)
		}
	}

	payload := make([]byte, opts.Size)
	for i := range payload {
		payload[i] = byte('a' + i%26)
	}
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
		consumed atomic.Int64
	)
	fail := func(err error) {
		errOnce.Do(func() { firstErr = err })
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	begin := time.Now()
	for _, q := range queues {
		perQueue := new(atomic.Int64)
		for p := 0; p < opts.Producers; p++ {
			count := opts.Messages / opts.Producers
			if p < opts.Messages%opts.Producers {
				count++
			}
			wg.Add(1)
			go func(q *broker.PersistableQueue, count int) {
				defer wg.Done()
				txn := broker.NewTxn()
				for i := 0; i < count; i++ {
					if _, err := q.EnqueueMessage(txn, broker.NewMessage(payload, opts.Durable)); err != nil {
						fail(err)
						cancel()
						return
					}
				}
				if err := txn.Wait(runCtx); err != nil {
					fail(err)
					cancel()
				}
			}(q, count)
		}
		for c := 0; c < opts.Consumers; c++ {
			wg.Add(1)
			go func(q *broker.PersistableQueue) {
				defer wg.Done()
				txn := broker.NewTxn()
				defer func() {
					if err := txn.Wait(runCtx); err != nil {
						fail(err)
						cancel()
					}
				}()
				for perQueue.Load() < int64(opts.Messages) {
					_, ok, err := q.Dispatch(txn)
					if err != nil {
						fail(err)
						cancel()
						return
					}
					if ok {
						perQueue.Add(1)
						consumed.Add(1)
						continue
					}
					select {
					case <-q.Notify():
					case <-time.After(5 * time.Millisecond):
					case <-runCtx.Done():
						return
					}
				}
			}(q)
		}
	}
	wg.Wait()
	if firstErr != nil {
		return perfReport{}, firstErr
	}
	if err := b.WaitIdle(ctx); err != nil {
		return perfReport{}, err
	}
	elapsed := time.Since(begin)

	report := perfReport{
		Queues:      opts.Queues,
		Messages:    consumed.Load(),
		Bytes:       uint64(consumed.Load()) * opts.Size,
		Elapsed:     elapsed,
		Durable:     opts.Durable,
		Backend:     storage.Describe(srv.Backend()),
		Outstanding: b.Outstanding(),
	}
	if procErr == nil {
		if mem, err := proc.MemoryInfoWithContext(ctx); err == nil {
			report.RSS = mem.RSS
		}
		if pct, err := proc.PercentWithContext(ctx, 0); err == nil {
			report.CPU = pct
		}
	}

	if !opts.Keep {
		for _, q := range queues {
			if err := q.AsyncDestroy(true); err != nil {
				logger.Warn("perf.destroy.failed", "queue", q.Name(), "error", err)
				continue
			}
			select {
			case <-q.Done():
			case <-ctx.Done():
				return report, ctx.Err()
			}
		}
	}
	return report, nil
}
