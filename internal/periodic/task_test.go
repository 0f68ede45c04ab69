package periodic

import (
	"context"
	"testing"
	"time"

	"pkt.systems/asyncstore/internal/clock"
)

func waitPending(t *testing.T, c *clock.Manual, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for c.Pending() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timer never scheduled")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestTaskRunsEachPeriod(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	calls := make(chan struct{}, 8)
	task := New("flush", time.Second, func(context.Context) { calls <- struct{}{} }, WithClock(c))
	task.Start()
	defer task.Stop()

	for i := 0; i < 3; i++ {
		waitPending(t, c, 1)
		c.Advance(time.Second)
		select {
		case <-calls:
		case <-time.After(5 * time.Second):
			t.Fatalf("run %d did not happen", i)
		}
	}
	task.Stop()
	if runs := task.Runs(); runs != 3 {
		t.Fatalf("runs = %d, want 3", runs)
	}
}

func TestTaskStopPreventsFurtherRuns(t *testing.T) {
	c := clock.NewManual(time.Unix(0, 0))
	calls := make(chan struct{}, 8)
	task := New("flush", time.Second, func(context.Context) { calls <- struct{}{} }, WithClock(c))
	task.Start()
	waitPending(t, c, 1)
	task.Stop()
	c.Advance(10 * time.Second)
	select {
	case <-calls:
		t.Fatalf("task ran after stop")
	case <-time.After(20 * time.Millisecond):
	}
	task.Stop()
}

func TestTaskDisabledWithoutPeriod(t *testing.T) {
	task := New("noop", 0, func(context.Context) { t.Fatalf("should not run") })
	task.Start()
	task.Stop()
	if task.Runs() != 0 {
		t.Fatalf("expected no runs")
	}
}
