package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), 2)
	pool.Start()
	defer pool.Stop()

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		if err := pool.Submit(func() { ran.Add(1) }); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	waitFor(t, time.Second, func() bool { return ran.Load() == 10 })
}

func TestPoolRejectsWhenSaturated(t *testing.T) {
	// Workers not started, so the queue (4 slots per worker) fills up.
	pool := NewWorkerPool(discardLogger(), 1)

	for i := 0; i < 4; i++ {
		if err := pool.Submit(func() {}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	if err := pool.Submit(func() {}); !errors.Is(err, ErrPoolSaturated) {
		t.Fatalf("submit to full queue = %v, want ErrPoolSaturated", err)
	}
	if pool.Depth() != 4 {
		t.Fatalf("Depth() = %d, want 4", pool.Depth())
	}
	pool.Stop()
}

func TestPoolSubmitAfterStop(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), 1)
	pool.Start()
	pool.Stop()

	if err := pool.Submit(func() {}); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("submit after stop = %v, want ErrPoolClosed", err)
	}
}

func TestPoolStopWaitsForAcceptedJobs(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), 1)
	pool.Start()

	var done atomic.Bool
	if err := pool.Submit(func() {
		time.Sleep(30 * time.Millisecond)
		done.Store(true)
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	pool.Stop()
	if !done.Load() {
		t.Fatal("Stop returned before the accepted job finished")
	}
}

func TestSubmitWaitCompletes(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), 1)
	pool.Start()
	defer pool.Stop()

	var ran atomic.Bool
	if err := pool.SubmitWait(context.Background(), func() { ran.Store(true) }); err != nil {
		t.Fatalf("SubmitWait: %v", err)
	}
	if !ran.Load() {
		t.Fatal("SubmitWait returned before the job ran")
	}
}

func TestSubmitWaitHonoursContext(t *testing.T) {
	pool := NewWorkerPool(discardLogger(), 1)
	pool.Start()

	release := make(chan struct{})
	if err := pool.Submit(func() { <-release }); err != nil {
		t.Fatalf("submit blocker: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.SubmitWait(ctx, func() {})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SubmitWait with stuck worker = %v, want DeadlineExceeded", err)
	}

	close(release)
	pool.Stop()
}
