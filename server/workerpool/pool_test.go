package workerpool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type countTask struct {
	runs *atomic.Int32
	wg   *sync.WaitGroup
}

func (c *countTask) Run() {
	c.runs.Add(1)
	if c.wg != nil {
		c.wg.Done()
	}
}

type blockingTask struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingTask) Run() {
	close(b.started)
	<-b.release
}

type panicTask struct{}

func (panicTask) Run() { panic("boom") }

func TestPoolRunsEveryTaskOnce(t *testing.T) {
	p := New(4, zerolog.Nop())
	defer p.Stop()

	var runs atomic.Int32
	var wg sync.WaitGroup
	const n = 200
	wg.Add(n)
	for i := 0; i < n; i++ {
		if err := p.Submit(&countTask{runs: &runs, wg: &wg}); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for tasks")
	}

	if got := runs.Load(); got != n {
		t.Errorf("Expected %d runs, got %d", n, got)
	}
}

func TestPoolRevokeQueuedTask(t *testing.T) {
	p := New(1, zerolog.Nop())
	defer p.Stop()

	blocker := &blockingTask{started: make(chan struct{}), release: make(chan struct{})}
	if err := p.Submit(blocker); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	<-blocker.started

	var runs atomic.Int32
	queued := &countTask{runs: &runs}
	p.Submit(queued)

	if !p.Revoke(queued) {
		t.Fatal("Expected queued task to be revoked")
	}
	if p.Revoke(queued) {
		t.Error("Second revoke of the same task should report false")
	}
	if p.Revoke(blocker) {
		t.Error("Running task must not be revocable")
	}

	close(blocker.release)

	// Give the worker a chance to pick up anything left in the queue.
	time.Sleep(50 * time.Millisecond)
	if runs.Load() != 0 {
		t.Error("Revoked task ran")
	}

	stats := p.Stats()
	if stats.Revoked != 1 {
		t.Errorf("Expected 1 revoked task, got %d", stats.Revoked)
	}
}

func TestPoolSubmitAfterStop(t *testing.T) {
	p := New(2, zerolog.Nop())
	p.Stop()

	var runs atomic.Int32
	if err := p.Submit(&countTask{runs: &runs}); err != ErrStopped {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
	if p.Stop() != 0 {
		t.Error("Second Stop should be a no-op")
	}
}

func TestPoolSurvivesPanic(t *testing.T) {
	p := New(1, zerolog.Nop())
	defer p.Stop()

	p.Submit(panicTask{})

	var runs atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	p.Submit(&countTask{runs: &runs, wg: &wg})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Worker did not survive a panicking task")
	}
}

func TestPoolStopDropsQueued(t *testing.T) {
	p := New(1, zerolog.Nop())

	blocker := &blockingTask{started: make(chan struct{}), release: make(chan struct{})}
	p.Submit(blocker)
	<-blocker.started

	var runs atomic.Int32
	for i := 0; i < 3; i++ {
		p.Submit(&countTask{runs: &runs})
	}

	stopped := make(chan int)
	go func() { stopped <- p.Stop() }()

	// Stop empties the queue first, then waits for the running task.
	deadline := time.Now().Add(time.Second)
	for p.Stats().Queued != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	close(blocker.release)

	select {
	case dropped := <-stopped:
		if dropped != 3 {
			t.Errorf("Expected 3 dropped tasks, got %d", dropped)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	if runs.Load() != 0 {
		t.Errorf("Expected no queued task to run after Stop, got %d", runs.Load())
	}
}
