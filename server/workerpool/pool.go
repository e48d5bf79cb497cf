// Package workerpool runs submitted tasks on a fixed set of goroutines.
// Tasks that have not started yet can be revoked.
package workerpool

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
)

// ErrStopped is returned by Submit after Stop has been called.
var ErrStopped = errors.New("worker pool stopped")

// Task is a unit of work. Implementations must be comparable (pointer
// types) so that Revoke can identify them.
type Task interface {
	Run()
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers  int
	Queued   int
	Running  int
	Executed uint64
	Revoked  uint64
}

// Pool is a bounded worker pool. Submit never blocks: tasks wait in an
// unbounded FIFO queue until a worker is free.
type Pool struct {
	workers int
	logger  zerolog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []Task
	running  int
	executed uint64
	revoked  uint64
	stopped  bool

	wg sync.WaitGroup
}

// New starts a pool with the given number of workers (minimum 1).
func New(workers int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{
		workers: workers,
		logger:  logger.With().Str("component", "workerpool").Logger(),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit queues t for execution.
func (p *Pool) Submit(t Task) error {
	if t == nil {
		return fmt.Errorf("nil task")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return ErrStopped
	}
	p.queue = append(p.queue, t)
	p.cond.Signal()
	return nil
}

// Revoke removes t from the queue if it has not been picked up by a worker.
// It returns true when the task was removed and will never run.
func (p *Pool) Revoke(t Task) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, queued := range p.queue {
		if queued == t {
			copy(p.queue[i:], p.queue[i+1:])
			p.queue[len(p.queue)-1] = nil
			p.queue = p.queue[:len(p.queue)-1]
			p.revoked++
			return true
		}
	}
	return false
}

// Stop rejects further submissions, drops queued tasks and waits for running
// tasks to return. It returns the number of dropped tasks.
func (p *Pool) Stop() int {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return 0
	}
	p.stopped = true
	dropped := len(p.queue)
	p.queue = nil
	p.cond.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
	if dropped > 0 {
		p.logger.Warn().Int("dropped", dropped).Msg("Worker pool stopped with queued tasks")
	}
	return dropped
}

// Stats returns current queue and execution counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Workers:  p.workers,
		Queued:   len(p.queue),
		Running:  p.running,
		Executed: p.executed,
		Revoked:  p.revoked,
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.running++
		p.mu.Unlock()

		p.run(n, t)

		p.mu.Lock()
		p.running--
		p.executed++
		p.mu.Unlock()
	}
}

func (p *Pool) run(n int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Int("worker", n).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Task panicked")
		}
	}()
	t.Run()
}
