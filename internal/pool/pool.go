// Package pool implements the bounded worker pool used by every scheme
// to run inbound handler callbacks: admission is bounded both by a
// concurrent-worker count and by a cumulative memory budget, and
// admission itself is synchronous so a caller (typically the relay
// driver's single reader goroutine) can rely on Schedule returning
// only once a task has actually been handed off.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	irislog "github.com/project-iris/iris-go/internal/log"
)

// TerminateMode selects how Terminate winds the pool down.
type TerminateMode int

const (
	// Graceful waits for in-flight tasks to finish naturally.
	Graceful TerminateMode = iota
	// Immediate cancels admission waiters and asks running tasks to
	// observe context cancellation and stop early.
	Immediate
)

// Pool bounds concurrent execution of tasks by worker count and by a
// cumulative memory cost. It is safe for concurrent use.
type Pool struct {
	log *slog.Logger

	workers   *semaphore.Weighted
	memory    *semaphore.Weighted
	maxMemory int64

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	terminated bool
	wg         sync.WaitGroup
}

// New constructs a pool admitting at most maxWorkers concurrently
// running tasks and at most maxMemory bytes of outstanding cost.
// maxWorkers must be >= 1; maxMemory must be >= 0 (0 means no task
// carrying a positive cost can ever be admitted).
func New(name string, maxWorkers int, maxMemory int64) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxMemory < 0 {
		maxMemory = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		log:       irislog.New(name),
		workers:   semaphore.NewWeighted(int64(maxWorkers)),
		memory:    semaphore.NewWeighted(maxMemory),
		maxMemory: maxMemory,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Schedule admits task if a worker slot and cost bytes of memory
// budget become available within timeout (0 means wait forever).
// Negative cost is rejected outright. On success the task runs on its
// own goroutine and Schedule returns true without waiting for it to
// finish; the goroutine receives a context cancelled only by a later
// Terminate(Immediate). If admission does not complete in time, the
// task is dropped without running and Schedule returns false.
func (p *Pool) Schedule(cost int64, timeout time.Duration, task func(context.Context)) bool {
	if cost < 0 || cost > p.maxMemory {
		// A cost exceeding the pool's entire memory budget can never be
		// admitted no matter how long we wait, so fail fast rather than
		// blocking a caller (often the connection's sole reader thread)
		// forever.
		return false
	}

	p.mu.Lock()
	if p.terminated {
		p.mu.Unlock()
		return false
	}
	p.mu.Unlock()

	admitCtx := p.ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		admitCtx, cancel = context.WithTimeout(p.ctx, timeout)
		defer cancel()
	}

	if err := p.memory.Acquire(admitCtx, cost); err != nil {
		return false
	}
	if err := p.workers.Acquire(admitCtx, 1); err != nil {
		p.memory.Release(cost)
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.workers.Release(1)
		defer p.memory.Release(cost)
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("worker task panicked", "recovered", r)
			}
		}()
		task(p.ctx)
	}()
	return true
}

// Terminate stops the pool from admitting further tasks. Graceful
// waits for in-flight tasks to finish; Immediate cancels the shared
// context (unblocking any Schedule call waiting on admission, and
// signalling running tasks to stop early) before waiting.
func (p *Pool) Terminate(mode TerminateMode) {
	p.mu.Lock()
	alreadyTerminated := p.terminated
	p.terminated = true
	p.mu.Unlock()

	if mode == Immediate {
		p.cancel()
	}
	if !alreadyTerminated {
		p.wg.Wait()
	}
	if mode == Graceful {
		p.cancel()
	}
}
