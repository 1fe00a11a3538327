// Package queue provides the job queue that moves device transport off the
// producer goroutine.
//
// A Queue owns exactly one worker goroutine, so jobs run strictly in the order
// they were added. Each job carries an [Event] that is reset when the job is
// queued and signalled once it has run, which lets the producer wait for the
// previous job without tracking goroutines itself.
package queue

import (
	"sync"
	"sync/atomic"
)

// DefaultDepth is the number of jobs that can be queued before Add blocks.
const DefaultDepth = 8

// job is a unit of work with its completion event.
type job struct {
	fn   func()
	done *Event
}

// Queue is a single-worker FIFO job queue.
//
// Thread safety: Queue is safe for concurrent use.
type Queue struct {
	name string

	// jobs holds queued work for the worker.
	jobs chan job

	// done signals the worker to stop.
	done chan struct{}

	// wg waits for the worker to finish.
	wg sync.WaitGroup

	// running indicates whether the queue is accepting work.
	running atomic.Bool

	// executed counts completed jobs.
	executed atomic.Uint64
}

// New creates a queue and starts its worker.
// If depth is 0 or negative, DefaultDepth is used.
func New(name string, depth int) *Queue {
	if depth <= 0 {
		depth = DefaultDepth
	}

	q := &Queue{
		name: name,
		jobs: make(chan job, depth),
		done: make(chan struct{}),
	}
	q.running.Store(true)

	q.wg.Add(1)
	go q.worker()

	return q
}

// worker is the main loop of the queue goroutine.
func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.done:
			q.drain()
			return
		case j := <-q.jobs:
			q.run(j)
		}
	}
}

// drain executes all remaining queued jobs.
func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			q.run(j)
		default:
			return
		}
	}
}

func (q *Queue) run(j job) {
	if j.fn != nil {
		j.fn()
	}
	q.executed.Add(1)
	if j.done != nil {
		j.done.Signal()
	}
}

// Add queues fn for execution on the worker. The done event, if non-nil, is
// reset before the job is queued and signalled after fn returns.
//
// Add returns false without running fn if the queue has been closed; done is
// left signalled in that case so waiters never block on a job that will not
// run.
func (q *Queue) Add(fn func(), done *Event) bool {
	if !q.running.Load() {
		return false
	}

	if done != nil {
		done.Reset()
	}

	select {
	case q.jobs <- job{fn: fn, done: done}:
		return true
	case <-q.done:
		if done != nil {
			done.Signal()
		}
		return false
	}
}

// Close stops accepting work, runs every queued job and stops the worker.
// Close is safe to call multiple times.
func (q *Queue) Close() {
	if !q.running.CompareAndSwap(true, false) {
		return
	}

	close(q.done)
	q.wg.Wait()
}

// Name returns the queue name used in diagnostics.
func (q *Queue) Name() string {
	return q.name
}

// IsRunning reports whether the queue still accepts work.
func (q *Queue) IsRunning() bool {
	return q.running.Load()
}

// Pending returns the number of queued jobs that have not started.
// This is an approximation as the worker may be dequeuing concurrently.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

// Executed returns the number of jobs that have completed.
func (q *Queue) Executed() uint64 {
	return q.executed.Load()
}
