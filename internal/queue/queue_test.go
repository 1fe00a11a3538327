package queue

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// =============================================================================
// Queue Tests
// =============================================================================

func TestQueue_Create(t *testing.T) {
	q := New("cs", 0)
	defer q.Close()

	if q.Name() != "cs" {
		t.Errorf("Name() = %q, want %q", q.Name(), "cs")
	}
	if !q.IsRunning() {
		t.Error("queue should be running after creation")
	}
	if cap(q.jobs) != DefaultDepth {
		t.Errorf("depth = %d, want %d", cap(q.jobs), DefaultDepth)
	}
}

func TestQueue_RunsInOrder(t *testing.T) {
	q := New("order", 4)
	defer q.Close()

	var mu sync.Mutex
	var got []int

	for i := range 50 {
		q.Add(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}, nil)
	}
	q.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("ran %d jobs, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("job %d ran at position %d", v, i)
		}
	}
	if q.Executed() != 50 {
		t.Errorf("Executed() = %d, want 50", q.Executed())
	}
}

func TestQueue_EventTracksLastJob(t *testing.T) {
	q := New("event", 1)
	defer q.Close()

	release := make(chan struct{})
	done := NewEvent(true)

	q.Add(func() { <-release }, done)
	if done.IsSignalled() {
		t.Fatal("event signalled before the job ran")
	}
	if done.WaitTimeout(10 * time.Millisecond) {
		t.Fatal("WaitTimeout returned true while the job is blocked")
	}

	close(release)
	if !done.WaitTimeout(time.Second) {
		t.Fatal("event not signalled after the job finished")
	}
}

func TestQueue_CloseDrains(t *testing.T) {
	q := New("drain", 16)

	var ran atomic.Int32
	release := make(chan struct{})
	q.Add(func() { <-release }, nil)
	for range 5 {
		q.Add(func() { ran.Add(1) }, nil)
	}

	closed := make(chan struct{})
	go func() {
		q.Close()
		close(closed)
	}()
	close(release)
	<-closed

	if ran.Load() != 5 {
		t.Errorf("ran %d queued jobs on Close, want 5", ran.Load())
	}
	if q.IsRunning() {
		t.Error("queue still running after Close")
	}
}

func TestQueue_AddAfterClose(t *testing.T) {
	q := New("closed", 1)
	q.Close()
	q.Close()

	done := NewEvent(true)
	if q.Add(func() { t.Error("job ran on a closed queue") }, done) {
		t.Error("Add succeeded after Close")
	}
	if !done.IsSignalled() {
		t.Error("event left unsignalled by a rejected Add")
	}
}

// =============================================================================
// Event Tests
// =============================================================================

func TestEvent_InitialState(t *testing.T) {
	if !NewEvent(true).IsSignalled() {
		t.Error("NewEvent(true) is not signalled")
	}
	e := NewEvent(false)
	if e.IsSignalled() {
		t.Error("NewEvent(false) is signalled")
	}
	if e.WaitTimeout(0) {
		t.Error("zero timeout poll returned true on an unsignalled event")
	}
}

func TestEvent_ResetAndSignal(t *testing.T) {
	e := NewEvent(true)
	old := e.Done()

	e.Reset()
	if e.IsSignalled() {
		t.Fatal("event signalled after Reset")
	}
	select {
	case <-old:
	default:
		t.Error("channel of the previous arming was reopened")
	}

	e.Signal()
	e.Signal()
	if !e.WaitTimeout(0) {
		t.Error("event not signalled after Signal")
	}
	e.Wait()
}

func TestEvent_ConcurrentWaiters(t *testing.T) {
	e := NewEvent(false)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Wait()
		}()
	}

	e.Signal()
	wg.Wait()
}
