// Package sched runs deferred work on a single logical thread. Tasks are
// executed one at a time in due-time order, either against the wall clock
// (Run) or against a virtual clock that tests move forward explicitly
// (Advance).
package sched

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"bankist.org/internal/ids"
)

// TaskID identifies a scheduled task.
type TaskID string

// Func is the body of a task. now is the clock reading the task runs at.
type Func func(now time.Time)

// Task describes a pending task.
type Task struct {
	ID   TaskID    `json:"id"`
	Name string    `json:"name"`
	Due  time.Time `json:"due"`
}

// ErrWallClock is returned by Advance on a runner bound to the wall clock.
var ErrWallClock = errors.New("sched: runner uses the wall clock")

type entry struct {
	Task
	fn    Func
	seq   uint64
	index int
}

// Runner is a single-threaded deferred task executor.
type Runner struct {
	mu      sync.Mutex
	queue   taskQueue
	byID    map[TaskID]*entry
	seq     uint64
	virtual bool
	current time.Time
	wake    chan struct{}

	// exec serialises task bodies so two tasks never overlap, whichever
	// goroutine drives the runner.
	exec sync.Mutex
}

// New returns a runner driven by the wall clock. Call Run to execute tasks.
func New() *Runner {
	return &Runner{
		byID: make(map[TaskID]*entry),
		wake: make(chan struct{}, 1),
	}
}

// NewVirtual returns a runner whose clock starts at start and only moves
// when Advance is called.
func NewVirtual(start time.Time) *Runner {
	r := New()
	r.virtual = true
	r.current = start.UTC()
	return r
}

// Now returns the runner's current time.
func (r *Runner) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nowLocked()
}

func (r *Runner) nowLocked() time.Time {
	if r.virtual {
		return r.current
	}
	return time.Now().UTC()
}

// After schedules fn to run once d has elapsed and returns its handle.
func (r *Runner) After(d time.Duration, name string, fn Func) TaskID {
	if d < 0 {
		d = 0
	}
	r.mu.Lock()
	now := r.nowLocked()
	r.seq++
	e := &entry{
		Task: Task{ID: TaskID(ids.Prefixed("task", now)), Name: name, Due: now.Add(d)},
		fn:   fn,
		seq:  r.seq,
	}
	heap.Push(&r.queue, e)
	r.byID[e.ID] = e
	r.mu.Unlock()

	r.signal()
	return e.ID
}

// Cancel removes a pending task. It reports false when the task already ran
// or never existed.
func (r *Runner) Cancel(id TaskID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&r.queue, e.index)
	delete(r.byID, id)
	return true
}

// Pending lists scheduled tasks in execution order.
func (r *Runner) Pending() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Task, 0, len(r.queue))
	for _, e := range r.queue {
		out = append(out, e.Task)
	}
	sortTasks(out, r.byID)
	return out
}

// Advance moves a virtual clock forward by d, running every task that falls
// due on the way. Each task observes the clock at its own due time. It
// returns the number of tasks executed.
func (r *Runner) Advance(d time.Duration) (int, error) {
	r.mu.Lock()
	if !r.virtual {
		r.mu.Unlock()
		return 0, ErrWallClock
	}
	target := r.current.Add(d)
	r.mu.Unlock()

	ran := 0
	for {
		r.mu.Lock()
		e := r.popDueLocked(target)
		if e == nil {
			r.current = target
			r.mu.Unlock()
			return ran, nil
		}
		if e.Due.After(r.current) {
			r.current = e.Due
		}
		now := r.current
		r.mu.Unlock()

		r.execute(e, now)
		ran++
	}
}

// RunDue executes every task that is due at the current clock reading.
func (r *Runner) RunDue() int {
	ran := 0
	for {
		r.mu.Lock()
		now := r.nowLocked()
		e := r.popDueLocked(now)
		r.mu.Unlock()
		if e == nil {
			return ran
		}
		r.execute(e, now)
		ran++
	}
}

// Run drives a wall-clock runner until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	if r.virtual {
		return errors.New("sched: Run requires a wall-clock runner")
	}
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		r.RunDue()

		wait := time.Hour
		r.mu.Lock()
		if len(r.queue) > 0 {
			wait = time.Until(r.queue[0].Due)
		}
		r.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.wake:
		case <-timer.C:
		}
	}
}

func (r *Runner) popDueLocked(limit time.Time) *entry {
	if len(r.queue) == 0 || r.queue[0].Due.After(limit) {
		return nil
	}
	e := heap.Pop(&r.queue).(*entry)
	delete(r.byID, e.ID)
	return e
}

func (r *Runner) execute(e *entry, now time.Time) {
	r.exec.Lock()
	defer r.exec.Unlock()
	if e.fn != nil {
		e.fn(now)
	}
}

func (r *Runner) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}
