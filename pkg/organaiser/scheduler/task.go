package scheduler

import (
	"sync"
	"time"
)

// TaskState is the lifecycle state of a scheduled task.
type TaskState int

const (
	TaskPending TaskState = iota
	TaskRunning
	TaskDone
	TaskCancelled
)

func (s TaskState) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskRunning:
		return "running"
	case TaskDone:
		return "done"
	case TaskCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task is a handle on a scheduled payload. It can be cancelled while it is
// still waiting; once the payload has started, cancellation has no effect.
type Task struct {
	id   string
	name string
	at   time.Time
	// timeout bounds the payload; zero leaves it unbounded.
	timeout time.Duration

	mu    sync.Mutex
	state TaskState
	err   error

	cancelCh chan struct{}
	done     chan struct{}
}

// ID returns the unique task identifier.
func (t *Task) ID() string { return t.id }

// Name returns the descriptive task name.
func (t *Task) Name() string { return t.name }

// At returns the instant the task is due.
func (t *Task) At() time.Time { return t.at }

// State returns the current state.
func (t *Task) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Cancel stops the task if it has not started yet. It reports whether the
// payload was prevented from running.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TaskPending {
		return t.state == TaskCancelled
	}
	t.state = TaskCancelled
	close(t.cancelCh)
	return true
}

// Cancelled reports whether the task was cancelled before it started.
func (t *Task) Cancelled() bool {
	return t.State() == TaskCancelled
}

// Done is closed once the task has finished or was cancelled.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the payload error after the task is done.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) begin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TaskPending {
		return false
	}
	t.state = TaskRunning
	return true
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = TaskDone
	t.err = err
}
