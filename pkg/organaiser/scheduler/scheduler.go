// Package scheduler runs functions at absolute times. Waits are cancellable,
// but once a task's payload has started it runs to completion on a context
// detached from the scheduler's own cancellation. Recurring triggers (the
// daily rollover check) use robfig/cron.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

const (
	// DefaultMaxSleep bounds a single sleep so wall-clock jumps and system
	// suspend are noticed within the hour.
	DefaultMaxSleep = time.Hour

	// DefaultTaskTimeout bounds how long a started payload may run.
	DefaultTaskTimeout = 5 * time.Minute
)

// Func is a scheduled payload.
type Func func(ctx context.Context) error

// ErrorReporter receives failures of scheduled payloads.
type ErrorReporter func(err error)

// SchedulingError wraps the failure of a scheduled payload.
type SchedulingError struct {
	Task string
	Err  error
}

func (e *SchedulingError) Error() string {
	return fmt.Sprintf("scheduled task %q: %v", e.Task, e.Err)
}

func (e *SchedulingError) Unwrap() error { return e.Err }

// Options configures a Scheduler.
type Options struct {
	// MaxSleep is the longest single sleep before the remaining time is
	// recomputed. Defaults to DefaultMaxSleep.
	MaxSleep time.Duration

	// TaskTimeout bounds a started payload unless the task sets its own
	// with WithTimeout. Defaults to DefaultTaskTimeout.
	TaskTimeout time.Duration

	// Location is used for cron expressions. Defaults to time.Local.
	Location *time.Location

	// Now overrides the wall clock.
	Now func() time.Time

	// OnError receives payload failures and panics.
	OnError ErrorReporter
}

// Scheduler supervises one-shot tasks and cron entries.
type Scheduler struct {
	maxSleep    time.Duration
	taskTimeout time.Duration
	now         func() time.Time
	onError     ErrorReporter

	// tasks holds every task that has not finished yet.
	tasks map[*Task]struct{}

	cron    *cron.Cron
	cronIDs map[string]cron.EntryID

	// running tracks started payloads so Stop can wait for them.
	running sync.WaitGroup

	logger *slog.Logger
	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Tasks may be scheduled before Start; cron
// entries only fire after Start.
func New(opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxSleep <= 0 {
		opts.MaxSleep = DefaultMaxSleep
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = DefaultTaskTimeout
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		maxSleep:    opts.MaxSleep,
		taskTimeout: opts.TaskTimeout,
		now:         opts.Now,
		onError:     opts.OnError,
		tasks:       make(map[*Task]struct{}),
		cron: cron.New(
			cron.WithLocation(opts.Location),
			cron.WithParser(cron.NewParser(
				cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor,
			)),
		),
		cronIDs: make(map[string]cron.EntryID),
		logger:  logger.With("component", "scheduler"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SetErrorReporter replaces the payload failure callback.
func (s *Scheduler) SetErrorReporter(fn ErrorReporter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Now returns the scheduler's notion of the current time.
func (s *Scheduler) Now() time.Time { return s.now() }

// TaskOption adjusts a single task.
type TaskOption func(*Task)

// WithTimeout bounds the task's payload by d instead of the scheduler's
// TaskTimeout. Zero removes the bound, for payloads that wait on the user.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.timeout = max(d, 0) }
}

// At schedules fn to run at the given instant. A time in the past runs
// immediately.
func (s *Scheduler) At(at time.Time, name string, fn Func, opts ...TaskOption) *Task {
	t := &Task{
		id:       uuid.NewString(),
		name:     name,
		at:       at,
		timeout:  s.taskTimeout,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	s.mu.Lock()
	s.tasks[t] = struct{}{}
	s.mu.Unlock()

	if delay := at.Sub(s.now()); delay > 0 {
		s.logger.Debug("task scheduled", "task", name, "fires_at", at.Format(time.RFC3339), "fires_in", delay.String())
	} else {
		s.logger.Debug("task time is in the past, running immediately", "task", name, "overdue", (-delay).String())
	}

	go s.run(t, fn)
	return t
}

// After schedules fn to run after the given delay.
func (s *Scheduler) After(d time.Duration, name string, fn Func, opts ...TaskOption) *Task {
	return s.At(s.now().Add(d), name, fn, opts...)
}

// Pending returns the tasks that have not finished, in no particular order.
func (s *Scheduler) Pending() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Task, 0, len(s.tasks))
	for t := range s.tasks {
		result = append(result, t)
	}
	return result
}

// Start starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	context.AfterFunc(ctx, s.cancelWaits)

	s.mu.RLock()
	n := len(s.tasks)
	s.mu.RUnlock()
	s.logger.Info("scheduler started", "tasks", n, "cron_entries", len(s.cron.Entries()))
}

// Stop cancels every task that is still waiting and waits, bounded by the
// context, for started payloads to finish.
func (s *Scheduler) Stop(ctx context.Context) {
	cronCtx := s.cron.Stop()
	s.cancelWaits()

	done := make(chan struct{})
	go func() {
		<-cronCtx.Done()
		s.running.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) cancelWaits() {
	s.cancel()
}

// ---------- Internal ----------

// run sleeps in increments of at most maxSleep until the task is due,
// recomputing the remaining time on every wake.
func (s *Scheduler) run(t *Task, fn Func) {
	defer s.forget(t)
	defer close(t.done)

	for {
		remaining := t.at.Sub(s.now())
		if remaining <= 0 {
			break
		}

		timer := time.NewTimer(min(remaining, s.maxSleep))
		select {
		case <-timer.C:
		case <-t.cancelCh:
			timer.Stop()
			return
		case <-s.ctx.Done():
			timer.Stop()
			t.Cancel()
			return
		}
	}

	if s.ctx.Err() != nil {
		t.Cancel()
		return
	}

	// Claim the task. Losing the race means Cancel got there first.
	if !t.begin() {
		return
	}

	s.running.Add(1)
	defer s.running.Done()

	ctx := context.WithoutCancel(s.ctx)
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.execute(ctx, t.name, fn)
	t.finish(err)

	if err != nil {
		s.logger.Error("scheduled task failed", "task", t.name, "error", err, "duration", time.Since(start))
		s.report(err)
		return
	}
	s.logger.Debug("scheduled task completed", "task", t.name, "duration", time.Since(start))
}

// execute runs fn, converting panics into errors so one bad payload does not
// bring down the process.
func (s *Scheduler) execute(ctx context.Context, name string, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &SchedulingError{Task: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := fn(ctx); err != nil {
		var se *SchedulingError
		if errors.As(err, &se) {
			return err
		}
		return &SchedulingError{Task: name, Err: err}
	}
	return nil
}

func (s *Scheduler) report(err error) {
	s.mu.RLock()
	onError := s.onError
	s.mu.RUnlock()

	if onError != nil {
		onError(err)
	}
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	delete(s.tasks, t)
	s.mu.Unlock()
}
