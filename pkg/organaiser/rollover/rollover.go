// Package rollover moves the assistant from one day's session to the next.
// Concurrent triggers for the same date collapse into a single transition.
package rollover

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/plugin"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/scheduler"
	"github.com/IronChariot/organaiser-discord-bot/pkg/organaiser/session"
)

// ErrNoSession is returned before the first session is set.
var ErrNoSession = errors.New("no active session")

// Loader builds or loads the session for date. prev is the session being
// replaced, nil on startup.
type Loader func(ctx context.Context, date time.Time, prev *session.Session) (*session.Session, error)

// Dispatcher runs lifecycle hooks.
type Dispatcher interface {
	Dispatch(ctx context.Context, p plugin.HookPayload) error
}

// Transition describes one completed rollover.
type Transition struct {
	From *session.Session
	To   *session.Session
}

// Observer is notified after every transition.
type Observer func(ctx context.Context, t Transition)

// Options configures a Coordinator.
type Options struct {
	Boundary   session.Boundary
	Loader     Loader
	Dispatcher Dispatcher
	Now        func() time.Time
	Logger     *slog.Logger
}

// Coordinator owns the current-session slot.
type Coordinator struct {
	boundary   session.Boundary
	load       Loader
	dispatcher Dispatcher
	now        func() time.Time
	logger     *slog.Logger

	// mu serializes transitions; current is readable without it.
	mu        sync.Mutex
	current   atomic.Pointer[session.Session]
	observers []Observer
}

// New creates a Coordinator with no current session.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		boundary:   opts.Boundary,
		load:       opts.Loader,
		dispatcher: opts.Dispatcher,
		now:        now,
		logger:     logger.With("component", "rollover"),
	}
}

// Observe registers fn to run after every transition.
func (c *Coordinator) Observe(fn Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, fn)
}

// Current returns the active session, or nil before Start.
func (c *Coordinator) Current() *session.Session {
	return c.current.Load()
}

// Session returns the active session, rolling over first when its day has
// ended.
func (c *Coordinator) Session(ctx context.Context) (*session.Session, error) {
	if _, err := c.Check(ctx); err != nil {
		return nil, err
	}
	sess := c.current.Load()
	if sess == nil {
		return nil, ErrNoSession
	}
	return sess, nil
}

// Start loads the session for today, or for date when it is non-zero, and
// makes it current. session_load hooks run on it.
func (c *Coordinator) Start(ctx context.Context, date time.Time) (*session.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if date.IsZero() {
		date = c.boundary.Today(c.now())
	}
	sess, err := c.load(ctx, date, c.current.Load())
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", date.Format(session.DateLayout), err)
	}
	c.dispatch(ctx, plugin.EventSessionLoad, sess)
	c.current.Store(sess)
	c.logger.Info("session started", "date", date.Format(session.DateLayout), "next_rollover", sess.NextRollover().Format(time.RFC3339))
	return sess, nil
}

// Check performs a rollover if the current session's day has ended. It
// reports whether a transition happened.
func (c *Coordinator) Check(ctx context.Context) (bool, error) {
	target := c.boundary.Today(c.now())
	if !c.due(target) {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another trigger may have completed the transition while we waited.
	if !c.due(target) {
		return false, nil
	}
	old := c.current.Load()

	next, err := c.load(ctx, target, old)
	if err != nil {
		return false, fmt.Errorf("load session %s: %w", target.Format(session.DateLayout), err)
	}

	c.logger.Info("rolling over",
		"from", old.Date().Format(session.DateLayout),
		"to", target.Format(session.DateLayout),
	)

	c.dispatch(ctx, plugin.EventPostSessionEnd, old)
	c.dispatch(ctx, plugin.EventSessionLoad, next)
	c.current.Store(next)

	t := Transition{From: old, To: next}
	for _, fn := range c.observers {
		c.notify(ctx, fn, t)
	}
	return true, nil
}

func (c *Coordinator) due(target time.Time) bool {
	cur := c.current.Load()
	return cur != nil && target.After(cur.Date())
}

// dispatch runs hooks best-effort; failures are logged and do not stop the
// transition.
func (c *Coordinator) dispatch(ctx context.Context, event plugin.Event, sess *session.Session) {
	if c.dispatcher == nil {
		return
	}
	if err := c.dispatcher.Dispatch(ctx, plugin.HookPayload{Event: event, Session: sess}); err != nil {
		c.logger.Warn("hooks failed", "event", event, "error", err)
	}
}

func (c *Coordinator) notify(ctx context.Context, fn Observer, t Transition) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("rollover observer panicked", "panic", r)
		}
	}()
	fn(ctx, t)
}

// Schedule installs a daily trigger at the rollover time. Turns also call
// Check, so a missed trigger is caught up on the next message.
func (c *Coordinator) Schedule(sched *scheduler.Scheduler) error {
	r := c.boundary.Rollover
	return sched.Daily(r.Hour, r.Minute, "rollover", func(ctx context.Context) error {
		_, err := c.Check(ctx)
		return err
	})
}
