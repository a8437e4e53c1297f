package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a manually advanced wall clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func waitDone(t *testing.T, task *Task) {
	t.Helper()
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("task %q did not finish", task.Name())
	}
}

func TestPastTimeRunsImmediately(t *testing.T) {
	t.Parallel()

	s := New(Options{}, testLogger())
	defer s.Stop(context.Background())

	var ran atomic.Bool
	task := s.At(time.Now().Add(-time.Hour), "overdue", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	waitDone(t, task)

	assert.True(t, ran.Load())
	assert.Equal(t, TaskDone, task.State())
	assert.NoError(t, task.Err())
}

func TestCancelBeforeFire(t *testing.T) {
	t.Parallel()

	s := New(Options{}, testLogger())
	defer s.Stop(context.Background())

	var ran atomic.Bool
	task := s.After(time.Hour, "later", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	require.Len(t, s.Pending(), 1)

	assert.True(t, task.Cancel())
	waitDone(t, task)

	assert.False(t, ran.Load())
	assert.True(t, task.Cancelled())
	assert.Empty(t, s.Pending())
}

func TestBoundedSleepNoticesClockJump(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)}
	s := New(Options{Now: clock.Now, MaxSleep: 5 * time.Millisecond}, testLogger())
	defer s.Stop(context.Background())

	fired := make(chan struct{})
	task := s.At(clock.Now().Add(3*time.Hour), "jump", func(ctx context.Context) error {
		close(fired)
		return nil
	})

	select {
	case <-fired:
		t.Fatal("task fired before its time")
	case <-time.After(30 * time.Millisecond):
	}

	clock.Advance(3 * time.Hour)
	waitDone(t, task)

	select {
	case <-fired:
	default:
		t.Fatal("task did not fire after the clock advanced")
	}
}

func TestStartedPayloadIsShielded(t *testing.T) {
	t.Parallel()

	s := New(Options{}, testLogger())

	started := make(chan struct{})
	release := make(chan struct{})
	var payloadErr error

	task := s.At(time.Now(), "shielded", func(ctx context.Context) error {
		close(started)
		<-release
		payloadErr = ctx.Err()
		return nil
	})

	<-started
	assert.False(t, task.Cancel(), "cancel after start must not report success")

	stopped := make(chan struct{})
	go func() {
		s.Stop(context.Background())
		close(stopped)
	}()

	close(release)
	waitDone(t, task)
	<-stopped

	assert.NoError(t, payloadErr)
	assert.Equal(t, TaskDone, task.State())
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()

	s := New(Options{TaskTimeout: time.Minute}, testLogger())
	defer s.Stop(context.Background())

	deadline := func(opts ...TaskOption) (time.Duration, bool) {
		var (
			left time.Duration
			ok   bool
		)
		task := s.At(time.Now(), "deadline", func(ctx context.Context) error {
			var d time.Time
			d, ok = ctx.Deadline()
			left = time.Until(d)
			return nil
		}, opts...)
		waitDone(t, task)
		return left, ok
	}

	left, ok := deadline()
	require.True(t, ok)
	assert.InDelta(t, time.Minute.Seconds(), left.Seconds(), 5)

	left, ok = deadline(WithTimeout(time.Hour))
	require.True(t, ok)
	assert.InDelta(t, time.Hour.Seconds(), left.Seconds(), 5)

	_, ok = deadline(WithTimeout(0))
	assert.False(t, ok, "interactive payloads are not bounded")

	task := s.At(time.Now(), "slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, WithTimeout(20*time.Millisecond))
	waitDone(t, task)
	assert.ErrorIs(t, task.Err(), context.DeadlineExceeded)
}

func TestStopCancelsWaitingTasks(t *testing.T) {
	t.Parallel()

	s := New(Options{}, testLogger())

	var ran atomic.Bool
	task := s.After(time.Hour, "never", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	s.Stop(context.Background())
	waitDone(t, task)

	assert.False(t, ran.Load())
	assert.True(t, task.Cancelled())
}

func TestErrorsAreReported(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   Func
		want string
	}{
		{
			name: "error",
			fn:   func(ctx context.Context) error { return errors.New("boom") },
			want: "boom",
		},
		{
			name: "panic",
			fn:   func(ctx context.Context) error { panic("kaboom") },
			want: "panic: kaboom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			reported := make(chan error, 1)
			s := New(Options{OnError: func(err error) { reported <- err }}, testLogger())
			defer s.Stop(context.Background())

			task := s.At(time.Now(), tt.name, tt.fn)
			waitDone(t, task)

			select {
			case err := <-reported:
				var se *SchedulingError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, tt.name, se.Task)
				assert.Contains(t, err.Error(), tt.want)
			case <-time.After(2 * time.Second):
				t.Fatal("error was not reported")
			}
			assert.Error(t, task.Err())
		})
	}
}

func TestDailyValidation(t *testing.T) {
	t.Parallel()

	s := New(Options{Location: time.UTC}, testLogger())
	defer s.Stop(context.Background())

	require.Error(t, s.Daily(24, 0, "bad", func(ctx context.Context) error { return nil }))
	require.Error(t, s.Cron("not a cron", "bad", func(ctx context.Context) error { return nil }))

	require.NoError(t, s.Daily(4, 30, "rollover", func(ctx context.Context) error { return nil }))
	s.Start(context.Background())

	next, ok := s.NextCron("rollover")
	require.True(t, ok)
	assert.Equal(t, 4, next.Hour())
	assert.Equal(t, 30, next.Minute())

	assert.True(t, s.RemoveCron("rollover"))
	assert.False(t, s.RemoveCron("rollover"))
}

func TestParseTime(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+2", 2*60*60)
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, loc)

	tests := []struct {
		input   string
		want    time.Time
		wantErr bool
	}{
		{input: "30m", want: now.Add(30 * time.Minute)},
		{input: "2024-01-10T15:04:05Z", want: time.Date(2024, 1, 10, 15, 4, 5, 0, time.UTC)},
		{input: "2024-01-10T15:04:05", want: time.Date(2024, 1, 10, 15, 4, 5, 0, loc)},
		{input: "2024-01-11 08:00", want: time.Date(2024, 1, 11, 8, 0, 0, 0, loc)},
		{input: "18:30", want: time.Date(2024, 1, 10, 18, 30, 0, 0, loc)},
		{input: "09:00", want: time.Date(2024, 1, 11, 9, 0, 0, 0, loc)},
		{input: "1704888000", want: time.Unix(1704888000, 0)},
		{input: "next tuesday", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			got, err := ParseTime(tt.input, now, loc)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "got %s, want %s", got, tt.want)
		})
	}
}
