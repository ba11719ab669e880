package jobs

import (
	"context"
	"errors"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestRunner(t *testing.T, retry RetryPolicy) *Runner {
	t.Helper()
	r := NewRunner(Config{Workers: 2, Retry: retry, Logger: log.New(io.Discard, "", 0)})
	t.Cleanup(r.Close)
	return r
}

func doneChan() (chan error, DoneFunc) {
	ch := make(chan error, 1)
	return ch, func(err error) { ch <- err }
}

func wait(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for job")
		return nil
	}
}

func TestScheduleUnique_RunsOnce(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := newTestRunner(t, RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 3})

	var calls int32
	ch, done := doneChan()
	failure := errors.New("boom")
	require.NoError(t, r.ScheduleUnique("job", KeepExisting, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return failure
	}, done))

	assert.ErrorIs(t, wait(t, ch), failure)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.False(t, r.Exists("job"))
	r.Close()
}

func TestScheduleUnique_KeepExisting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := newTestRunner(t, RetryPolicy{})

	release := make(chan struct{})
	started := make(chan struct{})
	ch, done := doneChan()
	require.NoError(t, r.ScheduleUnique("job", KeepExisting, func(context.Context) error {
		close(started)
		<-release
		return nil
	}, done))
	<-started

	assert.True(t, r.IsRunning("job"))
	err := r.ScheduleUnique("job", KeepExisting, func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrJobExists)

	close(release)
	assert.NoError(t, wait(t, ch))
	assert.False(t, r.IsRunning("job"))
	r.Close()
}

func TestScheduleOnce_Retries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := newTestRunner(t, RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, MaxAttempts: 3})

	tests := []struct {
		name      string
		failUntil int32
		wantCalls int32
		wantErr   bool
	}{
		{name: "succeeds first time", failUntil: 0, wantCalls: 1},
		{name: "succeeds on retry", failUntil: 2, wantCalls: 3},
		{name: "gives up after max attempts", failUntil: 10, wantCalls: 3, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			ch, done := doneChan()
			require.NoError(t, r.ScheduleOnce(tt.name, 0, KeepExisting, func(context.Context) error {
				if atomic.AddInt32(&calls, 1) <= tt.failUntil {
					return errors.New("transient")
				}
				return nil
			}, done))

			err := wait(t, ch)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
		})
	}
	r.Close()
}

func TestScheduleOnce_PermanentErrorStopsRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := newTestRunner(t, RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 5})

	var calls int32
	cause := errors.New("no credentials")
	ch, done := doneChan()
	require.NoError(t, r.ScheduleOnce("job", 0, KeepExisting, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return Permanent(cause)
	}, done))

	err := wait(t, ch)
	assert.Equal(t, cause, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	r.Close()
}

func TestScheduleOnce_Delay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := newTestRunner(t, RetryPolicy{})

	start := time.Now()
	ch, done := doneChan()
	require.NoError(t, r.ScheduleOnce("job", 50*time.Millisecond, KeepExisting, func(context.Context) error { return nil }, done))
	assert.True(t, r.Exists("job"))
	assert.False(t, r.IsRunning("job"))

	require.NoError(t, wait(t, ch))
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	r.Close()
}

func TestScheduleOnce_Replace(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := newTestRunner(t, RetryPolicy{})

	var firstRan int32
	first, firstDone := doneChan()
	require.NoError(t, r.ScheduleOnce("job", time.Hour, KeepExisting, func(context.Context) error {
		atomic.StoreInt32(&firstRan, 1)
		return nil
	}, firstDone))

	second, secondDone := doneChan()
	require.NoError(t, r.ScheduleOnce("job", 0, Replace, func(context.Context) error { return nil }, secondDone))

	assert.ErrorIs(t, wait(t, first), ErrCanceled)
	assert.NoError(t, wait(t, second))
	assert.Zero(t, atomic.LoadInt32(&firstRan))
	r.Close()
}

func TestCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := newTestRunner(t, RetryPolicy{BaseDelay: time.Millisecond, MaxAttempts: 5})

	t.Run("pending", func(t *testing.T) {
		ch, done := doneChan()
		require.NoError(t, r.ScheduleOnce("pending", time.Hour, KeepExisting, func(context.Context) error { return nil }, done))
		assert.True(t, r.Cancel("pending"))
		assert.ErrorIs(t, wait(t, ch), ErrCanceled)
		assert.False(t, r.Cancel("pending"))
	})

	t.Run("running", func(t *testing.T) {
		var calls int32
		started := make(chan struct{})
		ch, done := doneChan()
		require.NoError(t, r.ScheduleOnce("running", 0, KeepExisting, func(ctx context.Context) error {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(started)
			}
			<-ctx.Done()
			return ctx.Err()
		}, done))
		<-started

		assert.True(t, r.Cancel("running"))
		assert.ErrorIs(t, wait(t, ch), context.Canceled)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "canceled jobs are not retried")
	})

	t.Run("unknown", func(t *testing.T) {
		assert.False(t, r.Cancel("missing"))
	})
	r.Close()
}

func TestClose(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	r := NewRunner(Config{Workers: 1, Logger: log.New(io.Discard, "", 0)})

	started := make(chan struct{})
	running, runningDone := doneChan()
	require.NoError(t, r.ScheduleUnique("running", KeepExisting, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}, runningDone))
	<-started

	pending, pendingDone := doneChan()
	require.NoError(t, r.ScheduleOnce("pending", time.Hour, KeepExisting, func(context.Context) error { return nil }, pendingDone))

	r.Close()
	assert.ErrorIs(t, wait(t, running), context.Canceled)
	assert.ErrorIs(t, wait(t, pending), ErrCanceled)

	err := r.ScheduleUnique("late", KeepExisting, func(context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrRunnerClosed)
	r.Close()
}
