// Package jobs runs named background jobs on a fixed pool of workers.
//
// At most one job exists per name. Jobs scheduled with ScheduleOnce are
// retried with the runner's RetryPolicy; jobs scheduled with
// ScheduleUnique run exactly once.
package jobs

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var (
	// ErrJobExists is returned by KeepExisting scheduling when the name is taken.
	ErrJobExists = errors.New("job already exists")
	// ErrRunnerClosed is returned when scheduling on a closed runner.
	ErrRunnerClosed = errors.New("runner is closed")
	// ErrCanceled is passed to the DoneFunc of a job canceled before it ran.
	ErrCanceled = errors.New("job canceled")
)

// Func is the body of a job. ctx is canceled by Cancel, Replace and Close.
type Func func(ctx context.Context) error

// DoneFunc receives the final outcome of a job, exactly once.
type DoneFunc func(err error)

// ExistingWorkPolicy decides what happens when a job with the same name exists
type ExistingWorkPolicy int

const (
	// KeepExisting leaves the existing job alone and fails with ErrJobExists.
	KeepExisting ExistingWorkPolicy = iota
	// Replace cancels the existing job and schedules the new one.
	Replace
)

// Config holds configuration for the runner
type Config struct {
	Workers int
	Retry   RetryPolicy
	Logger  *log.Logger
}

// DefaultConfig returns default runner configuration
func DefaultConfig() Config {
	return Config{
		Workers: 2,
		Retry:   DefaultRetryPolicy(),
	}
}

type task struct {
	name     string
	fn       Func
	done     DoneFunc
	retries  bool
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	attempt  int
	running  bool
	finished bool
}

// Runner executes jobs on Config.Workers goroutines.
type Runner struct {
	mu     sync.Mutex
	tasks  map[string]*task
	closed bool

	queue  chan *task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	retry  RetryPolicy
	logger *log.Logger
}

// NewRunner starts the workers. Close stops them.
func NewRunner(cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[jobs] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		tasks:  make(map[string]*task),
		queue:  make(chan *task),
		ctx:    ctx,
		cancel: cancel,
		retry:  cfg.Retry,
		logger: logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// ScheduleOnce runs fn once after delay, retrying failures with the
// runner's RetryPolicy.
func (r *Runner) ScheduleOnce(name string, delay time.Duration, existing ExistingWorkPolicy, fn Func, done DoneFunc) error {
	return r.schedule(name, delay, existing, true, fn, done)
}

// ScheduleUnique runs fn as soon as a worker is free. It is never retried.
func (r *Runner) ScheduleUnique(name string, existing ExistingWorkPolicy, fn Func, done DoneFunc) error {
	return r.schedule(name, 0, existing, false, fn, done)
}

func (r *Runner) schedule(name string, delay time.Duration, existing ExistingWorkPolicy, retries bool, fn Func, done DoneFunc) error {
	var replaced *task

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRunnerClosed
	}
	if old, ok := r.tasks[name]; ok {
		if existing == KeepExisting {
			r.mu.Unlock()
			return ErrJobExists
		}
		delete(r.tasks, name)
		if r.stopLocked(old) {
			replaced = old
		}
	}

	ctx, cancel := context.WithCancel(r.ctx)
	t := &task{
		name:    name,
		fn:      fn,
		done:    done,
		retries: retries,
		ctx:     ctx,
		cancel:  cancel,
	}
	r.tasks[name] = t
	r.armLocked(t, delay)
	r.mu.Unlock()

	if replaced != nil {
		r.finish(replaced, ErrCanceled)
	}
	return nil
}

// Cancel cancels the named job, pending or running. It reports whether a
// job existed.
func (r *Runner) Cancel(name string) bool {
	r.mu.Lock()
	t, ok := r.tasks[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.tasks, name)
	stopped := r.stopLocked(t)
	r.mu.Unlock()

	if stopped {
		r.finish(t, ErrCanceled)
	}
	return true
}

// IsRunning reports whether the named job is executing right now.
func (r *Runner) IsRunning(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[name]
	return ok && t.running
}

// Exists reports whether a job with the name is pending or running.
func (r *Runner) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[name]
	return ok
}

// Close cancels every job and waits for the workers to exit. Pending jobs
// finish with ErrCanceled.
func (r *Runner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	var stopped []*task
	for name, t := range r.tasks {
		delete(r.tasks, name)
		if r.stopLocked(t) {
			stopped = append(stopped, t)
		}
	}
	r.mu.Unlock()

	r.cancel()
	for _, t := range stopped {
		r.finish(t, ErrCanceled)
	}
	r.wg.Wait()
}

// armLocked starts the timer that hands t to a worker.
func (r *Runner) armLocked(t *task, delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	r.wg.Add(1)
	t.timer = time.AfterFunc(delay, func() { r.dispatch(t) })
}

// stopLocked cancels t. It returns true when the pending timer was stopped
// before firing, in which case the caller must finish t.
func (r *Runner) stopLocked(t *task) bool {
	t.cancel()
	if t.timer != nil && t.timer.Stop() {
		r.wg.Done()
		return true
	}
	return false
}

func (r *Runner) dispatch(t *task) {
	defer r.wg.Done()
	select {
	case r.queue <- t:
	case <-t.ctx.Done():
		r.finish(t, ErrCanceled)
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case t := <-r.queue:
			r.run(t)
		}
	}
}

func (r *Runner) run(t *task) {
	if t.ctx.Err() != nil {
		r.finish(t, ErrCanceled)
		return
	}

	r.mu.Lock()
	t.running = true
	t.attempt++
	r.mu.Unlock()

	err := t.fn(t.ctx)

	r.mu.Lock()
	t.running = false
	if err != nil && r.shouldRetry(t, err) {
		delay := r.retry.Delay(t.attempt)
		r.logger.Printf("Job %s failed (attempt %d/%d), retrying in %s: %v", t.name, t.attempt, r.retry.MaxAttempts, delay, err)
		r.armLocked(t, delay)
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	if err != nil && t.retries && t.attempt > 1 {
		r.logger.Printf("Job %s failed after %d attempts: %v", t.name, t.attempt, err)
	}
	r.finish(t, err)
}

// shouldRetry must be called with r.mu held.
func (r *Runner) shouldRetry(t *task, err error) bool {
	if !t.retries || r.closed || t.ctx.Err() != nil {
		return false
	}
	if r.tasks[t.name] != t {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	return t.attempt < r.retry.MaxAttempts
}

func (r *Runner) finish(t *task, err error) {
	r.mu.Lock()
	if t.finished {
		r.mu.Unlock()
		return
	}
	t.finished = true
	if r.tasks[t.name] == t {
		delete(r.tasks, t.name)
	}
	r.mu.Unlock()

	t.cancel()
	if t.done != nil {
		t.done(err)
	}
}
