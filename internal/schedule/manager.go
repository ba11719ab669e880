// Package schedule runs a backup every day at a fixed time of day.
package schedule

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/chmdznr/journal-sync/internal/jobs"
	"github.com/chmdznr/journal-sync/internal/syncerr"
)

// JobName is the runner name of the periodic backup
const JobName = "jsync-periodic-backup"

// Runner schedules the periodic job.
type Runner interface {
	ScheduleOnce(name string, delay time.Duration, existing jobs.ExistingWorkPolicy, fn jobs.Func, done jobs.DoneFunc) error
	Cancel(name string) bool
}

// Backupper performs one synchronous backup.
type Backupper interface {
	Backup(ctx context.Context) error
}

// Config holds configuration for the manager
type Config struct {
	At     TimeOfDay
	Now    func() time.Time
	Logger *log.Logger
}

// Manager keeps one pending backup job on the runner. After each run,
// successful or not, the next one is armed for the following occurrence
// of At, measured from the current time.
type Manager struct {
	runner Runner
	target Backupper
	at     TimeOfDay
	now    func() time.Time
	logger *log.Logger

	mu      sync.Mutex
	running bool
	gen     int
	next    time.Time
}

// NewManager creates a stopped manager.
func NewManager(runner Runner, target Backupper, cfg Config) *Manager {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[schedule] ", log.LstdFlags)
	}
	return &Manager{
		runner: runner,
		target: target,
		at:     cfg.At,
		now:    now,
		logger: logger,
	}
}

// Start arms the first run. Starting a started manager does nothing.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := m.armLocked(); err != nil {
		return err
	}
	m.running = true
	return nil
}

// Stop cancels the pending run.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.running = false
	m.gen++
	m.next = time.Time{}
	m.mu.Unlock()

	m.runner.Cancel(JobName)
}

// Next returns when the pending run is due.
func (m *Manager) Next() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next, m.running
}

func (m *Manager) armLocked() error {
	m.gen++
	gen := m.gen
	now := m.now()
	delay := NextDelay(m.at, now)
	if err := m.runner.ScheduleOnce(JobName, delay, jobs.Replace, m.run, func(err error) { m.done(gen, err) }); err != nil {
		return err
	}
	m.next = now.Add(delay)
	m.logger.Printf("Next backup at %s (in %s)", m.next.Format(time.RFC3339), delay.Round(time.Second))
	return nil
}

// run marks failures a retry cannot fix as permanent.
func (m *Manager) run(ctx context.Context) error {
	err := m.target.Backup(ctx)
	switch syncerr.KindOf(err) {
	case syncerr.KindNotAuthenticated, syncerr.KindNotFound:
		return jobs.Permanent(err)
	}
	return err
}

func (m *Manager) done(gen int, err error) {
	if errors.Is(err, jobs.ErrCanceled) {
		return
	}
	if err != nil {
		m.logger.Printf("Scheduled backup failed: %v", err)
	} else {
		m.logger.Printf("Scheduled backup completed")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running || gen != m.gen {
		return
	}
	if err := m.armLocked(); err != nil {
		m.logger.Printf("Failed to schedule next backup: %v", err)
		m.running = false
		m.next = time.Time{}
	}
}
