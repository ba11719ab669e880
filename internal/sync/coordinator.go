// Package sync serializes backup and restore of the local journal store.
//
// A Coordinator owns the single active job. While a backup runs a restore
// is refused as busy and vice versa; a second request of the running kind
// is dropped.
package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/chmdznr/journal-sync/internal/jobs"
	"github.com/chmdznr/journal-sync/internal/syncerr"
	"github.com/chmdznr/journal-sync/pkg/models"
)

// Unique job names on the runner
const (
	BackupJobName  = "jsync-backup"
	RestoreJobName = "jsync-restore"
)

const defaultRelaunchDelay = time.Second

// LocalStore is the part of the journal store a sync touches.
type LocalStore interface {
	Checkpoint(ctx context.Context) error
	Close() error
	Path() string
	DeleteMainFile() error
	DeleteSidecars() error
}

// Engine moves the store file to and from the remote.
type Engine interface {
	ArtifactName() string
	LocateArtifact(ctx context.Context, name string) (*models.Artifact, error)
	Upload(ctx context.Context, localPath string) (models.Artifact, error)
	Download(ctx context.Context, artifact *models.Artifact, destPath string) error
	LastBackupTime(ctx context.Context) (time.Time, bool)
}

// JobRunner runs requested syncs in the background.
type JobRunner interface {
	ScheduleUnique(name string, existing jobs.ExistingWorkPolicy, fn jobs.Func, done jobs.DoneFunc) error
}

// Publisher receives an event for every job transition.
type Publisher interface {
	Publish(ev models.Event)
}

// Config holds configuration for the coordinator
type Config struct {
	// RelaunchDelay is the wait between a successful restore and AfterRestore
	RelaunchDelay time.Duration
	// AfterRestore brings the application back on the restored store
	AfterRestore func()
	Logger       *log.Logger
}

// Coordinator runs at most one backup or restore at a time.
type Coordinator struct {
	store  LocalStore
	engine Engine
	runner JobRunner
	bus    Publisher

	relaunchDelay time.Duration
	afterRestore  func()
	logger        *log.Logger

	mu     sync.Mutex
	active *models.JobDescriptor
	status models.SyncStatus
}

// New creates a coordinator. bus may be nil.
func New(store LocalStore, engine Engine, runner JobRunner, bus Publisher, cfg Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	delay := cfg.RelaunchDelay
	if delay <= 0 {
		delay = defaultRelaunchDelay
	}
	return &Coordinator{
		store:         store,
		engine:        engine,
		runner:        runner,
		bus:           bus,
		relaunchDelay: delay,
		afterRestore:  cfg.AfterRestore,
		logger:        logger,
	}
}

// RequestBackup schedules a backup on the runner and returns without
// waiting for it.
func (c *Coordinator) RequestBackup() error {
	return c.request(models.JobBackup, BackupJobName, c.backup)
}

// RequestRestore schedules a restore on the runner and returns without
// waiting for it.
func (c *Coordinator) RequestRestore() error {
	return c.request(models.JobRestore, RestoreJobName, c.restore)
}

func (c *Coordinator) request(kind models.JobKind, name string, run func(context.Context) error) error {
	started, err := c.begin(kind, name, true)
	if err != nil || !started {
		return err
	}

	err = c.runner.ScheduleUnique(name, jobs.KeepExisting, run, func(err error) {
		c.end(kind, err)
	})
	if err != nil {
		err = syncerr.Wrap("sync.request", fmt.Errorf("failed to schedule %s: %w", kind, err))
		c.end(kind, err)
		return err
	}
	return nil
}

// Backup runs a backup in the calling goroutine. Any running job, even
// another backup, makes it fail as busy.
func (c *Coordinator) Backup(ctx context.Context) error {
	return c.runNow(ctx, models.JobBackup, BackupJobName, c.backup)
}

// Restore runs a restore in the calling goroutine. Any running job makes
// it fail as busy.
func (c *Coordinator) Restore(ctx context.Context) error {
	return c.runNow(ctx, models.JobRestore, RestoreJobName, c.restore)
}

func (c *Coordinator) runNow(ctx context.Context, kind models.JobKind, name string, run func(context.Context) error) error {
	if _, err := c.begin(kind, name, false); err != nil {
		return err
	}
	err := run(ctx)
	c.end(kind, err)
	return err
}

// begin claims the active slot for kind. It returns false without error
// when dropSame is set and a job of the same kind already holds the slot.
func (c *Coordinator) begin(kind models.JobKind, name string, dropSame bool) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		if c.active.Kind == kind && dropSame {
			c.logger.Printf("%s already in progress, request dropped", kind)
			return false, nil
		}
		return false, syncerr.Errorf("sync."+kind.String(), syncerr.KindBusy, "%s in progress", c.active.Kind)
	}

	c.active = &models.JobDescriptor{Name: name, Kind: kind, State: models.JobRunning}
	ev := models.Started(kind)
	c.status = ev.Status()
	c.publish(ev)
	return true, nil
}

func (c *Coordinator) end(kind models.JobKind, err error) {
	c.mu.Lock()
	c.active = nil
	ev := models.Finished(kind, err)
	c.status = ev.Status()
	c.publish(ev)
	c.mu.Unlock()

	if err != nil {
		c.logger.Printf("%s failed: %v", kind, err)
		return
	}
	c.logger.Printf("%s completed", kind)
	if kind == models.JobRestore && c.afterRestore != nil {
		time.AfterFunc(c.relaunchDelay, c.afterRestore)
	}
}

func (c *Coordinator) publish(ev models.Event) {
	if c.bus != nil {
		c.bus.Publish(ev)
	}
}

func (c *Coordinator) backup(ctx context.Context) error {
	const op = "sync.backup"

	if err := c.store.Checkpoint(ctx); err != nil {
		return syncerr.Wrap(op, fmt.Errorf("failed to checkpoint store: %w", err))
	}
	artifact, err := c.engine.Upload(ctx, c.store.Path())
	if err != nil {
		return syncerr.Wrap(op, err)
	}
	c.logger.Printf("Backed up %s to %s", c.store.Path(), artifact.ID)
	return nil
}

// restore replaces the local store with the remote artifact. The artifact
// is located before anything local is touched, so a missing backup leaves
// the store as it was. A failure after the store is closed leaves it
// unusable until a restore succeeds.
func (c *Coordinator) restore(ctx context.Context) error {
	const op = "sync.restore"

	name := c.engine.ArtifactName()
	artifact, err := c.engine.LocateArtifact(ctx, name)
	if err != nil {
		return syncerr.Wrap(op, err)
	}
	if artifact == nil {
		return syncerr.Errorf(op, syncerr.KindNotFound, "no usable backup named %q", name)
	}

	path := c.store.Path()
	if err := c.store.Checkpoint(ctx); err != nil {
		return syncerr.Wrap(op, fmt.Errorf("failed to checkpoint store: %w", err))
	}
	if err := c.store.Close(); err != nil {
		return syncerr.Wrap(op, fmt.Errorf("failed to close store: %w", err))
	}
	if err := c.store.DeleteMainFile(); err != nil {
		return syncerr.Wrap(op, err)
	}
	if err := c.store.DeleteSidecars(); err != nil {
		return syncerr.Wrap(op, err)
	}
	if err := c.engine.Download(ctx, artifact, path); err != nil {
		return syncerr.Wrap(op, err)
	}
	// a stale WAL next to the restored file would be replayed over it
	if err := c.store.DeleteSidecars(); err != nil {
		return syncerr.Wrap(op, err)
	}
	c.logger.Printf("Restored %s from %s", path, artifact.ID)
	return nil
}

// Status returns the current synchronization state.
func (c *Coordinator) Status() models.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Active returns the running job, or nil.
func (c *Coordinator) Active() *models.JobDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return nil
	}
	d := *c.active
	return &d
}

// LastBackupTime returns when the remote backup was last written.
func (c *Coordinator) LastBackupTime(ctx context.Context) (time.Time, bool) {
	return c.engine.LastBackupTime(ctx)
}
