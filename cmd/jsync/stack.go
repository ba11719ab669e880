package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/chmdznr/journal-sync/internal/backup"
	"github.com/chmdznr/journal-sync/internal/config"
	"github.com/chmdznr/journal-sync/internal/db"
	"github.com/chmdznr/journal-sync/internal/jobs"
	"github.com/chmdznr/journal-sync/internal/remote"
	"github.com/chmdznr/journal-sync/internal/schedule"
	"github.com/chmdznr/journal-sync/internal/status"
	"github.com/chmdznr/journal-sync/internal/sync"
	"github.com/chmdznr/journal-sync/internal/syncerr"
	"github.com/chmdznr/journal-sync/pkg/models"
)

// stack is every component of one jsync process. It is built once per
// command and torn down by Close.
type stack struct {
	cfg    config.Config
	out    io.Writer
	logOut io.Closer

	store  *db.DB
	runner *jobs.Runner
	bus    *status.Bus
	coord  *sync.Coordinator

	relaunched chan struct{}
}

// loadConfig reads the config file and applies the global flags over it.
// The default config path may be missing; an explicit one may not.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"), !c.IsSet("config"))
	if err != nil {
		return cfg, err
	}

	if c.IsSet("store") {
		cfg.Store.Path = c.String("store")
	}
	if c.IsSet("endpoint") {
		cfg.Remote.Endpoint = c.String("endpoint")
	}
	if c.IsSet("bucket") {
		cfg.Remote.Bucket = c.String("bucket")
	}
	if c.IsSet("folder") {
		cfg.Remote.Folder = c.String("folder")
	}
	if v := c.String("access-key"); v != "" {
		cfg.Remote.AccessKey = v
	}
	if v := c.String("secret-key"); v != "" {
		cfg.Remote.SecretKey = v
	}
	if c.Bool("insecure") {
		cfg.Remote.Secure = false
	}
	if c.Bool("progress") {
		cfg.Backup.Progress = true
	}
	if c.IsSet("log-file") {
		cfg.Log.File = c.String("log-file")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %v", err)
	}
	return cfg, nil
}

// newStack opens the store and, when the remote is configured or
// needRemote is set, the remote side with the coordinator on top.
func newStack(c *cli.Context, needRemote bool) (*stack, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	s := &stack{cfg: cfg, out: os.Stderr, relaunched: make(chan struct{})}
	if cfg.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		s.out, s.logOut = lj, lj
	}

	s.store, err = db.New(cfg.Store.Path, s.logger("db"))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to open store: %v", err)
	}

	if !needRemote && !cfg.RemoteConfigured() {
		return s, nil
	}
	if !cfg.RemoteConfigured() {
		s.Close()
		return nil, fmt.Errorf("remote endpoint and bucket are required (set [remote] in the config or --endpoint/--bucket)")
	}

	objects, err := remote.NewMinioStore(remote.MinioConfig{
		Endpoint:  cfg.Remote.Endpoint,
		Bucket:    cfg.Remote.Bucket,
		Folder:    cfg.Remote.Folder,
		AccessKey: cfg.Remote.AccessKey,
		SecretKey: cfg.Remote.SecretKey,
		Region:    cfg.Remote.Region,
		Secure:    cfg.Remote.Secure,
	})
	if err != nil {
		s.Close()
		return nil, err
	}
	if err := objects.EnsureBucket(c.Context); err != nil {
		s.Close()
		return nil, err
	}

	engine := backup.New(objects, backup.Config{
		ArtifactName: cfg.Backup.ArtifactName,
		Progress:     cfg.Backup.Progress,
		Logger:       s.logger("backup"),
	})
	s.runner = jobs.NewRunner(jobs.Config{
		Workers: cfg.Runner.Workers,
		Retry: jobs.RetryPolicy{
			BaseDelay:   cfg.Schedule.BaseDelay.Duration,
			MaxDelay:    cfg.Schedule.MaxDelay.Duration,
			MaxAttempts: cfg.Schedule.MaxAttempts,
		},
		Logger: s.logger("jobs"),
	})
	s.bus = status.NewBus()
	s.coord = sync.New(s.store, engine, s.runner, s.bus, sync.Config{
		RelaunchDelay: cfg.Backup.RelaunchDelay.Duration,
		AfterRestore:  s.reopenStore,
		Logger:        s.logger("sync"),
	})
	return s, nil
}

func (s *stack) logger(component string) *log.Logger {
	return log.New(s.out, "["+component+"] ", log.LstdFlags)
}

// reopenStore brings the store back on the restored file.
func (s *stack) reopenStore() {
	if err := s.store.Reopen(); err != nil {
		s.logger("sync").Printf("Failed to reopen restored store: %v", err)
	}
	close(s.relaunched)
}

// Close stops the runner first so no job touches the store while it closes.
func (s *stack) Close() {
	if s.runner != nil {
		s.runner.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("Warning: %v", err)
		}
	}
	if s.logOut != nil {
		_ = s.logOut.Close()
	}
}

var errScheduleDisabled = errors.New("daily backup is disabled; set schedule.enabled = true in the config or pass --at")

// dailyBackupTime resolves the daemon's backup time. An --at override
// enables the schedule on its own.
func dailyBackupTime(cfg config.Config, override *string) (schedule.TimeOfDay, error) {
	if override != nil {
		return schedule.ParseTimeOfDay(*override)
	}
	if !cfg.Schedule.Enabled {
		return schedule.TimeOfDay{}, errScheduleDisabled
	}
	return cfg.ScheduleAt()
}

// parseRelations turns key or key=content arguments into a snapshot.
// "key" has no content, "key=" has empty content.
func parseRelations(args []string) (models.RelationSnapshot, error) {
	if len(args) == 0 {
		return nil, nil
	}
	snap := make(models.RelationSnapshot, len(args))
	for _, arg := range args {
		key, content, hasContent := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("empty key in %q", arg)
		}
		if hasContent {
			snap[key] = models.Text(content)
		} else {
			snap[key] = models.NoContent
		}
	}
	return snap, nil
}

// Exit codes by failure kind
const (
	exitFailure          = 1
	exitNotAuthenticated = 3
	exitNotFound         = 4
	exitBusy             = 5
)

// exitError maps sync failures to distinct process exit codes.
func exitError(err error) error {
	if err == nil {
		return nil
	}
	var se *syncerr.Error
	if !errors.As(err, &se) {
		return err
	}
	code := exitFailure
	switch se.Kind {
	case syncerr.KindNotAuthenticated:
		code = exitNotAuthenticated
	case syncerr.KindNotFound:
		code = exitNotFound
	case syncerr.KindBusy:
		code = exitBusy
	}
	return cli.Exit(err.Error(), code)
}
