// Package config loads jsync settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/chmdznr/journal-sync/internal/schedule"
	"github.com/chmdznr/journal-sync/pkg/models"
)

// Duration is a time.Duration written as "30s" or "5m" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %v", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the full jsync configuration
type Config struct {
	Store    StoreConfig    `toml:"store"`
	Remote   RemoteConfig   `toml:"remote"`
	Backup   BackupConfig   `toml:"backup"`
	Schedule ScheduleConfig `toml:"schedule"`
	Runner   RunnerConfig   `toml:"runner"`
	Log      LogConfig      `toml:"log"`
}

// StoreConfig locates the local journal store
type StoreConfig struct {
	Path string `toml:"path"`
}

// RemoteConfig is the MinIO/S3 destination
type RemoteConfig struct {
	Endpoint  string `toml:"endpoint"`
	Bucket    string `toml:"bucket"`
	Folder    string `toml:"folder"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Region    string `toml:"region"`
	Secure    bool   `toml:"secure"`
}

// BackupConfig controls the backup artifact and transfers
type BackupConfig struct {
	ArtifactName  string   `toml:"artifact_name"`
	Progress      bool     `toml:"progress"`
	RelaunchDelay Duration `toml:"relaunch_delay"`
}

// ScheduleConfig controls the daily backup
type ScheduleConfig struct {
	Enabled     bool     `toml:"enabled"`
	At          string   `toml:"at"`
	BaseDelay   Duration `toml:"base_delay"`
	MaxDelay    Duration `toml:"max_delay"`
	MaxAttempts int      `toml:"max_attempts"`
}

// RunnerConfig sizes the job runner
type RunnerConfig struct {
	Workers int `toml:"workers"`
}

// LogConfig routes logs to a rotated file when File is set
type LogConfig struct {
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Default returns the configuration used for keys missing from the file
func Default() Config {
	return Config{
		Store: StoreConfig{Path: "journal.db"},
		Remote: RemoteConfig{
			Secure: true,
		},
		Backup: BackupConfig{
			ArtifactName:  models.DefaultArtifactName,
			RelaunchDelay: Duration{time.Second},
		},
		Schedule: ScheduleConfig{
			At:          "08:00",
			BaseDelay:   Duration{30 * time.Second},
			MaxDelay:    Duration{30 * time.Minute},
			MaxAttempts: 5,
		},
		Runner: RunnerConfig{Workers: 2},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults
// when allowMissing is set.
func Load(path string, allowMissing bool) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if allowMissing && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to load config %s: %v", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config key %q in %s", undecoded[0].String(), path)
	}
	return cfg, nil
}

// Validate checks values that cannot be fixed by defaults.
func (c Config) Validate() error {
	if c.Store.Path == "" {
		return fmt.Errorf("store.path cannot be empty")
	}
	if c.Backup.ArtifactName == "" {
		return fmt.Errorf("backup.artifact_name cannot be empty")
	}
	if c.Runner.Workers < 1 {
		return fmt.Errorf("runner.workers must be at least 1, got %d", c.Runner.Workers)
	}
	if c.Schedule.MaxAttempts < 1 {
		return fmt.Errorf("schedule.max_attempts must be at least 1, got %d", c.Schedule.MaxAttempts)
	}
	if c.Schedule.BaseDelay.Duration < 0 || c.Schedule.MaxDelay.Duration < 0 {
		return fmt.Errorf("schedule delays cannot be negative")
	}
	if c.Schedule.MaxDelay.Duration < c.Schedule.BaseDelay.Duration {
		return fmt.Errorf("schedule.max_delay (%s) is shorter than schedule.base_delay (%s)", c.Schedule.MaxDelay, c.Schedule.BaseDelay)
	}
	if c.Schedule.Enabled {
		if _, err := c.ScheduleAt(); err != nil {
			return err
		}
	}
	return nil
}

// ScheduleAt parses schedule.at.
func (c Config) ScheduleAt() (schedule.TimeOfDay, error) {
	t, err := schedule.ParseTimeOfDay(c.Schedule.At)
	if err != nil {
		return t, fmt.Errorf("schedule.at: %v", err)
	}
	return t, nil
}

// RemoteConfigured reports whether enough is set to reach the bucket.
// Credentials are checked when the client is created.
func (c Config) RemoteConfigured() bool {
	return c.Remote.Endpoint != "" && c.Remote.Bucket != ""
}
