package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/chmdznr/journal-sync/internal/schedule"
	"github.com/chmdznr/journal-sync/internal/status"
	"github.com/chmdznr/journal-sync/pkg/models"
	"github.com/chmdznr/journal-sync/pkg/utils"
	"github.com/chmdznr/journal-sync/pkg/version"
)

func main() {
	cli.VersionFlag = &cli.BoolFlag{
		Name:    "version",
		Aliases: []string{"v"},
		Usage:   "print the version",
	}

	app := &cli.App{
		Name:                      "jsync",
		Usage:                     "Back up and restore a journal store to MinIO",
		Version:                   version.Version,
		EnableBashCompletion:      true,
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path to the TOML config file",
				Value: "jsync.toml",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "Path to the local journal store",
			},
			&cli.StringFlag{
				Name:  "endpoint",
				Usage: "MinIO endpoint",
			},
			&cli.StringFlag{
				Name:  "bucket",
				Usage: "MinIO bucket name",
			},
			&cli.StringFlag{
				Name:  "folder",
				Usage: "Destination folder inside the bucket",
			},
			&cli.StringFlag{
				Name:    "access-key",
				Usage:   "MinIO access key",
				EnvVars: []string{"JSYNC_ACCESS_KEY"},
			},
			&cli.StringFlag{
				Name:    "secret-key",
				Usage:   "MinIO secret key",
				EnvVars: []string{"JSYNC_SECRET_KEY"},
			},
			&cli.BoolFlag{
				Name:  "insecure",
				Usage: "Connect to MinIO over plain HTTP",
			},
			&cli.BoolFlag{
				Name:  "progress",
				Usage: "Show a progress bar during transfers",
			},
			&cli.StringFlag{
				Name:  "log-file",
				Usage: "Write logs to a rotated file instead of stderr",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "Print detailed version information",
				Action: func(c *cli.Context) error {
					fmt.Printf("Version:    %s\n", version.Version)
					fmt.Printf("Git commit: %s\n", version.GitCommit)
					fmt.Printf("Built:      %s\n", version.BuildTime)
					return nil
				},
			},
			{
				Name:   "backup",
				Usage:  "Upload the local store as the remote backup",
				Action: runBackup,
			},
			{
				Name:  "restore",
				Usage: "Replace the local store with the remote backup",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "yes",
						Usage: "Confirm that local changes since the last backup may be lost",
					},
				},
				Action: runRestore,
			},
			{
				Name:   "last",
				Usage:  "Show when the remote backup was last written",
				Action: showLastBackup,
			},
			{
				Name:   "status",
				Usage:  "Show local store and remote backup status",
				Action: showStatus,
			},
			{
				Name:  "entry",
				Usage: "Save a journal entry with its complete set of tags and locations",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "id",
						Usage:    "Entry id",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "body",
						Usage: "Entry text",
					},
					&cli.StringSliceFlag{
						Name:  "tag",
						Usage: "Tag as key or key=content, repeatable; omitted tags are removed",
					},
					&cli.StringSliceFlag{
						Name:  "location",
						Usage: "Location as key or key=content, repeatable; omitted locations are removed",
					},
				},
				Action: saveEntry,
			},
			{
				Name:  "daemon",
				Usage: "Run the daily backup until interrupted (needs schedule.enabled or --at)",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "at",
						Usage: "Time of day for the backup, e.g. 08:00 or 8am; enables the schedule",
					},
				},
				Action: runDaemon,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		stop()
		log.Fatal(err)
	}
}

func runBackup(c *cli.Context) error {
	s, err := newStack(c, true)
	if err != nil {
		return exitError(err)
	}
	defer s.Close()

	if err := s.await(c.Context, models.JobBackup, s.coord.RequestBackup); err != nil {
		return exitError(err)
	}
	fmt.Printf("Backup of %s completed successfully\n", s.store.Path())
	return nil
}

func runRestore(c *cli.Context) error {
	if !c.Bool("yes") {
		return fmt.Errorf("restore replaces the local store; rerun with --yes to confirm")
	}

	s, err := newStack(c, true)
	if err != nil {
		return exitError(err)
	}
	defer s.Close()

	if err := s.await(c.Context, models.JobRestore, s.coord.RequestRestore); err != nil {
		return exitError(err)
	}

	select {
	case <-s.relaunched:
	case <-c.Context.Done():
		return c.Context.Err()
	}
	fmt.Printf("Restore of %s completed successfully\n", s.store.Path())
	return nil
}

func showLastBackup(c *cli.Context) error {
	s, err := newStack(c, true)
	if err != nil {
		return exitError(err)
	}
	defer s.Close()

	last, ok := s.coord.LastBackupTime(c.Context)
	if !ok {
		fmt.Println("No backup found")
		return nil
	}
	fmt.Printf("Last backup: %s (%s ago)\n", last.Local().Format(time.RFC1123), utils.FormatDuration(time.Since(last)))
	return nil
}

// showStatus prints the local store counts and, when a remote is
// configured, the last backup time.
func showStatus(c *cli.Context) error {
	s, err := newStack(c, false)
	if err != nil {
		return exitError(err)
	}
	defer s.Close()

	stats, err := s.store.GetStats(c.Context)
	if err != nil {
		return fmt.Errorf("failed to get stats: %v", err)
	}

	fmt.Printf("Store: %s\n", s.store.Path())
	if info, err := os.Stat(s.store.Path()); err == nil {
		fmt.Printf("Size: %s\n", utils.FormatSize(info.Size()))
	}
	fmt.Printf("Entries: %d\n", stats.Entries)
	fmt.Printf("Tags: %d\n", stats.Tags)
	fmt.Printf("Locations: %d\n", stats.Locations)

	if s.coord == nil {
		fmt.Println("Remote: not configured")
		return nil
	}
	fmt.Printf("Remote: %s/%s/%s\n", s.cfg.Remote.Endpoint, s.cfg.Remote.Bucket, s.cfg.Backup.ArtifactName)
	if last, ok := s.coord.LastBackupTime(c.Context); ok {
		fmt.Printf("Last backup: %s\n", last.Local().Format(time.RFC1123))
	} else {
		fmt.Println("Last backup: none")
	}
	return nil
}

func saveEntry(c *cli.Context) error {
	tags, err := parseRelations(c.StringSlice("tag"))
	if err != nil {
		return fmt.Errorf("invalid --tag: %v", err)
	}
	locations, err := parseRelations(c.StringSlice("location"))
	if err != nil {
		return fmt.Errorf("invalid --location: %v", err)
	}

	s, err := newStack(c, false)
	if err != nil {
		return exitError(err)
	}
	defer s.Close()

	res, err := s.store.SaveEntry(c.Context, models.Entry{
		ID:        c.String("id"),
		Body:      c.String("body"),
		Tags:      tags,
		Locations: locations,
	})
	if err != nil {
		return fmt.Errorf("failed to save entry: %v", err)
	}

	fmt.Printf("Entry '%s' saved\n", c.String("id"))
	fmt.Printf("Tags: %d inserted, %d updated, %d deleted\n", len(res.Tags.Insert), len(res.Tags.Update), len(res.Tags.Delete))
	fmt.Printf("Locations: %d inserted, %d updated, %d deleted\n", len(res.Locations.Insert), len(res.Locations.Update), len(res.Locations.Delete))
	return nil
}

func runDaemon(c *cli.Context) error {
	s, err := newStack(c, true)
	if err != nil {
		return exitError(err)
	}
	defer s.Close()

	var override *string
	if c.IsSet("at") {
		v := c.String("at")
		override = &v
	}
	at, err := dailyBackupTime(s.cfg, override)
	if err != nil {
		return err
	}

	events, cancel := s.bus.Subscribe(16)
	defer cancel()

	manager := schedule.NewManager(s.runner, s.coord, schedule.Config{
		At:     at,
		Logger: s.logger("schedule"),
	})
	if err := manager.Start(); err != nil {
		return fmt.Errorf("failed to start schedule: %v", err)
	}
	defer manager.Stop()

	logger := s.logger("daemon")
	logger.Printf("Daily backup of %s at %s", s.store.Path(), at)
	for {
		select {
		case <-c.Context.Done():
			logger.Printf("Shutting down")
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			logEvent(logger, ev)
		}
	}
}

func logEvent(logger *log.Logger, ev models.Event) {
	if ev.Err != nil {
		logger.Printf("%s %s: %v", ev.Kind, ev.Phase, ev.Err)
		return
	}
	logger.Printf("%s %s", ev.Kind, ev.Phase)
}

// await submits request and blocks until the job of kind ends.
func (s *stack) await(ctx context.Context, kind models.JobKind, request func() error) error {
	events, cancel := s.bus.Subscribe(8)
	defer cancel()

	if err := request(); err != nil {
		return err
	}
	ev, err := status.WaitTerminal(ctx, events, kind)
	if err != nil {
		return err
	}
	return ev.Err
}
