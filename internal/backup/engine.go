// Package backup mirrors the local store file to a single remote artifact.
package backup

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/cheggaaa/pb/v3"

	"github.com/chmdznr/journal-sync/internal/syncerr"
	"github.com/chmdznr/journal-sync/pkg/models"
	"github.com/chmdznr/journal-sync/pkg/utils"
)

const contentType = "application/vnd.sqlite3"

// ObjectStore is the remote side of the engine.
type ObjectStore interface {
	List(ctx context.Context, name string) ([]models.Artifact, error)
	Create(ctx context.Context, meta models.ArtifactMeta, r io.Reader, size int64) (models.Artifact, error)
	Update(ctx context.Context, id string, meta models.ArtifactMeta, r io.Reader, size int64) (models.Artifact, error)
	Get(ctx context.Context, id string) (io.ReadCloser, error)
}

// Config holds configuration for the engine
type Config struct {
	// ArtifactName is the remote name of the backup, models.DefaultArtifactName if empty
	ArtifactName string
	// Progress draws a progress bar on stderr during transfers
	Progress bool
	Logger   *log.Logger
}

// Engine uploads and downloads the store file. It does not checkpoint the
// store or touch its sidecars; the caller does that around each call.
type Engine struct {
	store    ObjectStore
	name     string
	progress bool
	logger   *log.Logger
}

// New creates an engine on top of store.
func New(store ObjectStore, cfg Config) *Engine {
	name := cfg.ArtifactName
	if name == "" {
		name = models.DefaultArtifactName
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[backup] ", log.LstdFlags)
	}
	return &Engine{
		store:    store,
		name:     name,
		progress: cfg.Progress,
		logger:   logger,
	}
}

// ArtifactName returns the remote name the engine backs up to.
func (e *Engine) ArtifactName() string {
	return e.name
}

// LocateArtifact returns the single artifact called name. It returns nil
// without error when there is none, and also when there are several:
// picking one of the duplicates could overwrite or restore the wrong copy.
func (e *Engine) LocateArtifact(ctx context.Context, name string) (*models.Artifact, error) {
	a, _, err := e.locate(ctx, name)
	return a, err
}

func (e *Engine) locate(ctx context.Context, name string) (*models.Artifact, int, error) {
	artifacts, err := e.store.List(ctx, name)
	if err != nil {
		return nil, 0, syncerr.Wrap("backup.locate", err)
	}
	switch len(artifacts) {
	case 0:
		return nil, 0, nil
	case 1:
		a := artifacts[0]
		return &a, 1, nil
	default:
		e.logger.Printf("Warning: %d remote artifacts named %q, treating as no backup", len(artifacts), name)
		return nil, len(artifacts), nil
	}
}

// Upload sends the file at localPath as the backup artifact, creating it
// on first use and updating it in place afterwards. When the remote holds
// duplicates the upload is refused instead of adding another copy.
func (e *Engine) Upload(ctx context.Context, localPath string) (models.Artifact, error) {
	const op = "backup.upload"

	f, err := os.Open(localPath)
	if err != nil {
		return models.Artifact{}, syncerr.New(op, syncerr.KindIOFailure, fmt.Errorf("failed to open %s: %w", localPath, err))
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return models.Artifact{}, syncerr.New(op, syncerr.KindIOFailure, fmt.Errorf("failed to stat %s: %w", localPath, err))
	}

	existing, count, err := e.locate(ctx, e.name)
	if err != nil {
		return models.Artifact{}, syncerr.Wrap(op, err)
	}
	if existing == nil && count > 1 {
		return models.Artifact{}, syncerr.Errorf(op, syncerr.KindNotFound, "%d artifacts named %q, refusing to add another", count, e.name)
	}

	meta := models.ArtifactMeta{Name: e.name, ContentType: contentType}
	body, done := e.track(f, info.Size())
	start := time.Now()

	var artifact models.Artifact
	if existing == nil {
		artifact, err = e.store.Create(ctx, meta, body, info.Size())
	} else {
		artifact, err = e.store.Update(ctx, existing.ID, meta, body, info.Size())
	}
	done()
	if err != nil {
		return models.Artifact{}, syncerr.Wrap(op, err)
	}

	e.logTransfer("Uploaded", localPath, models.TransferStats{Bytes: info.Size(), Duration: time.Since(start)})
	return artifact, nil
}

// Download writes the artifact to destPath, replacing any existing file.
// The bytes land in a temporary file next to destPath first, so a failed
// download leaves the destination as it was.
func (e *Engine) Download(ctx context.Context, artifact *models.Artifact, destPath string) (err error) {
	const op = "backup.download"
	if artifact == nil {
		return syncerr.Errorf(op, syncerr.KindNotFound, "no backup artifact")
	}

	rc, err := e.store.Get(ctx, artifact.ID)
	if err != nil {
		return syncerr.Wrap(op, err)
	}
	defer rc.Close()

	dir := filepath.Dir(destPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return syncerr.New(op, syncerr.KindIOFailure, fmt.Errorf("failed to create %s: %w", dir, err))
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(destPath)+".download-*")
	if err != nil {
		return syncerr.New(op, syncerr.KindIOFailure, fmt.Errorf("failed to create temp file: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	body, done := e.track(&ctxReader{ctx: ctx, r: rc}, artifact.Size)
	start := time.Now()
	n, err := io.Copy(tmp, body)
	done()
	if err != nil {
		return syncerr.New(op, syncerr.KindIOFailure, fmt.Errorf("failed to read artifact %s: %w", artifact.ID, err))
	}
	if artifact.Size > 0 && n != artifact.Size {
		return syncerr.Errorf(op, syncerr.KindIOFailure, "artifact %s: expected %d bytes, got %d", artifact.ID, artifact.Size, n)
	}
	if err = tmp.Sync(); err != nil {
		return syncerr.New(op, syncerr.KindIOFailure, err)
	}
	if err = tmp.Close(); err != nil {
		return syncerr.New(op, syncerr.KindIOFailure, err)
	}
	if err = os.Rename(tmp.Name(), destPath); err != nil {
		return syncerr.New(op, syncerr.KindIOFailure, fmt.Errorf("failed to replace %s: %w", destPath, err))
	}

	e.logTransfer("Downloaded", destPath, models.TransferStats{Bytes: n, Duration: time.Since(start)})
	return nil
}

// LastBackupTime returns the modification time of the backup artifact.
// It reports false when there is no usable artifact or the remote cannot
// be reached.
func (e *Engine) LastBackupTime(ctx context.Context) (time.Time, bool) {
	a, err := e.LocateArtifact(ctx, e.name)
	if err != nil {
		e.logger.Printf("Failed to look up last backup: %v", err)
		return time.Time{}, false
	}
	if a == nil {
		return time.Time{}, false
	}
	return a.ModifiedTime, true
}

func (e *Engine) track(r io.Reader, size int64) (io.Reader, func()) {
	if !e.progress {
		return r, func() {}
	}
	bar := pb.New64(size)
	bar.Set(pb.Bytes, true)
	bar.SetWriter(os.Stderr)
	bar.SetTemplate(pb.Full)
	bar.Start()
	return bar.NewProxyReader(r), func() { bar.Finish() }
}

func (e *Engine) logTransfer(verb, path string, stats models.TransferStats) {
	e.logger.Printf("%s %s (%s) in %s at %s",
		verb,
		path,
		utils.FormatSize(stats.Bytes),
		utils.FormatDuration(stats.Duration),
		utils.FormatSpeed(stats.BytesPerSecond()))
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
