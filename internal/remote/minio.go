// Package remote stores backup artifacts in a MinIO/S3 bucket.
//
// Every artifact is one object under <folder><name>/<id>, so several
// objects may share a name; the backup engine decides what duplicates mean.
package remote

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/chmdznr/journal-sync/internal/syncerr"
	"github.com/chmdznr/journal-sync/pkg/models"
)

// MinioConfig holds the bucket destination and credentials
type MinioConfig struct {
	Endpoint  string
	Bucket    string
	Folder    string
	AccessKey string
	SecretKey string
	Region    string
	Secure    bool
}

// MinioStore implements the backup engine's object store on MinIO.
type MinioStore struct {
	client *minio.Client
	bucket string
	folder string
}

// NewMinioStore creates the client. No request is made; missing
// credentials fail with a NotAuthenticated error.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, syncerr.Errorf("remote.connect", syncerr.KindNotAuthenticated, "no access key or secret key configured")
	}
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("endpoint and bucket are required")
	}

	tr := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	region := cfg.Region
	if region == "" {
		region = "auto"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:       cfg.Secure,
		Transport:    tr,
		Region:       region,
		BucketLookup: minio.BucketLookupAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %v", err)
	}

	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		folder: normalizeFolder(cfg.Folder),
	}, nil
}

// normalizeFolder trims slashes and leaves one trailing slash, or "" for the bucket root.
func normalizeFolder(folder string) string {
	folder = strings.Trim(strings.ReplaceAll(folder, "\\", "/"), "/")
	if folder == "" {
		return ""
	}
	return folder + "/"
}

func (s *MinioStore) namePrefix(name string) string {
	return s.folder + name + "/"
}

// EnsureBucket creates the bucket when it does not exist yet.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return translateError("remote.bucket", s.bucket, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		if minio.ToErrorResponse(err).Code == "BucketAlreadyOwnedByYou" {
			return nil
		}
		return translateError("remote.bucket", s.bucket, err)
	}
	return nil
}

// List returns every artifact stored under name.
func (s *MinioStore) List(ctx context.Context, name string) ([]models.Artifact, error) {
	prefix := s.namePrefix(name)
	var artifacts []models.Artifact
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, translateError("remote.list", prefix, obj.Err)
		}
		if a, ok := artifactFromObject(prefix, name, obj); ok {
			artifacts = append(artifacts, a)
		}
	}
	return artifacts, nil
}

func artifactFromObject(prefix, name string, obj minio.ObjectInfo) (models.Artifact, bool) {
	id := strings.TrimPrefix(obj.Key, prefix)
	if id == obj.Key || id == "" || strings.Contains(id, "/") {
		return models.Artifact{}, false
	}
	return models.Artifact{
		ID:           obj.Key,
		Name:         name,
		ModifiedTime: obj.LastModified,
		Size:         obj.Size,
	}, true
}

// Create uploads a new artifact under a fresh id.
func (s *MinioStore) Create(ctx context.Context, meta models.ArtifactMeta, r io.Reader, size int64) (models.Artifact, error) {
	key := s.namePrefix(meta.Name) + uuid.NewString()
	return s.put(ctx, "remote.create", key, meta, r, size)
}

// Update overwrites the artifact id in place. The object must exist.
func (s *MinioStore) Update(ctx context.Context, id string, meta models.ArtifactMeta, r io.Reader, size int64) (models.Artifact, error) {
	if _, err := s.client.StatObject(ctx, s.bucket, id, minio.StatObjectOptions{}); err != nil {
		return models.Artifact{}, translateError("remote.update", id, err)
	}
	return s.put(ctx, "remote.update", id, meta, r, size)
}

func (s *MinioStore) put(ctx context.Context, op, key string, meta models.ArtifactMeta, r io.Reader, size int64) (models.Artifact, error) {
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType:  contentType,
		UserMetadata: map[string]string{"artifact-name": meta.Name},
	})
	if err != nil {
		return models.Artifact{}, translateError(op, key, err)
	}

	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return models.Artifact{}, translateError(op, key, err)
	}
	if size >= 0 && info.Size != size {
		return models.Artifact{}, syncerr.Errorf(op, syncerr.KindIOFailure, "uploaded size mismatch for %s: expected %d bytes, got %d", key, size, info.Size)
	}
	return models.Artifact{
		ID:           key,
		Name:         meta.Name,
		ModifiedTime: info.LastModified,
		Size:         info.Size,
	}, nil
}

// Get opens the artifact for reading. The caller closes the reader.
func (s *MinioStore) Get(ctx context.Context, id string) (io.ReadCloser, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, id, minio.GetObjectOptions{})
	if err != nil {
		return nil, translateError("remote.get", id, err)
	}
	// GetObject is lazy; Stat surfaces a missing object before any bytes are read.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translateError("remote.get", id, err)
	}
	return obj, nil
}

func translateError(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	kind := syncerr.KindIOFailure
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		kind = syncerr.KindNotFound
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken", "InvalidToken":
		kind = syncerr.KindNotAuthenticated
	default:
		switch resp.StatusCode {
		case http.StatusNotFound:
			kind = syncerr.KindNotFound
		case http.StatusUnauthorized, http.StatusForbidden:
			kind = syncerr.KindNotAuthenticated
		}
	}
	return syncerr.New(op, kind, fmt.Errorf("%s: %w", key, err))
}
