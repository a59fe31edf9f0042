// Package storage mirrors finished artifacts into S3-compatible object
// storage so downloads can be served by presigned URL.
package storage

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/gosimple/slug"

	"github.com/openmusicplayer/spotidown/internal/artifact"
	"github.com/openmusicplayer/spotidown/internal/config"
	apperrors "github.com/openmusicplayer/spotidown/internal/errors"
	"github.com/openmusicplayer/spotidown/internal/logger"
)

// DefaultURLExpiry is how long a presigned download link stays valid.
const DefaultURLExpiry = 15 * time.Minute

// Mirror is an object store holding copies of artifacts.
type Mirror interface {
	// Upload copies the local file at path to key.
	Upload(ctx context.Context, key, path, contentType string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// URL returns a presigned GET link that downloads key as filename.
	URL(ctx context.Context, key, filename string, expiry time.Duration) (string, error)
	// Ping checks the bucket is reachable.
	Ping(ctx context.Context) error
}

// New builds the mirror selected by cfg.StorageBackend. It returns nil, nil
// when mirroring is disabled.
func New(ctx context.Context, cfg *config.Config) (Mirror, error) {
	switch cfg.StorageBackend {
	case config.StorageNone, "":
		return nil, nil
	case config.StorageMinio:
		m, err := NewMinio(&MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return nil, err
		}
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	case config.StorageS3:
		return NewS3(&S3Config{
			Endpoint:     cfg.S3Endpoint,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Bucket:       cfg.S3Bucket,
			UsePathStyle: cfg.S3UsePathStyle,
		}), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// ObjectKey derives a stable, URL-safe key for an artifact:
// "<kind>/<id>/<slugified name><ext>".
func ObjectKey(a artifact.Artifact) string {
	ext := strings.ToLower(filepath.Ext(a.Name))
	base := slug.Make(strings.TrimSuffix(a.Name, filepath.Ext(a.Name)))
	if base == "" {
		base = "file"
	}
	return fmt.Sprintf("%s/%s/%s%s", a.Kind, a.ID, base, ext)
}

// ContentType guesses the MIME type from the file extension.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3":
		return "audio/mpeg"
	case ".zip":
		return "application/zip"
	}
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return "application/octet-stream"
}

func contentDisposition(filename string) string {
	return mime.FormatMediaType("attachment", map[string]string{"filename": filename})
}

// Syncer pushes registered artifacts to a mirror and records their keys.
type Syncer struct {
	mirror Mirror
	store  *artifact.Store
	retry  *apperrors.RetryConfig
	log    *logger.Logger
}

func NewSyncer(mirror Mirror, store *artifact.Store, log *logger.Logger) *Syncer {
	if log == nil {
		log = logger.Default().WithComponent("storage")
	}
	return &Syncer{
		mirror: mirror,
		store:  store,
		retry:  apperrors.StorageRetryConfig(),
		log:    log,
	}
}

// Push uploads the artifact and stores its key. Failures are logged; the
// local copy keeps serving.
func (s *Syncer) Push(ctx context.Context, a artifact.Artifact) {
	key := ObjectKey(a)
	err := apperrors.Retry(ctx, s.retry, func(ctx context.Context) error {
		return s.mirror.Upload(ctx, key, a.Path, ContentType(a.Name))
	})
	if err != nil {
		s.log.WarnErr(ctx, "mirror upload failed", err, map[string]interface{}{
			"artifact_id": a.ID,
			"key":         key,
		})
		return
	}

	if !s.store.SetRemoteKey(a.ID, key) {
		// Swept while uploading.
		if err := s.mirror.Delete(ctx, key); err != nil {
			s.log.WarnErr(ctx, "failed to delete orphaned mirror object", err, map[string]interface{}{"key": key})
		}
		return
	}
	s.log.Debug(ctx, "artifact mirrored", map[string]interface{}{
		"artifact_id": a.ID,
		"key":         key,
	})
}

// URL returns a presigned link for a mirrored artifact.
func (s *Syncer) URL(ctx context.Context, a artifact.Artifact) (string, error) {
	if a.RemoteKey == "" {
		return "", fmt.Errorf("artifact %s is not mirrored", a.ID)
	}
	return s.mirror.URL(ctx, a.RemoteKey, a.Name, DefaultURLExpiry)
}

// Delete implements the sweeper's remote cleanup.
func (s *Syncer) Delete(ctx context.Context, key string) error {
	return s.mirror.Delete(ctx, key)
}

// Ping checks the mirror.
func (s *Syncer) Ping(ctx context.Context) error {
	return s.mirror.Ping(ctx)
}
