package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/twinmind/twinmind-engine/internal/config"
)

var (
	// ErrNotFound is returned by Open when a blob is absent from every backend.
	ErrNotFound = errors.New("audio blob not found")
	// ErrInvalidKey rejects keys that are absolute or climb out of the store.
	ErrInvalidKey = errors.New("invalid blob key")
)

// BlobStore owns segment audio between capture and transcription. Keys look
// like {session_id}/{recording_id}.flac.
type BlobStore interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the blob everywhere. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Type returns "disk", "bucket" or "mirrored".
	Type() string
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// New builds the blob store for cfg. Without S3 settings blobs stay on disk.
// With S3 and a local cache, disk stays the primary copy and a BackupSweeper
// is returned for the caller to Start and Stop. An unreachable bucket is an
// error.
func New(cfg config.S3Config, dir string, log zerolog.Logger) (BlobStore, []BackgroundService, error) {
	disk := NewDiskStore(dir)
	if !cfg.Enabled() {
		return disk, nil, nil
	}

	bucket, err := NewBucketStore(cfg, log)
	if err != nil {
		return nil, nil, fmt.Errorf("s3 init: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bucket.Ping(ctx); err != nil {
		return nil, nil, fmt.Errorf("s3 bucket %q at %q unreachable: %w", cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("segment backup bucket reachable")

	if !cfg.LocalCache {
		return bucket, nil, nil
	}
	sweeper := NewBackupSweeper(disk, bucket, clock.New(), log)
	return NewMirroredStore(disk, bucket, log), []BackgroundService{sweeper}, nil
}

// contentType maps a blob key to the MIME type stored alongside it.
func contentType(key string) string {
	switch path.Ext(key) {
	case ".flac":
		return "audio/flac"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
