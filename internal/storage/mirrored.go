package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
)

// remote is the backup side of a MirroredStore.
type remote interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
}

// MirroredStore writes every blob to disk and then to a remote backup, so
// segments waiting in the offline queue survive losing the local disk. Disk
// failures fail the call; remote failures are logged and left to the
// BackupSweeper.
type MirroredStore struct {
	disk   *DiskStore
	remote remote
	log    zerolog.Logger
}

func NewMirroredStore(disk *DiskStore, r remote, log zerolog.Logger) *MirroredStore {
	return &MirroredStore{
		disk:   disk,
		remote: r,
		log:    log.With().Str("component", "mirrored-store").Logger(),
	}
}

func (s *MirroredStore) Save(ctx context.Context, key string, data []byte, ct string) error {
	if err := s.disk.Save(ctx, key, data, ct); err != nil {
		return err
	}
	if err := s.remote.Save(ctx, key, data, ct); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("backup write failed, sweeper will retry")
	}
	return nil
}

// Open prefers disk. A blob found only in the backup is restored to disk on
// the way through.
func (s *MirroredStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	if r, err := s.disk.Open(ctx, key); err == nil {
		return r, nil
	}
	r, err := s.remote.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if err := s.disk.Save(ctx, key, data, contentType(key)); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("failed to restore blob from backup")
	} else {
		s.log.Info().Str("key", key).Msg("blob restored from backup")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes both copies. A remote failure leaves an orphan in the backup
// and is only logged.
func (s *MirroredStore) Delete(ctx context.Context, key string) error {
	if err := s.disk.Delete(ctx, key); err != nil {
		return err
	}
	if err := s.remote.Delete(ctx, key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("backup delete failed")
	}
	return nil
}

func (s *MirroredStore) Type() string { return "mirrored" }
