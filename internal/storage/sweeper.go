package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	sweepDelay    = 30 * time.Second
	sweepInterval = 5 * time.Minute
)

// backup is what the sweeper needs from the remote side.
type backup interface {
	Has(ctx context.Context, key string) (bool, error)
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// SweepResult counts one pass.
type SweepResult struct {
	Checked  int
	Uploaded int
	Failed   int
}

// BackupSweeper periodically uploads disk blobs missing from the backup.
// It covers failed mirror writes and blobs written before a crash.
type BackupSweeper struct {
	disk   *DiskStore
	backup backup
	clock  clock.Clock
	log    zerolog.Logger

	started  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewBackupSweeper(disk *DiskStore, b backup, clk clock.Clock, log zerolog.Logger) *BackupSweeper {
	return &BackupSweeper{
		disk:   disk,
		backup: b,
		clock:  clk,
		log:    log.With().Str("component", "backup-sweeper").Logger(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (s *BackupSweeper) Start() {
	if s.started.CompareAndSwap(false, true) {
		go s.run()
	}
}

// Stop ends the loop and waits for an in-progress pass.
func (s *BackupSweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *BackupSweeper) run() {
	defer close(s.done)

	// Let startup writes settle before the first pass.
	wait := s.clock.Timer(sweepDelay)
	select {
	case <-wait.C:
	case <-s.stop:
		wait.Stop()
		return
	}

	ticker := s.clock.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		s.Sweep(context.Background())
		select {
		case <-ticker.C:
		case <-s.stop:
			return
		}
	}
}

// Sweep runs one pass over every blob on disk.
func (s *BackupSweeper) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	keys, err := s.disk.Keys()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to list segment blobs")
		return res
	}

	for _, key := range keys {
		res.Checked++
		lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		ok, err := s.backup.Has(lookupCtx, key)
		cancel()
		if err != nil {
			s.log.Debug().Err(err).Str("key", key).Msg("backup lookup failed")
			res.Failed++
			continue
		}
		if ok {
			continue
		}

		data, err := s.disk.ReadFile(key)
		if err != nil {
			// Deleted between listing and reading.
			continue
		}
		saveCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err = s.backup.Save(saveCtx, key, data, contentType(key))
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("backup upload failed")
			res.Failed++
			continue
		}
		res.Uploaded++
	}

	if res.Uploaded > 0 || res.Failed > 0 {
		s.log.Info().
			Int("checked", res.Checked).
			Int("uploaded", res.Uploaded).
			Int("failed", res.Failed).
			Msg("backup sweep complete")
	}
	return res
}
