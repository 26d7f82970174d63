package capture

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// SpoolSource reads raw PCM chunks (s16le mono, *.pcm) that a platform
// recorder drops into a directory. Writers must create the file under another
// name and rename it into place. Each chunk is consumed in name order and removed.
type SpoolSource struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	done    chan struct{}

	chunksRead atomic.Int64
}

func NewSpoolSource(dir string, log zerolog.Logger) *SpoolSource {
	return &SpoolSource{
		dir: dir,
		log: log.With().Str("component", "spool-source").Logger(),
	}
}

func (s *SpoolSource) Start(ctx context.Context, sampleRate int, sink func([]int16)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		return nil
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("spool dir: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.watcher = w
	s.done = make(chan struct{})

	// Chunks left over from before the watch started.
	backlog, _ := filepath.Glob(filepath.Join(s.dir, "*.pcm"))
	sort.Strings(backlog)

	go s.watchLoop(w, s.done, backlog, sink)

	s.log.Info().Str("dir", s.dir).Int("backlog", len(backlog)).Msg("spool watcher initialized")
	return nil
}

func (s *SpoolSource) Stop() error {
	s.mu.Lock()
	w, done := s.watcher, s.done
	s.watcher, s.done = nil, nil
	s.mu.Unlock()
	if w == nil {
		return nil
	}
	err := w.Close()
	<-done
	s.log.Info().Int64("chunks_read", s.chunksRead.Load()).Msg("spool watcher stopped")
	return err
}

// ChunksRead returns the number of chunks consumed since creation.
func (s *SpoolSource) ChunksRead() int64 { return s.chunksRead.Load() }

func (s *SpoolSource) watchLoop(w *fsnotify.Watcher, done chan struct{}, backlog []string, sink func([]int16)) {
	defer close(done)
	for _, path := range backlog {
		s.consume(path, sink)
	}
	for {
		select {
		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(strings.ToLower(event.Name), ".pcm") {
				continue
			}
			s.consume(event.Name, sink)

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			s.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

func (s *SpoolSource) consume(path string, sink func([]int16)) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Rename events also fire for the old name.
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", path).Msg("failed to read chunk")
		}
		return
	}
	if err := os.Remove(path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("failed to remove chunk")
	}
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	s.chunksRead.Add(1)
	sink(samples)
}
