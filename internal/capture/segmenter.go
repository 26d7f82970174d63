package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// DefaultInterval is the fixed segment length.
const DefaultInterval = 30 * time.Second

// SegmenterOptions configures a Segmenter.
type SegmenterOptions struct {
	Interval time.Duration
	Clock    clock.Clock
	// OnSegment receives every closed segment, including the final one.
	// It runs on the rotation goroutine, so the next rotation waits for it.
	OnSegment func(Segment)
	Log       zerolog.Logger
}

// Segmenter cuts continuous capture into fixed-length segments. Exactly one
// recording is open while running; rotation closes it and opens the next.
type Segmenter struct {
	device    Device
	sessionID string
	interval  time.Duration
	clock     clock.Clock
	onSegment func(Segment)
	log       zerolog.Logger

	mu       sync.Mutex
	running  bool
	handle   Handle
	openedAt time.Time
	seq      int64
	stop     chan struct{}
	done     chan struct{}
}

func NewSegmenter(device Device, sessionID string, opts SegmenterOptions) *Segmenter {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.OnSegment == nil {
		opts.OnSegment = func(Segment) {}
	}
	return &Segmenter{
		device:    device,
		sessionID: sessionID,
		interval:  opts.Interval,
		clock:     opts.Clock,
		onSegment: opts.OnSegment,
		log:       opts.Log.With().Str("component", "segmenter").Str("session_id", sessionID).Logger(),
	}
}

// Start opens the first recording and starts the rotation timer.
func (s *Segmenter) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("segmenter already running")
	}

	h, err := s.device.Open(ctx, HighQuality(s.sessionID))
	if err != nil {
		if errors.Is(err, ErrDeviceUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	s.handle = h
	s.openedAt = s.clock.Now()
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	ticker := s.clock.Ticker(s.interval)
	go s.loop(ticker, s.stop, s.done)

	s.log.Info().Dur("interval", s.interval).Msg("segmenter started")
	return nil
}

func (s *Segmenter) loop(ticker *clock.Ticker, stop, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if seg, ok := s.rotate(); ok {
				s.onSegment(seg)
			}
		case <-stop:
			return
		}
	}
}

// rotate closes the open recording and immediately opens the next one.
func (s *Segmenter) rotate() (Segment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return Segment{}, false
	}

	seg, ok := s.closeLocked(false)

	h, err := s.device.Open(context.Background(), HighQuality(s.sessionID))
	if err != nil {
		// Retried on the next tick.
		s.log.Error().Err(err).Msg("failed to open next recording")
		s.handle = nil
		return seg, ok
	}
	s.handle = h
	s.openedAt = s.clock.Now()
	return seg, ok
}

// closeLocked stops the open handle and builds its segment. Caller holds s.mu.
func (s *Segmenter) closeLocked(final bool) (Segment, bool) {
	if s.handle == nil {
		return Segment{}, false
	}
	now := s.clock.Now()
	rec, err := s.handle.Stop()
	s.handle = nil
	if err != nil {
		s.log.Error().Err(err).Bool("final", final).Msg("failed to close recording")
		return Segment{}, false
	}
	s.seq++
	seg := Segment{
		SessionID:     s.sessionID,
		SequenceIndex: s.seq,
		SourceHandle:  rec.Key,
		CapturedAt:    now,
		Duration:      now.Sub(s.openedAt),
		Final:         final,
		State:         StatePending,
	}
	s.log.Debug().
		Int64("seq", seg.SequenceIndex).
		Dur("duration", seg.Duration).
		Bool("final", final).
		Msg("segment closed")
	return seg, true
}

// Stop cancels the rotation timer, closes the open recording as the final
// segment, delivers it and releases the device. Returns false when the
// segmenter was not running.
func (s *Segmenter) Stop() (Segment, bool, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return Segment{}, false, nil
	}
	s.running = false
	stop, done := s.stop, s.done
	s.mu.Unlock()

	close(stop)
	<-done

	s.mu.Lock()
	seg, ok := s.closeLocked(true)
	s.mu.Unlock()

	if ok {
		s.onSegment(seg)
	}
	err := s.device.Close()
	s.log.Info().Int64("segments", s.Count()).Msg("segmenter stopped")
	return seg, ok, err
}

// Count returns the number of segments closed so far.
func (s *Segmenter) Count() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Running reports whether a recording cycle is active.
func (s *Segmenter) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
