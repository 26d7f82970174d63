package capture

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SyntheticSource generates a steady sine tone in fixed-size chunks.
// Used for demo mode and tests where no microphone is present.
type SyntheticSource struct {
	clock     clock.Clock
	chunk     time.Duration
	frequency float64
	amplitude float64

	mu    sync.Mutex
	stop  chan struct{}
	done  chan struct{}
	phase float64
}

func NewSyntheticSource(clk clock.Clock, chunk time.Duration) *SyntheticSource {
	if clk == nil {
		clk = clock.New()
	}
	if chunk <= 0 {
		chunk = 100 * time.Millisecond
	}
	return &SyntheticSource{clock: clk, chunk: chunk, frequency: 440, amplitude: 0.3}
}

func (s *SyntheticSource) Start(ctx context.Context, sampleRate int, sink func([]int16)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	n := int(int64(sampleRate) * int64(s.chunk) / int64(time.Second))
	ticker := s.clock.Ticker(s.chunk)
	go func(stop, done chan struct{}) {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sink(s.generate(n, sampleRate))
			case <-stop:
				return
			}
		}
	}(s.stop, s.done)
	return nil
}

func (s *SyntheticSource) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *SyntheticSource) generate(n, sampleRate int) []int16 {
	out := make([]int16, n)
	step := 2 * math.Pi * s.frequency / float64(sampleRate)
	for i := range out {
		out[i] = int16(s.amplitude * math.MaxInt16 * math.Sin(s.phase))
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	return out
}
