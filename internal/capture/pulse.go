package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/jfreymuth/pulse"
	"github.com/rs/zerolog"
)

// PulseSource records from a PulseAudio (or PipeWire-pulse) source.
type PulseSource struct {
	device string
	log    zerolog.Logger

	mu     sync.Mutex
	client *pulse.Client
	stream *pulse.RecordStream
}

// NewPulseSource records from the named source, or the server default when empty.
func NewPulseSource(device string, log zerolog.Logger) *PulseSource {
	return &PulseSource{
		device: device,
		log:    log.With().Str("component", "pulse-source").Logger(),
	}
}

func (p *PulseSource) Start(ctx context.Context, sampleRate int, sink func([]int16)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream != nil {
		return nil
	}

	c, err := pulse.NewClient()
	if err != nil {
		return fmt.Errorf("pulse: %w", err)
	}

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		if len(buf) == 0 {
			return 0, nil
		}
		frames := make([]int16, len(buf))
		copy(frames, buf)
		sink(frames)
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(sampleRate),
		pulse.RecordLatency(0.05),
	}
	if p.device != "" {
		source, err := c.SourceByID(p.device)
		if err != nil {
			c.Close()
			return fmt.Errorf("pulse source %q: %w", p.device, err)
		}
		opts = append(opts, pulse.RecordSource(source))
	}

	stream, err := c.NewRecord(writer, opts...)
	if err != nil {
		c.Close()
		return fmt.Errorf("pulse record: %w", err)
	}
	stream.Start()

	p.client = c
	p.stream = stream
	p.log.Info().Str("device", p.device).Int("sample_rate", sampleRate).Msg("pulse recording started")
	return nil
}

func (p *PulseSource) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil
	}
	p.stream.Stop()
	p.stream.Close()
	p.client.Close()
	p.stream, p.client = nil, nil
	return nil
}
