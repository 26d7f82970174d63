package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Source delivers mono 16-bit PCM frames to a sink until stopped.
type Source interface {
	Start(ctx context.Context, sampleRate int, sink func([]int16)) error
	Stop() error
}

// BlobSaver is the part of the audio store the device writes to.
type BlobSaver interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
}

// PCMDevice implements Device over a frame Source. The source keeps running
// across recordings; frames that arrive while no recording is open are held
// and prepended to the next one.
type PCMDevice struct {
	src   Source
	store BlobSaver
	log   zerolog.Logger

	mu         sync.Mutex
	running    bool
	sampleRate int
	current    *pcmHandle
	pending    []int16
}

func NewPCMDevice(src Source, store BlobSaver, log zerolog.Logger) *PCMDevice {
	return &PCMDevice{
		src:   src,
		store: store,
		log:   log.With().Str("component", "pcm-device").Logger(),
	}
}

// RequestPermission acquires the source. A source refusing with
// ErrPermissionDenied is reported as (false, nil).
func (d *PCMDevice) RequestPermission(ctx context.Context) (bool, error) {
	if err := d.ensureRunning(ctx, DefaultSampleRate); err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (d *PCMDevice) Open(ctx context.Context, cfg RecordingConfig) (Handle, error) {
	rate := cfg.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	if err := d.ensureRunning(ctx, rate); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.current != nil {
		return nil, fmt.Errorf("%w: recording already open", ErrDeviceUnavailable)
	}
	h := &pcmHandle{
		dev:        d,
		key:        cfg.SessionID + "/" + uuid.NewString() + ".flac",
		sampleRate: d.sampleRate,
		samples:    d.pending,
	}
	d.pending = nil
	d.current = h
	return h, nil
}

// Close stops the source and drops any unclaimed frames.
func (d *PCMDevice) Close() error {
	d.mu.Lock()
	running := d.running
	d.running = false
	d.current = nil
	d.pending = nil
	d.mu.Unlock()
	if !running {
		return nil
	}
	return d.src.Stop()
}

func (d *PCMDevice) ensureRunning(ctx context.Context, rate int) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.sampleRate = rate
	d.running = true
	d.mu.Unlock()

	if err := d.src.Start(ctx, rate, d.write); err != nil {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
		return err
	}
	d.log.Debug().Int("sample_rate", rate).Msg("source started")
	return nil
}

func (d *PCMDevice) write(frames []int16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	if d.current != nil {
		d.current.samples = append(d.current.samples, frames...)
		return
	}
	d.pending = append(d.pending, frames...)
}

type pcmHandle struct {
	dev        *PCMDevice
	key        string
	sampleRate int
	samples    []int16
	stopped    bool
}

// Stop detaches the handle from the source, encodes its frames and saves the chunk.
func (h *pcmHandle) Stop() (Recording, error) {
	d := h.dev
	d.mu.Lock()
	if h.stopped {
		d.mu.Unlock()
		return Recording{}, errors.New("recording already stopped")
	}
	h.stopped = true
	if d.current == h {
		d.current = nil
	}
	samples := h.samples
	h.samples = nil
	d.mu.Unlock()

	data, err := EncodeFLAC(samples, h.sampleRate)
	if err != nil {
		return Recording{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.store.Save(ctx, h.key, data, "audio/flac"); err != nil {
		return Recording{}, fmt.Errorf("save %s: %w", h.key, err)
	}

	rec := Recording{
		Key:      h.key,
		Samples:  len(samples),
		Duration: time.Duration(len(samples)) * time.Second / time.Duration(h.sampleRate),
	}
	d.log.Debug().Str("key", rec.Key).Int("samples", rec.Samples).Msg("recording saved")
	return rec, nil
}
