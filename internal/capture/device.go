package capture

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned when the user refuses microphone access.
	ErrPermissionDenied = errors.New("microphone permission denied")
	// ErrDeviceUnavailable is returned when the capture device cannot be acquired.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

// Quality selects a recording preset.
type Quality string

const QualityHigh Quality = "high"

// DefaultSampleRate is the capture rate for QualityHigh.
const DefaultSampleRate = 44100

// RecordingConfig is passed to Device.Open for every recording.
type RecordingConfig struct {
	SessionID  string
	Quality    Quality
	SampleRate int
}

// HighQuality returns the fixed recording preset used for every segment.
func HighQuality(sessionID string) RecordingConfig {
	return RecordingConfig{SessionID: sessionID, Quality: QualityHigh, SampleRate: DefaultSampleRate}
}

// Recording is the finished chunk produced by Handle.Stop.
type Recording struct {
	// Key locates the chunk in the audio store.
	Key      string
	Samples  int
	Duration time.Duration
}

// Handle is one open recording.
type Handle interface {
	Stop() (Recording, error)
}

// Device is the platform capture API. At most one Handle is open at a time.
type Device interface {
	RequestPermission(ctx context.Context) (bool, error)
	Open(ctx context.Context, cfg RecordingConfig) (Handle, error)
	Close() error
}
