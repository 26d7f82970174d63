package transcribe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/twinmind/twinmind-engine/internal/capture"
	"golang.org/x/time/rate"
)

// Client turns one closed segment into text. Implementations perform no
// retries of their own and never modify the segment.
type Client interface {
	Transcribe(ctx context.Context, seg capture.Segment) (string, error)
	Name() string
}

// AudioSource reads segment audio by its source handle.
type AudioSource interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// Options selects and configures a backend.
type Options struct {
	Provider string // "whisper", "assemblyai", "elevenlabs"
	URL      string
	Model    string
	APIKey   string
	Language string
	Timeout  time.Duration
	RPS      float64
	Burst    int
}

// New builds the configured backend, wrapped in a rate limiter when RPS > 0.
func New(opts Options, audio AudioSource) (Client, error) {
	var c Client
	switch opts.Provider {
	case "", "whisper":
		c = NewWhisperClient(opts.URL, opts.Model, opts.APIKey, opts.Language, opts.Timeout, audio)
	case "assemblyai":
		c = NewAssemblyAIClient(opts.APIKey, opts.Timeout, audio)
	case "elevenlabs":
		c = NewElevenLabsClient(opts.APIKey, opts.Model, opts.Language, opts.Timeout, audio)
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", opts.Provider)
	}
	if opts.RPS > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		c = RateLimited(c, rate.NewLimiter(rate.Limit(opts.RPS), burst))
	}
	return c, nil
}

// readSegment loads the segment's audio. A missing or unreadable blob is a
// service error: the same attempt would fail again on a healthy network.
func readSegment(ctx context.Context, provider string, audio AudioSource, seg capture.Segment) ([]byte, error) {
	r, err := audio.Open(ctx, seg.SourceHandle)
	if err != nil {
		return nil, serviceError(provider, fmt.Errorf("open audio %s: %w", seg.SourceHandle, err))
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, serviceError(provider, fmt.Errorf("read audio %s: %w", seg.SourceHandle, err))
	}
	return data, nil
}

// do executes req and returns the body of a 2xx response. Everything else
// comes back as an *Error of the matching kind.
func do(client *http.Client, provider string, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, networkError(provider, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(provider, fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(provider, resp.StatusCode, body)
	}
	return body, nil
}
