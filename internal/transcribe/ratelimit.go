package transcribe

import (
	"context"

	"github.com/twinmind/twinmind-engine/internal/capture"
	"golang.org/x/time/rate"
)

type rateLimited struct {
	next    Client
	limiter *rate.Limiter
}

// RateLimited caps the request rate of next. Waiting honors ctx; a cancelled
// wait is returned as-is and is not retryable.
func RateLimited(next Client, limiter *rate.Limiter) Client {
	return &rateLimited{next: next, limiter: limiter}
}

func (r *rateLimited) Transcribe(ctx context.Context, seg capture.Segment) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return r.next.Transcribe(ctx, seg)
}

func (r *rateLimited) Name() string { return r.next.Name() }
