package connectivity

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Prober polls a URL and treats any response below 500 as connected.
type Prober struct {
	*hub
	url      string
	interval time.Duration
	client   *http.Client
	log      zerolog.Logger
}

func NewProber(url string, interval time.Duration, log zerolog.Logger) *Prober {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	timeout := interval
	if timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Prober{
		hub:      newHub(false),
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "connectivity-probe").Logger(),
	}
}

// Run probes immediately and then every interval until ctx is done.
func (p *Prober) Run(ctx context.Context) {
	p.Probe(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Probe(ctx)
		}
	}
}

// Probe performs one check and returns the resulting state.
func (p *Prober) Probe(ctx context.Context) bool {
	ok := p.check(ctx)
	if p.set(ok) {
		p.log.Info().Bool("connected", ok).Str("url", p.url).Msg("connectivity changed")
	}
	return ok
}

func (p *Prober) check(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug().Err(err).Msg("probe failed")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 500
}
