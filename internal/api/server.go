package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/twinmind/twinmind-engine/internal/config"
	"github.com/twinmind/twinmind-engine/internal/connectivity"
	"github.com/twinmind/twinmind-engine/internal/database"
	"github.com/twinmind/twinmind-engine/internal/metrics"
	"github.com/twinmind/twinmind-engine/internal/queue"
	"github.com/twinmind/twinmind-engine/internal/session"
)

// SessionService is the session controller surface driven over HTTP.
type SessionService interface {
	Start(ctx context.Context) (session.State, error)
	Stop(ctx context.Context) (session.State, error)
	State() session.State
	Transcript() []session.TranscriptSegment
	Text() string
	Subscribe() (<-chan session.Event, func())
	Queue() []queue.Entry
	Drain(ctx context.Context) (queue.DrainResult, error)
	Discard(ctx context.Context, sessionID string, seq int64) error
}

// TranscriptLister reads saved session transcripts, newest first.
type TranscriptLister interface {
	ListAll(ctx context.Context) ([]database.Transcript, error)
}

// HealthChecker is implemented by every backing store.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ConnectivityReporter accepts reachability reports from a platform bridge.
type ConnectivityReporter interface {
	Set(connected bool) bool
}

type Options struct {
	Config       *config.Config
	Session      SessionService
	Transcripts  TranscriptLister
	Database     HealthChecker
	Postgres     HealthChecker // nil when DATABASE_URL is unset
	Connectivity connectivity.Monitor
	// Reporter is nil unless CONNECTIVITY_SOURCE=manual.
	Reporter  ConnectivityReporter
	Provider  string
	Version   string
	StartTime time.Time
	Log       zerolog.Logger
}

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

func NewServer(opts Options) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(metrics.InstrumentHandler)
	r.Use(CORSWithOrigins(cfg.CORSOrigins))
	if cfg.RateLimitRPS > 0 {
		r.Use(RateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	health := NewHealthHandler(opts.Database, opts.Postgres, opts.Connectivity, opts.Session, opts.Provider, opts.Version, opts.StartTime)
	sessions := NewSessionHandler(opts.Session, opts.Log)
	queues := NewQueueHandler(opts.Session)
	conn := NewConnectivityHandler(opts.Connectivity, opts.Reporter, cfg.ConnectivitySource)
	transcripts := NewTranscriptsHandler(opts.Transcripts)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Health endpoint: no auth
		r.Get("/health", health.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			sessions.Routes(r)
			queues.Routes(r)
			conn.Routes(r)
			transcripts.Routes(r)

			r.Group(func(r chi.Router) {
				r.Use(RequireAuth(cfg.AuthToken))
				r.Delete("/queue/{session}/{seq}", queues.Discard)
			})
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
