package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/twinmind/twinmind-engine/internal/api"
	"github.com/twinmind/twinmind-engine/internal/capture"
	"github.com/twinmind/twinmind-engine/internal/config"
	"github.com/twinmind/twinmind-engine/internal/connectivity"
	"github.com/twinmind/twinmind-engine/internal/database"
	"github.com/twinmind/twinmind-engine/internal/metrics"
	"github.com/twinmind/twinmind-engine/internal/queue"
	"github.com/twinmind/twinmind-engine/internal/retry"
	"github.com/twinmind/twinmind-engine/internal/session"
	"github.com/twinmind/twinmind-engine/internal/storage"
	"github.com/twinmind/twinmind-engine/internal/transcribe"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	flag.StringVar(&overrides.DBPath, "db", "", "SQLite database path (overrides DB_PATH)")
	flag.StringVar(&overrides.AudioDir, "audio-dir", "", "Segment audio directory (overrides AUDIO_DIR)")
	flag.StringVar(&overrides.CaptureSource, "capture", "", "Capture source: synthetic, spool or pulse (overrides CAPTURE_SOURCE)")
	flag.Parse()

	if *showVersion {
		fmt.Println("twinmind-engine", version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("twinmind-engine starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	dbLog := log.With().Str("component", "database").Logger()
	db, err := database.Open(ctx, cfg.DBPath, dbLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	var transcripts session.TranscriptStore = db
	var pgHealth api.HealthChecker
	var pg *database.PGTranscripts
	if cfg.DatabaseURL != "" {
		pgLog := log.With().Str("component", "postgres").Logger()
		pg, err = database.ConnectPG(ctx, cfg.DatabaseURL, pgLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to postgres")
		}
		defer pg.Close()
		transcripts = &database.Mirrored{Primary: db, Mirror: pg, Log: pgLog}
		pgHealth = pg
	}

	// Segment audio storage
	storeLog := log.With().Str("component", "storage").Logger()
	audioStore, services, err := storage.New(cfg.S3, cfg.AudioDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize audio storage")
	}
	for _, svc := range services {
		svc.Start()
		defer svc.Stop()
	}
	log.Info().Str("type", audioStore.Type()).Str("dir", cfg.AudioDir).Msg("audio storage ready")

	// Capture
	var src capture.Source
	switch cfg.CaptureSource {
	case "spool":
		src = capture.NewSpoolSource(cfg.CaptureSpoolDir, log)
	case "pulse":
		src = capture.NewPulseSource(cfg.PulseDevice, log)
	default:
		src = capture.NewSyntheticSource(clock.New(), 100*time.Millisecond)
	}
	device := capture.NewPCMDevice(src, audioStore, log)
	defer device.Close()

	// Transcription
	client, err := transcribe.New(transcribe.Options{
		Provider: cfg.TranscribeProvider,
		URL:      cfg.TranscribeURL,
		Model:    cfg.TranscribeModel,
		APIKey:   cfg.TranscribeAPIKey,
		Language: cfg.TranscribeLanguage,
		Timeout:  cfg.TranscribeTimeout,
		RPS:      cfg.TranscribeRPS,
		Burst:    cfg.TranscribeBurst,
	}, audioStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize transcription")
	}

	// Connectivity
	var monitor connectivity.Monitor
	var reporter api.ConnectivityReporter
	switch cfg.ConnectivitySource {
	case "probe":
		prober := connectivity.NewProber(cfg.ConnectivityProbeURL, cfg.ConnectivityProbeInterval, log)
		go prober.Run(ctx)
		monitor = prober
	case "mqtt":
		mq := connectivity.ConnectMQTT(connectivity.MQTTOptions{
			BrokerURL:   cfg.MQTT.BrokerURL,
			ClientID:    cfg.MQTT.ClientID,
			StatusTopic: cfg.MQTT.StatusTopic,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			Log:         log,
		})
		defer mq.Close()
		monitor = mq
	default:
		sig := connectivity.NewSignal(true)
		monitor = sig
		reporter = sig
	}
	log.Info().Str("source", cfg.ConnectivitySource).Bool("connected", monitor.IsConnected()).Msg("connectivity monitor ready")

	// Session
	q := queue.New(db, queue.Options{MaxAttempts: cfg.QueueMaxAttempts, Log: log})
	ctrl := session.NewController(session.Options{
		Device:       device,
		Client:       client,
		Queue:        q,
		Connectivity: monitor,
		Store:        transcripts,
		Blobs:        audioStore,
		Retry: retry.Policy{
			MaxAttempts: cfg.RetryMaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay,
		},
		Interval:         cfg.SegmentInterval,
		SyncDisplayDelay: cfg.SyncDisplayDelay,
		RedrainInterval:  cfg.QueueRedrainInterval,
		Log:              log,
	})
	// Restore the queue now so it is visible before the first session starts.
	if _, err := q.Load(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to load offline queue")
	}

	// Metrics
	var pool *pgxpool.Pool
	if pg != nil {
		pool = pg.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(ctrl, db, pool))

	// HTTP Server
	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.Options{
		Config:       cfg,
		Session:      ctrl,
		Transcripts:  db,
		Database:     db,
		Postgres:     pgHealth,
		Connectivity: monitor,
		Reporter:     reporter,
		Provider:     client.Name(),
		Version:      version,
		StartTime:    startTime,
		Log:          httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}
	if err := ctrl.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session shutdown error")
	}

	log.Info().Msg("twinmind-engine stopped")
}
