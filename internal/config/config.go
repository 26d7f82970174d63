package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	IdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`

	AuthToken      string   `env:"AUTH_TOKEN"`
	CORSOrigins    []string `env:"CORS_ORIGINS" envSeparator:","`
	RateLimitRPS   float64  `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int      `env:"RATE_LIMIT_BURST" envDefault:"40"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`

	// DBPath is the embedded SQLite file holding transcripts and the offline queue.
	DBPath string `env:"DB_PATH" envDefault:"./twinmind.db"`
	// DatabaseURL optionally mirrors finished transcripts into PostgreSQL.
	DatabaseURL string `env:"DATABASE_URL"`
	AudioDir    string `env:"AUDIO_DIR" envDefault:"./audio"`

	SegmentInterval time.Duration `env:"SEGMENT_INTERVAL" envDefault:"30s"`
	CaptureSource   string        `env:"CAPTURE_SOURCE" envDefault:"synthetic"`
	CaptureSpoolDir string        `env:"CAPTURE_SPOOL_DIR" envDefault:"./spool"`
	PulseDevice     string        `env:"PULSE_DEVICE"`

	TranscribeProvider string        `env:"TRANSCRIBE_PROVIDER" envDefault:"whisper"`
	TranscribeURL      string        `env:"TRANSCRIBE_URL" envDefault:"http://localhost:8000/v1/audio/transcriptions"`
	TranscribeModel    string        `env:"TRANSCRIBE_MODEL" envDefault:"whisper-1"`
	TranscribeAPIKey   string        `env:"TRANSCRIBE_API_KEY"`
	TranscribeLanguage string        `env:"TRANSCRIBE_LANGUAGE" envDefault:"en"`
	TranscribeTimeout  time.Duration `env:"TRANSCRIBE_TIMEOUT" envDefault:"60s"`
	TranscribeRPS      float64       `env:"TRANSCRIBE_RPS" envDefault:"2"`
	TranscribeBurst    int           `env:"TRANSCRIBE_BURST" envDefault:"4"`

	RetryMaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBaseDelay       time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	QueueMaxAttempts     int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"0"`
	QueueRedrainInterval time.Duration `env:"QUEUE_REDRAIN_INTERVAL" envDefault:"30s"`
	SyncDisplayDelay     time.Duration `env:"SYNC_DISPLAY_DELAY" envDefault:"2s"`

	ConnectivitySource        string        `env:"CONNECTIVITY_SOURCE" envDefault:"manual"`
	ConnectivityProbeURL      string        `env:"CONNECTIVITY_PROBE_URL"`
	ConnectivityProbeInterval time.Duration `env:"CONNECTIVITY_PROBE_INTERVAL" envDefault:"5s"`

	MQTT MQTTConfig `envPrefix:"MQTT_"`
	S3   S3Config   `envPrefix:"S3_"`
}

// MQTTConfig configures the broker used as a connectivity signal.
type MQTTConfig struct {
	BrokerURL   string `env:"BROKER_URL"`
	ClientID    string `env:"CLIENT_ID" envDefault:"twinmind-engine"`
	StatusTopic string `env:"STATUS_TOPIC" envDefault:"twinmind/connectivity"`
	Username    string `env:"USERNAME"`
	Password    string `env:"PASSWORD"`
}

// S3Config configures the optional object-store backup for segment audio.
type S3Config struct {
	Bucket     string `env:"BUCKET"`
	Endpoint   string `env:"ENDPOINT"`
	Region     string `env:"REGION" envDefault:"us-east-1"`
	AccessKey  string `env:"ACCESS_KEY"`
	SecretKey  string `env:"SECRET_KEY"`
	Prefix     string `env:"PREFIX"`
	LocalCache bool   `env:"LOCAL_CACHE" envDefault:"true"`
}

// Enabled reports whether enough S3 settings are present to use it.
func (c S3Config) Enabled() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

// Overrides holds CLI flag values that take priority over env vars.
type Overrides struct {
	EnvFile       string
	HTTPAddr      string
	LogLevel      string
	DBPath        string
	AudioDir      string
	CaptureSource string
}

// Load reads configuration from .env file, environment variables, and CLI overrides.
// Priority: CLI flags > environment variables > .env file > struct defaults.
func Load(overrides Overrides) (*Config, error) {
	envFile := overrides.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	if overrides.HTTPAddr != "" {
		cfg.HTTPAddr = overrides.HTTPAddr
	}
	if overrides.LogLevel != "" {
		cfg.LogLevel = overrides.LogLevel
	}
	if overrides.DBPath != "" {
		cfg.DBPath = overrides.DBPath
	}
	if overrides.AudioDir != "" {
		cfg.AudioDir = overrides.AudioDir
	}
	if overrides.CaptureSource != "" {
		cfg.CaptureSource = overrides.CaptureSource
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.SegmentInterval <= 0 {
		return fmt.Errorf("SEGMENT_INTERVAL must be positive, got %s", c.SegmentInterval)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be >= 1, got %d", c.RetryMaxAttempts)
	}
	switch c.CaptureSource {
	case "synthetic", "spool", "pulse":
	default:
		return fmt.Errorf("unknown CAPTURE_SOURCE %q", c.CaptureSource)
	}
	switch c.TranscribeProvider {
	case "whisper", "assemblyai", "elevenlabs":
	default:
		return fmt.Errorf("unknown TRANSCRIBE_PROVIDER %q", c.TranscribeProvider)
	}
	switch c.ConnectivitySource {
	case "manual":
	case "probe":
		if c.ConnectivityProbeURL == "" {
			return fmt.Errorf("CONNECTIVITY_SOURCE=probe requires CONNECTIVITY_PROBE_URL")
		}
	case "mqtt":
		if c.MQTT.BrokerURL == "" {
			return fmt.Errorf("CONNECTIVITY_SOURCE=mqtt requires MQTT_BROKER_URL")
		}
	default:
		return fmt.Errorf("unknown CONNECTIVITY_SOURCE %q", c.ConnectivitySource)
	}
	return nil
}
