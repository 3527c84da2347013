package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	PostgresURI string `env:"POSTGRES_URI,required,notEmpty"`
	RedisAddr   string `env:"REDIS_ADDR"`

	JWTSecret   string `env:"JWT_SECRET,required,notEmpty"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	MaxSessions         int           `env:"MAX_SESSIONS" envDefault:"100"`
	SessionIdleTimeout  time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"5m"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`
	HeartbeatInterval   time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	ShutdownTimeout     time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	MaxRecordingSeconds int           `env:"MAX_RECORDING_SECONDS" envDefault:"1800"`
	OpusBitrateKbps     int           `env:"OPUS_BITRATE_KBPS" envDefault:"64"`
	ChunkQueueSize      int           `env:"CHUNK_QUEUE_SIZE" envDefault:"64"`
	StreamEndTimeout    time.Duration `env:"STREAM_END_TIMEOUT" envDefault:"5s"`

	SpeechLanguage        string `env:"SPEECH_LANGUAGE" envDefault:"en-US"`
	SpeechModel           string `env:"SPEECH_MODEL" envDefault:"medical_dictation"`
	GoogleCredentialsFile string `env:"GOOGLE_APPLICATION_CREDENTIALS"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"s3"` // s3|gcs
	S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	S3Bucket       string `env:"S3_BUCKET"`
	GCSBucket      string `env:"GCS_BUCKET"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.StorageBackend {
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("GCS_BUCKET is required when STORAGE_BACKEND=gcs")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be s3 or gcs, got %q", c.StorageBackend)
	}
	if c.MaxRecordingSeconds <= 0 {
		return fmt.Errorf("MAX_RECORDING_SECONDS must be positive, got %d", c.MaxRecordingSeconds)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MAX_SESSIONS must be positive, got %d", c.MaxSessions)
	}
	return nil
}
