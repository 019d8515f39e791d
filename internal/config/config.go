package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Storage
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailsync.db"`
	DataDir      string `env:"DATA_DIR" envDefault:"./data/blobs"`

	// IMAP
	IMAPDialTimeout    time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	IMAPCommandTimeout time.Duration `env:"IMAP_COMMAND_TIMEOUT" envDefault:"1m"`
	IMAPIdleTimeout    time.Duration `env:"IMAP_IDLE_TIMEOUT" envDefault:"25m"`

	// SMTP
	SMTPTimeout time.Duration `env:"SMTP_TIMEOUT" envDefault:"1m"`

	// Sync
	BackoffStart         time.Duration `env:"SYNC_BACKOFF_START" envDefault:"32s"`
	BackoffMax           time.Duration `env:"SYNC_BACKOFF_MAX" envDefault:"1024s"`
	StoreCheckInterval   time.Duration `env:"SYNC_STORE_CHECK_INTERVAL" envDefault:"9m"`
	DefaultRetentionDays int           `env:"SYNC_DEFAULT_RETENTION_DAYS" envDefault:"7"`
	AttachmentChunkSize  int           `env:"ATTACHMENT_CHUNK_SIZE" envDefault:"8192"`

	// Security
	EncryptionKey string `env:"ENCRYPTION_KEY,required"`

	// OAuth2 (optional)
	OAuthClientID     string `env:"OAUTH_CLIENT_ID"`
	OAuthClientSecret string `env:"OAUTH_CLIENT_SECRET"`
	OAuthTokenURL     string `env:"OAUTH_TOKEN_URL"` // e.g., https://oauth2.googleapis.com/token

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"

	// Metrics
	MetricsAddr string `env:"METRICS_ADDR"` // e.g., :9090, empty disables
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate encryption key length (32 bytes for AES-256)
	if len(cfg.EncryptionKey) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must be exactly 32 bytes, got %d", len(cfg.EncryptionKey))
	}

	if cfg.BackoffStart <= 0 || cfg.BackoffMax < cfg.BackoffStart {
		return nil, fmt.Errorf("invalid backoff range %s..%s", cfg.BackoffStart, cfg.BackoffMax)
	}
	if cfg.AttachmentChunkSize <= 0 {
		return nil, fmt.Errorf("ATTACHMENT_CHUNK_SIZE must be positive, got %d", cfg.AttachmentChunkSize)
	}

	return cfg, nil
}
