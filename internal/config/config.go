package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the audio pipeline service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Storage configuration
	DatabasePath     string `envconfig:"DATABASE_PATH" default:"pipeline.sqlite"`
	AudioStoragePath string `envconfig:"AUDIO_STORAGE_PATH" default:"audio_storage"`

	// Redis broker bridge for cross-process event fan-out.
	// Empty disables the bridge; local delivery still works.
	RedisURL string `envconfig:"REDIS_URL" default:""`

	// Audio ingestion limits
	MaxAudioSizeMB        int      `envconfig:"MAX_AUDIO_SIZE_MB" default:"10"`
	SupportedAudioFormats []string `envconfig:"SUPPORTED_AUDIO_FORMATS" default:"wav,mp3,ogg,m4a,flac"`

	// Keyword detection configuration
	DefaultKeywordThreshold float64 `envconfig:"DEFAULT_KEYWORD_THRESHOLD" default:"0.7"`

	// Pipeline configuration
	TranscribeTimeout  int `envconfig:"TRANSCRIBE_TIMEOUT" default:"60"`       // seconds per chunk
	SessionIdleTimeout int `envconfig:"SESSION_IDLE_TIMEOUT" default:"1800"`   // seconds before abandoned session state is evicted
	JanitorInterval    int `envconfig:"SESSION_JANITOR_INTERVAL" default:"60"` // seconds between eviction sweeps

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	BrokerRetryMaxAttempts     int `envconfig:"BROKER_RETRY_MAX_ATTEMPTS" default:"5"`      // Broker resubscribe attempts
	BrokerRetryBackoff         int `envconfig:"BROKER_RETRY_BACKOFF" default:"1000"`        // Initial resubscribe backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// A missing transcription credential is a fatal configuration error,
	// surfaced here rather than per-chunk.
	if cfg.DeepgramAPIKey == "" {
		return nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if cfg.DefaultKeywordThreshold < 0 || cfg.DefaultKeywordThreshold > 1 {
		return nil, fmt.Errorf("DEFAULT_KEYWORD_THRESHOLD must be in [0,1], got %v", cfg.DefaultKeywordThreshold)
	}

	return &cfg, nil
}

// SupportsFormat reports whether a file extension (without dot) is an accepted
// upload format.
func (c *Config) SupportsFormat(ext string) bool {
	for _, f := range c.SupportedAudioFormats {
		if f == ext {
			return true
		}
	}
	return false
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
