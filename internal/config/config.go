package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	DemosPath string `envconfig:"DEMOS_PATH" default:"./demos"`
	DBPath    string `envconfig:"DB_PATH" default:"demos.db"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"INFO"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	RedisURL     string `envconfig:"REDIS_URL" default:"redis://localhost:6379"`
	QueueBackend string `envconfig:"QUEUE_BACKEND" default:"redis"`
	QueueName    string `envconfig:"QUEUE_NAME" default:"demo-downloads"`

	WorkerConcurrency int `envconfig:"WORKER_CONCURRENCY" default:"1"`

	Retry struct {
		MaxAttempts int           `split_words:"true" default:"3"`
		Backoff     time.Duration `split_words:"true" default:"2s"`
	}

	Steam struct {
		Username string `split_words:"true"`
		Password string `split_words:"true"`
	}

	CoordinatorURL      string `envconfig:"COORDINATOR_URL" default:"http://localhost:7070"`
	CoordinatorInsecure bool   `envconfig:"COORDINATOR_INSECURE" default:"false"`

	Session struct {
		ConnectTimeout time.Duration `split_words:"true" default:"60s"`
		RequestTimeout time.Duration `split_words:"true" default:"15s"`
	}

	Webhook struct {
		Enabled       bool          `default:"false"`
		URL           string        `envconfig:"URL"`
		Secret        string        `split_words:"true"`
		Timeout       time.Duration `split_words:"true" default:"10s"`
		RetryInterval time.Duration `split_words:"true" default:"5m"`
	}

	Cleanup struct {
		Enabled  bool          `default:"false"`
		KeepFor  time.Duration `split_words:"true" default:"720h"`
		Interval time.Duration `split_words:"true" default:"24h"`
	}

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`
	ArchiveBucketURL  string `envconfig:"ARCHIVE_BUCKET_URL"`

	Telemetry struct {
		Enabled      bool   `default:"true"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
		ServiceName  string `split_words:"true" default:"cs2-demo-downloader"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:3000"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"5m"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads an optional .env file and environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env file: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate reports configuration combinations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts))
	}

	if c.WorkerConcurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.WorkerConcurrency))
	}

	switch c.QueueBackend {
	case "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("invalid QUEUE_BACKEND: %s", c.QueueBackend))
	}

	if c.Webhook.Enabled && c.Webhook.URL == "" {
		errs = append(errs, errors.New("WEBHOOK_URL is required when WEBHOOK_ENABLED is true"))
	}

	if c.DemosPath == "" {
		errs = append(errs, errors.New("DEMOS_PATH must not be empty"))
	}

	return errors.Join(errs...)
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
