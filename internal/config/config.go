// Package config loads tasksync settings from an optional YAML file and the
// environment. Secrets are read from the environment (or a watched file) and
// are only checked when something needs them.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/tasksync/internal/logging"
	"github.com/agentworkforce/tasksync/internal/tasksync"
	"github.com/agentworkforce/tasksync/internal/todoist"
	"github.com/agentworkforce/tasksync/internal/tracing"
	"github.com/agentworkforce/tasksync/internal/webhook"
)

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TracingConfig struct {
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	Addr              string        `yaml:"addr"`
	Service           string        `yaml:"service"`
	APIBaseURL        string        `yaml:"api_base_url"`
	StoreDSN          string        `yaml:"store_dsn"`
	SyncInterval      time.Duration `yaml:"sync_interval"`
	SyncJitter        float64       `yaml:"sync_jitter"`
	SyncTimeout       time.Duration `yaml:"sync_timeout"`
	RoutineMarker     string        `yaml:"routine_marker"`
	JWTSecret         string        `yaml:"jwt_secret"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	CommandWorkers    int           `yaml:"command_workers"`
	CommandQueue      int           `yaml:"command_queue"`
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	WebhookSecretFile string        `yaml:"webhook_secret_file"`
	Log               LogConfig     `yaml:"log"`
	Tracing           TracingConfig `yaml:"tracing"`

	apiToken      string
	webhookSecret string

	mu         sync.RWMutex
	secretFile *SecretFile
}

func Default() *Config {
	return &Config{
		Addr:           ":8080",
		Service:        tasksync.DefaultService,
		APIBaseURL:     todoist.DefaultBaseURL,
		StoreDSN:       "sqlite://tasksync.db",
		SyncInterval:   5 * time.Minute,
		SyncJitter:     0.1,
		SyncTimeout:    time.Minute,
		RoutineMarker:  webhook.DefaultRoutineMarker,
		JWTSecret:      "dev-secret",
		MaxBodyBytes:   1 << 20,
		CommandWorkers: 2,
		CommandQueue:   256,
		CommandTimeout: 15 * time.Second,
		Log: LogConfig{
			Level:  string(logging.LevelInfo),
			Format: string(logging.FormatText),
		},
		Tracing: TracingConfig{
			Exporter:    string(tracing.ExporterNone),
			ServiceName: "tasksync",
			SampleRate:  1,
		},
	}
}

// Load reads path (when non-empty) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	c.Addr = stringEnv("TASKSYNC_ADDR", c.Addr)
	c.Service = stringEnv("TASKSYNC_SERVICE", c.Service)
	c.APIBaseURL = stringEnv("TODOIST_API_BASE_URL", c.APIBaseURL)
	c.StoreDSN = stringEnv("TASKSYNC_STORE_DSN", c.StoreDSN)
	c.SyncInterval = durationEnv("TASKSYNC_SYNC_INTERVAL", c.SyncInterval)
	c.SyncJitter = floatEnv("TASKSYNC_SYNC_JITTER", c.SyncJitter)
	c.SyncTimeout = durationEnv("TASKSYNC_SYNC_TIMEOUT", c.SyncTimeout)
	c.RoutineMarker = stringEnv("TASKSYNC_ROUTINE_MARKER", c.RoutineMarker)
	c.JWTSecret = stringEnv("TASKSYNC_JWT_SECRET", c.JWTSecret)
	c.MaxBodyBytes = int64Env("TASKSYNC_MAX_BODY_BYTES", c.MaxBodyBytes)
	c.CommandWorkers = intEnv("TASKSYNC_COMMAND_WORKERS", c.CommandWorkers)
	c.CommandQueue = intEnv("TASKSYNC_COMMAND_QUEUE", c.CommandQueue)
	c.CommandTimeout = durationEnv("TASKSYNC_COMMAND_TIMEOUT", c.CommandTimeout)
	c.WebhookSecretFile = stringEnv("TODOIST_WEBHOOK_SECRET_FILE", c.WebhookSecretFile)
	c.Log.Level = stringEnv("TASKSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = stringEnv("TASKSYNC_LOG_FORMAT", c.Log.Format)
	c.Log.File = stringEnv("TASKSYNC_LOG_FILE", c.Log.File)
	c.Tracing.Exporter = stringEnv("TASKSYNC_TRACE_EXPORTER", c.Tracing.Exporter)
	c.Tracing.Endpoint = stringEnv("TASKSYNC_TRACE_ENDPOINT", c.Tracing.Endpoint)
	c.Tracing.SampleRate = floatEnv("TASKSYNC_TRACE_SAMPLE_RATE", c.Tracing.SampleRate)
	c.apiToken = strings.TrimSpace(os.Getenv("TODOIST_API_TOKEN"))
	c.webhookSecret = strings.TrimSpace(os.Getenv("TODOIST_WEBHOOK_SECRET"))
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.SyncInterval <= 0 {
		errs = append(errs, errors.New("sync_interval must be positive"))
	}
	if c.SyncJitter < 0 || c.SyncJitter > 1 {
		errs = append(errs, errors.New("sync_jitter must be between 0 and 1"))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, errors.New("max_body_bytes must be positive"))
	}
	if c.CommandWorkers <= 0 {
		errs = append(errs, errors.New("command_workers must be positive"))
	}
	switch tracing.ExporterType(c.Tracing.Exporter) {
	case "", tracing.ExporterNone, tracing.ExporterStdout, tracing.ExporterOTLP:
	default:
		errs = append(errs, fmt.Errorf("unknown tracing exporter %q", c.Tracing.Exporter))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", tasksync.ErrInvalidInput, errors.Join(errs...))
	}
	return nil
}

// APIToken fails with todoist.ErrMissingToken when TODOIST_API_TOKEN is unset.
func (c *Config) APIToken() (string, error) {
	if c.apiToken == "" {
		return "", todoist.ErrMissingToken
	}
	return c.apiToken, nil
}

// WebhookSecret prefers the watched secret file when one is open.
func (c *Config) WebhookSecret() (string, error) {
	c.mu.RLock()
	file := c.secretFile
	c.mu.RUnlock()
	if file != nil {
		return file.Secret()
	}
	if c.webhookSecret == "" {
		return "", webhook.ErrMissingSecret
	}
	return c.webhookSecret, nil
}

// WatchWebhookSecret opens WebhookSecretFile and keeps it reloaded. It
// returns nil when no file is configured.
func (c *Config) WatchWebhookSecret(logger *logging.Logger) (*SecretFile, error) {
	if strings.TrimSpace(c.WebhookSecretFile) == "" {
		return nil, nil
	}
	file, err := OpenSecretFile(c.WebhookSecretFile, logger)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.secretFile = file
	c.mu.Unlock()
	return file, nil
}

func (c *Config) Logging() logging.Config {
	cfg := logging.DefaultConfig()
	if c.Log.Level != "" {
		cfg.Level = logging.Level(strings.ToLower(c.Log.Level))
	}
	if c.Log.Format != "" {
		cfg.Format = logging.Format(strings.ToLower(c.Log.Format))
	}
	cfg.File = c.Log.File
	cfg.MaxSizeMB = c.Log.MaxSizeMB
	cfg.MaxBackups = c.Log.MaxBackups
	cfg.MaxAgeDays = c.Log.MaxAgeDays
	return cfg
}

func (c *Config) TracingConfig() tracing.Config {
	exporter := tracing.ExporterType(c.Tracing.Exporter)
	if exporter == "" {
		exporter = tracing.ExporterNone
	}
	return tracing.Config{
		Exporter:     exporter,
		OTLPEndpoint: c.Tracing.Endpoint,
		ServiceName:  c.Tracing.ServiceName,
		SampleRate:   c.Tracing.SampleRate,
	}
}
