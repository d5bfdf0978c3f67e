// Package config provides configuration management for the TaskRun control plane.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Identity  IdentityConfig  `mapstructure:"identity"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Stream    StreamConfig    `mapstructure:"stream"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds the admin/UI HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WorkerConfig holds the worker-facing mTLS listener configuration.
type WorkerConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	CertFile string `mapstructure:"certFile"` // server identity certificate (PEM)
	KeyFile  string `mapstructure:"keyFile"`  // server identity key (PEM)

	// SendTimeout bounds a blocked send on a worker's outbound channel,
	// in seconds. Exceeding it closes the session.
	SendTimeout int `mapstructure:"sendTimeout"`
}

// IdentityConfig holds CA material and enrollment policy.
type IdentityConfig struct {
	CACertFile       string `mapstructure:"caCertFile"`
	CAKeyFile        string `mapstructure:"caKeyFile"`
	CertValidityDays int    `mapstructure:"certValidityDays"`
	TokenValidity    int    `mapstructure:"tokenValidity"` // in seconds
}

// HeartbeatConfig holds worker liveness thresholds.
type HeartbeatConfig struct {
	Interval      int  `mapstructure:"interval"` // expected cadence, in seconds
	Timeout       int  `mapstructure:"timeout"`  // staleness threshold, in seconds
	ReaperEnabled bool `mapstructure:"reaperEnabled"`
}

// SchedulerConfig holds assignment policy knobs.
type SchedulerConfig struct {
	// RetryOnConnect re-attempts assignment of pending tasks whenever a
	// worker registers.
	RetryOnConnect bool `mapstructure:"retryOnConnect"`
}

// StreamConfig holds fan-out channel sizing and cleanup policy.
type StreamConfig struct {
	SubscriberBuffer int `mapstructure:"subscriberBuffer"` // per-run subscriber channel capacity
	UIBuffer         int `mapstructure:"uiBuffer"`         // UI notification channel capacity
	TerminalGrace    int `mapstructure:"terminalGrace"`    // seconds before closing a finished run's stream
}

// NATSConfig holds NATS messaging configuration for the event mirror.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// MetricsConfig holds Prometheus exposition configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// SendTimeoutDuration returns the outbound send timeout as a time.Duration.
func (w *WorkerConfig) SendTimeoutDuration() time.Duration {
	return time.Duration(w.SendTimeout) * time.Second
}

// TokenValidityDuration returns the bootstrap token TTL as a time.Duration.
func (i *IdentityConfig) TokenValidityDuration() time.Duration {
	return time.Duration(i.TokenValidity) * time.Second
}

// CertValidity returns the worker certificate validity window as a time.Duration.
func (i *IdentityConfig) CertValidity() time.Duration {
	return time.Duration(i.CertValidityDays) * 24 * time.Hour
}

// IntervalDuration returns the expected heartbeat cadence as a time.Duration.
func (h *HeartbeatConfig) IntervalDuration() time.Duration {
	return time.Duration(h.Interval) * time.Second
}

// TimeoutDuration returns the staleness threshold as a time.Duration.
func (h *HeartbeatConfig) TimeoutDuration() time.Duration {
	return time.Duration(h.Timeout) * time.Second
}

// TerminalGraceDuration returns the stream cleanup grace as a time.Duration.
func (s *StreamConfig) TerminalGraceDuration() time.Duration {
	return time.Duration(s.TerminalGrace) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("TASKRUN_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Admin/UI server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Worker listener defaults
	v.SetDefault("worker.host", "0.0.0.0")
	v.SetDefault("worker.port", 8443)
	v.SetDefault("worker.certFile", "")
	v.SetDefault("worker.keyFile", "")
	v.SetDefault("worker.sendTimeout", 5)

	// Identity / enrollment defaults
	v.SetDefault("identity.caCertFile", "")
	v.SetDefault("identity.caKeyFile", "")
	v.SetDefault("identity.certValidityDays", 7)
	v.SetDefault("identity.tokenValidity", 3600) // 1 hour

	// Heartbeat defaults
	v.SetDefault("heartbeat.interval", 15)
	v.SetDefault("heartbeat.timeout", 45)
	v.SetDefault("heartbeat.reaperEnabled", true)

	// Scheduler defaults
	v.SetDefault("scheduler.retryOnConnect", true)

	// Stream fan-out defaults
	v.SetDefault("stream.subscriberBuffer", 32)
	v.SetDefault("stream.uiBuffer", 256)
	v.SetDefault("stream.terminalGrace", 5)

	// NATS defaults - empty URL means in-memory event bus only
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "taskrun-cluster")
	v.SetDefault("nats.clientId", "taskrun-controlplane")
	v.SetDefault("nats.maxReconnects", 10)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKRUN_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/taskrun/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TASKRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("worker.certFile", "TASKRUN_WORKER_CERT_FILE")
	_ = v.BindEnv("worker.keyFile", "TASKRUN_WORKER_KEY_FILE")
	_ = v.BindEnv("identity.caCertFile", "TASKRUN_IDENTITY_CA_CERT_FILE")
	_ = v.BindEnv("identity.caKeyFile", "TASKRUN_IDENTITY_CA_KEY_FILE")
	_ = v.BindEnv("identity.certValidityDays", "TASKRUN_IDENTITY_CERT_VALIDITY_DAYS")
	_ = v.BindEnv("identity.tokenValidity", "TASKRUN_IDENTITY_TOKEN_VALIDITY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskrun/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), the TLS and CA paths are optional; the
// worker listener and enrollment degrade gracefully without them.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Worker.Port <= 0 || cfg.Worker.Port > 65535 {
		errs = append(errs, "worker.port must be between 1 and 65535")
	}
	if cfg.Worker.Port == cfg.Server.Port {
		errs = append(errs, "worker.port must differ from server.port")
	}
	if cfg.Worker.SendTimeout <= 0 {
		errs = append(errs, "worker.sendTimeout must be positive")
	}

	// TLS validation - cert and key must come together
	if (cfg.Worker.CertFile == "") != (cfg.Worker.KeyFile == "") {
		errs = append(errs, "worker.certFile and worker.keyFile must be set together")
	}
	if (cfg.Identity.CACertFile == "") != (cfg.Identity.CAKeyFile == "") {
		errs = append(errs, "identity.caCertFile and identity.caKeyFile must be set together")
	}
	if cfg.Identity.CertValidityDays <= 0 {
		errs = append(errs, "identity.certValidityDays must be positive")
	}
	if cfg.Identity.TokenValidity <= 0 {
		errs = append(errs, "identity.tokenValidity must be positive")
	}

	// Heartbeat validation
	if cfg.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if cfg.Heartbeat.Timeout <= cfg.Heartbeat.Interval {
		errs = append(errs, "heartbeat.timeout must be greater than heartbeat.interval")
	}

	// Stream fan-out minimums
	if cfg.Stream.SubscriberBuffer < 32 {
		errs = append(errs, "stream.subscriberBuffer must be at least 32")
	}
	if cfg.Stream.UIBuffer < 256 {
		errs = append(errs, "stream.uiBuffer must be at least 256")
	}
	if cfg.Stream.TerminalGrace < 0 {
		errs = append(errs, "stream.terminalGrace must not be negative")
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
