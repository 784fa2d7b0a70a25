package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the server. Values come from environment
// variables (PORTHOLE_* prefix), with an optional YAML file for settings
// that are awkward to express in env vars. Env vars win over the file.
type Config struct {
	Port    string `yaml:"port"`
	GinMode string `yaml:"gin_mode"`

	// WatchRoot is the directory tree holding the agent's session logs.
	WatchRoot string `yaml:"watch_root"`

	// PublicBaseURL is the externally reachable base URL embedded in
	// enrollment QR payloads, e.g. "http://192.168.1.20:8787".
	PublicBaseURL string `yaml:"public_base_url"`

	// Auth lifetimes.
	EnrollmentTTL time.Duration `yaml:"enrollment_ttl"`
	CredentialTTL time.Duration `yaml:"credential_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// Connection lifecycle.
	AuthDeadline     time.Duration `yaml:"auth_deadline"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	IdleCutoff       time.Duration `yaml:"idle_cutoff"`
	SlowClientCutoff time.Duration `yaml:"slow_client_cutoff"`

	// Session classification.
	IdleThreshold time.Duration `yaml:"idle_threshold"`

	// Tailing.
	ForcePolling bool          `yaml:"force_polling"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// Mailboxes and buffers.
	MailboxSize int `yaml:"mailbox_size"`
	// HistoryBuffer is the per-session recent-record ring used for the
	// history prelude. 0 disables buffering entirely (events with no
	// subscriber are discarded and subscribes start live-only).
	HistoryBuffer int `yaml:"history_buffer"`

	// CORS
	CORSAllowedOrigins string `yaml:"cors_allowed_origins"`

	// Server
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load builds the configuration from the environment, layering an optional
// YAML file underneath (env vars take precedence). A missing .env file and
// a missing config file are both fine.
func Load() (*Config, error) {
	// Load .env file if it exists.
	_ = godotenv.Load(".env")

	cfg := defaults()

	if path := os.Getenv("PORTHOLE_CONFIG_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config file: %w", err)
		}
		defer f.Close()
		if err := LoadConfigFile(f, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.Port = getEnvOrDefault("PORTHOLE_PORT", cfg.Port)
	cfg.GinMode = getEnvOrDefault("GIN_MODE", cfg.GinMode)
	cfg.WatchRoot = getEnvOrDefault("PORTHOLE_WATCH_ROOT", cfg.WatchRoot)
	cfg.PublicBaseURL = getEnvOrDefault("PORTHOLE_PUBLIC_BASE_URL", cfg.PublicBaseURL)

	cfg.EnrollmentTTL = getEnvAsDuration("PORTHOLE_ENROLLMENT_TTL", cfg.EnrollmentTTL)
	cfg.CredentialTTL = getEnvAsDuration("PORTHOLE_CREDENTIAL_TTL", cfg.CredentialTTL)
	cfg.SweepInterval = getEnvAsDuration("PORTHOLE_SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.AuthDeadline = getEnvAsDuration("PORTHOLE_AUTH_DEADLINE", cfg.AuthDeadline)
	cfg.PingInterval = getEnvAsDuration("PORTHOLE_PING_INTERVAL", cfg.PingInterval)
	cfg.IdleCutoff = getEnvAsDuration("PORTHOLE_IDLE_CUTOFF", cfg.IdleCutoff)
	cfg.SlowClientCutoff = getEnvAsDuration("PORTHOLE_SLOW_CLIENT_CUTOFF", cfg.SlowClientCutoff)

	cfg.IdleThreshold = getEnvAsDuration("PORTHOLE_IDLE_THRESHOLD", cfg.IdleThreshold)

	cfg.ForcePolling = getEnvAsBool("PORTHOLE_FORCE_POLLING", cfg.ForcePolling)
	cfg.PollInterval = getEnvAsDuration("PORTHOLE_POLL_INTERVAL", cfg.PollInterval)

	cfg.MailboxSize = getEnvAsInt("PORTHOLE_MAILBOX_SIZE", cfg.MailboxSize)
	cfg.HistoryBuffer = getEnvAsInt("PORTHOLE_HISTORY_BUFFER", cfg.HistoryBuffer)

	cfg.CORSAllowedOrigins = getEnvOrDefault("PORTHOLE_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.ShutdownTimeout = getEnvAsDuration("PORTHOLE_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", cfg.LogFormat)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfigFile merges YAML settings from r into cfg.
func LoadConfigFile(r io.Reader, cfg *Config) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func defaults() *Config {
	root := ""
	if home, err := os.UserHomeDir(); err == nil {
		root = filepath.Join(home, ".claude", "projects")
	}

	return &Config{
		Port:    "8787",
		GinMode: "release",

		WatchRoot:     root,
		PublicBaseURL: "http://localhost:8787",

		EnrollmentTTL: 30 * time.Second,
		CredentialTTL: 30 * 24 * time.Hour,
		SweepInterval: 60 * time.Second,

		AuthDeadline:     30 * time.Second,
		PingInterval:     30 * time.Second,
		IdleCutoff:       60 * time.Second,
		SlowClientCutoff: 15 * time.Second,

		IdleThreshold: 10 * time.Minute,

		ForcePolling: false,
		PollInterval: 2 * time.Second,

		MailboxSize:   1024,
		HistoryBuffer: 200,

		CORSAllowedOrigins: "*",
		ShutdownTimeout:    30 * time.Second,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

func (c *Config) validate() error {
	if c.WatchRoot == "" {
		return fmt.Errorf("watch root is not set and home directory could not be resolved")
	}
	if c.PollInterval < time.Second {
		// Sub-second polling hammers the filesystem for no benefit.
		c.PollInterval = time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 1024
	}
	if c.HistoryBuffer < 0 {
		c.HistoryBuffer = 0
	}
	return nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
