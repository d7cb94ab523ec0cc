package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the runtime configuration shared by the CLI commands.
type Config struct {
	APIBaseURL     string        `yaml:"api_base_url"`
	PushURL        string        `yaml:"push_url"`
	UserID         string        `yaml:"user_id"`
	APIToken       string        `yaml:"api_token"`
	APIRateLimit   float64       `yaml:"api_rate_limit"`
	RequestTimeout time.Duration `yaml:"request_timeout"`

	PollInterval   time.Duration `yaml:"poll_interval"`
	PushGraceDelay time.Duration `yaml:"push_grace_delay"`

	LazyLoadMargin    float64       `yaml:"lazy_load_margin"`
	MaxBufferLength   time.Duration `yaml:"max_buffer_length"`
	ControlsHideDelay time.Duration `yaml:"controls_hide_delay"`

	StatusAddr string `yaml:"status_addr"`
	LogLevel   string `yaml:"log_level"`
	LogFormat  string `yaml:"log_format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		APIBaseURL:        "http://localhost:8000/api/v1",
		PushURL:           "ws://localhost:8000/ws",
		APIRateLimit:      10,
		RequestTimeout:    30 * time.Second,
		PollInterval:      5 * time.Second,
		PushGraceDelay:    2 * time.Second,
		LazyLoadMargin:    200,
		MaxBufferLength:   30 * time.Second,
		ControlsHideDelay: 3 * time.Second,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// LoadFile reads a YAML config file on top of base. Keys missing from the
// file keep their base value.
func LoadFile(path string, base Config) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := base
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return base, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv overlays environment variables on base.
func FromEnv(base Config) Config {
	cfg := base
	cfg.APIBaseURL = GetEnv("API_BASE_URL", cfg.APIBaseURL)
	cfg.PushURL = GetEnv("PUSH_URL", cfg.PushURL)
	cfg.UserID = GetEnv("USER_ID", cfg.UserID)
	cfg.APIToken = GetEnv("API_TOKEN", cfg.APIToken)
	cfg.APIRateLimit = GetEnvFloat("API_RATE_LIMIT", cfg.APIRateLimit)
	cfg.RequestTimeout = GetEnvDuration("REQUEST_TIMEOUT", cfg.RequestTimeout)
	cfg.PollInterval = GetEnvDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.PushGraceDelay = GetEnvDuration("PUSH_GRACE_DELAY", cfg.PushGraceDelay)
	cfg.LazyLoadMargin = GetEnvFloat("LAZY_LOAD_MARGIN", cfg.LazyLoadMargin)
	cfg.MaxBufferLength = GetEnvDuration("MAX_BUFFER_LENGTH", cfg.MaxBufferLength)
	cfg.ControlsHideDelay = GetEnvDuration("CONTROLS_HIDE_DELAY", cfg.ControlsHideDelay)
	cfg.StatusAddr = GetEnv("STATUS_ADDR", cfg.StatusAddr)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)
	return cfg
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvFloat is GetEnvInt for floating point values.
func GetEnvFloat(key string, fallback float64) float64 {
	if s := os.Getenv(key); s != "" {
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	}
	return fallback
}

// GetEnvDuration parses a Go duration ("5s", "250ms"). A bare integer is
// read as milliseconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}
