package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Logging   LogConfig       `toml:"logging"`
	Engine    EngineConfig    `toml:"engine"`
	Network   NetworkConfig   `toml:"network"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000" toml:"port"`
	Host string `envconfig:"HOST" default:"0.0.0.0" toml:"host"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development"`
}

// EngineConfig holds script engine configuration.
type EngineConfig struct {
	ScriptsDir       string   `envconfig:"SCRIPTS_DIR" default:"scripts" toml:"scripts_dir"`
	StorageDir       string   `envconfig:"STORAGE_DIR" default:"data/values" toml:"storage_dir"`
	TempDir          string   `envconfig:"TEMP_DIR" toml:"temp_dir"`
	Enabled          bool     `envconfig:"ENGINE_ENABLED" default:"true" toml:"enabled"`
	ScriptTimeout    Duration `envconfig:"SCRIPT_TIMEOUT" default:"5s" toml:"script_timeout"`
	MaxCallStackSize int      `envconfig:"MAX_CALL_STACK" default:"1024" toml:"max_call_stack"`
	CaptureConsole   bool     `envconfig:"CAPTURE_CONSOLE" default:"true" toml:"capture_console"`
	ErrorHistory     int      `envconfig:"ERROR_HISTORY" default:"256" toml:"error_history"`
}

// NetworkConfig holds GM_xmlhttpRequest and download configuration.
type NetworkConfig struct {
	Timeout           Duration `envconfig:"XHR_TIMEOUT" default:"30s" toml:"timeout"`
	RetryMax          int      `envconfig:"XHR_RETRY_MAX" default:"2" toml:"retry_max"`
	RequestsPerSecond float64  `envconfig:"XHR_RPS" default:"0" toml:"requests_per_second"`
	Burst             int      `envconfig:"XHR_BURST" default:"0" toml:"burst"`
	UserAgent         string   `envconfig:"XHR_USER_AGENT" default:"webmonkey/1.0" toml:"user_agent"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" toml:"enabled"`
}

// Duration is a time.Duration read from strings like "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from the environment, then applies the TOML
// file at path on top. Keys present in the file win.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		Engine: EngineConfig{
			ScriptsDir:       "scripts",
			StorageDir:       "data/values",
			Enabled:          true,
			ScriptTimeout:    Duration{5 * time.Second},
			MaxCallStackSize: 1024,
			CaptureConsole:   true,
			ErrorHistory:     256,
		},
		Network: NetworkConfig{
			Timeout:   Duration{30 * time.Second},
			RetryMax:  2,
			UserAgent: "webmonkey/1.0",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}
