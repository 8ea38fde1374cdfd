// ============================================================================
// AUTOMIC Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load the YAML configuration and apply .env / environment overrides
//
// Precedence (highest first):
//   1. Environment variables (AUTOMIC_*)
//   2. .env file in the working directory, if present
//   3. YAML file (default: configs/default.yaml)
//   4. Built-in defaults
//
// Environment variables:
//   AUTOMIC_API_URL         motion-control backend base URL
//   AUTOMIC_DEVICE_TIMEOUT  per device call timeout, e.g. 10s, 0 disables
//   AUTOMIC_GRPC_PORT       RigControl gRPC port
//   AUTOMIC_HTTP_PORT       web panel port
//   AUTOMIC_LOG_LEVEL       debug|info|warn|error
//
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/automic/internal/geometry"
	"github.com/ChuLiYu/automic/pkg/types"
)

// Environment variable names.
const (
	EnvAPIURL        = "AUTOMIC_API_URL"
	EnvDeviceTimeout = "AUTOMIC_DEVICE_TIMEOUT"
	EnvGRPCPort      = "AUTOMIC_GRPC_PORT"
	EnvHTTPPort      = "AUTOMIC_HTTP_PORT"
	EnvLogLevel      = "AUTOMIC_LOG_LEVEL"
)

// ErrInvalidConfig wraps every Validate failure.
var ErrInvalidConfig = errors.New("invalid config")

// Config represents the complete system configuration structure.
type Config struct {
	Device struct {
		APIURL  string        `yaml:"api_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"device"`

	// Volume is the fallback working volume used when the controller
	// geometry cannot be fetched.
	Volume types.WorkingVolume `yaml:"volume"`

	Session struct {
		InitialPosition types.Position `yaml:"initial_position"`
	} `yaml:"session"`

	Presets []types.Preset `yaml:"presets"`

	Server struct {
		GRPCPort int `yaml:"grpc_port"`
		HTTPPort int `yaml:"http_port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // text|json
	} `yaml:"logging"`
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	cfg.Device.APIURL = "http://localhost:8000"
	cfg.Device.Timeout = 10 * time.Second
	cfg.Volume = types.DefaultVolume
	cfg.Session.InitialPosition = types.Position{X: 5, Y: 3.5, Z: 3}
	cfg.Server.GRPCPort = 50051
	cfg.Server.HTTPPort = 8080
	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	return &cfg
}

// Load reads path on top of the defaults, applies the environment and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Device.APIURL = getEnv(EnvAPIURL, c.Device.APIURL)
	c.Logging.Level = getEnv(EnvLogLevel, c.Logging.Level)

	if v, ok := os.LookupEnv(EnvDeviceTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s=%q: %v", ErrInvalidConfig, EnvDeviceTimeout, v, err)
		}
		c.Device.Timeout = d
	}

	var err error
	if c.Server.GRPCPort, err = getEnvAsInt(EnvGRPCPort, c.Server.GRPCPort); err != nil {
		return err
	}
	if c.Server.HTTPPort, err = getEnvAsInt(EnvHTTPPort, c.Server.HTTPPort); err != nil {
		return err
	}
	return nil
}

// Validate checks the values a session cannot run without.
func (c *Config) Validate() error {
	if c.Device.APIURL == "" {
		return fmt.Errorf("%w: device.api_url is empty", ErrInvalidConfig)
	}
	if c.Device.Timeout < 0 {
		return fmt.Errorf("%w: device.timeout %s is negative", ErrInvalidConfig, c.Device.Timeout)
	}
	if err := geometry.CheckVolume(c.Volume); err != nil {
		return fmt.Errorf("%w: volume: %v", ErrInvalidConfig, err)
	}
	if c.Session.InitialPosition.HasNaN() {
		return fmt.Errorf("%w: session.initial_position has an empty axis", ErrInvalidConfig)
	}
	for name, port := range map[string]int{
		"server.grpc_port": c.Server.GRPCPort,
		"server.http_port": c.Server.HTTPPort,
		"metrics.port":     c.Metrics.Port,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("%w: %s %d out of range", ErrInvalidConfig, name, port)
		}
	}
	seen := make(map[string]bool, len(c.Presets))
	for _, p := range c.Presets {
		key := strings.ToLower(p.Name)
		if key == "" {
			return fmt.Errorf("%w: preset without a name", ErrInvalidConfig)
		}
		if seen[key] {
			return fmt.Errorf("%w: duplicate preset %q", ErrInvalidConfig, p.Name)
		}
		seen[key] = true
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: logging.format %q", ErrInvalidConfig, c.Logging.Format)
	}
	return nil
}

// NewLogger builds the process logger described by the logging section.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: logging.level %q", ErrInvalidConfig, s)
	}
	return level, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q is not a number", ErrInvalidConfig, key, value)
	}
	return n, nil
}
