package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

// PathEnv names the variable holding the YAML config file path.
const PathEnv = "OTTO_EB_CONFIG"

const defaultPath = "eventbus.yml"

//go:embed defaults.yml
var defaultsYAML []byte

// Config is assembled from, lowest precedence first: the embedded defaults, the YAML file, a .env
// file and the process environment.
type Config struct {
	AppEnv    string `yaml:"app_env" env:"OTTO_EB_APP_ENV"`
	Host      string `yaml:"host" env:"OTTO_EB_HOST"`
	Port      int    `yaml:"port" env:"OTTO_EB_PORT"`
	MOTD      string `yaml:"motd" env:"OTTO_EB_MOTD"`
	Heartbeat int    `yaml:"heartbeat" env:"OTTO_EB_HEARTBEAT"` // seconds

	Channels   ChannelsConfig   `yaml:"channels"`
	Connection ConnectionConfig `yaml:"connection"`
	Limits     LimitsConfig     `yaml:"limits"`

	AllowedOrigins []string `yaml:"allowed_origins" env:"OTTO_EB_ALLOWED_ORIGINS"`

	LogLevel  string `yaml:"log_level" env:"OTTO_EB_LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"OTTO_EB_LOG_FORMAT"`
}

type ChannelsConfig struct {
	Stateless []string `yaml:"stateless" env:"OTTO_EB_CHANNELS_STATELESS"`
	Stateful  []string `yaml:"stateful" env:"OTTO_EB_CHANNELS_STATEFUL"`
}

type ConnectionConfig struct {
	OutboxSize             int     `yaml:"outbox_size" env:"OTTO_EB_OUTBOX_SIZE"`
	AllowClientPublish     bool    `yaml:"allow_client_publish" env:"OTTO_EB_ALLOW_CLIENT_PUBLISH"`
	AutoSubscribeBroadcast bool    `yaml:"auto_subscribe_broadcast" env:"OTTO_EB_AUTO_SUBSCRIBE_BROADCAST"`
	CommandRate            float64 `yaml:"command_rate" env:"OTTO_EB_COMMAND_RATE"`
	CommandBurst           int     `yaml:"command_burst" env:"OTTO_EB_COMMAND_BURST"`
	MaxMessageSize         int64   `yaml:"max_message_size" env:"OTTO_EB_MAX_MESSAGE_SIZE"`
}

type LimitsConfig struct {
	MaxConnections  int     `yaml:"max_connections" env:"OTTO_EB_MAX_CONNECTIONS"`
	ConnectionRate  float64 `yaml:"connection_rate" env:"OTTO_EB_CONNECTION_RATE"`
	ConnectionBurst int     `yaml:"connection_burst" env:"OTTO_EB_CONNECTION_BURST"`
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat) * time.Second
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Load builds the configuration. The YAML file is optional unless OTTO_EB_CONFIG names it
// explicitly.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	path, explicit := os.LookupEnv(PathEnv)
	if !explicit || path == "" {
		path, explicit = defaultPath, false
	}
	return load(path, explicit)
}

func load(path string, required bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse embedded defaults: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
		slog.Debug("No config file found, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := env.Load(&cfg, &env.Options{SliceSep: ","}); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg.normalize()
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) normalize() {
	c.Channels.Stateless = cleanList(c.Channels.Stateless)
	c.Channels.Stateful = cleanList(c.Channels.Stateful)
	c.AllowedOrigins = cleanList(c.AllowedOrigins)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
}

// cleanList trims items and drops empty ones, so "a, b," and "" behave as expected.
func cleanList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func validate(cfg *Config) error {
	positive := []struct {
		name  string
		value float64
	}{
		{"heartbeat", float64(cfg.Heartbeat)},
		{"connection.outbox_size", float64(cfg.Connection.OutboxSize)},
		{"connection.command_rate", cfg.Connection.CommandRate},
		{"connection.command_burst", float64(cfg.Connection.CommandBurst)},
		{"connection.max_message_size", float64(cfg.Connection.MaxMessageSize)},
		{"limits.max_connections", float64(cfg.Limits.MaxConnections)},
		{"limits.connection_rate", cfg.Limits.ConnectionRate},
		{"limits.connection_burst", float64(cfg.Limits.ConnectionBurst)},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", cfg.Port)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}

	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", cfg.LogFormat)
	}

	return nil
}
