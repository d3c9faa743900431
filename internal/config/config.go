package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"

	dbconfig "collabsync/pkg/database"
)

// ARCHITECTURAL DISCOVERY: Configuration layer serves as system-wide settings coordinator
// Clean separation between configuration management and business logic
type Config struct {
	Database  *DatabaseConfig  `toml:"database"`
	HTTP      *HTTPConfig      `toml:"http"`
	WebSocket *WebSocketConfig `toml:"websocket"`
	Broker    *BrokerConfig    `toml:"broker"`
}

// DatabaseConfig locates the SQLite store.
type DatabaseConfig struct {
	Path           string        `toml:"path"`
	Timeout        time.Duration `toml:"timeout"`
	MaxConnections int           `toml:"max_connections"`
	MigrationsPath string        `toml:"migrations_path"`
}

// HTTPConfig controls the listener serving /ws and the REST API.
type HTTPConfig struct {
	Host            string        `toml:"host"`
	Port            int           `toml:"port"`
	ReadTimeout     time.Duration `toml:"read_timeout"`
	WriteTimeout    time.Duration `toml:"write_timeout"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
}

// WebSocketConfig controls heartbeats and frame limits.
type WebSocketConfig struct {
	PingInterval  time.Duration `toml:"ping_interval"`
	ReadTimeout   time.Duration `toml:"read_timeout"`
	MaxFrameBytes int           `toml:"max_frame_bytes"`
}

// BrokerConfig bounds what participants may send.
type BrokerConfig struct {
	RateLimit        int           `toml:"rate_limit"`
	RateWindow       time.Duration `toml:"rate_window"`
	MaxSnapshotBytes int           `toml:"max_snapshot_bytes"`
	RequestTimeout   time.Duration `toml:"request_timeout"`
}

// DefaultConfig returns production-ready defaults: SQLite under ./data,
// HTTP on 8080, 30s heartbeats and 100 changes per minute per user.
func DefaultConfig() *Config {
	return &Config{
		Database: &DatabaseConfig{
			Path:           "./data/collabsync.db",
			Timeout:        30 * time.Second,
			MaxConnections: 10,
		},
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: &WebSocketConfig{
			PingInterval:  30 * time.Second,
			ReadTimeout:   60 * time.Second,
			MaxFrameBytes: 4 << 20,
		},
		Broker: &BrokerConfig{
			RateLimit:        100,
			RateWindow:       time.Minute,
			MaxSnapshotBytes: 1 << 20,
			RequestTimeout:   10 * time.Second,
		},
	}
}

// Validate prevents invalid system configurations from reaching startup.
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if c.Database.Path == "" {
		return errors.New("database path cannot be empty")
	}
	if c.Database.Timeout <= 0 {
		return errors.New("database timeout must be positive")
	}
	if c.Database.MaxConnections <= 0 {
		return errors.New("database max connections must be positive")
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 || c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP timeouts must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.ReadTimeout <= c.WebSocket.PingInterval {
		return errors.New("WebSocket read timeout must exceed the ping interval")
	}
	if c.WebSocket.MaxFrameBytes <= 0 {
		return errors.New("WebSocket max frame size must be positive")
	}

	if c.Broker == nil {
		return errors.New("broker configuration is required")
	}
	if c.Broker.RateLimit <= 0 || c.Broker.RateWindow <= 0 {
		return errors.New("broker rate limit and window must be positive")
	}
	if c.Broker.MaxSnapshotBytes <= 0 {
		return errors.New("broker max snapshot size must be positive")
	}
	if c.Broker.MaxSnapshotBytes > c.WebSocket.MaxFrameBytes {
		return errors.New("broker max snapshot size cannot exceed the WebSocket frame limit")
	}
	if c.Broker.RequestTimeout <= 0 {
		return errors.New("broker request timeout must be positive")
	}
	return nil
}

// Address is the HTTP listen address.
func (c *Config) Address() string {
	return net.JoinHostPort(c.HTTP.Host, strconv.Itoa(c.HTTP.Port))
}

// Storage converts the database section for the storage layer.
func (c *Config) Storage() *dbconfig.Config {
	storage := dbconfig.DefaultConfig()
	storage.DatabasePath = c.Database.Path
	storage.MaxConnections = c.Database.MaxConnections
	storage.MigrationsPath = c.Database.MigrationsPath
	return storage
}

// envConfig maps COLLABSYNC_* variables. Fields are pre-filled from the
// current configuration so unset variables leave values alone.
type envConfig struct {
	DatabasePath           string        `env:"COLLABSYNC_DATABASE_PATH"`
	DatabaseTimeout        time.Duration `env:"COLLABSYNC_DATABASE_TIMEOUT"`
	DatabaseMaxConnections int           `env:"COLLABSYNC_DATABASE_MAX_CONNECTIONS"`
	DatabaseMigrationsPath string        `env:"COLLABSYNC_DATABASE_MIGRATIONS_PATH"`
	HTTPHost               string        `env:"COLLABSYNC_HTTP_HOST"`
	HTTPPort               int           `env:"COLLABSYNC_HTTP_PORT"`
	HTTPReadTimeout        time.Duration `env:"COLLABSYNC_HTTP_READ_TIMEOUT"`
	HTTPWriteTimeout       time.Duration `env:"COLLABSYNC_HTTP_WRITE_TIMEOUT"`
	HTTPShutdownTimeout    time.Duration `env:"COLLABSYNC_HTTP_SHUTDOWN_TIMEOUT"`
	WebSocketPingInterval  time.Duration `env:"COLLABSYNC_WEBSOCKET_PING_INTERVAL"`
	WebSocketReadTimeout   time.Duration `env:"COLLABSYNC_WEBSOCKET_READ_TIMEOUT"`
	WebSocketMaxFrameBytes int           `env:"COLLABSYNC_WEBSOCKET_MAX_FRAME_BYTES"`
	BrokerRateLimit        int           `env:"COLLABSYNC_BROKER_RATE_LIMIT"`
	BrokerRateWindow       time.Duration `env:"COLLABSYNC_BROKER_RATE_WINDOW"`
	BrokerMaxSnapshotBytes int           `env:"COLLABSYNC_BROKER_MAX_SNAPSHOT_BYTES"`
	BrokerRequestTimeout   time.Duration `env:"COLLABSYNC_BROKER_REQUEST_TIMEOUT"`
}

// LoadFromEnv applies COLLABSYNC_* environment variables over the defaults.
func LoadFromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	e := envConfig{
		DatabasePath:           cfg.Database.Path,
		DatabaseTimeout:        cfg.Database.Timeout,
		DatabaseMaxConnections: cfg.Database.MaxConnections,
		DatabaseMigrationsPath: cfg.Database.MigrationsPath,
		HTTPHost:               cfg.HTTP.Host,
		HTTPPort:               cfg.HTTP.Port,
		HTTPReadTimeout:        cfg.HTTP.ReadTimeout,
		HTTPWriteTimeout:       cfg.HTTP.WriteTimeout,
		HTTPShutdownTimeout:    cfg.HTTP.ShutdownTimeout,
		WebSocketPingInterval:  cfg.WebSocket.PingInterval,
		WebSocketReadTimeout:   cfg.WebSocket.ReadTimeout,
		WebSocketMaxFrameBytes: cfg.WebSocket.MaxFrameBytes,
		BrokerRateLimit:        cfg.Broker.RateLimit,
		BrokerRateWindow:       cfg.Broker.RateWindow,
		BrokerMaxSnapshotBytes: cfg.Broker.MaxSnapshotBytes,
		BrokerRequestTimeout:   cfg.Broker.RequestTimeout,
	}
	if _, err := env.UnmarshalFromEnviron(&e); err != nil {
		return fmt.Errorf("failed to parse environment: %w", err)
	}

	cfg.Database.Path = e.DatabasePath
	cfg.Database.Timeout = e.DatabaseTimeout
	cfg.Database.MaxConnections = e.DatabaseMaxConnections
	cfg.Database.MigrationsPath = e.DatabaseMigrationsPath
	cfg.HTTP.Host = e.HTTPHost
	cfg.HTTP.Port = e.HTTPPort
	cfg.HTTP.ReadTimeout = e.HTTPReadTimeout
	cfg.HTTP.WriteTimeout = e.HTTPWriteTimeout
	cfg.HTTP.ShutdownTimeout = e.HTTPShutdownTimeout
	cfg.WebSocket.PingInterval = e.WebSocketPingInterval
	cfg.WebSocket.ReadTimeout = e.WebSocketReadTimeout
	cfg.WebSocket.MaxFrameBytes = e.WebSocketMaxFrameBytes
	cfg.Broker.RateLimit = e.BrokerRateLimit
	cfg.Broker.RateWindow = e.BrokerRateWindow
	cfg.Broker.MaxSnapshotBytes = e.BrokerMaxSnapshotBytes
	cfg.Broker.RequestTimeout = e.BrokerRequestTimeout
	return nil
}

// fileConfig holds value sections so keys absent from the file keep the
// values they were seeded with.
type fileConfig struct {
	Database  DatabaseConfig  `toml:"database"`
	HTTP      HTTPConfig      `toml:"http"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Broker    BrokerConfig    `toml:"broker"`
}

// LoadFromFile reads a TOML file over the defaults and validates the result.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := applyFile(cfg, path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	raw := fileConfig{
		Database:  *cfg.Database,
		HTTP:      *cfg.HTTP,
		WebSocket: *cfg.WebSocket,
		Broker:    *cfg.Broker,
	}
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown keys in config file %s: %s", path, strings.Join(keys, ", "))
	}

	*cfg.Database = raw.Database
	*cfg.HTTP = raw.HTTP
	*cfg.WebSocket = raw.WebSocket
	*cfg.Broker = raw.Broker
	return nil
}

// LoadConfigWithPrecedence resolves configuration as file > environment >
// defaults. A .env file in the working directory seeds the environment
// without overriding variables already set. A missing config file is not an
// error; a malformed one is.
func LoadConfigWithPrecedence(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := LoadFromEnv()
	if err != nil {
		return nil, err
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := applyFile(cfg, path); err != nil {
				return nil, err
			}
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, statErr)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
