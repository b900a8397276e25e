package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"studybuddy/internal/websocket"
	"studybuddy/pkg/database"
)

// EnvPrefix is prepended to every environment override, e.g. STUDYBUDDY_HTTP_PORT.
const EnvPrefix = "STUDYBUDDY"

// Config is the full service configuration.
type Config struct {
	Database  *database.Config  `mapstructure:"database"`
	HTTP      *HTTPConfig       `mapstructure:"http"`
	WebSocket *websocket.Config `mapstructure:"websocket"`
	Matching  *MatchingConfig   `mapstructure:"matching"`
	Directory *DirectoryConfig  `mapstructure:"directory"`
	RateLimit *RateLimitConfig  `mapstructure:"rate_limit"`
	Log       *LogConfig        `mapstructure:"log"`

	// DemoMode seeds fixture learners at boot. Never enabled implicitly.
	DemoMode bool `mapstructure:"demo_mode"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// Addr returns host:port for the listener.
func (h *HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

type MatchingConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts"`
	StaleAfter    time.Duration `mapstructure:"stale_after"`
	SessionMaxAge time.Duration `mapstructure:"session_max_age"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RoomPrefix    string        `mapstructure:"room_prefix"`
	EventBuffer   int           `mapstructure:"event_buffer"`
}

type DirectoryConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

type RateLimitConfig struct {
	RequestsPerMinute int           `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
	IdleTTL           time.Duration `mapstructure:"idle_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns production defaults: SQLite on local disk, HTTP on
// 8080, sweeps every minute evicting requests after 10 minutes.
func DefaultConfig() *Config {
	ws := websocket.DefaultConfig()
	return &Config{
		Database: database.DefaultConfig(),
		HTTP: &HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			RequestTimeout:  10 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		WebSocket: &ws,
		Matching: &MatchingConfig{
			MaxAttempts:   3,
			StaleAfter:    10 * time.Minute,
			SessionMaxAge: 2 * time.Hour,
			SweepInterval: time.Minute,
			RoomPrefix:    "studybuddy",
			EventBuffer:   1000,
		},
		Directory: &DirectoryConfig{CacheSize: 1024},
		RateLimit: &RateLimitConfig{
			RequestsPerMinute: 120,
			Burst:             20,
			IdleTTL:           10 * time.Minute,
		},
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Database == nil {
		return errors.New("database configuration is required")
	}
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if c.HTTP == nil {
		return errors.New("HTTP configuration is required")
	}
	// Port 0 asks the kernel for a free port.
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 0 and 65535")
	}
	if c.HTTP.ReadTimeout <= 0 || c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP read and write timeouts must be positive")
	}
	if c.HTTP.RequestTimeout <= 0 {
		return errors.New("HTTP request timeout must be positive")
	}
	if c.HTTP.ShutdownTimeout <= 0 {
		return errors.New("HTTP shutdown timeout must be positive")
	}

	if c.WebSocket == nil {
		return errors.New("WebSocket configuration is required")
	}
	if c.WebSocket.PingInterval <= 0 || c.WebSocket.PongWait <= 0 || c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket timeouts must be positive")
	}
	if c.WebSocket.PingInterval >= c.WebSocket.PongWait {
		return errors.New("WebSocket ping interval must be shorter than pong wait")
	}
	if c.WebSocket.SendBuffer <= 0 {
		return errors.New("WebSocket send buffer must be positive")
	}

	if c.Matching == nil {
		return errors.New("matching configuration is required")
	}
	if c.Matching.MaxAttempts < 1 {
		return errors.New("matching max attempts must be at least 1")
	}
	if c.Matching.StaleAfter < 0 || c.Matching.SessionMaxAge < 0 {
		return errors.New("matching ages cannot be negative")
	}
	if c.Matching.SweepInterval <= 0 {
		return errors.New("matching sweep interval must be positive")
	}
	if c.Matching.RoomPrefix == "" {
		return errors.New("matching room prefix cannot be empty")
	}
	if c.Matching.EventBuffer <= 0 {
		return errors.New("matching event buffer must be positive")
	}

	if c.Directory == nil || c.Directory.CacheSize <= 0 {
		return errors.New("directory cache size must be positive")
	}

	if c.RateLimit == nil {
		return errors.New("rate limit configuration is required")
	}
	if c.RateLimit.RequestsPerMinute < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate limit values cannot be negative")
	}

	if c.Log == nil {
		return errors.New("log configuration is required")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	return nil
}

// Load builds the configuration. Precedence: environment > config file >
// defaults. An optional .env file seeds the environment first; path may be
// empty, in which case STUDYBUDDY_CONFIG_FILE is consulted.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config := DefaultConfig()
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// LoadDotEnv loads path into the environment if it exists. Variables that
// are already set win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", d.Database.DatabasePath)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.max_connections", d.Database.MaxConnections)
	v.SetDefault("database.conn_max_lifetime", d.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", d.Database.ConnMaxIdleTime)
	v.SetDefault("database.write_retry_delay", d.Database.WriteRetryDelay)
	v.SetDefault("database.write_timeout", d.Database.WriteTimeout)

	v.SetDefault("http.host", d.HTTP.Host)
	v.SetDefault("http.port", d.HTTP.Port)
	v.SetDefault("http.read_timeout", d.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", d.HTTP.WriteTimeout)
	v.SetDefault("http.request_timeout", d.HTTP.RequestTimeout)
	v.SetDefault("http.shutdown_timeout", d.HTTP.ShutdownTimeout)
	v.SetDefault("http.allowed_origins", d.HTTP.AllowedOrigins)

	v.SetDefault("websocket.write_timeout", d.WebSocket.WriteTimeout)
	v.SetDefault("websocket.pong_wait", d.WebSocket.PongWait)
	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval)
	v.SetDefault("websocket.send_buffer", d.WebSocket.SendBuffer)
	v.SetDefault("websocket.allowed_origins", d.WebSocket.AllowedOrigins)

	v.SetDefault("matching.max_attempts", d.Matching.MaxAttempts)
	v.SetDefault("matching.stale_after", d.Matching.StaleAfter)
	v.SetDefault("matching.session_max_age", d.Matching.SessionMaxAge)
	v.SetDefault("matching.sweep_interval", d.Matching.SweepInterval)
	v.SetDefault("matching.room_prefix", d.Matching.RoomPrefix)
	v.SetDefault("matching.event_buffer", d.Matching.EventBuffer)

	v.SetDefault("directory.cache_size", d.Directory.CacheSize)

	v.SetDefault("rate_limit.requests_per_minute", d.RateLimit.RequestsPerMinute)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.idle_ttl", d.RateLimit.IdleTTL)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)

	v.SetDefault("demo_mode", d.DemoMode)
}
