package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "pgx"
)

// Config holds database configuration
type Config struct {
	Driver          string        `json:"driver" mapstructure:"driver"`
	DatabasePath    string        `json:"database_path" mapstructure:"path"`
	DSN             string        `json:"dsn" mapstructure:"dsn"`
	MaxConnections  int           `json:"max_connections" mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`

	// WriteRetryDelay is how long the writer waits before retrying a failed
	// write once. Zero disables the retry.
	WriteRetryDelay time.Duration `json:"write_retry_delay" mapstructure:"write_retry_delay"`
	WriteTimeout    time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
}

// DefaultConfig returns the SQLite configuration used for single-node deployments.
func DefaultConfig() *Config {
	return &Config{
		Driver:          DriverSQLite,
		DatabasePath:    "./data/studybuddy.db",
		MaxConnections:  10, // SQLite recommended limit for concurrent access
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
		WriteRetryDelay: time.Second,
		WriteTimeout:    30 * time.Second,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	switch c.Driver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("database path cannot be empty")
		}
	case DriverPostgres:
		if c.DSN == "" {
			return errors.New("database dsn cannot be empty for pgx driver")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Driver)
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	if c.WriteRetryDelay < 0 {
		return errors.New("write retry delay cannot be negative")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be greater than 0")
	}
	return nil
}

// sqlitePragmas are passed through the DSN so every pooled connection gets them.
var sqlitePragmas = []string{
	"_busy_timeout=5000",
	"_journal_mode=WAL",
	"_synchronous=NORMAL",
	"_foreign_keys=on",
}

// DataSourceName builds the driver-specific connection string.
func (c *Config) DataSourceName() string {
	if c.Driver == DriverPostgres {
		return c.DSN
	}
	sep := "?"
	if strings.Contains(c.DatabasePath, "?") {
		sep = "&"
	}
	return c.DatabasePath + sep + strings.Join(sqlitePragmas, "&")
}

// Open validates the configuration and returns a pooled connection.
func Open(c *Config) (*sqlx.DB, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	if c.Driver == DriverSQLite && c.DatabasePath != ":memory:" {
		if dir := filepath.Dir(c.DatabasePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sqlx.Open(c.Driver, c.DataSourceName())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(c.MaxConnections)
	db.SetConnMaxLifetime(c.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}
