// Package config holds process settings shared by the CLI commands.
// Flags win over environment variables, which win over defaults.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"library-lending/library"
)

const (
	EnvDriver   = "LIBRARY_DRIVER"
	EnvDSN      = "LIBRARY_DSN"
	EnvAddr     = "LIBRARY_ADDR"
	EnvLogLevel = "LIBRARY_LOG_LEVEL"

	DefaultDriver   = library.DriverSQLite
	DefaultDSN      = "library.db"
	DefaultAddr     = ":3000"
	DefaultLogLevel = "info"
)

// Config is the resolved process configuration.
type Config struct {
	Driver   string
	DSN      string
	Addr     string
	LogLevel string
}

// FromEnv returns defaults overridden by any LIBRARY_* variables set.
func FromEnv() Config {
	return Config{
		Driver:   getenv(EnvDriver, DefaultDriver),
		DSN:      getenv(EnvDSN, DefaultDSN),
		Addr:     getenv(EnvAddr, DefaultAddr),
		LogLevel: getenv(EnvLogLevel, DefaultLogLevel),
	}
}

// BindFlags registers every setting on fs, using the current values as defaults.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	c.BindStoreFlags(fs)
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP listen address ($"+EnvAddr+")")
}

// BindStoreFlags registers only the database and logging settings, for
// commands that never listen.
func (c *Config) BindStoreFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Driver, "driver", c.Driver, "database driver: sqlite3, postgres or pgx ($"+EnvDriver+")")
	fs.StringVar(&c.DSN, "dsn", c.DSN, "sqlite file path or postgres connection string ($"+EnvDSN+")")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error ($"+EnvLogLevel+")")
}

// Validate checks the driver and log level are known.
func (c Config) Validate() error {
	switch c.Driver {
	case library.DriverSQLite, library.DriverPostgres, library.DriverPGX:
	default:
		return fmt.Errorf("%w: %q", library.ErrUnsupportedDriver, c.Driver)
	}
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn must not be empty")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// NewLogger builds the text logger the commands write to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := c.Level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}
