// Package config provides centralized configuration management for the loader.
// It resolves configuration from an environment snapshot merged with an optional
// KEY=VALUE file, applies defaults for every field, and validates the result so
// misconfiguration fails fast before any connection is attempted.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Config holds all loader configuration.
// All settings can be configured via environment variables.
type Config struct {
	Database DatabaseConfig
	Loader   LoaderConfig
	Logging  LoggingConfig
}

// DatabaseConfig holds the connection parameters for the target store.
type DatabaseConfig struct {
	// Name is the database to connect to (default: postgres)
	Name string `env:"DB_NAME" default:"postgres"`

	// User is the login role (default: postgres)
	User string `env:"DB_USER" default:"postgres"`

	// Password for User (default: postgres)
	Password string `env:"DB_PASSWORD" default:"postgres"`

	// Host is the server address (default: 127.0.0.1)
	Host string `env:"DB_HOST" default:"127.0.0.1"`

	// Port is the server port (default: 5432)
	Port int `env:"DB_PORT" default:"5432"`

	// SSLMode is passed through to libpq-style sslmode (default: prefer)
	SSLMode string `env:"DB_SSLMODE" default:"prefer"`

	// ConnectTimeout bounds the initial connection attempt (default: 10s)
	ConnectTimeout time.Duration `env:"LOADER_CONNECT_TIMEOUT" default:"10s"`
}

// LoaderConfig holds pipeline settings.
type LoaderConfig struct {
	// DataDir is the directory holding the source CSV files (default: data)
	DataDir string `env:"LOADER_DATA_DIR" default:"data"`

	// EnvFile is the optional KEY=VALUE file merged into the environment (default: .env)
	EnvFile string `env:"LOADER_ENV_FILE" default:".env"`

	// BatchSize is the number of rows sent per round-trip (default: 1000)
	BatchSize int `env:"LOADER_BATCH_SIZE" default:"1000"`

	// ResetMode is how tables are cleared: cascade or sequential (default: cascade)
	ResetMode string `env:"LOADER_RESET_MODE" default:"cascade"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// ConnString returns a keyword/value connection string understood by pgx.
func (c *DatabaseConfig) ConnString() string {
	parts := []string{
		"host=" + quoteConnValue(c.Host),
		"port=" + strconv.Itoa(c.Port),
		"dbname=" + quoteConnValue(c.Name),
		"user=" + quoteConnValue(c.User),
		"password=" + quoteConnValue(c.Password),
	}
	if c.SSLMode != "" {
		parts = append(parts, "sslmode="+quoteConnValue(c.SSLMode))
	}
	if c.ConnectTimeout > 0 {
		secs := int(c.ConnectTimeout / time.Second)
		if secs < 1 {
			secs = 1
		}
		parts = append(parts, "connect_timeout="+strconv.Itoa(secs))
	}
	return strings.Join(parts, " ")
}

// URL returns the connection parameters as a postgres:// URL with the password masked.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, "xxxxx"),
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Name,
	}
	return u.String()
}

// quoteConnValue quotes a keyword/value DSN value when it is empty or
// contains spaces, quotes or backslashes.
func quoteConnValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// String returns a safe string representation of the config for logging.
// The database password is masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	b.WriteString(fmt.Sprintf("Database: {Host: %q, Port: %d, Name: %q, User: %q, Password: [MASKED]}, ",
		c.Database.Host, c.Database.Port, c.Database.Name, c.Database.User))
	b.WriteString(fmt.Sprintf("Loader: {DataDir: %q, BatchSize: %d, ResetMode: %q}, ",
		c.Loader.DataDir, c.Loader.BatchSize, c.Loader.ResetMode))
	b.WriteString(fmt.Sprintf("Logging: {Level: %q, Format: %q}",
		c.Logging.Level, c.Logging.Format))
	b.WriteString("}")
	return b.String()
}
