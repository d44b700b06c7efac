// Package config reads the importer configuration from the environment,
// optionally seeded from .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// DefaultEnvFiles are loaded when present, later files winning.
var DefaultEnvFiles = []string{".env", ".env.local"}

var (
	ErrUnknownDriver  = errors.New("unknown store driver")
	ErrBadDelimiter   = errors.New("source delimiter must be a single character")
	ErrBadThreshold   = errors.New("reject threshold must be between 0 and 1")
	ErrBadConcurrency = errors.New("source read concurrency must be positive")
	ErrBadBackoff     = errors.New("connect backoff must be positive and attempts at least 1")
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// LoadEnv loads the env files that exist and reports how many it read.
// A key set in a later file replaces the same key from an earlier one;
// variables already set in the process are not overwritten.
func LoadEnv(files []string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	vars, err := godotenv.Read(existing...)
	if err != nil {
		return 0, err
	}
	for k, v := range vars {
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return 0, err
		}
	}
	return len(existing), nil
}

type DatabaseOptions struct {
	URL          string `env:"DATABASE_URL"`
	Host         string `env:"DB_HOST" envDefault:"localhost"`
	Port         string `env:"DB_PORT" envDefault:"5432"`
	Name         string `env:"DB_NAME" envDefault:"kiel_data"`
	User         string `env:"DB_USER" envDefault:"kiel_user"`
	Password     string `env:"DB_PASSWORD"`
	SSLMode      string `env:"DB_SSLMODE" envDefault:"disable"`
	Schema       string `env:"DB_SCHEMA" envDefault:"opendata"`
	MaxOpenConns int    `env:"DB_MAX_OPEN_CONNS" envDefault:"4"`
}

// DSN returns DATABASE_URL when set and a keyword/value string otherwise.
func (d DatabaseOptions) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	parts := []string{
		"host=" + d.Host,
		"port=" + d.Port,
		"user=" + d.User,
		"dbname=" + d.Name,
		"sslmode=" + d.SSLMode,
	}
	if d.Password != "" {
		parts = append(parts, "password="+d.Password)
	}
	return strings.Join(parts, " ")
}

// Redacted is DSN with the password masked, for logs.
func (d DatabaseOptions) Redacted() string {
	if d.URL != "" {
		return "DATABASE_URL"
	}
	return fmt.Sprintf("host=%s port=%s user=%s dbname=%s", d.Host, d.Port, d.User, d.Name)
}

type StoreOptions struct {
	Driver     string `env:"STORE_DRIVER" envDefault:"postgres"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"./district-import.db"`
}

type SourceOptions struct {
	Dir           string `env:"SOURCE_DIR" envDefault:"./data"`
	URI           string `env:"SOURCE_URI"`
	Delimiter     string `env:"SOURCE_DELIMITER" envDefault:";"`
	CatalogueFile string `env:"SOURCES_FILE"`
	Concurrency   int    `env:"SOURCE_READ_CONCURRENCY" envDefault:"4"`

	S3Region    string `env:"AWS_REGION" envDefault:"eu-central-1"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3PathStyle bool   `env:"S3_FORCE_PATH_STYLE"`
}

// Location is SOURCE_URI when set, SOURCE_DIR otherwise.
func (s SourceOptions) Location() string {
	if s.URI != "" {
		return s.URI
	}
	return s.Dir
}

// DelimiterRune returns the delimiter as a rune.
func (s SourceOptions) DelimiterRune() (rune, error) {
	d := s.Delimiter
	if d == `\t` {
		d = "\t"
	}
	if utf8.RuneCountInString(d) != 1 {
		return 0, fmt.Errorf("%w: %q", ErrBadDelimiter, s.Delimiter)
	}
	r, _ := utf8.DecodeRuneInString(d)
	return r, nil
}

type ConnectOptions struct {
	Attempts   int           `env:"CONNECT_ATTEMPTS" envDefault:"10"`
	Backoff    time.Duration `env:"CONNECT_BACKOFF" envDefault:"1s"`
	BackoffMax time.Duration `env:"CONNECT_BACKOFF_MAX" envDefault:"30s"`
}

type LoadOptions struct {
	BatchSize        int     `env:"LOAD_BATCH_SIZE" envDefault:"500"`
	BatchesPerSecond float64 `env:"LOAD_BATCHES_PER_SECOND" envDefault:"0"`
}

type RunOptions struct {
	RejectThreshold        float64 `env:"REJECT_THRESHOLD" envDefault:"1.0"`
	IdentityConflictsFatal bool    `env:"IDENTITY_CONFLICTS_FATAL" envDefault:"false"`
	LockKey                int64   `env:"RUN_LOCK_KEY" envDefault:"0"`
	MetricsTextfile        string  `env:"METRICS_TEXTFILE"`
	CoordinatesFile        string  `env:"COORDINATES_FILE"`
}

type LogOptions struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Config is the whole importer configuration.
type Config struct {
	Database DatabaseOptions
	Store    StoreOptions
	Sources  SourceOptions
	Connect  ConnectOptions
	Load     LoadOptions
	Run      RunOptions
	Log      LogOptions
}

// Load reads env files, parses the environment and validates the result.
func Load(files ...string) (*Config, error) {
	if _, err := LoadEnv(files); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDriver, c.Store.Driver)
	}
	if _, err := c.Sources.DelimiterRune(); err != nil {
		return err
	}
	if c.Sources.Concurrency < 1 {
		return ErrBadConcurrency
	}
	if c.Run.RejectThreshold < 0 || c.Run.RejectThreshold > 1 {
		return fmt.Errorf("%w: %v", ErrBadThreshold, c.Run.RejectThreshold)
	}
	if c.Connect.Attempts < 1 || c.Connect.Backoff <= 0 || c.Connect.BackoffMax < c.Connect.Backoff {
		return ErrBadBackoff
	}
	return nil
}
