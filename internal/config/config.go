// Package config loads audit-server configuration. Values come from an
// optional YAML file and are overridden by AUDIT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	audit "github.com/lexledger/auditchain"
	"github.com/lexledger/auditchain/pgxaudit"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
	StorageMemory   = "memory"
)

// Defaults.
const (
	DefaultListenAddr = ":8080"
	DefaultStorage    = StoragePostgres
	DefaultSQLitePath = "audit.db"
	DefaultLogLevel   = "info"
)

// Config holds the audit-server settings.
type Config struct {
	ListenAddr string `koanf:"listen_addr"`
	LogLevel   string `koanf:"log_level"`

	Storage     string `koanf:"storage"`
	DatabaseURL string `koanf:"database_url"`
	SQLitePath  string `koanf:"sqlite_path"`

	DBMaxConns        int           `koanf:"db_max_conns"`
	DBMinConns        int           `koanf:"db_min_conns"`
	DBMaxConnLifetime time.Duration `koanf:"db_max_conn_lifetime"`

	// RetentionPolicy names the policy applied to new entries.
	RetentionPolicy string `koanf:"retention_policy"`
	// ExtraPolicies add to or override the built-in retention table.
	ExtraPolicies map[string]PolicyConfig `koanf:"retention_policies"`

	MaxAttempts int `koanf:"max_attempts"`
}

// PolicyConfig is one retention policy as written in the config file.
type PolicyConfig struct {
	Years  int `koanf:"years"`
	Months int `koanf:"months"`
	Days   int `koanf:"days"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL = errors.New("AUDIT_DATABASE_URL is required for the postgres storage")
	ErrMissingSQLitePath  = errors.New("AUDIT_SQLITE_PATH is required for the sqlite storage")
	ErrUnknownStorage     = errors.New("AUDIT_STORAGE must be one of postgres, sqlite, memory")
	ErrUnknownPolicy      = errors.New("AUDIT_RETENTION_POLICY names an unknown policy")
	ErrInvalidPolicy      = errors.New("retention policy must have a positive duration")
	ErrInvalidMaxAttempts = errors.New("AUDIT_MAX_ATTEMPTS must be at least 1")
	ErrInvalidLogLevel    = errors.New("AUDIT_LOG_LEVEL must be one of debug, info, warn, error")
)

// Load reads configuration from an optional YAML file, then applies
// environment overrides. It returns the config and every problem found.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, []error{fmt.Errorf("decoding config: %w", err)}
	}

	var loadErrs []error
	cfg.ListenAddr = envOr("AUDIT_LISTEN_ADDR", cfg.ListenAddr, DefaultListenAddr)
	cfg.LogLevel = strings.ToLower(envOr("AUDIT_LOG_LEVEL", cfg.LogLevel, DefaultLogLevel))
	cfg.Storage = strings.ToLower(envOr("AUDIT_STORAGE", cfg.Storage, DefaultStorage))
	cfg.DatabaseURL = envOr("AUDIT_DATABASE_URL", envOr("DATABASE_URL", cfg.DatabaseURL, ""), "")
	cfg.SQLitePath = envOr("AUDIT_SQLITE_PATH", cfg.SQLitePath, DefaultSQLitePath)
	cfg.RetentionPolicy = envOr("AUDIT_RETENTION_POLICY", cfg.RetentionPolicy, audit.PolicyStandard)

	var err error
	if cfg.MaxAttempts, err = envIntOr("AUDIT_MAX_ATTEMPTS", cfg.MaxAttempts, audit.DefaultMaxAttempts); err != nil {
		loadErrs = append(loadErrs, err)
	}
	if cfg.DBMaxConns, err = envIntOr("AUDIT_DB_MAX_CONNS", cfg.DBMaxConns, 0); err != nil {
		loadErrs = append(loadErrs, err)
	}

	return cfg, append(loadErrs, cfg.Validate()...)
}

// Validate checks the loaded values. Returns a slice of validation errors
// (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	switch c.Storage {
	case StoragePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, ErrMissingDatabaseURL)
		}
	case StorageSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, ErrMissingSQLitePath)
		}
	case StorageMemory:
	default:
		errs = append(errs, ErrUnknownStorage)
	}

	for _, name := range slices.Sorted(maps.Keys(c.ExtraPolicies)) {
		p := c.ExtraPolicies[name]
		if p.Years < 0 || p.Months < 0 || p.Days < 0 || p.Years+p.Months+p.Days == 0 {
			errs = append(errs, fmt.Errorf("%w: %q", ErrInvalidPolicy, name))
		}
	}
	if _, ok := c.Retention().Policies[c.RetentionPolicy]; !ok {
		errs = append(errs, fmt.Errorf("%w: %q", ErrUnknownPolicy, c.RetentionPolicy))
	}

	if c.MaxAttempts < 1 {
		errs = append(errs, ErrInvalidMaxAttempts)
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// Retention returns the built-in policy table merged with ExtraPolicies,
// defaulting to RetentionPolicy.
func (c *Config) Retention() audit.RetentionPolicies {
	p := audit.DefaultRetentionPolicies()
	for name, extra := range c.ExtraPolicies {
		p.Policies[name] = audit.Retention{Years: extra.Years, Months: extra.Months, Days: extra.Days}
	}
	if c.RetentionPolicy != "" {
		p.Default = c.RetentionPolicy
	}
	return p
}

// PoolOptions returns the Postgres pool settings.
func (c *Config) PoolOptions() pgxaudit.PoolOptions {
	return pgxaudit.PoolOptions{
		MaxConns:        int32(c.DBMaxConns),
		MinConns:        int32(c.DBMinConns),
		MaxConnLifetime: c.DBMaxConnLifetime,
	}
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	return l, nil
}

// LogSummary returns the configuration with the database password masked.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"listen_addr":      c.ListenAddr,
		"log_level":        c.LogLevel,
		"storage":          c.Storage,
		"database_url":     maskDatabaseURL(c.DatabaseURL),
		"sqlite_path":      c.SQLitePath,
		"retention_policy": c.RetentionPolicy,
		"max_attempts":     strconv.Itoa(c.MaxAttempts),
	}
}

func envOr(key, fileVal, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if fileVal != "" {
		return fileVal
	}
	return defaultVal
}

func envIntOr(key string, fileVal, defaultVal int) (int, error) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return defaultVal, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	if fileVal != 0 {
		return fileVal, nil
	}
	return defaultVal, nil
}

// maskDatabaseURL replaces the password in user:password@host.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return "****"
	}
	rest := s[schemeEnd+3:]
	at := strings.Index(rest, "@")
	if at == -1 {
		return s
	}
	colon := strings.Index(rest[:at], ":")
	if colon == -1 {
		return s
	}
	return s[:schemeEnd+3] + rest[:colon] + ":****" + rest[at:]
}
