// Package config resolves process-wide settings from flags, MARTEN_*
// environment variables and .env files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/teamdynamiq/marten/internal/compiler"
	"github.com/teamdynamiq/marten/internal/hilo"
	"github.com/teamdynamiq/marten/internal/session"
)

// Sequence backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendFile   = "file"
)

// Keys, shared by flags and environment variables (MARTEN_BLOCK_SIZE etc).
const (
	KeyDatabase        = "database"
	KeyBlockSize       = "block-size"
	KeyBatchSize       = "batch-size"
	KeySequenceBackend = "sequence-backend"
	KeyRedisAddr       = "redis-addr"
	KeyRedisPassword   = "redis-password"
	KeySequenceDir     = "sequence-dir"
	KeyMappingDir      = "mapping-dir"
	KeyLogLevel        = "log-level"
)

// Config holds the resolved settings.
type Config struct {
	Database         string `json:"database"`
	DefaultBlockSize int64  `json:"block_size"`
	BatchSize        int    `json:"batch_size"`
	SequenceBackend  string `json:"sequence_backend"`
	RedisAddr        string `json:"redis_addr,omitempty"`
	RedisPassword    string `json:"-"`
	SequenceDir      string `json:"sequence_dir,omitempty"`
	MappingDir       string `json:"mapping_dir,omitempty"`
	LogLevel         string `json:"log_level"`
}

// Defaults returns the built-in settings.
func Defaults() Config {
	return Config{
		Database:         "marten.db",
		DefaultBlockSize: hilo.DefaultBlockSize,
		BatchSize:        session.DefaultBatchSize,
		SequenceBackend:  BackendSQLite,
		RedisAddr:        "localhost:6379",
		SequenceDir:      ".marten/sequences",
		LogLevel:         "info",
	}
}

// LoadDotEnv loads .env files into the environment. Missing files are
// ignored and variables already set are never overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env", ".env.local"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// NewViper returns a viper instance seeded with Defaults and bound to
// MARTEN_* environment variables.
//
// The size keys get no viper default so IsSet tells an explicit flag or
// variable apart from the built-in value (see ApplyMapping).
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("marten")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	d := Defaults()
	v.SetDefault(KeyDatabase, d.Database)
	v.SetDefault(KeySequenceBackend, d.SequenceBackend)
	v.SetDefault(KeyRedisAddr, d.RedisAddr)
	v.SetDefault(KeyRedisPassword, "")
	v.SetDefault(KeySequenceDir, d.SequenceDir)
	v.SetDefault(KeyMappingDir, "")
	v.SetDefault(KeyLogLevel, d.LogLevel)
	return v
}

// Load reads a Config from v and validates it.
func Load(v *viper.Viper) (Config, error) {
	d := Defaults()
	c := Config{
		Database:         v.GetString(KeyDatabase),
		DefaultBlockSize: d.DefaultBlockSize,
		BatchSize:        d.BatchSize,
		SequenceBackend:  strings.ToLower(v.GetString(KeySequenceBackend)),
		RedisAddr:        v.GetString(KeyRedisAddr),
		RedisPassword:    v.GetString(KeyRedisPassword),
		SequenceDir:      v.GetString(KeySequenceDir),
		MappingDir:       v.GetString(KeyMappingDir),
		LogLevel:         strings.ToLower(v.GetString(KeyLogLevel)),
	}
	if v.IsSet(KeyBlockSize) {
		c.DefaultBlockSize = v.GetInt64(KeyBlockSize)
	}
	if v.IsSet(KeyBatchSize) {
		c.BatchSize = v.GetInt(KeyBatchSize)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate rejects settings the engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.DefaultBlockSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyBlockSize, c.DefaultBlockSize))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %d", KeyBatchSize, c.BatchSize))
	}
	switch c.SequenceBackend {
	case BackendSQLite:
		if c.Database == "" {
			errs = append(errs, fmt.Errorf("%s is required for the sqlite backend", KeyDatabase))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("%s is required for the redis backend", KeyRedisAddr))
		}
	case BackendFile:
		if c.SequenceDir == "" {
			errs = append(errs, fmt.Errorf("%s is required for the file backend", KeySequenceDir))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown %s %q (want sqlite, redis or file)", KeySequenceBackend, c.SequenceBackend))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ApplyMapping overlays the settings declared in mapping files. Flags and
// environment variables that were set explicitly in v win over the files.
func (c Config) ApplyMapping(v *viper.Viper, s compiler.Settings) Config {
	if s.BlockSize > 0 && !v.IsSet(KeyBlockSize) {
		c.DefaultBlockSize = s.BlockSize
	}
	if s.BatchSize > 0 && !v.IsSet(KeyBatchSize) {
		c.BatchSize = s.BatchSize
	}
	return c
}

// SlogLevel returns the configured log level.
func (c Config) SlogLevel() slog.Level {
	l, err := parseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return l
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid %s %q", KeyLogLevel, s)
	}
	return l, nil
}
