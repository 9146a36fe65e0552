// Package config loads service configuration from CDIL_* environment
// variables. Load applies defaults and parses; Validate enforces what
// the server refuses to start without, most importantly the three
// secrets. No secret has a default and none is ever hard-coded.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Backend selectors.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	NonceBackendSQL   = "sql"
	NonceBackendRedis = "redis"

	ArchiveOff = "off"
	ArchiveFS  = "fs"
	ArchiveS3  = "s3"
	ArchiveGCS = "gcs"
)

const minSecretLen = 32

// Config is the full server configuration.
type Config struct {
	Port     string
	LogLevel string

	DBDriver    string
	DatabaseURL string

	// AuthSecret signs and verifies bearer JWTs. CommitSecret is the
	// gatekeeper master from which per-tenant token secrets derive.
	// KeywrapKeyB64 is the base64 AES-256 key sealing private keys at
	// rest.
	AuthSecret    string
	CommitSecret  string
	KeywrapKeyB64 string

	NonceBackend  string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	BundleArchive string
	ArchiveDir    string
	S3Bucket      string
	S3Region      string
	S3Endpoint    string
	S3Prefix      string
	GCSBucket     string
	GCSPrefix     string

	OTLPEndpoint string
	ProfilesDir  string

	RateRPS   float64
	RateBurst int
}

// Load reads the environment. It errors only on unparseable values;
// semantic requirements live in Validate.
func Load() (*Config, error) {
	cfg := &Config{
		Port:          getenv("CDIL_PORT", "8080"),
		LogLevel:      getenv("CDIL_LOG_LEVEL", "info"),
		DBDriver:      getenv("CDIL_DB_DRIVER", DriverSQLite),
		DatabaseURL:   getenv("CDIL_DATABASE_URL", "cdil.db"),
		AuthSecret:    os.Getenv("CDIL_AUTH_SECRET"),
		CommitSecret:  os.Getenv("CDIL_COMMIT_SECRET"),
		KeywrapKeyB64: os.Getenv("CDIL_KEYWRAP_KEY"),
		NonceBackend:  getenv("CDIL_NONCE_BACKEND", NonceBackendSQL),
		RedisAddr:     os.Getenv("CDIL_REDIS_ADDR"),
		RedisPassword: os.Getenv("CDIL_REDIS_PASSWORD"),
		BundleArchive: getenv("CDIL_BUNDLE_ARCHIVE", ArchiveOff),
		ArchiveDir:    os.Getenv("CDIL_ARCHIVE_DIR"),
		S3Bucket:      os.Getenv("CDIL_S3_BUCKET"),
		S3Region:      os.Getenv("CDIL_S3_REGION"),
		S3Endpoint:    os.Getenv("CDIL_S3_ENDPOINT"),
		S3Prefix:      os.Getenv("CDIL_S3_PREFIX"),
		GCSBucket:     os.Getenv("CDIL_GCS_BUCKET"),
		GCSPrefix:     os.Getenv("CDIL_GCS_PREFIX"),
		OTLPEndpoint:  os.Getenv("CDIL_OTLP_ENDPOINT"),
		ProfilesDir:   getenv("CDIL_PROFILES_DIR", "profiles"),
	}

	var err error
	if cfg.RedisDB, err = intEnv("CDIL_REDIS_DB", 0); err != nil {
		return nil, err
	}
	if cfg.RateRPS, err = floatEnv("CDIL_RATE_RPS", 50); err != nil {
		return nil, err
	}
	if cfg.RateBurst, err = intEnv("CDIL_RATE_BURST", 100); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces startup requirements. It returns every problem at
// once so an operator fixes a bad deployment in one pass.
func (c *Config) Validate() error {
	var problems []error
	fail := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch c.DBDriver {
	case DriverPostgres, DriverSQLite:
	default:
		fail("CDIL_DB_DRIVER must be %s or %s, got %q", DriverPostgres, DriverSQLite, c.DBDriver)
	}
	if c.DatabaseURL == "" {
		fail("CDIL_DATABASE_URL is required")
	}

	if len(c.AuthSecret) < minSecretLen {
		fail("CDIL_AUTH_SECRET must be at least %d bytes", minSecretLen)
	}
	if len(c.CommitSecret) < minSecretLen {
		fail("CDIL_COMMIT_SECRET must be at least %d bytes", minSecretLen)
	}
	if _, err := c.KeywrapKey(); err != nil {
		problems = append(problems, err)
	}

	switch c.NonceBackend {
	case NonceBackendSQL:
	case NonceBackendRedis:
		if c.RedisAddr == "" {
			fail("CDIL_REDIS_ADDR is required when CDIL_NONCE_BACKEND=redis")
		}
	default:
		fail("CDIL_NONCE_BACKEND must be %s or %s, got %q", NonceBackendSQL, NonceBackendRedis, c.NonceBackend)
	}

	switch c.BundleArchive {
	case ArchiveOff:
	case ArchiveFS:
		if c.ArchiveDir == "" {
			fail("CDIL_ARCHIVE_DIR is required when CDIL_BUNDLE_ARCHIVE=fs")
		}
	case ArchiveS3:
		if c.S3Bucket == "" || c.S3Region == "" {
			fail("CDIL_S3_BUCKET and CDIL_S3_REGION are required when CDIL_BUNDLE_ARCHIVE=s3")
		}
	case ArchiveGCS:
		if c.GCSBucket == "" {
			fail("CDIL_GCS_BUCKET is required when CDIL_BUNDLE_ARCHIVE=gcs")
		}
	default:
		fail("CDIL_BUNDLE_ARCHIVE must be off, fs, s3, or gcs, got %q", c.BundleArchive)
	}

	if c.RateRPS <= 0 {
		fail("CDIL_RATE_RPS must be positive, got %g", c.RateRPS)
	}
	if c.RateBurst <= 0 {
		fail("CDIL_RATE_BURST must be positive, got %d", c.RateBurst)
	}

	return errors.Join(problems...)
}

// KeywrapKey decodes the key-wrap secret: base64, exactly 32 bytes.
func (c *Config) KeywrapKey() ([]byte, error) {
	if c.KeywrapKeyB64 == "" {
		return nil, errors.New("CDIL_KEYWRAP_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.KeywrapKeyB64)
	if err != nil {
		return nil, fmt.Errorf("CDIL_KEYWRAP_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CDIL_KEYWRAP_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// Level maps the configured log level onto slog, defaulting to info.
func (c *Config) Level() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func floatEnv(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return f, nil
}
