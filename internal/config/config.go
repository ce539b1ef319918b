// Package config loads contractmig settings from an optional YAML file and
// CONTRACTREG_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	DataDir  string         `yaml:"data_dir"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
	Blob     BlobConfig     `yaml:"blob"`
	History  HistoryConfig  `yaml:"history"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Log      LogConfig      `yaml:"log"`
	HTTP     HTTPConfig     `yaml:"http"`
	Trace    TraceConfig    `yaml:"trace"`
}

// SnapshotConfig selects the snapshot store backend.
type SnapshotConfig struct {
	Driver string `yaml:"driver"` // blob | sqlite | postgres
}

// BlobConfig parameterises the blob backend used by the blob snapshot store.
type BlobConfig struct {
	Driver string   `yaml:"driver"` // fs | s3 | memory
	FSRoot string   `yaml:"fs_root"`
	S3     S3Config `yaml:"s3"`
}

// S3Config holds bucket coordinates. Credentials come from the default AWS chain
// unless an access key is set.
type S3Config struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// HistoryConfig selects the history log backend.
type HistoryConfig struct {
	Driver string `yaml:"driver"` // jsonl | sqlite | postgres | memory
	Path   string `yaml:"path"`
}

type SQLiteConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// TraceConfig enables JSON span output when Path is set.
type TraceConfig struct {
	Path string `yaml:"path"`
}

const (
	DefaultDataDir  = ".soroban-registry"
	DefaultHTTPAddr = ":8088"
)

var (
	snapshotDrivers = []string{"blob", "sqlite", "postgres"}
	blobDrivers     = []string{"fs", "s3", "memory"}
	historyDrivers  = []string{"jsonl", "sqlite", "postgres", "memory"}
	logLevels       = []string{"debug", "info", "warn", "error"}
	logFormats      = []string{"text", "json"}
)

// lookupEnv is swapped in tests.
var lookupEnv = os.LookupEnv

// Load reads path when non-empty, applies environment overrides and defaults,
// and validates the result.
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file or environment is present.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"CONTRACTREG_DATA_DIR":                  &c.DataDir,
		"CONTRACTREG_SNAPSHOT_DRIVER":           &c.Snapshot.Driver,
		"CONTRACTREG_BLOB_DRIVER":               &c.Blob.Driver,
		"CONTRACTREG_BLOB_FS_ROOT":              &c.Blob.FSRoot,
		"CONTRACTREG_BLOB_S3_BUCKET":            &c.Blob.S3.Bucket,
		"CONTRACTREG_BLOB_S3_REGION":            &c.Blob.S3.Region,
		"CONTRACTREG_BLOB_S3_ENDPOINT":          &c.Blob.S3.Endpoint,
		"CONTRACTREG_BLOB_S3_ACCESS_KEY_ID":     &c.Blob.S3.AccessKeyID,
		"CONTRACTREG_BLOB_S3_SECRET_ACCESS_KEY": &c.Blob.S3.SecretAccessKey,
		"CONTRACTREG_HISTORY_DRIVER":            &c.History.Driver,
		"CONTRACTREG_HISTORY_PATH":              &c.History.Path,
		"CONTRACTREG_SQLITE_PATH":               &c.SQLite.Path,
		"CONTRACTREG_POSTGRES_DSN":              &c.Postgres.DSN,
		"CONTRACTREG_LOG_LEVEL":                 &c.Log.Level,
		"CONTRACTREG_LOG_FORMAT":                &c.Log.Format,
		"CONTRACTREG_HTTP_ADDR":                 &c.HTTP.Addr,
		"CONTRACTREG_TRACE_PATH":                &c.Trace.Path,
	}
	for key, dst := range strs {
		if v, ok := lookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	if v, ok := lookupEnv("CONTRACTREG_BLOB_S3_PATH_STYLE"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONTRACTREG_BLOB_S3_PATH_STYLE: %w", err)
		}
		c.Blob.S3.PathStyle = b
	}
	if v, ok := lookupEnv("CONTRACTREG_SQLITE_BUSY_TIMEOUT_MS"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CONTRACTREG_SQLITE_BUSY_TIMEOUT_MS: %w", err)
		}
		c.SQLite.BusyTimeoutMS = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.Snapshot.Driver == "" {
		c.Snapshot.Driver = "blob"
	}
	if c.Blob.Driver == "" {
		c.Blob.Driver = "fs"
	}
	if c.Blob.FSRoot == "" {
		c.Blob.FSRoot = c.DataDir
	}
	if c.History.Driver == "" {
		c.History.Driver = "jsonl"
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(c.DataDir, "migration_history.jsonl")
	}
	if c.SQLite.Path == "" {
		c.SQLite.Path = filepath.Join(c.DataDir, "registry.db")
	}
	if c.SQLite.BusyTimeoutMS <= 0 {
		c.SQLite.BusyTimeoutMS = 10_000
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = DefaultHTTPAddr
	}
	c.Snapshot.Driver = strings.ToLower(c.Snapshot.Driver)
	c.Blob.Driver = strings.ToLower(c.Blob.Driver)
	c.History.Driver = strings.ToLower(c.History.Driver)
	c.Log.Level = strings.ToLower(c.Log.Level)
	c.Log.Format = strings.ToLower(c.Log.Format)
}

// Validate rejects unknown drivers and incomplete backend settings.
func (c Config) Validate() error {
	checks := []struct {
		name, value string
		allowed     []string
	}{
		{"snapshot driver", c.Snapshot.Driver, snapshotDrivers},
		{"blob driver", c.Blob.Driver, blobDrivers},
		{"history driver", c.History.Driver, historyDrivers},
		{"log level", c.Log.Level, logLevels},
		{"log format", c.Log.Format, logFormats},
	}
	for _, check := range checks {
		if !contains(check.allowed, check.value) {
			return fmt.Errorf("unknown %s %q (expected one of %s)", check.name, check.value, strings.Join(check.allowed, ", "))
		}
	}
	if c.Snapshot.Driver == "blob" && c.Blob.Driver == "s3" && c.Blob.S3.Bucket == "" {
		return fmt.Errorf("blob driver s3 requires a bucket (CONTRACTREG_BLOB_S3_BUCKET)")
	}
	return nil
}

// UsesPostgres reports whether any backend needs the postgres connection.
func (c Config) UsesPostgres() bool {
	return c.Snapshot.Driver == "postgres" || c.History.Driver == "postgres"
}

// UsesSQLite reports whether any backend needs the sqlite database.
func (c Config) UsesSQLite() bool {
	return c.Snapshot.Driver == "sqlite" || c.History.Driver == "sqlite"
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
