// Package config loads studycore settings from an optional YAML file and
// STUDYCORE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

// StorageDriver identifies a concrete persistent storage implementation.
type StorageDriver string

const (
	StorageMemory   StorageDriver = "memory"   // in-memory only (tests / ephemeral)
	StorageSQLite   StorageDriver = "sqlite"   // embedded sqlite file
	StoragePostgres StorageDriver = "postgres" // PostgreSQL server
)

// Config is the root configuration document.
type Config struct {
	Storage  Storage  `yaml:"storage"`
	Blob     Blob     `yaml:"blob"`
	Cache    Cache    `yaml:"cache"`
	Identity Identity `yaml:"identity"`
	Jobs     Jobs     `yaml:"jobs"`
	Log      Log      `yaml:"log"`
	HTTP     HTTP     `yaml:"http"`
}

type Storage struct {
	Driver      StorageDriver `yaml:"driver"`
	SQLitePath  string        `yaml:"sqlite_path"`
	PostgresDSN string        `yaml:"postgres_dsn"`
}

type Blob struct {
	Driver string `yaml:"driver"`
	FSRoot string `yaml:"fs_root"`
	S3     S3     `yaml:"s3"`
}

type S3 struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Cache configures the dataset definition cache. RedisAddr enables
// cross-process invalidation.
type Cache struct {
	Size         int    `yaml:"size"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

type Identity struct {
	Authority string `yaml:"authority"`
}

type Jobs struct {
	QueueSize int `yaml:"queue_size"`
}

type Log struct {
	Mode  string `yaml:"mode"`
	Level string `yaml:"level"`
}

type HTTP struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage:  Storage{Driver: StorageSQLite, SQLitePath: "studycore.db"},
		Blob:     Blob{Driver: "fs", FSRoot: "blobdata", S3: S3{Region: "us-east-1"}},
		Cache:    Cache{Size: 256, RedisChannel: "studycore:definitions"},
		Identity: Identity{Authority: "studycore.local"},
		Jobs:     Jobs{QueueSize: 32},
		Log:      Log{Mode: "development", Level: "info"},
		HTTP:     HTTP{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
	}
}

// Load reads path (when non-empty) over the defaults, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays STUDYCORE_* variables.
//
//	STUDYCORE_STORAGE_DRIVER: memory|sqlite|postgres
//	STUDYCORE_SQLITE_PATH, STUDYCORE_POSTGRES_DSN
//	STUDYCORE_BLOB_DRIVER: fs|s3|memory, STUDYCORE_BLOB_FS_ROOT
//	STUDYCORE_BLOB_S3_BUCKET/_REGION/_ENDPOINT/_PATH_STYLE/_ACCESS_KEY_ID/_SECRET_ACCESS_KEY
//	STUDYCORE_CACHE_SIZE, STUDYCORE_REDIS_ADDR, STUDYCORE_REDIS_CHANNEL
//	STUDYCORE_LSID_AUTHORITY, STUDYCORE_JOB_QUEUE_SIZE
//	STUDYCORE_LOG_MODE, STUDYCORE_LOG_LEVEL, STUDYCORE_HTTP_ADDR
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs error
	num := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}

	driver := string(c.Storage.Driver)
	str("STUDYCORE_STORAGE_DRIVER", &driver)
	c.Storage.Driver = StorageDriver(driver)
	str("STUDYCORE_SQLITE_PATH", &c.Storage.SQLitePath)
	str("STUDYCORE_POSTGRES_DSN", &c.Storage.PostgresDSN)
	str("STUDYCORE_BLOB_DRIVER", &c.Blob.Driver)
	str("STUDYCORE_BLOB_FS_ROOT", &c.Blob.FSRoot)
	str("STUDYCORE_BLOB_S3_BUCKET", &c.Blob.S3.Bucket)
	str("STUDYCORE_BLOB_S3_REGION", &c.Blob.S3.Region)
	str("STUDYCORE_BLOB_S3_ENDPOINT", &c.Blob.S3.Endpoint)
	str("STUDYCORE_BLOB_S3_ACCESS_KEY_ID", &c.Blob.S3.AccessKeyID)
	str("STUDYCORE_BLOB_S3_SECRET_ACCESS_KEY", &c.Blob.S3.SecretAccessKey)
	if v, ok := lookup("STUDYCORE_BLOB_S3_PATH_STYLE"); ok && v != "" {
		c.Blob.S3.PathStyle = strings.EqualFold(strings.TrimSpace(v), "true")
	}
	num("STUDYCORE_CACHE_SIZE", &c.Cache.Size)
	str("STUDYCORE_REDIS_ADDR", &c.Cache.RedisAddr)
	str("STUDYCORE_REDIS_CHANNEL", &c.Cache.RedisChannel)
	str("STUDYCORE_LSID_AUTHORITY", &c.Identity.Authority)
	num("STUDYCORE_JOB_QUEUE_SIZE", &c.Jobs.QueueSize)
	str("STUDYCORE_LOG_MODE", &c.Log.Mode)
	str("STUDYCORE_LOG_LEVEL", &c.Log.Level)
	str("STUDYCORE_HTTP_ADDR", &c.HTTP.Addr)
	return errs
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs error
	switch c.Storage.Driver {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			errs = multierr.Append(errs, errors.New("storage.postgres_dsn required for postgres driver"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Blob.Driver {
	case "fs", "memory":
	case "s3":
		if c.Blob.S3.Bucket == "" {
			errs = multierr.Append(errs, errors.New("blob.s3.bucket required for s3 driver"))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown blob driver %q", c.Blob.Driver))
	}
	if c.Cache.Size <= 0 {
		errs = multierr.Append(errs, errors.New("cache.size must be positive"))
	}
	if strings.TrimSpace(c.Identity.Authority) == "" {
		errs = multierr.Append(errs, errors.New("identity.authority required"))
	}
	if c.Jobs.QueueSize <= 0 {
		errs = multierr.Append(errs, errors.New("jobs.queue_size must be positive"))
	}
	return errs
}
