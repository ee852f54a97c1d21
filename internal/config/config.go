// Package config provides coordinator configuration management.
package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/oszuidwest/zwfm-tabboost/internal/storage"
	"github.com/oszuidwest/zwfm-tabboost/internal/types"
	"github.com/oszuidwest/zwfm-tabboost/internal/util"
)

// EnvPrefix prefixes the environment variables that override the file.
const EnvPrefix = "TABBOOST"

// Configuration defaults are used when values are not specified.
const (
	DefaultPort              = 8787
	DefaultLogLevel          = "info"
	DefaultStorageBackend    = BackendFile
	DefaultStoragePath       = "tabboost-state.json"
	DefaultPersistDebounceMs = int64(types.PersistDebounce / time.Millisecond)
)

// Storage backends.
const (
	BackendFile   = "file"
	BackendS3     = "s3"
	BackendMemory = "memory"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SystemConfig holds settings that require a restart.
type SystemConfig struct {
	Port           int      `json:"port" envconfig:"PORT"`                       // HTTP server port
	AllowedOrigins []string `json:"allowed_origins" envconfig:"ALLOWED_ORIGINS"` // Extension origins allowed to connect
	LogLevel       string   `json:"log_level" envconfig:"LOG_LEVEL"`             // debug, info, warn or error
}

// StorageConfig selects where settings are persisted.
type StorageConfig struct {
	Backend           string `json:"backend" envconfig:"STORAGE_BACKEND"`                  // file, s3 or memory
	Path              string `json:"path" envconfig:"STORAGE_PATH"`                        // State file, relative to the config file
	S3Endpoint        string `json:"s3_endpoint" envconfig:"S3_ENDPOINT"`                  // Custom endpoint for S3-compatible services
	S3Bucket          string `json:"s3_bucket" envconfig:"S3_BUCKET"`                      // Bucket name
	S3Prefix          string `json:"s3_prefix" envconfig:"S3_PREFIX"`                      // Object key prefix
	S3AccessKeyID     string `json:"s3_access_key_id" envconfig:"S3_ACCESS_KEY_ID"`         // Access key
	S3SecretAccessKey string `json:"s3_secret_access_key" envconfig:"S3_SECRET_ACCESS_KEY"` // Secret key
}

// TimingConfig holds persistence timing.
type TimingConfig struct {
	PersistDebounceMs int64 `json:"persist_debounce_ms" envconfig:"PERSIST_DEBOUNCE_MS"` // Quiet period before writing settings
}

// Config holds all coordinator configuration. It is safe for concurrent use.
type Config struct {
	System  SystemConfig  `json:"system"`
	Storage StorageConfig `json:"storage"`
	Timing  TimingConfig  `json:"timing"`

	mu       sync.RWMutex
	filePath string
}

// New creates a new Config with default values.
func New(filePath string) *Config {
	return &Config{
		System: SystemConfig{
			Port:           DefaultPort,
			AllowedOrigins: []string{},
			LogLevel:       DefaultLogLevel,
		},
		Storage: StorageConfig{
			Backend: DefaultStorageBackend,
			Path:    DefaultStoragePath,
		},
		Timing: TimingConfig{
			PersistDebounceMs: DefaultPersistDebounceMs,
		},
		filePath: filePath,
	}
}

// Load reads config from file, creating a default if none exists, and
// applies environment overrides on top.
func (c *Config) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.filePath)
	switch {
	case os.IsNotExist(err):
		if err := c.saveLocked(); err != nil {
			return err
		}
	case err != nil:
		return util.WrapError("read config", err)
	default:
		if err := json.Unmarshal(data, c); err != nil {
			return util.WrapError("parse config", err)
		}
	}

	if err := c.applyEnv(); err != nil {
		return err
	}
	c.applyDefaults()
	return c.validate()
}

// applyEnv overlays TABBOOST_* variables. Unset variables keep the file value.
func (c *Config) applyEnv() error {
	for _, section := range []any{&c.System, &c.Storage, &c.Timing} {
		if err := envconfig.Process(EnvPrefix, section); err != nil {
			return util.WrapError("read environment", err)
		}
	}
	return nil
}

// validate checks all configuration fields for correctness.
func (c *Config) validate() error {
	if c.System.Port < 1 || c.System.Port > 65535 {
		return fmt.Errorf("invalid port %d: must be between 1 and 65535", c.System.Port)
	}
	if _, ok := logLevels[strings.ToLower(c.System.LogLevel)]; !ok {
		return fmt.Errorf("invalid log_level %q: must be debug, info, warn or error", c.System.LogLevel)
	}
	switch c.Storage.Backend {
	case BackendFile, BackendMemory:
	case BackendS3:
		if s3 := c.s3Locked(); !s3.IsConfigured() {
			return errors.New("s3 storage requires s3_bucket, s3_access_key_id and s3_secret_access_key")
		}
	default:
		return fmt.Errorf("invalid storage backend %q: must be file, s3 or memory", c.Storage.Backend)
	}
	if c.Timing.PersistDebounceMs < 0 {
		return fmt.Errorf("invalid persist_debounce_ms %d: must not be negative", c.Timing.PersistDebounceMs)
	}
	return nil
}

// applyDefaults sets default values for zero-value fields.
func (c *Config) applyDefaults() {
	if c.System.Port == 0 {
		c.System.Port = DefaultPort
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = DefaultLogLevel
	}
	if c.System.AllowedOrigins == nil {
		c.System.AllowedOrigins = []string{}
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultStorageBackend
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultStoragePath
	}
	if c.Timing.PersistDebounceMs == 0 {
		c.Timing.PersistDebounceMs = DefaultPersistDebounceMs
	}
}

// saveLocked persists configuration. Caller must hold c.mu.
func (c *Config) saveLocked() error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return util.WrapError("marshal config", err)
	}

	if err := os.MkdirAll(filepath.Dir(c.filePath), 0o755); err != nil {
		return util.WrapError("create config directory", err)
	}
	if err := os.WriteFile(c.filePath, data, 0o600); err != nil {
		return util.WrapError("write config", err)
	}

	return nil
}

func (c *Config) s3Locked() storage.S3Config {
	return storage.S3Config{
		Endpoint:        c.Storage.S3Endpoint,
		Bucket:          c.Storage.S3Bucket,
		Prefix:          c.Storage.S3Prefix,
		AccessKeyID:     c.Storage.S3AccessKeyID,
		SecretAccessKey: c.Storage.S3SecretAccessKey,
	}
}

// Snapshot is a point-in-time copy of configuration values.
type Snapshot struct {
	// System
	Port           int
	AllowedOrigins []string
	LogLevel       slog.Level

	// Storage
	StorageBackend string
	StoragePath    string
	S3             storage.S3Config

	// Timing
	PersistDebounce time.Duration
}

// Snapshot returns a point-in-time copy of all configuration values.
func (c *Config) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.Storage.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(filepath.Dir(c.filePath), path)
	}

	return Snapshot{
		Port:           cmp.Or(c.System.Port, DefaultPort),
		AllowedOrigins: slices.Clone(c.System.AllowedOrigins),
		LogLevel:       logLevels[strings.ToLower(c.System.LogLevel)],

		StorageBackend: cmp.Or(c.Storage.Backend, DefaultStorageBackend),
		StoragePath:    path,
		S3:             c.s3Locked(),

		PersistDebounce: time.Duration(cmp.Or(c.Timing.PersistDebounceMs, DefaultPersistDebounceMs)) * time.Millisecond,
	}
}

// NewStore returns the store selected by the snapshot.
func (s *Snapshot) NewStore() storage.Store {
	switch s.StorageBackend {
	case BackendS3:
		return storage.NewS3Store(&s.S3)
	case BackendMemory:
		return storage.NewMemoryStore()
	default:
		return storage.NewFileStore(s.StoragePath)
	}
}
