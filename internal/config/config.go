// Package config provides unified configuration for the FilenFoto core.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CacheBudget is an enumerated disk budget tier for the full-size blob cache.
// A negative value disables eviction entirely.
type CacheBudget int64

const (
	CacheBudgetSmall     CacheBudget = 200 * 1024 * 1024
	CacheBudgetMedium    CacheBudget = 1024 * 1024 * 1024
	CacheBudgetLarge     CacheBudget = 5 * 1024 * 1024 * 1024
	CacheBudgetUnlimited CacheBudget = -1
)

// Config holds the unified configuration for the FilenFoto core.
type Config struct {
	// DataDir is the base directory for all local state
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// DatabasePath is the path to the photo index database file
	DatabasePath string `json:"database_path" yaml:"database_path"`

	// Sync configuration
	Sync SyncConfig `json:"sync" yaml:"sync"`

	// Cache configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Storage configuration
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// SyncConfig holds ingestion pipeline configuration.
type SyncConfig struct {
	// WorkDir is the scratch directory for per-asset resource files
	WorkDir string `json:"work_dir" yaml:"work_dir"`

	// ThumbnailDir is the directory for compressed thumbnails
	ThumbnailDir string `json:"thumbnail_dir" yaml:"thumbnail_dir"`

	// JournalDir is the directory for the sync journal
	JournalDir string `json:"journal_dir" yaml:"journal_dir"`

	// Workers is the number of assets processed concurrently
	Workers int `json:"workers" yaml:"workers"`

	// UploadTimeout bounds a single resource upload
	UploadTimeout time.Duration `json:"upload_timeout" yaml:"upload_timeout"`
}

// CacheConfig holds full-size blob cache configuration.
type CacheConfig struct {
	// Dir is the cache directory for downloaded full-size blobs
	Dir string `json:"dir" yaml:"dir"`

	// Budget is the size budget tier (negative disables eviction)
	Budget CacheBudget `json:"budget" yaml:"budget"`
}

// StorageConfig holds remote object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// RootFolder pins the remote folder prefix holding all photo objects.
	// Empty means a UUID root is allocated on first sync. Only consulted
	// before the first sync; an existing library keeps its root.
	RootFolder string `json:"root_folder" yaml:"root_folder"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data/filenfoto",
		Sync: SyncConfig{
			Workers:       4,
			UploadTimeout: 10 * time.Minute,
		},
		Cache: CacheConfig{
			Budget: CacheBudgetSmall,
		},
		Storage: StorageConfig{
			Type: "local",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/filenfoto"
	}

	if c.DatabasePath == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "photos.db")
	}

	if c.Sync.WorkDir == "" {
		c.Sync.WorkDir = filepath.Join(c.DataDir, "working")
	}
	if c.Sync.ThumbnailDir == "" {
		c.Sync.ThumbnailDir = filepath.Join(c.DataDir, "thumbnails")
	}
	if c.Sync.JournalDir == "" {
		c.Sync.JournalDir = filepath.Join(c.DataDir, "journal")
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = 4
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}
	if c.Cache.Budget == 0 {
		c.Cache.Budget = CacheBudgetSmall
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "storage")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Sync.Workers < 1 || c.Sync.Workers > 64 {
		return fmt.Errorf("sync.workers must be between 1 and 64, got %d", c.Sync.Workers)
	}

	switch c.Cache.Budget {
	case CacheBudgetSmall, CacheBudgetMedium, CacheBudgetLarge, CacheBudgetUnlimited:
	default:
		return fmt.Errorf("invalid cache budget: %d", c.Cache.Budget)
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the FILENFOTO_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("FILENFOTO_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FILENFOTO_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}

	// Sync configuration
	if v := os.Getenv("FILENFOTO_SYNC_WORKERS"); v != "" {
		fmt.Sscanf(v, "%d", &cfg.Sync.Workers)
	}
	if v := os.Getenv("FILENFOTO_SYNC_UPLOAD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Sync.UploadTimeout = d
		}
	}

	// Cache configuration
	if v := os.Getenv("FILENFOTO_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("FILENFOTO_CACHE_BUDGET"); v != "" {
		var budget int64
		fmt.Sscanf(v, "%d", &budget)
		cfg.Cache.Budget = CacheBudget(budget)
	}

	// Storage configuration
	if v := os.Getenv("FILENFOTO_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("FILENFOTO_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FILENFOTO_STORAGE_ROOT_FOLDER"); v != "" {
		cfg.Storage.RootFolder = v
	}
	if v := os.Getenv("FILENFOTO_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("FILENFOTO_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("FILENFOTO_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Sync.WorkDir,
		c.Sync.ThumbnailDir,
		c.Sync.JournalDir,
		c.Cache.Dir,
	}
	if c.Storage.Type == "local" {
		dirs = append(dirs, c.Storage.Path)
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
