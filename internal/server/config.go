package server

import (
	"ferry/internal/auth"
	"ferry/internal/storage"
	"ferry/pkg/plan"
)

const (
	// MaxParts is the largest part count a session may be planned with.
	MaxParts = 10000
)

type Config struct {
	DataDir       string
	BasePath      string
	MinPartSize   int64
	Engine        storage.StorageEngine
	Authenticator auth.AuthEngine
}

type ConfigOption func(*Config)

func WithStorageEngine(engine storage.StorageEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

// WithBasePath mounts the API below path, for example "/api".
func WithBasePath(path string) ConfigOption {
	return func(cfg *Config) {
		cfg.BasePath = path
	}
}

// WithMinPartSize sets the smallest size accepted for every part but the
// last.
func WithMinPartSize(size int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MinPartSize = size
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{
		MinPartSize: plan.MinPartSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
