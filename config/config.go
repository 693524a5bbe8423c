// Package config loads the koda configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jamespfennell/koda"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the configuration file used when none is given.
const DefaultPath = "koda.yml"

// Environment variables that override values from the file.
const (
	EnvAPIKey   = "KODA_API_KEY"
	EnvCacheDir = "KODA_CACHE_DIR"
	EnvNCPU     = "KODA_N_CPU"
	EnvLogLevel = "KODA_LOG_LEVEL"
)

// Config is the configuration of the koda tools.
type Config struct {
	// Directory holding the cache units.
	CacheDir string `yaml:"cache_dir" validate:"required"`

	// Number of files decoded in parallel. -1 uses every CPU.
	NCPU int `yaml:"n_cpu" validate:"gte=-1"`

	// Key of the v2 API. If empty, the legacy v1 API is used.
	APIKey string `yaml:"api_key"`

	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Timeout of a single archive download. Zero means no timeout.
	Timeout time.Duration `yaml:"timeout" validate:"gte=0"`

	// Decompression command template, see koda.DefaultDecompressor.
	Decompressor []string `yaml:"decompressor" validate:"omitempty,min=1,dive,required"`

	ReleaseDelay time.Duration `yaml:"release_delay" validate:"gte=0"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=json text"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		CacheDir:     "Cache",
		NCPU:         -1,
		BaseURL:      koda.DefaultBaseURL,
		Decompressor: append([]string(nil), koda.DefaultDecompressor...),
		ReleaseDelay: koda.DefaultReleaseDelay,
		LogLevel:     "info",
		LogFormat:    "json",
	}
}

// APIVersion returns 2 if an API key is configured and 1 otherwise.
func (c *Config) APIVersion() int {
	if c.APIKey == "" {
		return 1
	}
	return 2
}

// Load reads the configuration file at path, applies the environment overrides and
// validates the result. A missing file is not an error: the defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvAPIKey); ok {
		cfg.APIKey = v
	}
	if v, ok := lookup(EnvCacheDir); ok {
		cfg.CacheDir = v
	}
	if v, ok := lookup(EnvNCPU); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvNCPU, v, err)
		}
		cfg.NCPU = n
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.LogLevel = v
	}
	return nil
}
