package wasm

import (
	"os"
	"strconv"
)

// Environment variable names for wasm backend configuration.
const (
	envMemoryLimitPages = "KILN_WASM_MEMORY_LIMIT_PAGES"
	envMaxOutputBytes   = "KILN_WASM_MAX_OUTPUT_BYTES"
	envCacheDir         = "KILN_WASM_CACHE_DIR"
)

// Defaults for the wasm backend.
const (
	// DefaultMemoryLimitPages is 16 MiB of 64 KiB pages.
	DefaultMemoryLimitPages = 256
	DefaultMaxOutputBytes   = 1 << 20
)

// Config holds configuration for the wasm backend.
type Config struct {
	// MemoryLimitPages caps the linear memory of every module instance.
	MemoryLimitPages uint32 `mapstructure:"memory_limit_pages"`

	MaxOutputBytes int `mapstructure:"max_output_bytes"`

	// CacheDir persists compiled modules across restarts. Empty keeps the
	// cache in memory.
	CacheDir string `mapstructure:"cache_dir"`
}

// DefaultConfig returns the default wasm backend configuration.
func DefaultConfig() Config {
	return Config{
		MemoryLimitPages: DefaultMemoryLimitPages,
		MaxOutputBytes:   DefaultMaxOutputBytes,
	}
}

// LoadConfig applies wasm backend environment variables on top of base.
func LoadConfig(base Config) Config {
	cfg := base

	if v := os.Getenv(envMemoryLimitPages); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil && n > 0 && n <= 65536 {
			cfg.MemoryLimitPages = uint32(n)
		}
	}
	if v := os.Getenv(envMaxOutputBytes); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOutputBytes = n
		}
	}
	if v := os.Getenv(envCacheDir); v != "" {
		cfg.CacheDir = v
	}

	return cfg
}
