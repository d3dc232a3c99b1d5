package pool

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for pool configuration.
const (
	envCapacity         = "KILN_POOL_CAPACITY"
	envPreWarm          = "KILN_POOL_PREWARM"
	envIdleCap          = "KILN_POOL_IDLE_CAP"
	envIdleTTL          = "KILN_POOL_IDLE_TTL"
	envAcquireTimeout   = "KILN_POOL_ACQUIRE_TIMEOUT"
	envMaintainInterval = "KILN_POOL_MAINTAIN_INTERVAL"
	envGlobalLimit      = "KILN_POOL_GLOBAL_LIMIT"
)

// Defaults for pool policy.
const (
	DefaultCapacity         = 4
	DefaultPreWarm          = 1
	DefaultIdleTTL          = 5 * time.Minute
	DefaultAcquireTimeout   = 10 * time.Second
	DefaultMaintainInterval = 5 * time.Second
	DefaultGlobalLimit      = 64
)

// destroyTimeout bounds a single backend Destroy call.
const destroyTimeout = 30 * time.Second

// Config holds pool sizing policy. Capacity, PreWarm and IdleCap apply per
// key; GlobalLimit applies across all keys.
type Config struct {
	// Capacity is the maximum number of live sandboxes per key.
	Capacity int `mapstructure:"capacity"`

	// PreWarm is the number of idle sandboxes kept ready per tracked key.
	PreWarm int `mapstructure:"prewarm"`

	// IdleCap is the maximum number of idle sandboxes per key. Zero means
	// Capacity.
	IdleCap int `mapstructure:"idle_cap"`

	// IdleTTL is how long an idle sandbox may go unused before eviction.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`

	// AcquireTimeout bounds how long Acquire waits for a sandbox.
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`

	// MaintainInterval is the period of the evict and pre-warm loop.
	MaintainInterval time.Duration `mapstructure:"maintain_interval"`

	// GlobalLimit caps live sandboxes across all keys.
	GlobalLimit int `mapstructure:"global_limit"`
}

// DefaultConfig returns the default pool policy.
func DefaultConfig() Config {
	return Config{
		Capacity:         DefaultCapacity,
		PreWarm:          DefaultPreWarm,
		IdleTTL:          DefaultIdleTTL,
		AcquireTimeout:   DefaultAcquireTimeout,
		MaintainInterval: DefaultMaintainInterval,
		GlobalLimit:      DefaultGlobalLimit,
	}
}

// LoadConfig applies pool environment variables on top of base. Invalid
// values are ignored.
func LoadConfig(base Config) Config {
	cfg := base

	if v := os.Getenv(envCapacity); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Capacity = n
		}
	}
	if v := os.Getenv(envPreWarm); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.PreWarm = n
		}
	}
	if v := os.Getenv(envIdleCap); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.IdleCap = n
		}
	}
	if v := os.Getenv(envIdleTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.IdleTTL = d
		}
	}
	if v := os.Getenv(envAcquireTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.AcquireTimeout = d
		}
	}
	if v := os.Getenv(envMaintainInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.MaintainInterval = d
		}
	}
	if v := os.Getenv(envGlobalLimit); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.GlobalLimit = n
		}
	}

	return cfg.normalize()
}

// normalize fills zero fields with defaults and clamps dependent limits.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = d.Capacity
	}
	if c.PreWarm < 0 {
		c.PreWarm = 0
	}
	if c.PreWarm > c.Capacity {
		c.PreWarm = c.Capacity
	}
	if c.IdleCap <= 0 || c.IdleCap > c.Capacity {
		c.IdleCap = c.Capacity
	}
	if c.PreWarm > c.IdleCap {
		c.PreWarm = c.IdleCap
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = d.IdleTTL
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.MaintainInterval <= 0 {
		c.MaintainInterval = d.MaintainInterval
	}
	if c.GlobalLimit <= 0 {
		c.GlobalLimit = d.GlobalLimit
	}
	return c
}
