package process

import (
	"os"
	"strconv"
	"time"
)

// Environment variable names for process backend configuration.
const (
	envWorkDir        = "KILN_PROCESS_WORK_DIR"
	envPythonBin      = "KILN_PROCESS_PYTHON"
	envNodeBin        = "KILN_PROCESS_NODE"
	envMaxOutputBytes = "KILN_PROCESS_MAX_OUTPUT_BYTES"
	envKillGrace      = "KILN_PROCESS_KILL_GRACE"
)

// Defaults for the process backend.
const (
	DefaultPythonBin      = "python3"
	DefaultNodeBin        = "node"
	DefaultMaxOutputBytes = 1 << 20
	DefaultKillGrace      = 2 * time.Second
)

// Config holds configuration for the process-isolation backend.
type Config struct {
	// WorkDir is the parent directory for per-unit directories. Empty means
	// the system temp dir.
	WorkDir string `mapstructure:"work_dir"`

	// PythonBin and NodeBin replace the interpreter named by a language
	// command.
	PythonBin string `mapstructure:"python_bin"`
	NodeBin   string `mapstructure:"node_bin"`

	// MaxOutputBytes caps captured stdout and stderr each.
	MaxOutputBytes int `mapstructure:"max_output_bytes"`

	// KillGrace bounds how long Run waits for output pipes after the
	// process group is killed.
	KillGrace time.Duration `mapstructure:"kill_grace"`
}

// DefaultConfig returns the default process backend configuration.
func DefaultConfig() Config {
	return Config{
		PythonBin:      DefaultPythonBin,
		NodeBin:        DefaultNodeBin,
		MaxOutputBytes: DefaultMaxOutputBytes,
		KillGrace:      DefaultKillGrace,
	}
}

// LoadConfig applies process backend environment variables on top of base.
func LoadConfig(base Config) Config {
	cfg := base

	if v := os.Getenv(envWorkDir); v != "" {
		cfg.WorkDir = v
	}
	if v := os.Getenv(envPythonBin); v != "" {
		cfg.PythonBin = v
	}
	if v := os.Getenv(envNodeBin); v != "" {
		cfg.NodeBin = v
	}
	if v := os.Getenv(envMaxOutputBytes); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOutputBytes = n
		}
	}
	if v := os.Getenv(envKillGrace); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d >= 0 {
			cfg.KillGrace = d
		}
	}

	return cfg
}
