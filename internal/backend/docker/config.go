package docker

import (
	"os"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// Environment variable names for docker backend configuration.
const (
	envPythonImage = "KILN_DOCKER_PYTHON_IMAGE"
	envNodeImage   = "KILN_DOCKER_NODE_IMAGE"
	envMemory      = "KILN_DOCKER_MEMORY"
	envCPUs        = "KILN_DOCKER_CPUS"
	envPidsLimit   = "KILN_DOCKER_PIDS_LIMIT"
	envPull        = "KILN_DOCKER_PULL"
	envStopTimeout = "KILN_DOCKER_STOP_TIMEOUT"
	envMaxOutput   = "KILN_DOCKER_MAX_OUTPUT_BYTES"
)

// Defaults for the docker backend.
const (
	DefaultPythonImage = "python:3.12-slim"
	DefaultNodeImage   = "node:20-slim"
	DefaultMemory      = "256m"
	DefaultCPUs        = 1.0
	DefaultPidsLimit   = 64
	DefaultStopTimeout = 5 * time.Second
	DefaultMaxOutput   = 1 << 20

	// CodeDir and ScratchDir are fixed paths inside every container.
	CodeDir    = "/kiln/code"
	ScratchDir = "/kiln/scratch"
)

// Config holds configuration for the docker backend.
type Config struct {
	PythonImage string `mapstructure:"python_image"`
	NodeImage   string `mapstructure:"node_image"`

	// Memory is a human-readable limit such as "256m".
	Memory string `mapstructure:"memory"`

	CPUs      float64 `mapstructure:"cpus"`
	PidsLimit int64   `mapstructure:"pids_limit"`

	// Pull fetches a missing image on first use.
	Pull bool `mapstructure:"pull"`

	// StopTimeout bounds container removal.
	StopTimeout time.Duration `mapstructure:"stop_timeout"`

	// MaxOutputBytes caps captured stdout and stderr each.
	MaxOutputBytes int `mapstructure:"max_output_bytes"`
}

// DefaultConfig returns the default docker backend configuration.
func DefaultConfig() Config {
	return Config{
		PythonImage: DefaultPythonImage,
		NodeImage:   DefaultNodeImage,
		Memory:      DefaultMemory,
		CPUs:        DefaultCPUs,
		PidsLimit:   DefaultPidsLimit,
		Pull:        true,
		StopTimeout: DefaultStopTimeout,

		MaxOutputBytes: DefaultMaxOutput,
	}
}

// LoadConfig applies docker backend environment variables on top of base.
func LoadConfig(base Config) Config {
	cfg := base

	if v := os.Getenv(envPythonImage); v != "" {
		cfg.PythonImage = v
	}
	if v := os.Getenv(envNodeImage); v != "" {
		cfg.NodeImage = v
	}
	if v := os.Getenv(envMemory); v != "" {
		if _, err := units.RAMInBytes(v); err == nil {
			cfg.Memory = v
		}
	}
	if v := os.Getenv(envCPUs); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.CPUs = f
		}
	}
	if v := os.Getenv(envPidsLimit); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.PidsLimit = n
		}
	}
	if v := os.Getenv(envPull); v != "" {
		cfg.Pull = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv(envStopTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.StopTimeout = d
		}
	}

	if v := os.Getenv(envMaxOutput); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxOutputBytes = n
		}
	}

	return cfg
}

// memoryBytes parses Memory; zero means unlimited.
func (c Config) memoryBytes() (int64, error) {
	if c.Memory == "" {
		return 0, nil
	}
	return units.RAMInBytes(c.Memory)
}

// image returns the image hosting a language.
func (c Config) image(language string) string {
	switch language {
	case "python":
		return c.PythonImage
	case "node":
		return c.NodeImage
	}
	return ""
}
