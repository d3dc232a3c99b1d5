package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/seantiz/kiln/internal/backend/docker"
	"github.com/seantiz/kiln/internal/backend/firecracker"
	"github.com/seantiz/kiln/internal/backend/process"
	"github.com/seantiz/kiln/internal/backend/wasm"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "kiln.db"

	envListenAddr = "KILN_LISTEN_ADDR"
	envDBPath     = "KILN_DB_PATH"
	envLogLevel   = "KILN_LOG_LEVEL"
	envBackends   = "KILN_BACKENDS"
	envConfigFile = "KILN_CONFIG_FILE"
)

// defaultBackends need no external daemon or VM tooling.
var defaultBackends = []string{model.BackendProcess, model.BackendWasm}

// Config holds application configuration. Values come from defaults, then
// the optional config file, then environment variables.
type Config struct {
	ListenAddr string     `mapstructure:"listen_addr"`
	DBPath     string     `mapstructure:"db_path"`
	LogLevel   slog.Level `mapstructure:"log_level"`

	// Backends lists the backend selectors to enable at startup.
	Backends []string `mapstructure:"backends"`

	Pool        pool.Config        `mapstructure:"pool"`
	Process     process.Config     `mapstructure:"process"`
	Docker      docker.Config      `mapstructure:"docker"`
	Firecracker firecracker.Config `mapstructure:"firecracker"`
	Wasm        wasm.Config        `mapstructure:"wasm"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		ListenAddr:  defaultListenAddr,
		DBPath:      defaultDBPath,
		LogLevel:    slog.LevelInfo,
		Backends:    append([]string(nil), defaultBackends...),
		Pool:        pool.DefaultConfig(),
		Process:     process.DefaultConfig(),
		Docker:      docker.DefaultConfig(),
		Firecracker: firecracker.DefaultConfig(),
		Wasm:        wasm.DefaultConfig(),
	}
}

// Load reads configuration. When KILN_CONFIG_FILE names a file it is layered
// over the defaults; environment variables override both.
func Load() (Config, error) {
	cfg := Defaults()

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envBackends); v != "" {
		cfg.Backends = splitList(v)
	}

	cfg.Pool = pool.LoadConfig(cfg.Pool)
	cfg.Process = process.LoadConfig(cfg.Process)
	cfg.Docker = docker.LoadConfig(cfg.Docker)
	cfg.Firecracker = firecracker.LoadConfig(cfg.Firecracker)
	cfg.Wasm = wasm.LoadConfig(cfg.Wasm)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadFile decodes the YAML (or any viper-supported) file at path into cfg.
// Keys missing from the file keep their current values.
func loadFile(path string, cfg *Config) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if v.IsSet("backends") {
		// Decoding into a non-empty slice would keep stale trailing entries.
		cfg.Backends = nil
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

func (c Config) validate() error {
	if len(c.Backends) == 0 {
		return errors.New("config: at least one backend must be enabled")
	}
	for _, b := range c.Backends {
		switch b {
		case model.BackendProcess, model.BackendDocker, model.BackendFirecracker, model.BackendWasm:
		default:
			return fmt.Errorf("config: unknown backend %q", b)
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
