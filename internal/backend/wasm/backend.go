// Package wasm implements a backend that runs WASI command modules in an
// in-process wazero runtime, one runtime per unit.
package wasm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/language"
	"github.com/seantiz/kiln/internal/model"
)

var _ backend.Backend = (*Backend)(nil)

type unit struct {
	id string
	rt wazero.Runtime

	mu       sync.Mutex
	compiled wazero.CompiledModule
}

func (u *unit) ID() string { return u.id }

// Backend runs wasm modules with wazero.
type Backend struct {
	cfg    Config
	cache  wazero.CompilationCache
	logger *slog.Logger
}

// New creates a wasm backend. Units share one compilation cache so a module
// is compiled once per process.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	cache := wazero.NewCompilationCache()
	if cfg.CacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("wasm compilation cache: %w", err)
		}
	}
	return &Backend{cfg: cfg, cache: cache, logger: logger.With("component", "wasm-backend")}, nil
}

// Close releases the compilation cache.
func (b *Backend) Close(ctx context.Context) error { return b.cache.Close(ctx) }

func (b *Backend) Name() string { return model.BackendWasm }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:               model.BackendWasm,
		Isolation:          "wasm",
		SupportedLanguages: []string{model.LanguageWasm},
		HardPreemption:     true,
	}
}

func (b *Backend) unit(u backend.Unit) (*unit, error) {
	wu, ok := u.(*unit)
	if !ok {
		return nil, fmt.Errorf("unit %T is not a wasm unit", u)
	}
	return wu, nil
}

func (b *Backend) Create(ctx context.Context) (backend.Unit, error) {
	cfg := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(b.cfg.MemoryLimitPages).
		WithCompilationCache(b.cache)
	rt := wazero.NewRuntimeWithConfig(ctx, cfg)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, backend.Fault(b.Name(), backend.OpCreate, err)
	}
	return &unit{id: model.NewID(), rt: rt}, nil
}

// Load compiles the module. A module that does not compile is the caller's
// error, not a backend fault.
func (b *Backend) Load(ctx context.Context, u backend.Unit, spec backend.LoadSpec) error {
	wu, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpLoad, err)
	}
	mod, ok := spec.Files[language.WasmModuleFile]
	if !ok {
		return backend.Fault(b.Name(), backend.OpLoad, errors.New("load spec has no module"))
	}
	compiled, err := wu.rt.CompileModule(ctx, mod)
	if err != nil {
		if ctx.Err() != nil {
			return backend.Fault(b.Name(), backend.OpLoad, err)
		}
		return &language.ExecutionError{Message: fmt.Sprintf("invalid wasm module: %v", err)}
	}

	wu.mu.Lock()
	prev := wu.compiled
	wu.compiled = compiled
	wu.mu.Unlock()
	if prev != nil {
		_ = prev.Close(ctx)
	}
	return nil
}

func (b *Backend) Run(ctx context.Context, u backend.Unit, payload []byte) (res backend.RawResult, err error) {
	wu, err := b.unit(u)
	if err != nil {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, err)
	}
	wu.mu.Lock()
	compiled := wu.compiled
	wu.mu.Unlock()
	if compiled == nil {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, errors.New("no module loaded"))
	}

	stdout := &backend.LimitedBuffer{Max: b.cfg.MaxOutputBytes}
	stderr := &backend.LimitedBuffer{Max: b.cfg.MaxOutputBytes}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = backend.RawResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}
			err = backend.Fault(b.Name(), backend.OpRun, fmt.Errorf("wasm runtime panic: %v", r))
		}
	}()

	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithArgs("handler").
		WithStdin(bytes.NewReader(payload)).
		WithStdout(stdout).
		WithStderr(stderr).
		WithSysWalltime().
		WithSysNanotime()

	mod, runErr := wu.rt.InstantiateModule(ctx, compiled, modCfg)
	if mod != nil {
		_ = mod.Close(context.WithoutCancel(ctx))
	}
	res = backend.RawResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}

	if ctx.Err() != nil {
		return res, backend.TimedOut(ctx.Err())
	}
	var exitErr *sys.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = int(exitErr.ExitCode())
		return res, nil
	}
	if runErr != nil {
		// Traps such as unreachable or out-of-bounds access are the module's
		// own failure.
		res.ExitCode = 1
		res.Stderr = append(res.Stderr, []byte(runErr.Error())...)
		return res, nil
	}
	return res, nil
}

func (b *Backend) Destroy(ctx context.Context, u backend.Unit) error {
	wu, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpDestroy, err)
	}
	if err := wu.rt.Close(ctx); err != nil {
		return backend.Fault(b.Name(), backend.OpDestroy, err)
	}
	return nil
}
