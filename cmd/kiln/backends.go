package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/backend/docker"
	"github.com/seantiz/kiln/internal/backend/firecracker"
	"github.com/seantiz/kiln/internal/backend/process"
	"github.com/seantiz/kiln/internal/backend/wasm"
	"github.com/seantiz/kiln/internal/config"
	"github.com/seantiz/kiln/internal/engine"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/store"
)

// closer releases a backend's host resources on shutdown.
type closer func(ctx context.Context)

// buildRegistry constructs every enabled backend. A backend that cannot be
// set up fails startup.
func buildRegistry(cfg config.Config, logger *slog.Logger) (*backend.Registry, []closer, error) {
	reg := backend.NewRegistry()
	var closers []closer

	for _, name := range cfg.Backends {
		log := logger.With("backend", name)
		switch name {
		case model.BackendProcess:
			reg.Register(process.New(cfg.Process, log))

		case model.BackendDocker:
			b, err := docker.New(cfg.Docker, log)
			if err != nil {
				return nil, nil, fmt.Errorf("docker backend: %w", err)
			}
			reg.Register(b)
			closers = append(closers, func(context.Context) {
				if err := b.Close(); err != nil {
					log.Warn("close docker client", "error", err)
				}
			})

		case model.BackendFirecracker:
			b, err := firecracker.NewBackend(cfg.Firecracker, log)
			if err != nil {
				return nil, nil, fmt.Errorf("firecracker backend: %w", err)
			}
			if err := b.Verify(); err != nil {
				return nil, nil, fmt.Errorf("firecracker backend: %w", err)
			}
			if nm := b.Network(); nm != nil {
				if nm.Egress() {
					if err := firecracker.EnsureIPForwarding(); err != nil {
						return nil, nil, fmt.Errorf("firecracker networking: %w", err)
					}
				}
				if err := nm.WriteConfList(); err != nil {
					return nil, nil, fmt.Errorf("firecracker networking: %w", err)
				}
			}
			reg.Register(b)
			closers = append(closers, b.Shutdown)

		case model.BackendWasm:
			b, err := wasm.New(cfg.Wasm, log)
			if err != nil {
				return nil, nil, fmt.Errorf("wasm backend: %w", err)
			}
			reg.Register(b)
			closers = append(closers, func(ctx context.Context) {
				if err := b.Close(ctx); err != nil {
					log.Warn("close wasm cache", "error", err)
				}
			})

		default:
			return nil, nil, fmt.Errorf("unknown backend %q", name)
		}
		log.Info("backend enabled")
	}
	return reg, closers, nil
}

// warmPageSize is how many functions are read per page at startup.
const warmPageSize = 100

// warmRegistered registers every active stored function for pre-warming.
func warmRegistered(ctx context.Context, s store.Store, eng *engine.Engine, logger *slog.Logger) {
	var n int
	for offset := 0; ; offset += warmPageSize {
		functions, total, err := s.ListFunctions(ctx, warmPageSize, offset)
		if err != nil {
			logger.Warn("list functions for prewarm", "error", err)
			return
		}
		for _, f := range functions {
			if !f.IsActive {
				continue
			}
			if err := eng.Warm(engine.InvocationFor(*f, nil)); err != nil {
				logger.Warn("register function for prewarm", "route", f.Route, "error", err)
				continue
			}
			n++
		}
		if offset+warmPageSize >= total || len(functions) == 0 {
			break
		}
	}
	logger.Info("registered functions for prewarm", "count", n)
}
