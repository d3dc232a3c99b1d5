// Package process implements a backend that runs each unit as a plain OS
// process with its own work directory and process group.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

// Compile-time checks.
var (
	_ backend.Backend  = (*Backend)(nil)
	_ backend.Resetter = (*Backend)(nil)
)

// unit is one work directory. code holds the loaded files; scratch is the
// working directory and temp dir of every run and is wiped on Reset.
type unit struct {
	id      string
	dir     string
	code    string
	scratch string

	mu   sync.Mutex
	spec *backend.LoadSpec
}

func (u *unit) ID() string { return u.id }

// Backend runs functions as local processes.
type Backend struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a process backend.
func New(cfg Config, logger *slog.Logger) *Backend {
	return &Backend{cfg: cfg, logger: logger}
}

func (b *Backend) Name() string { return model.BackendProcess }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:               model.BackendProcess,
		Isolation:          "process",
		SupportedLanguages: []string{model.LanguagePython, model.LanguageNode},
		HardPreemption:     true,
	}
}

func (b *Backend) unit(u backend.Unit) (*unit, error) {
	pu, ok := u.(*unit)
	if !ok {
		return nil, fmt.Errorf("unit %T is not a process unit", u)
	}
	return pu, nil
}

func (b *Backend) Create(_ context.Context) (backend.Unit, error) {
	dir, err := os.MkdirTemp(b.cfg.WorkDir, "kiln-unit-*")
	if err != nil {
		return nil, backend.Fault(b.Name(), backend.OpCreate, err)
	}
	u := &unit{
		id:      model.NewID(),
		dir:     dir,
		code:    filepath.Join(dir, "code"),
		scratch: filepath.Join(dir, "scratch"),
	}
	for _, d := range []string{u.code, u.scratch} {
		if err := os.Mkdir(d, 0o755); err != nil {
			os.RemoveAll(dir)
			return nil, backend.Fault(b.Name(), backend.OpCreate, err)
		}
	}
	return u, nil
}

func (b *Backend) Load(_ context.Context, u backend.Unit, spec backend.LoadSpec) error {
	pu, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpLoad, err)
	}
	if len(spec.Command) == 0 {
		return backend.Fault(b.Name(), backend.OpLoad, errors.New("language has no command"))
	}

	if err := writeCode(pu.code, spec.Files); err != nil {
		return backend.Fault(b.Name(), backend.OpLoad, err)
	}

	pu.mu.Lock()
	pu.spec = &spec
	pu.mu.Unlock()
	return nil
}

// interpreter maps a language command's program to the configured binary.
func (b *Backend) interpreter(name string) string {
	switch name {
	case DefaultPythonBin:
		return b.cfg.PythonBin
	case DefaultNodeBin:
		return b.cfg.NodeBin
	}
	return name
}

func (b *Backend) Run(ctx context.Context, u backend.Unit, payload []byte) (backend.RawResult, error) {
	pu, err := b.unit(u)
	if err != nil {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, err)
	}
	pu.mu.Lock()
	spec := pu.spec
	pu.mu.Unlock()
	if spec == nil {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, errors.New("no code loaded"))
	}

	argv := backend.ResolveCommand(pu.code, *spec)
	cmd := exec.CommandContext(ctx, b.interpreter(argv[0]), argv[1:]...)
	cmd.Dir = pu.scratch
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + pu.scratch,
		"TMPDIR=" + pu.scratch,
		"LANG=C.UTF-8",
		"PYTHONDONTWRITEBYTECODE=1",
	}
	cmd.Stdin = bytes.NewReader(payload)
	stdout := &backend.LimitedBuffer{Max: b.cfg.MaxOutputBytes}
	stderr := &backend.LimitedBuffer{Max: b.cfg.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = b.cfg.KillGrace
	setProcessGroup(cmd)

	start := time.Now()
	runErr := cmd.Run()
	res := backend.RawResult{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return res, backend.TimedOut(ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return res, nil
	}
	if runErr != nil {
		return res, backend.Fault(b.Name(), backend.OpRun, runErr)
	}
	return res, nil
}

// writeCode replaces dir with a fresh copy of files.
func writeCode(dir string, files map[string][]byte) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return err
	}
	return backend.WriteFiles(dir, files)
}

// Reset wipes the scratch directory and rewrites the code directory from the
// loaded spec, so nothing a run wrote anywhere in the unit survives.
func (b *Backend) Reset(_ context.Context, u backend.Unit) error {
	pu, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpReset, err)
	}
	pu.mu.Lock()
	spec := pu.spec
	pu.mu.Unlock()
	if spec != nil {
		if err := writeCode(pu.code, spec.Files); err != nil {
			return backend.Fault(b.Name(), backend.OpReset, err)
		}
	}
	if err := os.RemoveAll(pu.scratch); err != nil {
		return backend.Fault(b.Name(), backend.OpReset, err)
	}
	if err := os.Mkdir(pu.scratch, 0o755); err != nil {
		return backend.Fault(b.Name(), backend.OpReset, err)
	}
	return nil
}

func (b *Backend) Destroy(_ context.Context, u backend.Unit) error {
	pu, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpDestroy, err)
	}
	if err := os.RemoveAll(pu.dir); err != nil {
		b.logger.Warn("failed to remove unit directory", "unit_id", pu.id, "dir", pu.dir, "error", err)
		return backend.Fault(b.Name(), backend.OpDestroy, err)
	}
	return nil
}
