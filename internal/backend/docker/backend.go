// Package docker implements a backend that hosts each unit in a long-lived
// container and runs every invocation as an exec inside it.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

// Compile-time checks.
var (
	_ backend.Backend  = (*Backend)(nil)
	_ backend.Resetter = (*Backend)(nil)
	_ apiClient        = (*client.Client)(nil)
)

// apiClient is the subset of the docker client the backend uses.
type apiClient interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (image.InspectResponse, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	CopyToContainer(ctx context.Context, containerID, dstPath string, content io.Reader, options container.CopyToContainerOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

// unit is a container. The container is created on first Load because the
// image depends on the language, and replaced if a later Load needs a
// different image.
type unit struct {
	id string

	mu          sync.Mutex
	containerID string
	image       string
	spec        *backend.LoadSpec
	dead        bool
}

func (u *unit) ID() string { return u.id }

// Backend runs functions in docker containers.
type Backend struct {
	cfg    Config
	cli    apiClient
	logger *slog.Logger

	pullMu sync.Mutex
	pulled map[string]bool
}

// New connects to the docker daemon named by the environment.
func New(cfg Config, logger *slog.Logger) (*Backend, error) {
	if _, err := cfg.memoryBytes(); err != nil {
		return nil, fmt.Errorf("docker memory limit: %w", err)
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newBackend(cfg, cli, logger), nil
}

func newBackend(cfg Config, cli apiClient, logger *slog.Logger) *Backend {
	return &Backend{
		cfg:    cfg,
		cli:    cli,
		logger: logger.With("component", "docker-backend"),
		pulled: make(map[string]bool),
	}
}

// Close releases the docker client.
func (b *Backend) Close() error { return b.cli.Close() }

func (b *Backend) Name() string { return model.BackendDocker }

func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:               model.BackendDocker,
		Isolation:          "container",
		SupportedLanguages: []string{model.LanguagePython, model.LanguageNode},
		HardPreemption:     true,
	}
}

func (b *Backend) unit(u backend.Unit) (*unit, error) {
	du, ok := u.(*unit)
	if !ok {
		return nil, fmt.Errorf("unit %T is not a docker unit", u)
	}
	return du, nil
}

// Create checks the daemon is reachable. The container itself is started by
// Load.
func (b *Backend) Create(ctx context.Context) (backend.Unit, error) {
	if _, err := b.cli.Ping(ctx); err != nil {
		return nil, backend.Fault(b.Name(), backend.OpCreate, err)
	}
	return &unit{id: model.NewID()}, nil
}

func (b *Backend) Load(ctx context.Context, u backend.Unit, spec backend.LoadSpec) error {
	du, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpLoad, err)
	}
	img := b.cfg.image(spec.Language)
	if img == "" {
		return backend.Fault(b.Name(), backend.OpLoad, fmt.Errorf("no image for language %q", spec.Language))
	}
	if len(spec.Command) == 0 {
		return backend.Fault(b.Name(), backend.OpLoad, errors.New("language has no command"))
	}
	archive, err := buildArchive(CodeDir, nil, spec.Files)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpLoad, err)
	}

	du.mu.Lock()
	defer du.mu.Unlock()

	if du.dead {
		return backend.Fault(b.Name(), backend.OpLoad, errors.New("container was killed"))
	}
	if du.containerID != "" && du.image != img {
		b.removeContainer(du.containerID)
		du.containerID = ""
	}
	if du.containerID == "" {
		id, err := b.startContainer(ctx, du.id, img)
		if err != nil {
			return backend.Fault(b.Name(), backend.OpLoad, err)
		}
		du.containerID = id
		du.image = img
	} else {
		if err := b.execWait(ctx, du.containerID, []string{"sh", "-c", "rm -rf " + CodeDir + "/* " + CodeDir + "/.[!.]*"}); err != nil {
			return backend.Fault(b.Name(), backend.OpLoad, err)
		}
	}

	if err := b.cli.CopyToContainer(ctx, du.containerID, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return backend.Fault(b.Name(), backend.OpLoad, fmt.Errorf("copy code: %w", err))
	}
	du.spec = &spec
	return nil
}

func (b *Backend) ensureImage(ctx context.Context, img string) error {
	b.pullMu.Lock()
	defer b.pullMu.Unlock()
	if b.pulled[img] {
		return nil
	}

	_, _, err := b.cli.ImageInspectWithRaw(ctx, img)
	if err != nil {
		if !client.IsErrNotFound(err) {
			return fmt.Errorf("image inspect: %w", err)
		}
		if !b.cfg.Pull {
			return fmt.Errorf("image %s not present and pulling is disabled", img)
		}
		b.logger.Info("pulling image", "image", img)
		rc, err := b.cli.ImagePull(ctx, img, image.PullOptions{})
		if err != nil {
			return fmt.Errorf("image pull: %w", err)
		}
		_, _ = io.Copy(io.Discard, rc)
		rc.Close()
	}
	b.pulled[img] = true
	return nil
}

func (b *Backend) startContainer(ctx context.Context, unitID, img string) (string, error) {
	if err := b.ensureImage(ctx, img); err != nil {
		return "", err
	}
	mem, _ := b.cfg.memoryBytes()
	pids := b.cfg.PidsLimit

	resp, err := b.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           img,
			Entrypoint:      []string{"sleep"},
			Cmd:             []string{"infinity"},
			WorkingDir:      ScratchDir,
			NetworkDisabled: true,
			Labels:          map[string]string{"kiln.unit": unitID},
		},
		&container.HostConfig{
			NetworkMode: "none",
			CapDrop:     []string{"ALL"},
			SecurityOpt: []string{"no-new-privileges"},
			Resources: container.Resources{
				Memory:    mem,
				NanoCPUs:  int64(b.cfg.CPUs * 1e9),
				PidsLimit: &pids,
			},
		},
		nil, nil, "kiln-"+unitID,
	)
	if err != nil {
		return "", fmt.Errorf("container create: %w", err)
	}

	skeleton, err := buildArchive(CodeDir, []string{"/kiln", CodeDir, ScratchDir}, nil)
	if err != nil {
		b.removeContainer(resp.ID)
		return "", err
	}
	if err := b.cli.CopyToContainer(ctx, resp.ID, "/", skeleton, container.CopyToContainerOptions{}); err != nil {
		b.removeContainer(resp.ID)
		return "", fmt.Errorf("create work dirs: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		b.removeContainer(resp.ID)
		return "", fmt.Errorf("container start: %w", err)
	}

	b.logger.Debug("container started", "unit_id", unitID, "container_id", resp.ID, "image", img)
	return resp.ID, nil
}

func (b *Backend) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StopTimeout)
	defer cancel()
	err := b.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		b.logger.Warn("failed to remove container", "container_id", id, "error", err)
	}
}

// execWait runs cmd in the container and fails unless it exits zero.
func (b *Backend) execWait(ctx context.Context, containerID string, cmd []string) error {
	exec, err := b.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         unitUser,
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("exec create: %w", err)
	}
	resp, err := b.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()
	_, _ = io.Copy(io.Discard, resp.Reader)

	code, err := b.exitCode(ctx, exec.ID)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%v exited %d", cmd, code)
	}
	return nil
}

// exitCode waits for an exec whose output stream has ended to report its
// exit status.
func (b *Backend) exitCode(ctx context.Context, execID string) (int, error) {
	for {
		info, err := b.cli.ContainerExecInspect(ctx, execID)
		if err != nil {
			return 0, fmt.Errorf("exec inspect: %w", err)
		}
		if !info.Running {
			return info.ExitCode, nil
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func (b *Backend) Run(ctx context.Context, u backend.Unit, payload []byte) (backend.RawResult, error) {
	du, err := b.unit(u)
	if err != nil {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, err)
	}
	du.mu.Lock()
	containerID, spec, dead := du.containerID, du.spec, du.dead
	du.mu.Unlock()
	if dead {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, errors.New("container was killed"))
	}
	if spec == nil || containerID == "" {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, errors.New("no code loaded"))
	}

	start := time.Now()
	exec, err := b.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		User:         unitUser,
		Cmd:          backend.ResolveCommand(CodeDir, *spec),
		WorkingDir:   ScratchDir,
		Env:          []string{"HOME=" + ScratchDir, "TMPDIR=" + ScratchDir, "PYTHONDONTWRITEBYTECODE=1"},
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return b.runFailed(ctx, du, start, fmt.Errorf("exec create: %w", err))
	}
	resp, err := b.cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{})
	if err != nil {
		return b.runFailed(ctx, du, start, fmt.Errorf("exec attach: %w", err))
	}
	defer resp.Close()

	go func() {
		_, _ = resp.Conn.Write(payload)
		_ = resp.CloseWrite()
	}()

	stdout := &backend.LimitedBuffer{Max: b.cfg.MaxOutputBytes}
	stderr := &backend.LimitedBuffer{Max: b.cfg.MaxOutputBytes}
	copied := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, resp.Reader)
		copied <- err
	}()

	select {
	case <-ctx.Done():
		b.kill(du)
		return backend.RawResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Duration: time.Since(start)}, backend.TimedOut(ctx.Err())
	case err := <-copied:
		res := backend.RawResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err != nil {
			res.Duration = time.Since(start)
			return b.runFailed(ctx, du, start, fmt.Errorf("read exec output: %w", err))
		}
		code, err := b.exitCode(ctx, exec.ID)
		res.Duration = time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				b.kill(du)
				return res, backend.TimedOut(ctx.Err())
			}
			return res, backend.Fault(b.Name(), backend.OpRun, err)
		}
		res.ExitCode = code
		return res, nil
	}
}

func (b *Backend) runFailed(ctx context.Context, du *unit, start time.Time, err error) (backend.RawResult, error) {
	res := backend.RawResult{Duration: time.Since(start)}
	if ctx.Err() != nil {
		b.kill(du)
		return res, backend.TimedOut(ctx.Err())
	}
	return res, backend.Fault(b.Name(), backend.OpRun, err)
}

// kill stops everything running in the unit's container. The unit cannot be
// reused afterwards.
func (b *Backend) kill(du *unit) {
	du.mu.Lock()
	du.dead = true
	id := du.containerID
	du.mu.Unlock()
	if id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.StopTimeout)
	defer cancel()
	if err := b.cli.ContainerKill(ctx, id, "KILL"); err != nil && !client.IsErrNotFound(err) {
		b.logger.Warn("failed to kill container", "container_id", id, "error", err)
	}
}

// Reset empties the scratch and code directories and copies the loaded code
// back in, so files a run wrote next to its handler do not survive.
func (b *Backend) Reset(ctx context.Context, u backend.Unit) error {
	du, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpReset, err)
	}
	du.mu.Lock()
	id, dead, spec := du.containerID, du.dead, du.spec
	du.mu.Unlock()
	if dead {
		return backend.Fault(b.Name(), backend.OpReset, errors.New("container was killed"))
	}
	if id == "" {
		return nil
	}
	wipe := "rm -rf " + ScratchDir + "/* " + ScratchDir + "/.[!.]* " + CodeDir + "/* " + CodeDir + "/.[!.]*"
	if err := b.execWait(ctx, id, []string{"sh", "-c", wipe}); err != nil {
		return backend.Fault(b.Name(), backend.OpReset, err)
	}
	if spec == nil {
		return nil
	}
	archive, err := buildArchive(CodeDir, nil, spec.Files)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpReset, err)
	}
	if err := b.cli.CopyToContainer(ctx, id, "/", archive, container.CopyToContainerOptions{}); err != nil {
		return backend.Fault(b.Name(), backend.OpReset, fmt.Errorf("copy code: %w", err))
	}
	return nil
}

func (b *Backend) Destroy(_ context.Context, u backend.Unit) error {
	du, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpDestroy, err)
	}
	du.mu.Lock()
	id := du.containerID
	du.containerID = ""
	du.dead = true
	du.mu.Unlock()
	if id != "" {
		b.removeContainer(id)
	}
	return nil
}
