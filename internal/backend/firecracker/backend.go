// Package firecracker implements a backend that hosts each unit in a
// Firecracker microVM and talks to a guest agent over vsock.
package firecracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	fcsdk "github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/sirupsen/logrus"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

// Backend constants.
const (
	// DefaultBootArgs are the kernel boot arguments for Firecracker microVMs.
	DefaultBootArgs = "console=ttyS0 reboot=k panic=1 pci=off init=" + GuestAgentPath

	// vsockDeviceID is the device identifier used for vsock configuration.
	vsockDeviceID = "vsock0"

	// rootfsDriveID is the drive identifier for the root filesystem.
	rootfsDriveID = "rootfs"

	// vmSocketSuffix is appended to the unit ID for the VM socket.
	vmSocketSuffix = ".sock"

	// vsockSocketSuffix is appended for the vsock UDS path.
	vsockSocketSuffix = "_vsock.sock"

	// gracefulShutdownTimeout is the time allowed for graceful VM shutdown.
	gracefulShutdownTimeout = 3 * time.Second
)

var _ backend.Backend = (*Backend)(nil)

// vmState tracks the resources of one microVM.
type vmState struct {
	machine   *fcsdk.Machine
	cid       uint32
	netConfig *Attachment
	socketDir string // temp directory for socket files and rootfs copy
	vsockPath string
	started   bool // true after machine.Start succeeds (guards activeVMs gauge)
}

// unit is one booted microVM.
type unit struct {
	id    string
	state *vmState

	mu   sync.Mutex
	spec *backend.LoadSpec
	dead bool
}

func (u *unit) ID() string { return u.id }

// Backend implements backend.Backend using Firecracker microVMs.
type Backend struct {
	cfg    Config
	netMgr *NetworkManager // nil unless cfg.Networking
	logger *slog.Logger

	mu        sync.Mutex
	activeVMs map[string]*vmState // unit ID → vmState

	cidMu    sync.Mutex
	cidNext  uint32
	cidInUse map[uint32]bool
}

// NewBackend creates a new Firecracker backend.
func NewBackend(cfg Config, logger *slog.Logger) (*Backend, error) {
	b := &Backend{
		cfg:       cfg,
		logger:    logger.With("component", "firecracker-backend"),
		activeVMs: make(map[string]*vmState),
		cidNext:   max(cfg.CIDBase, MinCID),
		cidInUse:  make(map[uint32]bool),
	}
	if cfg.Networking {
		netMgr, err := NewNetworkManager(cfg, logger)
		if err != nil {
			return nil, fmt.Errorf("create network manager: %w", err)
		}
		b.netMgr = netMgr
	}
	return b, nil
}

// Verify checks that the kernel, rootfs and, with networking enabled, the
// CNI plugins are available.
func (b *Backend) Verify() error {
	for _, p := range []string{b.cfg.KernelPath, RootfsPath(b.cfg)} {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("firecracker asset: %w", err)
		}
	}
	if b.netMgr != nil {
		return b.netMgr.Verify()
	}
	return nil
}

// Network returns the CNI network manager, or nil when networking is off.
func (b *Backend) Network() *NetworkManager { return b.netMgr }

func (b *Backend) Name() string { return model.BackendFirecracker }

// Capabilities reports what this backend supports.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{
		Name:               model.BackendFirecracker,
		Isolation:          "microvm",
		SupportedLanguages: SupportedLanguages,
		HardPreemption:     true,
		MaxUnits:           b.cfg.MaxConcurrentVMs,
	}
}

func (b *Backend) unit(u backend.Unit) (*unit, error) {
	fu, ok := u.(*unit)
	if !ok {
		return nil, fmt.Errorf("unit %T is not a firecracker unit", u)
	}
	return fu, nil
}

// Create boots a microVM and waits until its guest agent answers a ping.
func (b *Backend) Create(ctx context.Context) (backend.Unit, error) {
	id := model.NewID()
	state, err := b.boot(ctx, id)
	if err != nil {
		return nil, backend.Fault(b.Name(), backend.OpCreate, err)
	}
	return &unit{id: id, state: state}, nil
}

func (b *Backend) boot(ctx context.Context, id string) (*vmState, error) {
	b.mu.Lock()
	if len(b.activeVMs) >= b.cfg.MaxConcurrentVMs {
		b.mu.Unlock()
		return nil, fmt.Errorf("microVM limit of %d reached", b.cfg.MaxConcurrentVMs)
	}
	b.mu.Unlock()

	// 1. Allocate CID.
	cid, err := b.allocateCID()
	if err != nil {
		return nil, fmt.Errorf("allocate CID: %w", err)
	}

	// 2. Set up CNI networking.
	var netCfg *Attachment
	if b.netMgr != nil {
		netCfg, err = b.netMgr.Attach(ctx, id)
		if err != nil {
			b.releaseCID(cid)
			return nil, fmt.Errorf("network setup: %w", err)
		}
	}

	// 3. Create temporary directory for sockets and the rootfs copy.
	socketDir, err := os.MkdirTemp("", "kiln-vm-"+id+"-")
	if err != nil {
		b.releaseCID(cid)
		b.cleanupResources(ctx, id, "")
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	// 4. Copy rootfs for this VM (copy-on-write when possible).
	vmRootfs := filepath.Join(socketDir, "rootfs.ext4")
	if err := copyRootfs(RootfsPath(b.cfg), vmRootfs); err != nil {
		b.releaseCID(cid)
		b.cleanupResources(ctx, id, socketDir)
		return nil, fmt.Errorf("copy rootfs: %w", err)
	}

	// 5. Configure VM.
	socketPath := filepath.Join(socketDir, id+vmSocketSuffix)
	vsockPath := filepath.Join(socketDir, id+vsockSocketSuffix)

	fcCfg := fcsdk.Config{
		SocketPath:      socketPath,
		KernelImagePath: b.cfg.KernelPath,
		KernelArgs:      DefaultBootArgs,
		Drives: []models.Drive{
			{
				DriveID:      fcsdk.String(rootfsDriveID),
				PathOnHost:   fcsdk.String(vmRootfs),
				IsRootDevice: fcsdk.Bool(true),
				IsReadOnly:   fcsdk.Bool(false),
			},
		},
		VsockDevices: []fcsdk.VsockDevice{
			{
				ID:   vsockDeviceID,
				Path: vsockPath,
				CID:  cid,
			},
		},
		MachineCfg: models.MachineConfiguration{
			VcpuCount:  fcsdk.Int64(int64(b.cfg.VCPUs)),
			MemSizeMib: fcsdk.Int64(int64(b.cfg.MemMB)),
			Smt:        fcsdk.Bool(false),
		},
		VMID: id,
	}
	if netCfg != nil {
		fcCfg.NetworkInterfaces = fcsdk.NetworkInterfaces{
			{
				StaticConfiguration: &fcsdk.StaticNetworkConfiguration{
					MacAddress:  netCfg.MACAddress,
					HostDevName: netCfg.TAPDevice,
				},
			},
		}
		fcCfg.NetNS = netCfg.NetNS
	}

	// Create a logrus logger that discards output (we use slog).
	fcLogger := logrus.New()
	fcLogger.SetOutput(io.Discard)

	// The VMM outlives the request that created it.
	vmCtx := context.WithoutCancel(ctx)
	fcCmd := fcsdk.VMCommandBuilder{}.
		WithBin(b.cfg.FirecrackerBin).
		WithSocketPath(socketPath).
		Build(vmCtx)

	machine, err := fcsdk.NewMachine(vmCtx, fcCfg,
		fcsdk.WithLogger(logrus.NewEntry(fcLogger)),
		fcsdk.WithProcessRunner(fcCmd),
	)
	if err != nil {
		b.releaseCID(cid)
		b.cleanupResources(ctx, id, socketDir)
		return nil, fmt.Errorf("create machine: %w", err)
	}

	state := &vmState{
		machine:   machine,
		cid:       cid,
		netConfig: netCfg,
		socketDir: socketDir,
		vsockPath: vsockPath,
	}
	b.mu.Lock()
	b.activeVMs[id] = state
	b.mu.Unlock()

	// 6. Start VM.
	bootStart := time.Now()
	if err := machine.Start(vmCtx); err != nil {
		b.stopAndCleanup(id, state)
		return nil, fmt.Errorf("start VM: %w", err)
	}
	state.started = true
	activeVMs.Inc()

	// 7. Wait for the guest agent.
	readyCtx, cancel := context.WithTimeout(ctx, b.cfg.BootTimeout)
	defer cancel()
	if err := WaitReady(readyCtx, vsockPath, b.cfg.VsockPort); err != nil {
		b.stopAndCleanup(id, state)
		return nil, err
	}
	phaseDuration.WithLabelValues(phaseBoot).Observe(time.Since(bootStart).Seconds())

	b.logger.Info("VM started",
		"unit_id", id,
		"cid", cid,
		"vcpus", b.cfg.VCPUs,
		"mem_mb", b.cfg.MemMB,
	)
	return state, nil
}

// Load records the files to send with every run. The guest writes them into
// a fresh directory per run, so nothing persists between invocations.
func (b *Backend) Load(_ context.Context, u backend.Unit, spec backend.LoadSpec) error {
	fu, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpLoad, err)
	}
	if !isSupportedLanguage(spec.Language) {
		return backend.Fault(b.Name(), backend.OpLoad, fmt.Errorf("language %q is not in the rootfs image", spec.Language))
	}
	if len(spec.Command) == 0 {
		return backend.Fault(b.Name(), backend.OpLoad, errors.New("language has no command"))
	}
	fu.mu.Lock()
	defer fu.mu.Unlock()
	if fu.dead {
		return backend.Fault(b.Name(), backend.OpLoad, errors.New("microVM was stopped"))
	}
	fu.spec = &spec
	return nil
}

// Run sends the code and payload to the guest agent. If ctx ends first the
// VMM is stopped and the unit is unusable.
func (b *Backend) Run(ctx context.Context, u backend.Unit, payload []byte) (backend.RawResult, error) {
	fu, err := b.unit(u)
	if err != nil {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, err)
	}
	fu.mu.Lock()
	spec, dead := fu.spec, fu.dead
	fu.mu.Unlock()
	if dead {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, errors.New("microVM was stopped"))
	}
	if spec == nil {
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, errors.New("no code loaded"))
	}

	start := time.Now()
	gc, err := DialGuest(ctx, fu.state.vsockPath, b.cfg.VsockPort)
	if err != nil {
		if ctx.Err() != nil {
			b.kill(fu)
			runsTotal.WithLabelValues(spec.Language, statusKilled).Inc()
			return backend.RawResult{Duration: time.Since(start)}, backend.TimedOut(ctx.Err())
		}
		runsTotal.WithLabelValues(spec.Language, statusFailed).Inc()
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, fmt.Errorf("connect to guest: %w", err))
	}
	defer gc.Close()

	req := GuestRequest{
		Op:      OpRun,
		Files:   spec.Files,
		Command: backend.ResolveCommand(GuestCodeDir, *spec),
		Input:   payload,
	}
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = time.Until(deadline).Milliseconds()
	}

	resp, err := gc.Exec(ctx, req, func(line string) {
		b.logger.Debug("guest output", "unit_id", fu.id, "line", line)
	})
	if ctx.Err() != nil {
		b.kill(fu)
		runsTotal.WithLabelValues(spec.Language, statusKilled).Inc()
		return backend.RawResult{Duration: time.Since(start)}, backend.TimedOut(ctx.Err())
	}
	phaseDuration.WithLabelValues(phaseRun).Observe(time.Since(start).Seconds())
	if err != nil {
		runsTotal.WithLabelValues(spec.Language, statusFailed).Inc()
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, fmt.Errorf("run: %w", err))
	}
	if resp.Error != "" {
		runsTotal.WithLabelValues(spec.Language, statusFailed).Inc()
		return backend.RawResult{}, backend.Fault(b.Name(), backend.OpRun, fmt.Errorf("guest: %s", resp.Error))
	}
	runsTotal.WithLabelValues(spec.Language, statusCompleted).Inc()
	return backend.RawResult{
		Stdout:   resp.Stdout,
		Stderr:   resp.Stderr,
		ExitCode: resp.ExitCode,
		Duration: time.Since(start),
	}, nil
}

// kill stops the VMM immediately.
func (b *Backend) kill(fu *unit) {
	fu.mu.Lock()
	already := fu.dead
	fu.dead = true
	fu.mu.Unlock()
	if already {
		return
	}
	if fu.state.machine == nil {
		return
	}
	if err := fu.state.machine.StopVMM(); err != nil {
		b.logger.Warn("StopVMM failed", "unit_id", fu.id, "error", err)
	}
}

// Destroy shuts the microVM down and releases its CID, network and files.
func (b *Backend) Destroy(_ context.Context, u backend.Unit) error {
	fu, err := b.unit(u)
	if err != nil {
		return backend.Fault(b.Name(), backend.OpDestroy, err)
	}
	fu.mu.Lock()
	fu.dead = true
	fu.mu.Unlock()

	b.mu.Lock()
	_, exists := b.activeVMs[fu.id]
	b.mu.Unlock()
	if !exists {
		return nil
	}
	b.stopAndCleanup(fu.id, fu.state)
	return nil
}

// Shutdown stops all active VMs and tears down networking.
func (b *Backend) Shutdown(ctx context.Context) {
	b.mu.Lock()
	states := make(map[string]*vmState, len(b.activeVMs))
	for id, s := range b.activeVMs {
		states[id] = s
	}
	b.mu.Unlock()

	for id, s := range states {
		b.stopAndCleanup(id, s)
	}

	if b.netMgr != nil {
		b.netMgr.DetachAll(ctx)
	}
}

// stopAndCleanup stops a VM and cleans up all associated resources. It uses
// background contexts so cleanup completes after the caller's context ends.
func (b *Backend) stopAndCleanup(id string, state *vmState) {
	cleanupStart := time.Now()

	b.mu.Lock()
	if _, ok := b.activeVMs[id]; !ok {
		b.mu.Unlock()
		return
	}
	delete(b.activeVMs, id)
	b.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	if err := state.machine.Shutdown(shutdownCtx); err != nil {
		b.logger.Debug("graceful shutdown failed, forcing stop", "unit_id", id, "error", err)
		if stopErr := state.machine.StopVMM(); stopErr != nil {
			b.logger.Debug("StopVMM failed", "unit_id", id, "error", stopErr)
		}
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer waitCancel()
	if err := state.machine.Wait(waitCtx); err != nil {
		b.logger.Debug("failed to wait for VM exit", "unit_id", id, "error", err)
	}

	if state.started {
		activeVMs.Dec()
	}

	b.releaseCID(state.cid)

	cleanupCtx, cleanupCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cleanupCancel()
	b.cleanupResources(cleanupCtx, id, state.socketDir)

	phaseDuration.WithLabelValues(phaseCleanup).Observe(time.Since(cleanupStart).Seconds())
	b.logger.Debug("cleanup complete", "unit_id", id)
}

// cleanupResources tears down networking and removes the VM's temp dir.
func (b *Backend) cleanupResources(ctx context.Context, id, socketDir string) {
	if b.netMgr != nil {
		if err := b.netMgr.Detach(ctx, id); err != nil {
			b.logger.Warn("network detach failed", "unit_id", id, "error", err)
		}
	}
	if socketDir != "" {
		os.RemoveAll(socketDir)
	}
}

// allocateCID returns the next available vsock CID.
func (b *Backend) allocateCID() (uint32, error) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()

	scanRange := uint32(b.cfg.MaxConcurrentVMs + 10)
	for i := range scanRange {
		candidate := max(b.cidNext+i, MinCID)
		if !b.cidInUse[candidate] {
			b.cidInUse[candidate] = true
			b.cidNext = candidate + 1
			return candidate, nil
		}
	}
	return 0, fmt.Errorf("no available CIDs (all %d slots in use)", len(b.cidInUse))
}

// releaseCID returns a CID to the pool.
func (b *Backend) releaseCID(cid uint32) {
	b.cidMu.Lock()
	defer b.cidMu.Unlock()
	delete(b.cidInUse, cid)
}

// copyRootfs creates a copy of the rootfs image for a VM.
// Uses cp --reflink=auto for copy-on-write when the filesystem supports it.
func copyRootfs(src, dst string) error {
	cmd := exec.Command("cp", "--reflink=auto", src, dst)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("cp %s %s: %s: %w", src, dst, string(output), err)
	}
	return nil
}
