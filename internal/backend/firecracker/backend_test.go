package firecracker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCapabilities(t *testing.T) {
	b := &Backend{cfg: DefaultConfig()}

	caps := b.Capabilities()

	if caps.Name != model.BackendFirecracker {
		t.Errorf("Name = %q, want %q", caps.Name, model.BackendFirecracker)
	}
	if !slices.Equal(caps.SupportedLanguages, SupportedLanguages) {
		t.Errorf("SupportedLanguages = %v, want %v", caps.SupportedLanguages, SupportedLanguages)
	}
	if caps.Isolation != "microvm" || !caps.HardPreemption {
		t.Errorf("caps = %+v", caps)
	}
	if caps.MaxUnits != MaxConcurrentVMs {
		t.Errorf("MaxUnits = %d, want %d", caps.MaxUnits, MaxConcurrentVMs)
	}
}

func TestCapabilitiesCustomConcurrency(t *testing.T) {
	customMax := 25
	b := &Backend{
		cfg: Config{
			MaxConcurrentVMs: customMax,
		},
	}

	caps := b.Capabilities()
	if caps.MaxUnits != customMax {
		t.Errorf("MaxUnits = %d, want %d", caps.MaxUnits, customMax)
	}
}

func TestNewBackendWithoutNetworking(t *testing.T) {
	b, err := NewBackend(DefaultConfig(), testLogger())
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if b.Network() != nil {
		t.Error("network manager should be nil when networking is disabled")
	}
}

func TestVerifyMissingAssets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KernelPath = filepath.Join(t.TempDir(), "vmlinux")
	b, _ := NewBackend(cfg, testLogger())
	if err := b.Verify(); err == nil {
		t.Fatal("expected error for missing kernel")
	}
}

func TestBootRespectsVMLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConcurrentVMs = 1
	b, _ := NewBackend(cfg, testLogger())
	b.activeVMs["busy"] = &vmState{}

	_, err := b.Create(context.Background())
	if !backend.IsFault(err) || !strings.Contains(err.Error(), "limit") {
		t.Errorf("Create error = %v, want limit fault", err)
	}
}

func TestCIDAllocateAndRelease(t *testing.T) {
	b := &Backend{
		cfg:      Config{MaxConcurrentVMs: MaxConcurrentVMs},
		cidNext:  MinCID,
		cidInUse: make(map[uint32]bool),
	}

	// Allocate first CID.
	cid1, err := b.allocateCID()
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if cid1 < MinCID {
		t.Errorf("cid1 = %d, want >= %d", cid1, MinCID)
	}

	// Allocate second CID; it must differ.
	cid2, err := b.allocateCID()
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if cid2 == cid1 {
		t.Errorf("cid2 should differ from cid1 (%d)", cid1)
	}

	// Release first CID.
	b.releaseCID(cid1)

	// Verify it's no longer in use.
	b.cidMu.Lock()
	if b.cidInUse[cid1] {
		t.Error("cid1 should be released")
	}
	b.cidMu.Unlock()
}

func TestCIDAllocateConcurrent(t *testing.T) {
	b := &Backend{
		cfg:      Config{MaxConcurrentVMs: MaxConcurrentVMs},
		cidNext:  MinCID,
		cidInUse: make(map[uint32]bool),
	}

	const numGoroutines = 10
	var wg sync.WaitGroup
	cids := make(chan uint32, numGoroutines)

	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cid, err := b.allocateCID()
			if err != nil {
				t.Errorf("allocate: %v", err)
				return
			}
			cids <- cid
		}()
	}

	wg.Wait()
	close(cids)

	// Verify all CIDs are unique.
	seen := make(map[uint32]bool)
	for cid := range cids {
		if seen[cid] {
			t.Errorf("duplicate CID: %d", cid)
		}
		seen[cid] = true
	}

	if len(seen) != numGoroutines {
		t.Errorf("allocated %d CIDs, want %d", len(seen), numGoroutines)
	}
}

func TestCIDAllocateExhaustion(t *testing.T) {
	b := &Backend{
		cfg:      Config{MaxConcurrentVMs: MaxConcurrentVMs},
		cidNext:  MinCID,
		cidInUse: make(map[uint32]bool),
	}

	// Pre-fill the scan window (MaxConcurrentVMs+10 slots ahead of cidNext).
	scanRange := uint32(MaxConcurrentVMs + 10)
	for i := range scanRange {
		b.cidInUse[MinCID+i] = true
	}

	// All CIDs in the scan window are taken.
	_, err := b.allocateCID()
	if err == nil {
		t.Fatal("expected error when all CIDs exhausted")
	}

	// Release one and allocate again.
	b.releaseCID(MinCID)
	cid, err := b.allocateCID()
	if err != nil {
		t.Fatalf("should be able to allocate after release: %v", err)
	}
	if cid != MinCID {
		t.Errorf("expected to reuse released CID %d, got %d", MinCID, cid)
	}
}

func TestDestroyUntracked(t *testing.T) {
	b := &Backend{
		activeVMs: make(map[string]*vmState),
		logger:    testLogger(),
	}

	if err := b.Destroy(context.Background(), &unit{id: "gone", state: &vmState{}}); err != nil {
		t.Errorf("Destroy untracked: %v", err)
	}
}

func TestLoadChecksLanguage(t *testing.T) {
	b := &Backend{logger: testLogger()}
	u := &unit{id: "u", state: &vmState{}}

	err := b.Load(context.Background(), u, backend.LoadSpec{Language: "wasm", Command: []string{"x"}})
	if !backend.IsFault(err) {
		t.Errorf("Load wasm = %v, want FaultError", err)
	}
	if err := b.Load(context.Background(), u, backend.LoadSpec{Language: "python", Command: []string{"python3"}}); err != nil {
		t.Errorf("Load python: %v", err)
	}

	u.dead = true
	if err := b.Load(context.Background(), u, backend.LoadSpec{Language: "python", Command: []string{"python3"}}); !backend.IsFault(err) {
		t.Errorf("Load on stopped VM = %v, want FaultError", err)
	}
}

// fakeGuest serves the vsock UDS handshake and answers one run request.
func fakeGuest(t *testing.T, handle func(GuestRequest) GuestResponse) string {
	t.Helper()
	sockPath := filepath.Join(t.TempDir(), "vsock.sock")
	l, err := net.Listen("unix", sockPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				if _, err := r.ReadString('\n'); err != nil {
					return
				}
				conn.Write([]byte("OK 1024\n"))
				var req GuestRequest
				if err := ReadMessage(r, &req); err != nil {
					return
				}
				WriteMessage(conn, &GuestMessage{Type: MsgTypeLog, Line: "booting handler"})
				resp := handle(req)
				WriteMessage(conn, &GuestMessage{Type: MsgTypeResult, Response: &resp})
			}()
		}
	}()
	return sockPath
}

func TestRunSendsFilesAndCommand(t *testing.T) {
	reqs := make(chan GuestRequest, 1)
	sock := fakeGuest(t, func(req GuestRequest) GuestResponse {
		reqs <- req
		return GuestResponse{ExitCode: 0, Stdout: []byte("ok"), Stderr: []byte("log")}
	})
	b := &Backend{cfg: DefaultConfig(), logger: testLogger(), activeVMs: map[string]*vmState{}}
	u := &unit{id: "u", state: &vmState{vsockPath: sock}}
	spec := backend.LoadSpec{
		Language: "python",
		Files:    map[string][]byte{"main.py": []byte("print(1)")},
		Command:  []string{"python3", "-u", "main.py"},
	}
	if err := b.Load(context.Background(), u, spec); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := b.Run(ctx, u, []byte(`{"a":1}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(res.Stdout) != "ok" || string(res.Stderr) != "log" {
		t.Errorf("result = %+v", res)
	}
	got := <-reqs
	if got.Op != OpRun || string(got.Input) != `{"a":1}` {
		t.Errorf("request = %+v", got)
	}
	if !slices.Equal(got.Command, []string{"python3", "-u", GuestCodeDir + "/main.py"}) {
		t.Errorf("Command = %v", got.Command)
	}
	if got.TimeoutMS <= 0 {
		t.Errorf("TimeoutMS = %d, want the remaining deadline", got.TimeoutMS)
	}
}

func TestRunGuestErrorIsFault(t *testing.T) {
	sock := fakeGuest(t, func(GuestRequest) GuestResponse {
		return GuestResponse{Error: "exec: python3: not found"}
	})
	b := &Backend{cfg: DefaultConfig(), logger: testLogger()}
	u := &unit{id: "u", state: &vmState{vsockPath: sock}, spec: &backend.LoadSpec{Language: "python", Command: []string{"python3"}}}

	if _, err := b.Run(context.Background(), u, nil); !backend.IsFault(err) {
		t.Errorf("Run error = %v, want FaultError", err)
	}
}

func TestRunTimeoutKillsUnit(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	sock := fakeGuest(t, func(GuestRequest) GuestResponse {
		<-release
		return GuestResponse{}
	})
	b := &Backend{cfg: DefaultConfig(), logger: testLogger()}
	u := &unit{id: "u", state: &vmState{vsockPath: sock}, spec: &backend.LoadSpec{Language: "python", Command: []string{"python3"}}}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := b.Run(ctx, u, nil)
	if !errors.Is(err, backend.ErrTimedOut) {
		t.Fatalf("Run error = %v, want ErrTimedOut", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("Run did not return promptly after the deadline")
	}
	if _, err := b.Run(context.Background(), u, nil); !backend.IsFault(err) {
		t.Errorf("Run after kill = %v, want FaultError", err)
	}
}

func TestRunWithoutLoad(t *testing.T) {
	b := &Backend{cfg: DefaultConfig(), logger: testLogger()}
	if _, err := b.Run(context.Background(), &unit{id: "u", state: &vmState{}}, nil); !backend.IsFault(err) {
		t.Errorf("Run error = %v, want FaultError", err)
	}
}

func TestCopyRootfs(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()

	// Create a source rootfs file.
	srcPath := filepath.Join(srcDir, "test.ext4")
	content := []byte("fake rootfs content for testing")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source rootfs: %v", err)
	}

	dstPath := filepath.Join(dstDir, "copy.ext4")
	if err := copyRootfs(srcPath, dstPath); err != nil {
		t.Fatalf("copyRootfs: %v", err)
	}

	// Verify the copy exists and has correct content.
	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("read copy: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("copy content = %q, want %q", string(got), string(content))
	}
}

func TestCopyRootfsMissing(t *testing.T) {
	dstDir := t.TempDir()
	dstPath := filepath.Join(dstDir, "copy.ext4")

	err := copyRootfs("/nonexistent/rootfs.ext4", dstPath)
	if err == nil {
		t.Fatal("expected error for missing source")
	}
}

func TestDefaultBootArgs(t *testing.T) {
	// Verify boot args contain expected components.
	expected := []string{
		"console=ttyS0",
		"reboot=k",
		"panic=1",
		"pci=off",
		"init=" + GuestAgentPath,
	}

	for _, arg := range expected {
		if !containsArg(DefaultBootArgs, arg) {
			t.Errorf("DefaultBootArgs missing %q: %s", arg, DefaultBootArgs)
		}
	}
}

func containsArg(args, arg string) bool {
	return slices.Contains(strings.Fields(args), arg)
}
