// Package guest implements the agent that runs as init inside a kiln
// microVM. It receives code, command and payload over vsock, runs the
// command and streams results back.
package guest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/backend"
	fc "github.com/seantiz/kiln/internal/backend/firecracker"
)

// Limits applied when the request does not set them.
const (
	defaultTimeout   = 30 * time.Second
	defaultMaxOutput = 1 << 20

	// timeoutSlack lets the host deadline fire first.
	timeoutSlack = time.Second
)

// Agent handles vsock connections and executes runs. Runs are serialized:
// the host sends at most one at a time per microVM.
type Agent struct {
	listener net.Listener
	codeDir  string
	scratch  string
	logger   *slog.Logger

	runMu sync.Mutex
}

// New creates a guest agent. Code is written under workDir/code and each
// run's working directory is workDir/scratch.
func New(listener net.Listener, workDir string, logger *slog.Logger) *Agent {
	return &Agent{
		listener: listener,
		codeDir:  filepath.Join(workDir, "code"),
		scratch:  filepath.Join(workDir, "scratch"),
		logger:   logger,
	}
}

// Serve accepts connections until the listener is closed.
func (a *Agent) Serve() error {
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		go a.handleConnection(conn)
	}
}

// handleConnection processes a single request on conn.
func (a *Agent) handleConnection(conn net.Conn) {
	defer conn.Close()

	var req fc.GuestRequest
	if err := fc.ReadMessage(conn, &req); err != nil {
		a.logger.Warn("read request", "error", err)
		sendResult(conn, a.logger, fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("read request: %v", err)})
		return
	}

	switch req.Op {
	case fc.OpPing:
		sendResult(conn, a.logger, fc.GuestResponse{})
	case fc.OpRun:
		sendResult(conn, a.logger, a.run(conn, &req))
	default:
		sendResult(conn, a.logger, fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("unknown op %q", req.Op)})
	}
}

// resetDirs recreates the code and scratch directories empty.
func (a *Agent) resetDirs() error {
	for _, d := range []string{a.codeDir, a.scratch} {
		if err := os.RemoveAll(d); err != nil {
			return err
		}
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// run writes req.Files, runs req.Command and streams stderr lines to conn.
func (a *Agent) run(conn net.Conn, req *fc.GuestRequest) fc.GuestResponse {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	if len(req.Command) == 0 {
		return fc.GuestResponse{ExitCode: 1, Error: "empty command"}
	}
	if err := a.resetDirs(); err != nil {
		return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("prepare work dir: %v", err)}
	}
	if err := backend.WriteFiles(a.codeDir, req.Files); err != nil {
		return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("write files: %v", err)}
	}

	timeout := defaultTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS)*time.Millisecond + timeoutSlack
	}
	maxOut := req.MaxOutputBytes
	if maxOut <= 0 {
		maxOut = defaultMaxOutput
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command[0], req.Command[1:]...)
	cmd.Dir = a.scratch
	cmd.Env = []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + a.scratch,
		"TMPDIR=" + a.scratch,
		"LANG=C.UTF-8",
	}
	for k, v := range req.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdin = bytes.NewReader(req.Input)
	stdout := &backend.LimitedBuffer{Max: maxOut}
	cmd.Stdout = stdout

	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("stderr pipe: %v", err)}
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return fc.GuestResponse{ExitCode: 1, Error: fmt.Sprintf("start command: %v", err)}
	}

	stderr := &backend.LimitedBuffer{Max: maxOut}
	streamLines(conn, a.logger, stderrPipe, stderr)

	waitErr := cmd.Wait()
	resp := fc.GuestResponse{
		Stdout:     stdout.Bytes(),
		Stderr:     stderr.Bytes(),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			resp.Error = waitErr.Error()
		}
		resp.ExitCode = 1
		if exitErr != nil && exitErr.ExitCode() >= 0 {
			resp.ExitCode = exitErr.ExitCode()
		}
		if ctx.Err() != nil {
			resp.Stderr = append(resp.Stderr, []byte(fmt.Sprintf("\nkilled after %s", timeout))...)
		}
	}
	return resp
}

// streamLines copies r into buf and sends every line to conn as a log
// message. It returns when r is exhausted.
func streamLines(conn net.Conn, logger *slog.Logger, r io.Reader, buf *backend.LimitedBuffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), fc.MaxMessageSize)
	sending := true
	for scanner.Scan() {
		line := scanner.Text()
		buf.Write([]byte(line + "\n"))
		if !sending {
			continue
		}
		if err := fc.WriteMessage(conn, &fc.GuestMessage{Type: fc.MsgTypeLog, Line: line}); err != nil {
			logger.Warn("write log line", "error", err)
			sending = false
		}
	}
	// Drain anything past a line too long for the scanner.
	_, _ = io.Copy(buf, r)
}

// sendResult sends the final GuestResponse wrapped in a GuestMessage.
func sendResult(conn net.Conn, logger *slog.Logger, resp fc.GuestResponse) {
	msg := fc.GuestMessage{
		Type:     fc.MsgTypeResult,
		Response: &resp,
	}
	if err := fc.WriteMessage(conn, &msg); err != nil {
		logger.Warn("write result", "error", err)
	}
}
