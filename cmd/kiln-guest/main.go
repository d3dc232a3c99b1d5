// Command kiln-guest is the agent that runs as init inside kiln's
// Firecracker microVMs. It listens on vsock for run requests from the host.
//
// Build with: CGO_ENABLED=0 GOOS=linux GOARCH=amd64 go build -o kiln-guest ./cmd/kiln-guest
package main

import (
	"log/slog"
	"os"

	"github.com/mdlayher/vsock"

	fc "github.com/seantiz/kiln/internal/backend/firecracker"
	"github.com/seantiz/kiln/internal/guest"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	guest.SetupInit(logger)

	port := fc.DefaultVsockPort
	l, err := vsock.Listen(port, nil)
	if err != nil {
		logger.Error("vsock listen", "port", port, "error", err)
		os.Exit(1)
	}
	defer l.Close()

	logger.Info("kiln-guest listening", "port", port)

	agent := guest.New(l, fc.GuestWorkDir, logger)
	if err := agent.Serve(); err != nil {
		logger.Error("serve", "error", err)
		os.Exit(1)
	}
}
