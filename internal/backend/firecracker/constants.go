package firecracker

import (
	"path/filepath"
	"slices"
)

// Default vsock settings.
const (
	// DefaultVsockPort is the port the guest agent listens on inside the microVM.
	DefaultVsockPort uint32 = 1024

	// MinCID is the minimum context ID for vsock; CIDs 0-2 are reserved.
	MinCID uint32 = 3
)

// Default resource limits.
const (
	DefaultVCPUs = 1
	DefaultMemMB = 256
)

// SupportedLanguages lists the languages the kiln rootfs image carries
// interpreters for.
var SupportedLanguages = []string{"node", "python"}

// DefaultRootfsFile is the image name looked up in RootfsDir.
const DefaultRootfsFile = "kiln.ext4"

// Guest paths.
const (
	// GuestWorkDir is the parent of the per-run directories the guest agent
	// creates.
	GuestWorkDir = "/work"

	// GuestCodeDir is where the guest agent writes the code files of a run.
	// Commands reference files through this path.
	GuestCodeDir = GuestWorkDir + "/code"

	// GuestAgentPath is the path to the guest agent binary inside the rootfs.
	GuestAgentPath = "/usr/local/bin/kiln-guest"
)

// MaxConcurrentVMs is the default maximum number of concurrent microVMs.
const MaxConcurrentVMs = 10

// RootfsPath returns the full path to the rootfs image.
func RootfsPath(cfg Config) string {
	if filepath.IsAbs(cfg.RootfsFile) {
		return cfg.RootfsFile
	}
	return filepath.Join(cfg.RootfsDir, cfg.RootfsFile)
}

func isSupportedLanguage(language string) bool {
	return slices.Contains(SupportedLanguages, language)
}
