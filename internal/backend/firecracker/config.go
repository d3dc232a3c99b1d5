package firecracker

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment variable names for Firecracker configuration.
const (
	envKernelPath    = "KILN_FC_KERNEL_PATH"
	envRootfsDir     = "KILN_FC_ROOTFS_DIR"
	envRootfsFile    = "KILN_FC_ROOTFS_FILE"
	envBin           = "KILN_FC_BIN"
	envCNIConfigDir  = "KILN_FC_CNI_CONFIG_DIR"
	envCNIBinDir     = "KILN_FC_CNI_BIN_DIR"
	envNetworking    = "KILN_FC_NETWORKING"
	envEgress        = "KILN_FC_EGRESS"
	envSubnet        = "KILN_FC_SUBNET"
	envGateway       = "KILN_FC_GATEWAY"
	envVsockPort     = "KILN_FC_VSOCK_PORT"
	envMaxConcurrent = "KILN_FC_MAX_CONCURRENT_VMS"
	envBootTimeout   = "KILN_FC_BOOT_TIMEOUT"
	envVCPUs         = "KILN_FC_VCPUS"
	envMemMB         = "KILN_FC_MEM_MB"
)

// DefaultBootTimeout bounds how long Create waits for the guest agent.
const DefaultBootTimeout = 10 * time.Second

// Config holds configuration for the Firecracker microVM backend.
type Config struct {
	// KernelPath is the path to the Firecracker-compatible kernel image.
	KernelPath string `mapstructure:"kernel_path"`

	// RootfsDir is the directory containing the rootfs image.
	RootfsDir string `mapstructure:"rootfs_dir"`

	// RootfsFile is the rootfs image name, or an absolute path.
	RootfsFile string `mapstructure:"rootfs_file"`

	// FirecrackerBin is the path to the Firecracker binary.
	FirecrackerBin string `mapstructure:"bin"`

	// Networking attaches a CNI bridge interface to every microVM. Guests
	// run without a network when false.
	Networking bool `mapstructure:"networking"`

	// Egress lets networked guests reach addresses beyond the bridge.
	Egress bool `mapstructure:"egress"`

	// CNIConfigDir is the path to CNI configuration directory.
	CNIConfigDir string `mapstructure:"cni_config_dir"`

	// CNIBinDir is the path to CNI plugin binaries.
	CNIBinDir string `mapstructure:"cni_bin_dir"`

	// BridgeName, Subnet and Gateway address the CNI bridge. Empty values
	// use the package defaults.
	BridgeName string `mapstructure:"bridge_name"`
	Subnet     string `mapstructure:"subnet"`
	Gateway    string `mapstructure:"gateway"`

	// VsockPort is the guest agent vsock port.
	VsockPort uint32 `mapstructure:"vsock_port"`

	// CIDBase is the starting context ID for vsock.
	CIDBase uint32 `mapstructure:"cid_base"`

	// BootTimeout bounds the wait for the guest agent after start.
	BootTimeout time.Duration `mapstructure:"boot_timeout"`

	// VCPUs is the vCPU count per microVM.
	VCPUs int `mapstructure:"vcpus"`

	// MemMB is the memory in MB per microVM.
	MemMB int `mapstructure:"mem_mb"`

	// MaxConcurrentVMs is the maximum number of concurrent microVMs.
	MaxConcurrentVMs int `mapstructure:"max_concurrent_vms"`
}

// DefaultConfig returns the default Firecracker configuration.
func DefaultConfig() Config {
	return Config{
		FirecrackerBin:   "firecracker",
		RootfsFile:       DefaultRootfsFile,
		CNIConfigDir:     "/etc/cni/conf.d",
		CNIBinDir:        "/opt/cni/bin",
		VsockPort:        DefaultVsockPort,
		CIDBase:          MinCID,
		BootTimeout:      DefaultBootTimeout,
		VCPUs:            DefaultVCPUs,
		MemMB:            DefaultMemMB,
		MaxConcurrentVMs: MaxConcurrentVMs,
	}
}

// LoadConfig applies Firecracker environment variables on top of base.
func LoadConfig(base Config) Config {
	cfg := base

	if v := os.Getenv(envKernelPath); v != "" {
		cfg.KernelPath = v
	}
	if v := os.Getenv(envRootfsDir); v != "" {
		cfg.RootfsDir = v
	}
	if v := os.Getenv(envRootfsFile); v != "" {
		cfg.RootfsFile = v
	}
	if v := os.Getenv(envBin); v != "" {
		cfg.FirecrackerBin = v
	}
	if v := os.Getenv(envCNIConfigDir); v != "" {
		cfg.CNIConfigDir = v
	}
	if v := os.Getenv(envCNIBinDir); v != "" {
		cfg.CNIBinDir = v
	}
	if v := os.Getenv(envNetworking); v != "" {
		cfg.Networking = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv(envEgress); v != "" {
		cfg.Egress = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv(envSubnet); v != "" {
		cfg.Subnet = v
	}
	if v := os.Getenv(envGateway); v != "" {
		cfg.Gateway = v
	}
	if v := os.Getenv(envVsockPort); v != "" {
		if port, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.VsockPort = uint32(port)
		}
	}
	if v := os.Getenv(envMaxConcurrent); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrentVMs = n
		}
	}
	if v := os.Getenv(envBootTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.BootTimeout = d
		}
	}
	if v := os.Getenv(envVCPUs); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.VCPUs = n
		}
	}
	if v := os.Getenv(envMemMB); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MemMB = n
		}
	}

	return cfg
}
