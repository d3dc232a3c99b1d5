package firecracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/containernetworking/cni/libcni"
	"github.com/containernetworking/cni/pkg/types"
	types100 "github.com/containernetworking/cni/pkg/types/100"
	"github.com/vishvananda/netns"
)

// Networking defaults for the Firecracker CNI bridge.
const (
	DefaultBridgeName = "kilnbr0"
	DefaultSubnet     = "10.168.0.0/24"
	DefaultGateway    = "10.168.0.1"

	// CNINetworkName names the conflist network.
	CNINetworkName = "kiln-fcnet"
	CNIVersion     = "1.0.0"

	// CNIIfName is the veth name inside the unit's namespace.
	CNIIfName = "eth0"

	CNICacheDir = "/var/lib/cni/cache"

	// NetNSRunDir is where named network namespaces are bind-mounted.
	NetNSRunDir = "/var/run/netns"

	// NetNSPrefix prefixes per-unit namespace names.
	NetNSPrefix = "kiln-"
)

// Plugins the generated conflist chains.
var requiredCNIPlugins = []string{"bridge", "host-local", "tc-redirect-tap"}

const ipForwardPath = "/proc/sys/net/ipv4/ip_forward"

// Attachment is the network a unit's microVM is plugged into.
type Attachment struct {
	// TAPDevice is the host-side device Firecracker attaches to.
	TAPDevice string
	// GuestIP is in CIDR notation.
	GuestIP    string
	GatewayIP  string
	MACAddress string
	// NetNS is the path of the unit's network namespace.
	NetNS string
}

// bridgeConfig is the addressing of the CNI bridge network.
type bridgeConfig struct {
	Name    string
	Subnet  string
	Gateway string
	// Egress masquerades guest traffic leaving the bridge subnet.
	Egress bool
}

func bridgeFromConfig(cfg Config) bridgeConfig {
	b := bridgeConfig{Name: cfg.BridgeName, Subnet: cfg.Subnet, Gateway: cfg.Gateway, Egress: cfg.Egress}
	if b.Name == "" {
		b.Name = DefaultBridgeName
	}
	if b.Subnet == "" {
		b.Subnet = DefaultSubnet
	}
	if b.Gateway == "" {
		b.Gateway = DefaultGateway
	}
	return b
}

// NetworkManager attaches microVMs to a CNI bridge, one network namespace
// per unit.
type NetworkManager struct {
	cniBinDir    string
	cniConfigDir string
	bridge       bridgeConfig
	cni          *libcni.CNIConfig
	confList     *libcni.NetworkConfigList
	confBytes    []byte
	logger       *slog.Logger

	mu       sync.Mutex
	attached map[string]*libcni.RuntimeConf // unit ID -> CNI runtime conf
}

// NewNetworkManager validates the bridge addressing and builds the conflist.
func NewNetworkManager(cfg Config, logger *slog.Logger) (*NetworkManager, error) {
	bridge := bridgeFromConfig(cfg)
	if _, _, err := net.ParseCIDR(bridge.Subnet); err != nil {
		return nil, fmt.Errorf("bridge subnet: %w", err)
	}
	if net.ParseIP(bridge.Gateway) == nil {
		return nil, fmt.Errorf("bridge gateway: invalid address %q", bridge.Gateway)
	}

	confBytes, err := generateConfList(bridge)
	if err != nil {
		return nil, fmt.Errorf("generate CNI conflist: %w", err)
	}
	confList, err := libcni.ConfListFromBytes(confBytes)
	if err != nil {
		return nil, fmt.Errorf("parse CNI conflist: %w", err)
	}

	return &NetworkManager{
		cniBinDir:    cfg.CNIBinDir,
		cniConfigDir: cfg.CNIConfigDir,
		bridge:       bridge,
		cni:          libcni.NewCNIConfigWithCacheDir([]string{cfg.CNIBinDir}, CNICacheDir, nil),
		confList:     confList,
		confBytes:    confBytes,
		logger:       logger,
		attached:     make(map[string]*libcni.RuntimeConf),
	}, nil
}

// Egress reports whether guests may reach addresses outside the bridge.
func (nm *NetworkManager) Egress() bool { return nm.bridge.Egress }

// Attach creates the unit's namespace and runs CNI ADD in it. Everything it
// created is removed again when it fails.
func (nm *NetworkManager) Attach(ctx context.Context, unitID string) (*Attachment, error) {
	nsName := NetNSPrefix + unitID
	if err := createNetNS(nsName); err != nil {
		return nil, fmt.Errorf("create netns %s: %w", nsName, err)
	}

	rt := &libcni.RuntimeConf{
		ContainerID: unitID,
		NetNS:       filepath.Join(NetNSRunDir, nsName),
		IfName:      CNIIfName,
	}

	result, err := nm.cni.AddNetworkList(ctx, nm.confList, rt)
	if err != nil {
		nm.unwind(ctx, unitID, rt, false)
		return nil, fmt.Errorf("CNI ADD for %s: %w", unitID, err)
	}
	att, err := parseResult(result, rt.NetNS)
	if err != nil {
		nm.unwind(ctx, unitID, rt, true)
		return nil, fmt.Errorf("parse CNI result for %s: %w", unitID, err)
	}
	if att.MACAddress == "" {
		att.MACAddress = GenerateMAC(unitID).String()
	}

	nm.mu.Lock()
	nm.attached[unitID] = rt
	nm.mu.Unlock()

	nm.logger.Info("unit attached to bridge",
		"unit_id", unitID,
		"tap", att.TAPDevice,
		"guest_ip", att.GuestIP,
		"netns", rt.NetNS,
	)
	return att, nil
}

// unwind removes a half-built attachment.
func (nm *NetworkManager) unwind(ctx context.Context, unitID string, rt *libcni.RuntimeConf, added bool) {
	if added {
		if err := nm.cni.DelNetworkList(ctx, nm.confList, rt); err != nil {
			nm.logger.Debug("CNI DEL after failed attach", "unit_id", unitID, "error", err)
		}
	}
	if err := deleteNetNS(NetNSPrefix + unitID); err != nil {
		nm.logger.Warn("netns cleanup after failed attach", "unit_id", unitID, "error", err)
	}
}

// Detach runs CNI DEL and removes the unit's namespace. Detaching a unit
// that is not attached is a no-op.
func (nm *NetworkManager) Detach(ctx context.Context, unitID string) error {
	nm.mu.Lock()
	rt, ok := nm.attached[unitID]
	delete(nm.attached, unitID)
	nm.mu.Unlock()
	if !ok {
		return nil
	}

	var errs []error
	if err := nm.cni.DelNetworkList(ctx, nm.confList, rt); err != nil {
		errs = append(errs, fmt.Errorf("CNI DEL for %s: %w", unitID, err))
	}
	if err := deleteNetNS(NetNSPrefix + unitID); err != nil {
		errs = append(errs, fmt.Errorf("delete netns for %s: %w", unitID, err))
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	nm.logger.Info("unit detached from bridge", "unit_id", unitID)
	return nil
}

// DetachAll detaches every attached unit.
func (nm *NetworkManager) DetachAll(ctx context.Context) {
	nm.mu.Lock()
	ids := make([]string, 0, len(nm.attached))
	for id := range nm.attached {
		ids = append(ids, id)
	}
	nm.mu.Unlock()

	for _, id := range ids {
		if err := nm.Detach(ctx, id); err != nil {
			nm.logger.Error("detach during shutdown", "unit_id", id, "error", err)
		}
	}
}

// Verify checks that every plugin the conflist chains is installed.
func (nm *NetworkManager) Verify() error {
	var missing []string
	for _, plugin := range requiredCNIPlugins {
		_, err := os.Stat(filepath.Join(nm.cniBinDir, plugin))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			missing = append(missing, plugin)
		default:
			return fmt.Errorf("stat CNI plugin %s: %w", plugin, err)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing CNI plugins in %s: %s", nm.cniBinDir, strings.Join(missing, ", "))
	}
	return nil
}

// WriteConfList installs the conflist in the CNI config directory.
func (nm *NetworkManager) WriteConfList() error {
	if err := os.MkdirAll(nm.cniConfigDir, 0o755); err != nil {
		return fmt.Errorf("create CNI config dir: %w", err)
	}
	path := filepath.Join(nm.cniConfigDir, CNINetworkName+".conflist")
	if err := os.WriteFile(path, nm.confBytes, 0o644); err != nil {
		return fmt.Errorf("write conflist: %w", err)
	}
	nm.logger.Info("wrote CNI conflist", "path", path)
	return nil
}

type confListJSON struct {
	CNIVersion string           `json:"cniVersion"`
	Name       string           `json:"name"`
	Plugins    []map[string]any `json:"plugins"`
}

// generateConfList chains bridge and tc-redirect-tap. Without egress the
// bridge does not masquerade, so guests only reach the bridge subnet.
func generateConfList(bridge bridgeConfig) ([]byte, error) {
	data, err := json.MarshalIndent(confListJSON{
		CNIVersion: CNIVersion,
		Name:       CNINetworkName,
		Plugins: []map[string]any{
			{
				"type":      "bridge",
				"bridge":    bridge.Name,
				"isGateway": true,
				"ipMasq":    bridge.Egress,
				"ipam": map[string]any{
					"type":    "host-local",
					"subnet":  bridge.Subnet,
					"gateway": bridge.Gateway,
				},
			},
			{"type": "tc-redirect-tap"},
		},
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal conflist: %w", err)
	}
	return data, nil
}

// parseResult extracts the attachment from a CNI ADD result.
func parseResult(result types.Result, nsPath string) (*Attachment, error) {
	res, err := types100.NewResultFromResult(result)
	if err != nil {
		return nil, fmt.Errorf("convert CNI result: %w", err)
	}

	iface := tapInterface(res.Interfaces)
	if iface == nil {
		return nil, errors.New("no TAP device in CNI result (no interface with sandbox set)")
	}
	if len(res.IPs) == 0 {
		return nil, errors.New("no IP address in CNI result")
	}

	att := &Attachment{
		TAPDevice:  iface.Name,
		MACAddress: iface.Mac,
		GuestIP:    res.IPs[0].Address.String(),
		NetNS:      nsPath,
	}
	if gw := res.IPs[0].Gateway; gw != nil {
		att.GatewayIP = gw.String()
	}
	return att, nil
}

// tapInterface picks the device tc-redirect-tap created in the namespace.
// It sits next to the veth, so the veth is only used when no other
// sandboxed interface exists.
func tapInterface(ifaces []*types100.Interface) *types100.Interface {
	var fallback *types100.Interface
	for _, iface := range ifaces {
		if iface.Sandbox == "" {
			continue
		}
		if iface.Name != CNIIfName {
			return iface
		}
		if fallback == nil {
			fallback = iface
		}
	}
	return fallback
}

// createNetNS creates a named network namespace under NetNSRunDir.
// NewNamed switches the calling thread into the new namespace, so the
// thread is pinned and switched back. A thread that cannot be restored is
// left locked and exits with the goroutine.
func createNetNS(name string) error {
	runtime.LockOSThread()
	restored := false
	defer func() {
		if restored {
			runtime.UnlockOSThread()
		}
	}()

	orig, err := netns.Get()
	if err != nil {
		restored = true
		return fmt.Errorf("get current netns: %w", err)
	}
	defer orig.Close()

	ns, err := netns.NewNamed(name)
	if err != nil {
		restored = netns.Set(orig) == nil
		return fmt.Errorf("new netns: %w", err)
	}
	ns.Close()

	if err := netns.Set(orig); err != nil {
		return fmt.Errorf("restore netns: %w", err)
	}
	restored = true
	return nil
}

// deleteNetNS removes a named network namespace. A missing namespace is not
// an error.
func deleteNetNS(name string) error {
	if _, err := os.Stat(filepath.Join(NetNSRunDir, name)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat netns %s: %w", name, err)
	}
	if err := netns.DeleteNamed(name); err != nil {
		return fmt.Errorf("delete netns %s: %w", name, err)
	}
	return nil
}

// EnsureIPForwarding enables IPv4 forwarding on the host if it is off.
func EnsureIPForwarding() error {
	data, err := os.ReadFile(ipForwardPath)
	if err != nil {
		return fmt.Errorf("read ip_forward: %w", err)
	}
	if strings.TrimSpace(string(data)) == "1" {
		return nil
	}
	if err := os.WriteFile(ipForwardPath, []byte("1"), 0o644); err != nil {
		return fmt.Errorf("enable ip_forward: %w", err)
	}
	return nil
}

// GenerateMAC derives a locally administered unicast MAC from a unit ID.
func GenerateMAC(unitID string) net.HardwareAddr {
	h := fnv.New64a()
	h.Write([]byte(unitID))
	sum := h.Sum64()

	mac := make(net.HardwareAddr, 6)
	mac[0] = 0x02
	for i := 1; i < 6; i++ {
		mac[i] = byte(sum >> (8 * (i - 1)))
	}
	return mac
}
