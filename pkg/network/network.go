package network

import (
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/codalab/worker-agent/pkg/log"
)

const (
	extSuffix = "_ext"
	intSuffix = "_int"

	// DefaultPrefix is used when no prefix is configured.
	DefaultPrefix = "codalab_worker_network"

	// extSubnet/intSubnet are the /24s the two bridges own; .1 is the
	// bridge itself, containers get .2 onward.
	extSubnet = "10.130.1"
	intSubnet = "10.130.2"
)

// Manager ensures the worker's two local networks exist and resolves
// which one a run should join.
type Manager struct {
	prefix string

	mu       sync.Mutex
	nextHost map[string]int
}

// NewManager creates a network manager using prefix, falling back to
// DefaultPrefix if empty.
func NewManager(prefix string) *Manager {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Manager{prefix: prefix, nextHost: make(map[string]int)}
}

// ExtNetwork returns the external-egress network's name.
func (m *Manager) ExtNetwork() string {
	return m.prefix + extSuffix
}

// IntNetwork returns the isolated network's name.
func (m *Manager) IntNetwork() string {
	return m.prefix + intSuffix
}

// NetworkFor resolves which network a run with the given network_allowed
// flag should join.
func (m *Manager) NetworkFor(networkAllowed bool) string {
	if networkAllowed {
		return m.ExtNetwork()
	}
	return m.IntNetwork()
}

// EnsureNetworks creates both networks if they do not already exist. Safe
// to call on every startup; bridge and rule creation are idempotent.
func (m *Manager) EnsureNetworks() error {
	if err := m.ensureBridge(m.ExtNetwork()); err != nil {
		return fmt.Errorf("network: ensure %s: %w", m.ExtNetwork(), err)
	}
	if err := m.ensureEgressAllowed(m.ExtNetwork()); err != nil {
		return fmt.Errorf("network: egress rules for %s: %w", m.ExtNetwork(), err)
	}

	if err := m.ensureBridge(m.IntNetwork()); err != nil {
		return fmt.Errorf("network: ensure %s: %w", m.IntNetwork(), err)
	}
	if err := m.ensureEgressBlocked(m.IntNetwork()); err != nil {
		return fmt.Errorf("network: isolation rules for %s: %w", m.IntNetwork(), err)
	}

	log.WithComponent("network").Info().
		Str("ext", m.ExtNetwork()).Str("int", m.IntNetwork()).
		Msg("worker networks ready")
	return nil
}

func (m *Manager) ensureBridge(name string) error {
	if bridgeExists(name) {
		return nil
	}
	if err := runIP([]string{"link", "add", name, "type", "bridge"}); err != nil {
		return err
	}
	if err := runIP([]string{"addr", "add", m.subnetFor(name) + ".1/24", "dev", name}); err != nil {
		return err
	}
	return runIP([]string{"link", "set", name, "up"})
}

func (m *Manager) subnetFor(networkName string) string {
	if networkName == m.IntNetwork() {
		return intSubnet
	}
	return extSubnet
}

// AllocateIP hands out the next container address on the named network,
// in CIDR form. Addresses recycle once the /24 is exhausted; with runs
// bounded by the machine's core count, collisions with a live container
// would need hundreds of simultaneous runs.
func (m *Manager) AllocateIP(networkName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.nextHost[networkName]
	if h < 2 || h > 253 {
		h = 2
	}
	m.nextHost[networkName] = h + 1
	return fmt.Sprintf("%s.%d/24", m.subnetFor(networkName), h)
}

func bridgeExists(name string) bool {
	cmd := exec.Command("ip", "link", "show", name)
	return cmd.Run() == nil
}

// ensureEgressAllowed masquerades traffic leaving the bridge toward any
// other interface, so containers on it reach the outside world through
// the host's existing default route.
func (m *Manager) ensureEgressAllowed(bridge string) error {
	check := []string{"-t", "nat", "-C", "POSTROUTING", "-i", bridge, "!", "-o", bridge, "-j", "MASQUERADE"}
	if runIPTables(check) == nil {
		return nil // already present
	}
	add := []string{"-t", "nat", "-A", "POSTROUTING", "-i", bridge, "!", "-o", bridge, "-j", "MASQUERADE"}
	return runIPTables(add)
}

// ensureEgressBlocked drops forwarded traffic leaving the bridge toward
// any other interface, leaving only container-to-container traffic on
// the bridge itself.
func (m *Manager) ensureEgressBlocked(bridge string) error {
	check := []string{"-C", "FORWARD", "-i", bridge, "!", "-o", bridge, "-j", "DROP"}
	if runIPTables(check) == nil {
		return nil
	}
	add := []string{"-I", "FORWARD", "-i", bridge, "!", "-o", bridge, "-j", "DROP"}
	return runIPTables(add)
}

// AttachContainer wires a freshly started container's network namespace
// (identified by its task pid) onto the named bridge: a veth pair is
// created, one end moved into the container's netns and brought up with
// containerVethIP, the other end attached to the bridge.
func (m *Manager) AttachContainer(pid int, networkName, containerVethIP string) error {
	hostVeth := fmt.Sprintf("veth%d", pid)
	peerVeth := fmt.Sprintf("ceth%d", pid)

	if err := runIP([]string{"link", "add", hostVeth, "type", "veth", "peer", "name", peerVeth}); err != nil {
		return fmt.Errorf("network: create veth pair: %w", err)
	}
	if err := runIP([]string{"link", "set", hostVeth, "master", networkName}); err != nil {
		return fmt.Errorf("network: attach %s to %s: %w", hostVeth, networkName, err)
	}
	if err := runIP([]string{"link", "set", hostVeth, "up"}); err != nil {
		return fmt.Errorf("network: bring up %s: %w", hostVeth, err)
	}
	if err := runIP([]string{"link", "set", peerVeth, "netns", strconv.Itoa(pid)}); err != nil {
		return fmt.Errorf("network: move %s into pid %d netns: %w", peerVeth, pid, err)
	}

	nsArgs := []string{"-t", strconv.Itoa(pid), "-n"}
	if err := runNsenter(append(nsArgs, "ip", "link", "set", peerVeth, "name", "eth0")); err != nil {
		return fmt.Errorf("network: rename %s to eth0: %w", peerVeth, err)
	}
	if err := runNsenter(append(nsArgs, "ip", "addr", "add", containerVethIP, "dev", "eth0")); err != nil {
		return fmt.Errorf("network: assign address to eth0: %w", err)
	}
	if err := runNsenter(append(nsArgs, "ip", "link", "set", "eth0", "up")); err != nil {
		return fmt.Errorf("network: bring up eth0: %w", err)
	}
	if err := runNsenter(append(nsArgs, "ip", "link", "set", "lo", "up")); err != nil {
		return fmt.Errorf("network: bring up lo: %w", err)
	}

	return nil
}

// DetachContainer removes the host-side veth left behind after a
// container exits; the peer end disappears with the netns automatically.
func (m *Manager) DetachContainer(pid int) error {
	hostVeth := fmt.Sprintf("veth%d", pid)
	return runIP([]string{"link", "delete", hostVeth})
}

func runNsenter(args []string) error {
	cmd := exec.Command("nsenter", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("nsenter %s failed: %w (output: %s)", strings.Join(args, " "), err, string(output))
	}
	return nil
}

func runIP(args []string) error {
	cmd := exec.Command("ip", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ip %s failed: %w (output: %s)", strings.Join(args, " "), err, string(output))
	}
	return nil
}

func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, string(output))
	}
	return nil
}
