// Package overlay configures the WireGuard mesh nodes use to reach each
// other over their allocated IPv6 addresses (spec.md: Node carries a
// "WireGuard public key (unique)", Instance carries "overlay_ipv6 (unique
// per instance)"). Promoted from poc/wireguard's spike — which only
// printed the wg(8) commands an operator would type — into a real
// wgctrl-driven device manager the node agent runs unattended.
package overlay

import (
	"fmt"
	"net"
	"time"

	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

const (
	DefaultInterfaceName = "plfm0"
	DefaultListenPort    = 51820
	keepaliveInterval    = 25 * time.Second
)

// Peer is one other node's mesh identity as seen from the read model.
type Peer struct {
	NodeID      string
	PublicKey   wgtypes.Key
	Endpoint    *net.UDPAddr // nil for a peer currently unreachable
	OverlayIPv6 net.IP
}

// Manager owns one local WireGuard interface and keeps its peer set in
// sync with the control plane's node list.
type Manager struct {
	client        *wgctrl.Client
	interfaceName string
	privateKey    wgtypes.Key
}

// NewManager opens the platform's WireGuard control socket and uses
// privateKey as this node's key; it neither generates nor loads a key
// itself (GenerateKey makes a fresh one). Key persistence across restarts
// is the caller's responsibility — Manager only holds it in memory for
// the process lifetime.
func NewManager(interfaceName string, privateKey wgtypes.Key) (*Manager, error) {
	client, err := wgctrl.New()
	if err != nil {
		return nil, fmt.Errorf("open wireguard control client: %w", err)
	}
	if interfaceName == "" {
		interfaceName = DefaultInterfaceName
	}
	return &Manager{client: client, interfaceName: interfaceName, privateKey: privateKey}, nil
}

// GenerateKey produces a fresh WireGuard keypair for first-time node
// enrollment (spec.md §4.10: the node agent enrolls with a public key it
// generated locally — the private key never leaves the node).
func GenerateKey() (wgtypes.Key, error) {
	return wgtypes.GeneratePrivateKey()
}

func (m *Manager) PublicKey() wgtypes.Key {
	return m.privateKey.PublicKey()
}

func (m *Manager) Close() {
	m.client.Close()
}

// Configure applies listen port and private key to the local interface.
// The interface device itself (ip link add ... type wireguard) is expected
// to already exist — creating network devices is a privileged,
// platform-specific operation this package deliberately leaves to node
// provisioning rather than doing via exec.Command from Go.
func (m *Manager) Configure(listenPort int) error {
	if listenPort == 0 {
		listenPort = DefaultListenPort
	}
	cfg := wgtypes.Config{
		PrivateKey: &m.privateKey,
		ListenPort: &listenPort,
	}
	if err := m.client.ConfigureDevice(m.interfaceName, cfg); err != nil {
		return fmt.Errorf("configure wireguard device %s: %w", m.interfaceName, err)
	}
	return nil
}

// SyncPeers replaces the full peer set with peers (spec.md's node-plan
// "whole desired state" contract applies here too: a peer not present in
// the list is removed, not left stale). AllowedIPs is each peer's overlay
// /128 so only that address routes through its tunnel.
func (m *Manager) SyncPeers(peers []Peer) error {
	configs := make([]wgtypes.PeerConfig, 0, len(peers))
	for _, p := range peers {
		if p.OverlayIPv6 == nil {
			return fmt.Errorf("peer %s missing overlay address", p.NodeID)
		}
		allowed := net.IPNet{IP: p.OverlayIPv6, Mask: net.CIDRMask(128, 128)}
		pc := wgtypes.PeerConfig{
			PublicKey:                   p.PublicKey,
			Endpoint:                    p.Endpoint,
			AllowedIPs:                  []net.IPNet{allowed},
			ReplaceAllowedIPs:           true,
			PersistentKeepaliveInterval: durationPtr(keepaliveInterval),
		}
		configs = append(configs, pc)
	}
	if err := m.client.ConfigureDevice(m.interfaceName, wgtypes.Config{
		ReplacePeers: true,
		Peers:        configs,
	}); err != nil {
		return fmt.Errorf("sync wireguard peers on %s: %w", m.interfaceName, err)
	}
	return nil
}

// Status reports this node's current device state, mainly for the node
// agent's own heartbeat diagnostics.
type Status struct {
	PublicKey  wgtypes.Key
	ListenPort int
	PeerCount  int
}

func (m *Manager) Status() (Status, error) {
	dev, err := m.client.Device(m.interfaceName)
	if err != nil {
		return Status{}, fmt.Errorf("read wireguard device %s: %w", m.interfaceName, err)
	}
	return Status{PublicKey: dev.PublicKey, ListenPort: dev.ListenPort, PeerCount: len(dev.Peers)}, nil
}

func durationPtr(d time.Duration) *time.Duration { return &d }
