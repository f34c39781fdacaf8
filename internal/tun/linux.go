//go:build linux

package tun

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/songgao/water"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// KernelInterface is the real TUN backend: it owns a
// github.com/songgao/water handle opened directly against
// /dev/net/tun and configures the interface, IPv4 forwarding, and NAT
// masquerade with the "ip"/"iptables"/"sysctl" binaries, the same way
// the teacher's createTUNDevice/configureTUNDevice/setupNAT did for a
// single hardcoded "tun0" — generalized here to an injectable name and
// MTU, and to tolerate running without NET_ADMIN.
type KernelInterface struct {
	name string
	mtu  int
	log  *zap.SugaredLogger

	iface *water.Interface

	writeMu sync.Mutex

	originalIPForward string
	natInstalled      bool
	vpnSubnet         string
	outInterface      string
}

// NewKernelInterface constructs a backend that will create an
// interface named name with the given MTU.
func NewKernelInterface(name string, mtu int, vpnSubnet string, log *zap.SugaredLogger) *KernelInterface {
	return &KernelInterface{name: name, mtu: mtu, vpnSubnet: vpnSubnet, log: log}
}

func (k *KernelInterface) Name() string { return k.name }

func (k *KernelInterface) Create() error {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = k.name

	iface, err := water.New(cfg)
	if err != nil {
		return fmt.Errorf("tun: create device %s: %w", k.name, err)
	}
	k.iface = iface
	k.name = iface.Name()
	k.log.Infow("tun device created", "name", k.name)
	return nil
}

func (k *KernelInterface) AssignIP(addr net.IP, mask net.IPMask) error {
	ones, _ := mask.Size()
	cidr := fmt.Sprintf("%s/%d", addr.String(), ones)

	if out, err := exec.Command("ip", "addr", "add", cidr, "dev", k.name).CombinedOutput(); err != nil {
		k.log.Warnw("assigning address failed, assuming host preconfigured it", "interface", k.name, "output", string(out), "error", err)
	}
	if out, err := exec.Command("ip", "link", "set", "dev", k.name, "up").CombinedOutput(); err != nil {
		return fmt.Errorf("tun: bring up %s: %v: %s", k.name, err, string(out))
	}
	if out, err := exec.Command("ip", "link", "set", "dev", k.name, "mtu", fmt.Sprintf("%d", k.mtu)).CombinedOutput(); err != nil {
		k.log.Warnw("setting mtu failed", "interface", k.name, "output", string(out), "error", err)
	}

	if unix.Geteuid() != 0 {
		k.log.Infow("running as non-root, forwarding and NAT setup below are expected to no-op", "euid", unix.Geteuid())
	}
	k.enableForwardingBestEffort()
	k.installNATBestEffort()

	k.log.Infow("tun device configured", "interface", k.name, "cidr", cidr, "mtu", k.mtu)
	return nil
}

// enableForwardingBestEffort mirrors the teacher's
// enableIPForwarding/getIPForwarding pair. Failure here is soft: a
// container without NET_ADMIN is expected to rely on the host having
// configured forwarding externally, per §4.4.
func (k *KernelInterface) enableForwardingBestEffort() {
	data, err := os.ReadFile("/proc/sys/net/ipv4/ip_forward")
	if err != nil {
		k.log.Warnw("cannot read ip_forward, assuming host manages it", "error", err)
		return
	}
	k.originalIPForward = strings.TrimSpace(string(data))
	if k.originalIPForward == "1" {
		return
	}
	if out, err := exec.Command("sysctl", "-w", "net.ipv4.ip_forward=1").CombinedOutput(); err != nil {
		k.log.Warnw("enabling ip forwarding failed, restricted environment assumed", "output", string(out), "error", err)
		return
	}
	k.log.Infow("ip forwarding enabled", "previous", k.originalIPForward)
}

// installNATBestEffort mirrors the teacher's setupNAT, detecting the
// default route's outbound interface instead of taking it as a flag.
func (k *KernelInterface) installNATBestEffort() {
	out, err := exec.Command("ip", "route", "show", "default").Output()
	if err != nil {
		k.log.Warnw("cannot detect default interface, skipping NAT setup", "error", err)
		return
	}
	fields := strings.Fields(string(out))
	outIface := ""
	for i, f := range fields {
		if f == "dev" && i+1 < len(fields) {
			outIface = fields[i+1]
			break
		}
	}
	if outIface == "" {
		k.log.Warnw("could not parse default interface, skipping NAT setup")
		return
	}
	k.outInterface = outIface

	check := exec.Command("iptables", "-t", "nat", "-C", "POSTROUTING", "-s", k.vpnSubnet, "-o", outIface, "-j", "MASQUERADE")
	if err := check.Run(); err == nil {
		k.natInstalled = true
		return
	}

	add := exec.Command("iptables", "-t", "nat", "-A", "POSTROUTING", "-s", k.vpnSubnet, "-o", outIface, "-j", "MASQUERADE")
	if out, err := add.CombinedOutput(); err != nil {
		k.log.Warnw("NAT masquerade setup failed, assuming host manages routing", "output", string(out), "error", err)
		return
	}
	k.natInstalled = true
	k.log.Infow("NAT masquerade installed", "subnet", k.vpnSubnet, "out_interface", outIface)
}

func (k *KernelInterface) Read() ([]byte, error) {
	buf := make([]byte, k.mtu)
	n, err := k.iface.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("tun: read: %w", err)
	}
	return buf[:n], nil
}

func (k *KernelInterface) Write(packet []byte) error {
	k.writeMu.Lock()
	defer k.writeMu.Unlock()
	_, err := k.iface.Write(packet)
	if err != nil {
		return fmt.Errorf("tun: write: %w", err)
	}
	return nil
}

func (k *KernelInterface) Destroy() error {
	if k.iface != nil {
		_ = k.iface.Close()
	}

	if k.natInstalled {
		del := exec.Command("iptables", "-t", "nat", "-D", "POSTROUTING", "-s", k.vpnSubnet, "-o", k.outInterface, "-j", "MASQUERADE")
		if out, err := del.CombinedOutput(); err != nil {
			k.log.Warnw("removing NAT rule failed", "output", string(out), "error", err)
		}
	}

	if k.originalIPForward != "" && k.originalIPForward != "1" {
		if out, err := exec.Command("sysctl", "-w", "net.ipv4.ip_forward="+k.originalIPForward).CombinedOutput(); err != nil {
			k.log.Warnw("restoring ip_forward failed", "output", string(out), "error", err)
		}
	}

	if out, err := exec.Command("ip", "link", "show", k.name).CombinedOutput(); err == nil {
		_ = out
		if out, err := exec.Command("ip", "link", "set", "dev", k.name, "down").CombinedOutput(); err != nil {
			k.log.Warnw("bringing down interface failed", "output", string(out), "error", err)
		}
		if out, err := exec.Command("ip", "link", "delete", k.name).CombinedOutput(); err != nil {
			return fmt.Errorf("tun: delete device %s: %v: %s", k.name, err, string(out))
		}
	}

	k.log.Infow("tun device destroyed", "name", k.name)
	return nil
}
