// Package tun exposes layer-3 packet I/O against a TUN device as a
// small capability interface rather than a class hierarchy, so the
// router and session code can run unmodified against either the real
// kernel device or a mock.
package tun

import "net"

// Interface is the capability every TUN backend implements: create,
// assign an address, read/write packets, and tear down.
type Interface interface {
	// Create acquires the kernel handle and reserves a stable
	// interface name. It must be called before any other method.
	Create() error

	// AssignIP sets the local address and mask and brings the
	// interface up. On a host with NET_ADMIN it also arranges IPv4
	// forwarding and NAT masquerade for the VPN subnet; in restricted
	// environments (e.g. a container without NET_ADMIN) this step is
	// soft-fails and logs rather than aborting startup.
	AssignIP(addr net.IP, mask net.IPMask) error

	// Read blocks until the next outbound IP datagram is available
	// from the kernel (internet → client direction), or the interface
	// is closed.
	Read() ([]byte, error)

	// Write pushes a packet received from a client toward the kernel
	// (client → internet direction). Implementations serialize
	// concurrent writers internally.
	Write(packet []byte) error

	// Destroy releases the handle and tears down routes/NAT rules the
	// server owns.
	Destroy() error

	// Name returns the interface name assigned at Create time.
	Name() string
}
