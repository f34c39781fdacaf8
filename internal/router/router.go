// Package router forwards IPv4 datagrams between client sessions and
// the TUN interface, as described in §4.7: client→internet writes go
// straight to the kernel, internet→client reads are dispatched back to
// the owning session by destination address.
package router

import (
	"net"

	"go.uber.org/zap"

	"github.com/afoc/tls-vpn-server/internal/registry"
	"github.com/afoc/tls-vpn-server/internal/tun"
)

// minIPv4HeaderLen is the shortest a well-formed IPv4 header can be;
// anything shorter cannot carry a usable source or destination
// address and is dropped at the boundary (§8).
const minIPv4HeaderLen = 20

// Router wires one TUN interface to the session registry. Write is
// safe for concurrent callers: tun.Interface implementations serialize
// their own writers, so every session's goroutine can call Forward
// directly without funneling through a shared channel.
type Router struct {
	iface     tun.Interface
	reg       *registry.Registry
	log       *zap.SugaredLogger
	antiSpoof bool

	stop chan struct{}
	done chan struct{}
}

// New constructs a router over iface, dispatching inbound packets via
// reg. When antiSpoof is true, a packet whose IPv4 source address does
// not match the sending session's leased address is dropped.
func New(iface tun.Interface, reg *registry.Registry, antiSpoof bool, log *zap.SugaredLogger) *Router {
	return &Router{
		iface:     iface,
		reg:       reg,
		log:       log,
		antiSpoof: antiSpoof,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Forward is the client→internet path: a session hands it a raw IPv4
// datagram read off the wire, the router validates it and writes it to
// the TUN device.
func (r *Router) Forward(sourceIP net.IP, payload []byte) {
	if len(payload) < minIPv4HeaderLen {
		r.log.Debugw("dropping undersized packet", "len", len(payload))
		return
	}

	if r.antiSpoof {
		actual := net.IPv4(payload[12], payload[13], payload[14], payload[15])
		if sourceIP != nil && !actual.Equal(sourceIP.To4()) {
			r.log.Warnw("dropping spoofed source address", "leased", sourceIP.String(), "packet_src", actual.String())
			return
		}
	}

	if err := r.iface.Write(payload); err != nil {
		r.log.Warnw("tun write failed", "error", err)
	}
}

// Run starts the internet→client read loop: every datagram the kernel
// hands back on the TUN device is matched to a session by destination
// address and delivered through the session's bounded outbound queue
// (§11). Run blocks until it observes Stop (checked between reads) or
// the interface read fails permanently (e.g. it was destroyed).
func (r *Router) Run() {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			return
		default:
		}

		packet, err := r.iface.Read()
		if err != nil {
			r.log.Debugw("tun read loop exiting", "error", err)
			return
		}
		if len(packet) < minIPv4HeaderLen {
			r.log.Debugw("dropping undersized packet from tun", "len", len(packet))
			continue
		}

		dst := net.IPv4(packet[16], packet[17], packet[18], packet[19])
		sess, ok := r.reg.LookupByIP(dst)
		if !ok {
			r.log.Debugw("no session for destination, dropping", "dst", dst.String())
			continue
		}
		sess.Deliver(packet)
	}
}

// Stop signals Run to exit and returns without waiting; Wait blocks
// until Run has returned. A Run blocked in Interface.Read sees the
// signal only after that read returns, e.g. when the interface is
// destroyed. Safe to call even if Run was never started: the stop
// channel is left closed for Run to observe immediately.
func (r *Router) Stop() {
	select {
	case <-r.stop:
	default:
		close(r.stop)
	}
}

// Wait blocks until Run has returned.
func (r *Router) Wait() {
	<-r.done
}
