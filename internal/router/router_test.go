package router

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/afoc/tls-vpn-server/internal/logging"
	"github.com/afoc/tls-vpn-server/internal/registry"
	"github.com/afoc/tls-vpn-server/internal/tun"
)

type fakeSession struct {
	delivered [][]byte
}

func (f *fakeSession) Deliver(packet []byte) {
	f.delivered = append(f.delivered, append([]byte(nil), packet...))
}

func ipv4Packet(src, dst string, extra ...byte) []byte {
	p := make([]byte, 20+len(extra))
	p[0] = 0x45
	copy(p[12:16], net.ParseIP(src).To4())
	copy(p[16:20], net.ParseIP(dst).To4())
	copy(p[20:], extra)
	return p
}

func TestForwardWritesValidPacketToTun(t *testing.T) {
	mock := tun.NewMock("tun-test", 4)
	reg := registry.New()
	r := New(mock, reg, false, logging.Nop())

	pkt := ipv4Packet("10.8.0.2", "93.184.216.34", 1, 2, 3)
	r.Forward(net.ParseIP("10.8.0.2"), pkt)

	require.Len(t, mock.Written, 1)
	assert.Equal(t, pkt, mock.Written[0])
}

func TestForwardDropsUndersizedPacket(t *testing.T) {
	mock := tun.NewMock("tun-test", 4)
	reg := registry.New()
	r := New(mock, reg, false, logging.Nop())

	r.Forward(net.ParseIP("10.8.0.2"), []byte{1, 2, 3})

	assert.Empty(t, mock.Written)
}

func TestForwardWithAntiSpoofDropsMismatchedSource(t *testing.T) {
	mock := tun.NewMock("tun-test", 4)
	reg := registry.New()
	r := New(mock, reg, true, logging.Nop())

	pkt := ipv4Packet("10.8.0.99", "93.184.216.34")
	r.Forward(net.ParseIP("10.8.0.2"), pkt)

	assert.Empty(t, mock.Written)
}

func TestRunDeliversInboundPacketToOwningSession(t *testing.T) {
	mock := tun.NewMock("tun-test", 4)
	reg := registry.New()
	sess := &fakeSession{}
	reg.BindIP("s1", net.ParseIP("10.8.0.2"), sess)

	r := New(mock, reg, false, logging.Nop())
	go r.Run()
	defer func() {
		_ = mock.Destroy()
		r.Wait()
	}()

	pkt := ipv4Packet("93.184.216.34", "10.8.0.2", 9, 9)
	mock.Inject(pkt)

	require.Eventually(t, func() bool {
		return len(sess.delivered) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, pkt, sess.delivered[0])
}

func TestRunDropsInboundPacketWithNoMatchingSession(t *testing.T) {
	mock := tun.NewMock("tun-test", 4)
	reg := registry.New()
	r := New(mock, reg, false, logging.Nop())
	go r.Run()
	defer func() {
		_ = mock.Destroy()
		r.Wait()
	}()

	mock.Inject(ipv4Packet("93.184.216.34", "10.8.0.250"))

	time.Sleep(20 * time.Millisecond) // no session registered; nothing should happen
}

func TestRunExitsWhenInterfaceIsDestroyed(t *testing.T) {
	mock := tun.NewMock("tun-test", 4)
	reg := registry.New()
	r := New(mock, reg, false, logging.Nop())

	go r.Run()
	_ = mock.Destroy()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("router did not exit after interface was destroyed")
	}
}
