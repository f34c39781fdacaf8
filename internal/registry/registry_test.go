package registry

import (
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id        string
	delivered [][]byte
}

func (f *fakeSession) Deliver(packet []byte) {
	f.delivered = append(f.delivered, packet)
}

func TestRegisterThenLookupByID(t *testing.T) {
	r := New()
	s := &fakeSession{id: "s1"}
	r.Register(s.id, s)

	got, ok := r.LookupByID("s1")
	require.True(t, ok)
	assert.Same(t, s, got)

	_, ok = r.LookupByID("nope")
	assert.False(t, ok)
}

func TestBindIPMakesSessionLookupableByAddress(t *testing.T) {
	r := New()
	s := &fakeSession{id: "s1"}
	r.Register(s.id, s)

	ip := net.ParseIP("10.8.0.2")
	r.BindIP(s.id, ip, s)

	got, ok := r.LookupByIP(ip)
	require.True(t, ok)
	assert.Same(t, s, got)
}

func TestUnregisterRemovesBothIndexes(t *testing.T) {
	r := New()
	s := &fakeSession{id: "s1"}
	ip := net.ParseIP("10.8.0.2")
	r.Register(s.id, s)
	r.BindIP(s.id, ip, s)

	r.Unregister(s.id)

	_, ok := r.LookupByID(s.id)
	assert.False(t, ok)
	_, ok = r.LookupByIP(ip)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestUnregisterOfUnboundSessionIsSafe(t *testing.T) {
	r := New()
	s := &fakeSession{id: "s1"}
	r.Register(s.id, s)

	assert.NotPanics(t, func() { r.Unregister(s.id) })
	assert.Equal(t, 0, r.Count())
}

func TestAllReturnsSnapshotSafeToIterateWithoutTheLock(t *testing.T) {
	r := New()
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("s%d", i)
		r.Register(id, &fakeSession{id: id})
	}

	snapshot := r.All()
	require.Len(t, snapshot, 5)

	// Mutating the registry concurrently with iteration over the
	// snapshot must not race or panic: the snapshot is a copy.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Register("s-new", &fakeSession{id: "s-new"})
	}()

	for _, s := range snapshot {
		s.Deliver([]byte("x"))
	}
	wg.Wait()

	assert.Equal(t, 6, r.Count())
}

func TestConcurrentRegisterAndUnregister(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			s := &fakeSession{id: id}
			r.Register(id, s)
			r.BindIP(id, net.IPv4(10, 8, 0, byte(i+2)), s)
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
}
