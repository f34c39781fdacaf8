package ippool

import (
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateStartsAtDotTwo(t *testing.T) {
	p, err := New("10.8.0.0/24")
	require.NoError(t, err)

	ip, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", ip.String())

	ip2, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.3", ip2.String())
}

func TestGatewayIsPreReservedAndNeverAllocated(t *testing.T) {
	p, err := New("10.8.0.0/24")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.1", p.Gateway().String())
	assert.True(t, p.IsInUse(p.Gateway()))

	for i := 0; i < 253; i++ {
		ip, err := p.Allocate()
		require.NoError(t, err)
		assert.NotEqual(t, p.Gateway().String(), ip.String())
	}
	_, err = p.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestReleaseMakesAddressReusableImmediately(t *testing.T) {
	p, err := New("10.8.0.0/30") // 1 client address: .2
	require.NoError(t, err)

	ip, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", ip.String())

	_, err = p.Allocate()
	assert.ErrorIs(t, err, ErrExhausted)

	p.Release(ip)
	again, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, "10.8.0.2", again.String())
}

func TestReleaseOfUnassignedAddressIsNoOp(t *testing.T) {
	p, err := New("10.8.0.0/24")
	require.NoError(t, err)
	p.Release(net.ParseIP("10.8.0.50")) // never allocated
	stats := p.Stats()
	assert.Equal(t, 1, stats.Used) // only the gateway
}

func TestReleaseCannotEvictGateway(t *testing.T) {
	p, err := New("10.8.0.0/24")
	require.NoError(t, err)
	p.Release(p.Gateway())
	assert.True(t, p.IsInUse(p.Gateway()))
}

func TestConcurrentAllocateNeverDoubleLeases(t *testing.T) {
	p, err := New("10.8.0.0/28") // capacity 14 hosts, 13 available to clients
	require.NoError(t, err)

	const attempts = 50
	results := make(chan net.IP, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ip, err := p.Allocate()
			if err == nil {
				results <- ip
			} else {
				results <- nil
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[string]bool)
	successes := 0
	for ip := range results {
		if ip == nil {
			continue
		}
		successes++
		key := ip.String()
		require.False(t, seen[key], "address %s leased twice", key)
		seen[key] = true
	}

	assert.Equal(t, 13, successes)
	stats := p.Stats()
	assert.Equal(t, 14, stats.Used) // 13 clients + gateway
}

func BenchmarkAllocateRelease(b *testing.B) {
	p, _ := New("10.8.0.0/24")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ip, err := p.Allocate()
		if err == nil {
			p.Release(ip)
		}
	}
}
