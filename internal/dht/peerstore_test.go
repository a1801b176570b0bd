package dht

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tcpAddr(tail, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, byte(tail>>8), byte(tail)).To4(), Port: port}
}

func TestPeerStoreAddGet(t *testing.T) {
	ps := newPeerStore()
	now := time.Now()
	ih := testHash
	ps.Add(ih, tcpAddr(1, 6881), now)
	ps.Add(ih, tcpAddr(2, 6881), now)
	ps.Add(ih, tcpAddr(1, 6881), now) // duplicate refreshes

	got := ps.Get(ih, 50, now)
	assert.Len(t, got, 2)
	assert.Equal(t, 2, ps.Len(ih))
}

func TestPeerStoreCapEvictsOldest(t *testing.T) {
	ps := newPeerStore()
	ps.cap = 3
	base := time.Now()
	for i := 0; i < 3; i++ {
		ps.Add(testHash, tcpAddr(i, 6881), base.Add(time.Duration(i)*time.Second))
	}
	ps.Add(testHash, tcpAddr(99, 6881), base.Add(time.Minute))
	require.Equal(t, 3, ps.Len(testHash))

	got := ps.Get(testHash, 50, base.Add(time.Minute))
	keys := make(map[string]bool)
	for _, p := range got {
		keys[p.String()] = true
	}
	assert.False(t, keys[tcpAddr(0, 6881).String()], "oldest entry must be evicted")
	assert.True(t, keys[tcpAddr(99, 6881).String()])
}

func TestPeerStoreExpiry(t *testing.T) {
	ps := newPeerStore()
	now := time.Now()
	ps.Add(testHash, tcpAddr(1, 6881), now)
	assert.Len(t, ps.Get(testHash, 50, now.Add(29*time.Minute)), 1)
	assert.Empty(t, ps.Get(testHash, 50, now.Add(31*time.Minute)))
	assert.Equal(t, 0, ps.Len(testHash), "expired entries are dropped")
}

func TestPeerStoreMaxLimit(t *testing.T) {
	ps := newPeerStore()
	now := time.Now()
	for i := 0; i < 20; i++ {
		ps.Add(testHash, &net.TCPAddr{IP: net.IPv4(10, 0, 0, byte(i+1)).To4(), Port: 6000 + i}, now)
	}
	got := ps.Get(testHash, 5, now)
	assert.Len(t, got, 5, "Get honors max: "+strconv.Itoa(len(got)))
}
