package swarm

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(ip string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(ip), Port: port}
}

// A tracker response with three peers yields three entries, all
// attributed to the tracker source.
func TestAddBatchFromTracker(t *testing.T) {
	s := New(100)
	added := s.Add([]*net.TCPAddr{
		addr("192.168.1.1", 51413),
		addr("192.168.1.2", 51413),
		addr("192.168.1.3", 51413),
	}, Tracker)
	assert.Equal(t, 3, added)
	assert.Equal(t, 3, s.Len())
	st := s.Stats()
	assert.Equal(t, 3, st.BySource["tracker"])
	assert.Equal(t, 3, st.Idle)
}

// First source wins on duplicate address.
func TestFirstSourceWins(t *testing.T) {
	s := New(100)
	s.Add([]*net.TCPAddr{addr("10.0.0.1", 6881)}, Tracker)
	s.Add([]*net.TCPAddr{addr("10.0.0.1", 6881)}, PEX)
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, Tracker, s.Get(addr("10.0.0.1", 6881)).Source)
}

func TestAddressKeyNormalization(t *testing.T) {
	// IPv4-mapped IPv6 folds to plain IPv4.
	mapped := &net.TCPAddr{IP: net.ParseIP("::ffff:10.0.0.1"), Port: 6881}
	assert.Equal(t, "10.0.0.1:6881", AddressKey(mapped))

	// IPv6 renders compressed, lowercase and bracketed.
	v6 := &net.TCPAddr{IP: net.ParseIP("2001:0DB8:0000:0000:0000:0000:0000:0001"), Port: 6881}
	assert.Equal(t, "[2001:db8::1]:6881", AddressKey(v6))

	// The mapped and plain forms of the same peer are one entry.
	s := New(10)
	s.Add([]*net.TCPAddr{mapped}, Tracker)
	s.Add([]*net.TCPAddr{addr("10.0.0.1", 6881)}, DHT)
	assert.Equal(t, 1, s.Len())
}

func TestConnectablePeersExcludesStates(t *testing.T) {
	s := New(100)
	now := time.Now()
	s.Add([]*net.TCPAddr{
		addr("10.0.0.1", 1),
		addr("10.0.0.2", 2),
		addr("10.0.0.3", 3),
		addr("10.0.0.4", 4),
	}, Tracker)
	s.MarkConnecting(addr("10.0.0.1", 1), now)
	s.MarkConnecting(addr("10.0.0.2", 2), now)
	s.MarkConnected(addr("10.0.0.2", 2), [20]byte{1})
	s.Ban(addr("10.0.0.3", 3), "corrupt")

	got := s.ConnectablePeers(10, now)
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.4:4", got[0].Key())
}

// Failed entries re-enter the pool only after min(1s*2^failures, 5m).
func TestFailedBackoff(t *testing.T) {
	s := New(100)
	now := time.Now()
	a := addr("10.0.0.1", 1)
	s.Add([]*net.TCPAddr{a}, DHT)

	s.MarkConnecting(a, now)
	s.MarkFailed(a, errors.New("connection refused"))
	e := s.Get(a)
	assert.Equal(t, Failed, e.State)
	assert.Equal(t, 1, e.ConnectFailures)

	assert.Empty(t, s.ConnectablePeers(10, now.Add(time.Second)), "2s backoff not yet elapsed")
	assert.Len(t, s.ConnectablePeers(10, now.Add(3*time.Second)), 1)

	// Second failure doubles the wait.
	s.MarkConnecting(a, now)
	s.MarkFailed(a, errors.New("connection refused"))
	assert.Empty(t, s.ConnectablePeers(10, now.Add(3*time.Second)))
	assert.Len(t, s.ConnectablePeers(10, now.Add(5*time.Second)), 1)
}

func TestBackoffFormula(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(1))
	assert.Equal(t, 4*time.Second, Backoff(2))
	assert.Equal(t, 256*time.Second, Backoff(8))
	assert.Equal(t, 5*time.Minute, Backoff(9), "capped at five minutes")
	assert.Equal(t, 5*time.Minute, Backoff(30))
}

// A successful connect clears the failure count so a later disconnect
// doesn't inherit stale backoff.
func TestConnectResetsFailures(t *testing.T) {
	s := New(100)
	now := time.Now()
	a := addr("10.0.0.1", 1)
	s.Add([]*net.TCPAddr{a}, Tracker)
	s.MarkConnecting(a, now)
	s.MarkFailed(a, errors.New("refused"))
	s.MarkConnecting(a, now)
	s.MarkConnected(a, [20]byte{7})
	assert.Equal(t, 0, s.Get(a).ConnectFailures)
	s.MarkIdle(a)
	assert.Len(t, s.ConnectablePeers(10, now), 1)
}

// Two addresses presenting the same peer id are one identity; relearning
// a different id moves the entry between index buckets.
func TestPeerIDIndex(t *testing.T) {
	s := New(100)
	now := time.Now()
	a1 := addr("10.0.0.1", 1)
	a2 := addr("10.0.0.2", 2)
	s.Add([]*net.TCPAddr{a1, a2}, Tracker)
	s.MarkConnecting(a1, now)
	s.MarkConnecting(a2, now)

	var id1, id2 [20]byte
	id1[0], id2[0] = 1, 2

	s.MarkConnected(a1, id1)
	s.MarkConnected(a2, id1)
	assert.Equal(t, 1, s.Stats().Identities, "same id at two addresses is one identity")

	s.MarkConnected(a2, id2)
	assert.Equal(t, 2, s.Stats().Identities, "relearned id must move buckets")

	// Removing the last bearer of an id drops its bucket.
	s.MarkIdle(a2)
	s.Reset() // drops a2 (idle), keeps a1 (connected)
	assert.Equal(t, 1, s.Stats().Identities)
}

func TestBannedNeverReturns(t *testing.T) {
	s := New(100)
	now := time.Now()
	a := addr("10.0.0.1", 1)
	s.Add([]*net.TCPAddr{a}, Tracker)
	s.Ban(a, "sent corrupt piece data")
	e := s.Get(a)
	assert.Equal(t, Banned, e.State)
	assert.Contains(t, e.BanReason, "corrupt")
	s.MarkIdle(a)
	s.MarkFailed(a, errors.New("x"))
	assert.Equal(t, Banned, s.Get(a).State, "ban is sticky")
	assert.Empty(t, s.ConnectablePeers(10, now.Add(time.Hour)))
}

func TestEvictionPrefersDialCandidates(t *testing.T) {
	s := New(2)
	now := time.Now()
	a1 := addr("10.0.0.1", 1)
	s.Add([]*net.TCPAddr{a1, addr("10.0.0.2", 2)}, Tracker)
	s.MarkConnecting(a1, now)
	s.MarkConnected(a1, [20]byte{1})

	s.Add([]*net.TCPAddr{addr("10.0.0.3", 3)}, DHT)
	assert.Equal(t, 2, s.Len())
	assert.NotNil(t, s.Get(a1), "connected entry must not be evicted")
	assert.NotNil(t, s.Get(addr("10.0.0.3", 3)))
}

func TestConnectablePeersLimit(t *testing.T) {
	s := New(1000)
	var addrs []*net.TCPAddr
	for i := 0; i < 50; i++ {
		addrs = append(addrs, addr("10.0.1."+strconv.Itoa(i), 6881))
	}
	s.Add(addrs, Tracker)
	got := s.ConnectablePeers(5, time.Now())
	assert.Len(t, got, 5)
}
