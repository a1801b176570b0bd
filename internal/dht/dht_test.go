package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/logger"
)

func startNode(t *testing.T) *DHT {
	t.Helper()
	d := New("127.0.0.1", 0, nil, logger.New("dht-test"))
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d
}

// Two live nodes over loopback UDP: a ping exchange populates both
// routing tables.
func TestPingPopulatesTables(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	b.AddNode(a.Addr().String())

	require.Eventually(t, func() bool {
		return a.Stats().NodeCount >= 1 && b.Stats().NodeCount >= 1
	}, 5*time.Second, 20*time.Millisecond, "ping + pong must insert both sides")
}

// Full announce cycle over real sockets: B looks up an info-hash on A
// (getting nodes plus a token), announces, and a third node's lookup
// then returns B as a peer.
func TestAnnounceAndGetPeers(t *testing.T) {
	a := startNode(t)
	b := startNode(t)
	c := startNode(t)

	b.AddNode(a.Addr().String())
	c.AddNode(a.Addr().String())
	require.Eventually(t, func() bool {
		return b.Stats().NodeCount >= 1 && c.Stats().NodeCount >= 1
	}, 5*time.Second, 20*time.Millisecond)

	ih := InfoHash{7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7, 7}
	b.PeersRequest(ih, true, 51413)

	// The announce lands in A's peer store once B's lookup finishes.
	require.Eventually(t, func() bool {
		return a.peers.Len(ih) > 0
	}, 10*time.Second, 50*time.Millisecond, "announce_peer must store B at A")

	c.PeersRequest(ih, false, 0)
	select {
	case res := <-c.PeersRequestResults():
		assert.Equal(t, ih, res.InfoHash)
		require.NotEmpty(t, res.Peers)
		assert.Equal(t, "127.0.0.1", res.Peers[0].IP.String())
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for peers result")
	}
}

// An announce_peer carrying a bogus token is refused with a KRPC error
// and stores nothing.
func TestAnnounceRequiresValidToken(t *testing.T) {
	a := startNode(t)
	b := startNode(t)

	aAddr, err := net.ResolveUDPAddr("udp4", a.Addr().String())
	require.NoError(t, err)

	ih := InfoHash{8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8, 8}
	errC := make(chan error, 1)
	b.sendQuery(aAddr, newAnnouncePeerQuery("", b.id, ih, 6881, false, []byte("badtoken")), func(m *message, err error) {
		errC <- err
	})
	select {
	case err := <-errC:
		require.Error(t, err, "bad token must be rejected")
		assert.Contains(t, err.Error(), "token")
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for error reply")
	}
	assert.Equal(t, 0, a.peers.Len(ih))
}
