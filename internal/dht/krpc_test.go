package dht

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testID     = NodeID{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}
	testTarget = NodeID{20, 19, 18, 17, 16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	testHash   = InfoHash{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
)

// decode(encode(ping)) must reproduce the query exactly, for every
// transaction id shape.
func TestPingQueryRoundTrip(t *testing.T) {
	for _, tx := range []string{"\x00\x00", "aa", "\xff\xfe"} {
		b, err := encodeMessage(newPingQuery(tx, testID))
		require.NoError(t, err)
		m, err := decodeMessage(b)
		require.NoError(t, err)
		assert.Equal(t, tx, m.T)
		assert.Equal(t, msgQuery, m.Y)
		assert.Equal(t, methodPing, m.Q)
		require.NotNil(t, m.A)
		assert.Equal(t, string(testID[:]), m.A.ID)
	}
}

func TestFindNodeQueryRoundTrip(t *testing.T) {
	b, err := encodeMessage(newFindNodeQuery("ab", testID, testTarget))
	require.NoError(t, err)
	m, err := decodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, methodFindNode, m.Q)
	assert.Equal(t, string(testTarget[:]), m.A.Target)
}

func TestGetPeersAndAnnounceRoundTrip(t *testing.T) {
	b, err := encodeMessage(newGetPeersQuery("cd", testID, testHash))
	require.NoError(t, err)
	m, err := decodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, methodGetPeers, m.Q)
	assert.Equal(t, string(testHash[:]), m.A.InfoHash)

	b, err = encodeMessage(newAnnouncePeerQuery("ef", testID, testHash, 6881, true, []byte("12345678")))
	require.NoError(t, err)
	m, err = decodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, methodAnnouncePeer, m.Q)
	assert.Equal(t, 6881, m.A.Port)
	assert.Equal(t, 1, m.A.ImpliedPort)
	assert.Equal(t, "12345678", m.A.Token)
}

func TestResponseRoundTrip(t *testing.T) {
	resp := newResponse("gh", testID)
	resp.R.Token = "tok"
	resp.R.Values = []string{"\x0a\x00\x00\x01\x1a\xe1"}
	b, err := encodeMessage(resp)
	require.NoError(t, err)
	m, err := decodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, msgResponse, m.Y)
	require.NotNil(t, m.R)
	assert.Equal(t, "tok", m.R.Token)
	require.Len(t, m.R.Values, 1)
	sender, ok := m.senderID()
	require.True(t, ok)
	assert.Equal(t, testID, sender)
}

func TestErrorRoundTrip(t *testing.T) {
	b, err := encodeMessage(newErrorReply("ij", errProtocol, "bad token"))
	require.NoError(t, err)
	m, err := decodeMessage(b)
	require.NoError(t, err)
	assert.Equal(t, msgError, m.Y)
	require.NotNil(t, m.E)
	assert.Equal(t, errProtocol, m.E.Code)
	assert.Equal(t, "bad token", m.E.Message)
}

func TestDecodeRejectsMissingFields(t *testing.T) {
	_, err := decodeMessage([]byte("d1:y1:qe"))
	assert.Error(t, err, "missing transaction id")
	_, err = decodeMessage([]byte("not bencode"))
	assert.Error(t, err)
}

func TestCompactNodesRoundTrip(t *testing.T) {
	now := time.Now()
	nodes := []*Node{
		{ID: testID, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1).To4(), Port: 6881}},
		{ID: testTarget, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2).To4(), Port: 6882}},
	}
	enc := encodeCompactNodes(nodes)
	require.Len(t, enc, 2*compactNodeLen)
	got := decodeCompactNodes(enc, now)
	require.Len(t, got, 2)
	assert.Equal(t, testID, got[0].ID)
	assert.Equal(t, "10.0.0.1:6881", got[0].Addr.String())
	assert.Equal(t, "10.0.0.2:6882", got[1].Addr.String())
}

func TestCompactPeerWidths(t *testing.T) {
	v4 := encodeCompactPeer(&net.TCPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 6881})
	require.Len(t, v4, 6)
	p := decodeCompactPeer(v4)
	require.NotNil(t, p)
	assert.Equal(t, "1.2.3.4:6881", p.String())

	v6 := encodeCompactPeer(&net.TCPAddr{IP: net.ParseIP("2001:db8::1"), Port: 6881})
	require.Len(t, v6, 18)
	p = decodeCompactPeer(v6)
	require.NotNil(t, p)
	assert.Equal(t, "[2001:db8::1]:6881", p.String())

	assert.Nil(t, decodeCompactPeer([]byte("short")))
}
