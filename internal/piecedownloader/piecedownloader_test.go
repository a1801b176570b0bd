package piecedownloader

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/logger"
	"github.com/cenkalti/goridge/internal/peer"
	"github.com/cenkalti/goridge/internal/peerconn"
	"github.com/cenkalti/goridge/internal/piece"
)

func testPeer(t *testing.T) *peer.Peer {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })
	conn := peerconn.New(c1, [20]byte{}, nil, logger.New("test"), 0, nil, nil)
	return peer.New(conn, 0)
}

func testPiece(blocks int) *piece.Piece {
	p := &piece.Piece{Index: 0, Length: uint32(blocks * 16384)}
	for i := 0; i < blocks; i++ {
		p.Blocks = append(p.Blocks, piece.Block{Index: 0, Begin: uint32(i * 16384), Length: 16384})
	}
	return p
}

func TestRequestAndAssemble(t *testing.T) {
	pi := testPiece(3)
	pe := testPeer(t)
	buf := make([]byte, pi.Length)
	d := New(pi, pe, false, buf)

	d.RequestBlocks(2)
	assert.Equal(t, 2, d.Pending())
	d.RequestBlocks(2)
	assert.Equal(t, 2, d.Pending(), "queue depth must be respected")

	data := make([]byte, 16384)
	data[0] = 'x'
	require.NoError(t, d.GotBlock(pi.Blocks[0], data))
	assert.Equal(t, 1, d.Pending())
	assert.False(t, d.Done())

	d.RequestBlocks(2)
	require.NoError(t, d.GotBlock(pi.Blocks[1], data))
	require.NoError(t, d.GotBlock(pi.Blocks[2], data))
	assert.True(t, d.Done())
	assert.Equal(t, byte('x'), d.Buffer[0])
	assert.Equal(t, byte('x'), d.Buffer[2*16384])
}

func TestUnsolicitedBlockRejected(t *testing.T) {
	pi := testPiece(2)
	d := New(pi, testPeer(t), false, make([]byte, pi.Length))
	err := d.GotBlock(pi.Blocks[1], make([]byte, 16384))
	assert.ErrorIs(t, err, ErrBlockNotRequested)
}

func TestDuplicateBlockIgnored(t *testing.T) {
	pi := testPiece(1)
	d := New(pi, testPeer(t), false, make([]byte, pi.Length))
	d.RequestBlocks(4)
	data := make([]byte, 16384)
	require.NoError(t, d.GotBlock(pi.Blocks[0], data))
	require.NoError(t, d.GotBlock(pi.Blocks[0], data), "endgame duplicates are dropped silently")
	assert.True(t, d.Done())
}

// CHOKE clears every in-flight request so the blocks are immediately
// re-assignable; UNCHOKE re-requests only what is still missing.
func TestChokeClearsRequests(t *testing.T) {
	pi := testPiece(4)
	d := New(pi, testPeer(t), false, make([]byte, pi.Length))
	d.RequestBlocks(4)
	assert.Equal(t, 4, d.Pending())
	require.NoError(t, d.GotBlock(pi.Blocks[0], make([]byte, 16384)))

	cleared := d.Choked()
	assert.Equal(t, 3, cleared)
	assert.Equal(t, 0, d.Pending())

	d.RequestBlocks(4)
	assert.Equal(t, 3, d.Pending(), "completed block must not be re-requested")
}

func TestAllowedFastSurvivesChoke(t *testing.T) {
	pi := testPiece(2)
	d := New(pi, testPeer(t), true, make([]byte, pi.Length))
	d.RequestBlocks(2)
	assert.Equal(t, 0, d.Choked())
	assert.Equal(t, 2, d.Pending())
}

func TestRejectedBlockRequeued(t *testing.T) {
	pi := testPiece(2)
	d := New(pi, testPeer(t), false, make([]byte, pi.Length))
	d.RequestBlocks(2)
	d.Rejected(pi.Blocks[1])
	assert.Equal(t, 1, d.Pending())
	d.RequestBlocks(2)
	assert.Equal(t, 2, d.Pending())
}
