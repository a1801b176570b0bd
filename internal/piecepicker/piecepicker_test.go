package piecepicker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/bitfield"
	"github.com/cenkalti/goridge/internal/peer"
	"github.com/cenkalti/goridge/internal/piece"
)

func makePieces(n int) []piece.Piece {
	pieces := make([]piece.Piece, n)
	for i := range pieces {
		pieces[i] = piece.Piece{Index: uint32(i), Length: 16384}
	}
	return pieces
}

func fullBitfield(n uint32) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := uint32(0); i < n; i++ {
		bf.SetTrue(i)
	}
	return bf
}

func TestPickRarestFirst(t *testing.T) {
	pp := New(makePieces(4), bitfield.New(4), 2)
	p1 := &peer.Peer{}
	p2 := &peer.Peer{}

	// p1 has everything, p2 has only piece 2: piece 2 is the rarest
	// among p1's pieces? No — availability(2)=2, others=1. The rarest
	// pieces p1 can offer are 0, 1, 3.
	pp.HandleBitfield(p1, fullBitfield(4))
	bf2 := bitfield.New(4)
	bf2.SetTrue(2)
	pp.HandleBitfield(p2, bf2)

	idx, ok := pp.Pick(p1)
	require.True(t, ok)
	assert.NotEqual(t, uint32(2), idx, "should prefer a piece only one peer has")

	// p2 can only offer piece 2.
	idx2, ok := pp.Pick(p2)
	require.True(t, ok)
	assert.Equal(t, uint32(2), idx2)
}

func TestPickSkipsOwnedAndInflight(t *testing.T) {
	have := bitfield.New(2)
	have.SetTrue(0)
	pp := New(makePieces(2), have, 2)
	pe := &peer.Peer{}
	pp.HandleBitfield(pe, fullBitfield(2))

	idx, ok := pp.Pick(pe)
	require.True(t, ok)
	assert.Equal(t, uint32(1), idx, "piece 0 is already owned")

	pp.MarkRequested(idx)
	// The only missing piece is in flight; endgame allows a second
	// requester up to the limit.
	idx2, ok := pp.Pick(pe)
	require.True(t, ok)
	assert.Equal(t, uint32(1), idx2)
	pp.MarkRequested(idx2)
	_, ok = pp.Pick(pe)
	assert.False(t, ok, "endgame limit of 2 requesters reached")
}

func TestDisconnectRollsBackAvailability(t *testing.T) {
	pp := New(makePieces(3), bitfield.New(3), 2)
	p1 := &peer.Peer{}
	pp.HandleBitfield(p1, fullBitfield(3))

	require.True(t, pp.HasUsefulPiece(p1))
	pp.HandleDisconnect(p1)
	assert.False(t, pp.HasUsefulPiece(p1))
	_, ok := pp.Pick(p1)
	assert.False(t, ok)
}

func TestHandleHaveAndDontHave(t *testing.T) {
	pp := New(makePieces(3), bitfield.New(3), 2)
	pe := &peer.Peer{}
	pp.HandleHave(pe, 1)
	assert.True(t, pp.DoesHave(pe, 1))
	assert.False(t, pp.DoesHave(pe, 0))

	idx, ok := pp.Pick(pe)
	require.True(t, ok)
	assert.Equal(t, uint32(1), idx)

	pp.HandleDontHave(pe, 1)
	assert.False(t, pp.DoesHave(pe, 1))
}

func TestRequestsClearedSignal(t *testing.T) {
	pp := New(makePieces(2), bitfield.New(2), 2)
	pe := &peer.Peer{}
	pp.HandleBitfield(pe, fullBitfield(2))
	idx, ok := pp.Pick(pe)
	require.True(t, ok)
	pp.MarkRequested(idx)
	pp.HandleCancelDownload(pe, idx)
	select {
	case n := <-pp.RequestsCleared():
		assert.Equal(t, 1, n)
	default:
		t.Fatal("expected requestsCleared signal")
	}
}
