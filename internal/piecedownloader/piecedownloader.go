// Package piecedownloader drives one in-flight piece download against a
// single peer: request each of its blocks with a bounded queue depth so
// a slow peer isn't handed the whole piece at once, place arriving data
// into the shared piece buffer, and unwind cleanly on choke/reject. It
// is driven synchronously by the torrent loop — no goroutine of its own
// — so all of its state mutation happens on the single orchestrator
// thread.
package piecedownloader

import (
	"errors"

	"github.com/cenkalti/goridge/internal/peer"
	"github.com/cenkalti/goridge/internal/peerprotocol"
	"github.com/cenkalti/goridge/internal/piece"
)

// ErrBlockNotRequested is returned when a peer sends a block we never
// asked it for.
var ErrBlockNotRequested = errors.New("piecedownloader: received not requested block")

// PieceDownloader downloads all blocks of one piece from one peer into
// Buffer.
type PieceDownloader struct {
	Piece *piece.Piece
	Peer  *peer.Peer
	// AllowedFast marks a download running over a choked connection via
	// the fast extension's allowed-fast set; a CHOKE does not cancel its
	// requests.
	AllowedFast bool
	Buffer      []byte

	nextBlockIndex uint32
	requested      map[uint32]struct{}
	done           map[uint32]struct{}
}

// New returns a downloader for pi against pe, assembling into buf (a
// pooled slice of at least pi.Length bytes).
func New(pi *piece.Piece, pe *peer.Peer, allowedFast bool, buf []byte) *PieceDownloader {
	return &PieceDownloader{
		Piece:       pi,
		Peer:        pe,
		AllowedFast: allowedFast,
		Buffer:      buf[:pi.Length],
		requested:   make(map[uint32]struct{}),
		done:        make(map[uint32]struct{}),
	}
}

// RequestBlocks queues Request messages until queueLength are in flight
// or no unrequested blocks remain.
func (d *PieceDownloader) RequestBlocks(queueLength int) {
	for ; d.nextBlockIndex < uint32(len(d.Piece.Blocks)) && len(d.requested) < queueLength; d.nextBlockIndex++ {
		b := d.Piece.Blocks[d.nextBlockIndex]
		if _, ok := d.done[b.Begin]; ok {
			continue
		}
		if _, ok := d.requested[b.Begin]; ok {
			continue
		}
		d.requested[b.Begin] = struct{}{}
		d.Peer.SendMessage(peerprotocol.RequestMessage{Index: b.Index, Begin: b.Begin, Length: b.Length})
	}
}

// GotBlock records an arrived block and copies data into the buffer.
func (d *PieceDownloader) GotBlock(b piece.Block, data []byte) error {
	if _, ok := d.done[b.Begin]; ok {
		return nil // duplicate, e.g. endgame double-request
	}
	if _, ok := d.requested[b.Begin]; !ok {
		return ErrBlockNotRequested
	}
	delete(d.requested, b.Begin)
	d.done[b.Begin] = struct{}{}
	copy(d.Buffer[b.Begin:b.Begin+b.Length], data)
	return nil
}

// Rejected handles a fast-extension Reject for one of our requests: the
// block goes back to the unrequested pool.
func (d *PieceDownloader) Rejected(b piece.Block) {
	delete(d.requested, b.Begin)
	if idx := b.Begin / peerprotocol.BlockSize; idx < d.nextBlockIndex {
		d.nextBlockIndex = idx
	}
}

// Choked clears every in-flight request — a choked peer will never
// answer them — and returns how many were cleared so the picker can be
// refilled. Allowed-fast downloads keep their requests.
func (d *PieceDownloader) Choked() int {
	if d.AllowedFast {
		return 0
	}
	n := len(d.requested)
	d.requested = make(map[uint32]struct{})
	d.nextBlockIndex = 0
	return n
}

// CancelPending sends Cancel for every outstanding request, e.g. when
// the torrent completes while this downloader still has blocks in
// flight (endgame duplicates).
func (d *PieceDownloader) CancelPending() {
	for begin := range d.requested {
		b, ok := d.Piece.FindBlock(begin, blockLengthAt(d.Piece, begin))
		if !ok {
			continue
		}
		d.Peer.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
			Index: b.Index, Begin: b.Begin, Length: b.Length,
		}})
	}
}

func blockLengthAt(pi *piece.Piece, begin uint32) uint32 {
	idx := begin / peerprotocol.BlockSize
	if idx >= uint32(len(pi.Blocks)) {
		return 0
	}
	return pi.Blocks[idx].Length
}

// Pending reports how many requests are currently in flight.
func (d *PieceDownloader) Pending() int { return len(d.requested) }

// Done reports whether every block has arrived.
func (d *PieceDownloader) Done() bool {
	return len(d.done) == len(d.Piece.Blocks)
}
