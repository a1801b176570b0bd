// Package piecepicker implements rarest-first piece selection with an
// O(1) "availability bucket" structure: pieces are bucketed by how many
// connected peers have them, and picking a piece means scanning buckets
// from least to most available, each bucket a plain slice supporting
// swap-to-last removal. Endgame mode
// (request the last few outstanding pieces from every peer that has
// them) kicks in once every remaining piece already has an in-flight
// request.
package piecepicker

import (
	"github.com/cenkalti/goridge/internal/bitfield"
	"github.com/cenkalti/goridge/internal/peer"
	"github.com/cenkalti/goridge/internal/piece"
)

// PiecePicker tracks global piece availability and per-peer request state
// for one torrent.
type PiecePicker struct {
	pieces   []piece.Piece
	have     *bitfield.Bitfield // pieces we already have
	numWant  uint32              // pieces we still need

	// endgameLimit is how many peers may download the same piece once
	// every remaining piece is already in flight.
	endgameLimit int

	// availability[i] = number of connected peers known to have piece i.
	availability []int
	// buckets[n] holds the indices of pieces with availability n, with an
	// index-to-position map so removal is O(1) (swap with last + pop).
	buckets    map[int][]uint32
	posInBucket map[uint32]int

	peerBitfields map[*peer.Peer]*bitfield.Bitfield
	inflight      map[uint32]int // index -> number of peers currently requesting it

	// prioritized pieces are picked before the rarest-first scan (file
	// priorities map onto the pieces the file spans).
	prioritized map[uint32]struct{}

	requestsClearedC chan int
}

// New returns a picker seeded from our own completion bitfield: pieces we
// already have start excluded from selection. endgameLimit is the
// maximum number of simultaneous requesters per piece during endgame.
func New(pieces []piece.Piece, have *bitfield.Bitfield, endgameLimit int) *PiecePicker {
	n := uint32(len(pieces))
	if endgameLimit < 1 {
		endgameLimit = 1
	}
	p := &PiecePicker{
		pieces:           pieces,
		have:             have,
		endgameLimit:     endgameLimit,
		availability:     make([]int, n),
		buckets:          make(map[int][]uint32),
		posInBucket:      make(map[uint32]int),
		peerBitfields:    make(map[*peer.Peer]*bitfield.Bitfield),
		inflight:         make(map[uint32]int),
		requestsClearedC: make(chan int, 1),
	}
	for i := uint32(0); i < n; i++ {
		if !have.Get(i) {
			p.numWant++
		}
		p.buckets[0] = append(p.buckets[0], i)
		p.posInBucket[i] = len(p.buckets[0]) - 1
	}
	return p
}

// RequestsCleared fires whenever in-flight requests free up, so the
// orchestrator's pipeline filler can be event-driven instead of polling
// signal").
func (p *PiecePicker) RequestsCleared() <-chan int { return p.requestsClearedC }

func (p *PiecePicker) notifyCleared(n int) {
	select {
	case p.requestsClearedC <- n:
	default:
	}
}

func (p *PiecePicker) moveBucket(index uint32, from, to int) {
	pos := p.posInBucket[index]
	bucket := p.buckets[from]
	last := len(bucket) - 1
	bucket[pos] = bucket[last]
	p.posInBucket[bucket[pos]] = pos
	p.buckets[from] = bucket[:last]
	p.buckets[to] = append(p.buckets[to], index)
	p.posInBucket[index] = len(p.buckets[to]) - 1
}

// HandleHave records that pe now has piece index, bumping its bucket.
func (p *PiecePicker) HandleHave(pe *peer.Peer, index uint32) {
	bf := p.peerBitfieldFor(pe)
	if bf.Get(index) {
		return
	}
	bf.Set(index, true)
	old := p.availability[index]
	p.availability[index] = old + 1
	p.moveBucket(index, old, old+1)
}

// HandleBitfield replaces pe's known bitfield wholesale (sent once right
// after the handshake).
func (p *PiecePicker) HandleBitfield(pe *peer.Peer, bf *bitfield.Bitfield) {
	p.peerBitfields[pe] = bf.Clone()
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Get(i) {
			old := p.availability[i]
			p.availability[i] = old + 1
			p.moveBucket(i, old, old+1)
		}
	}
}

func (p *PiecePicker) peerBitfieldFor(pe *peer.Peer) *bitfield.Bitfield {
	bf, ok := p.peerBitfields[pe]
	if !ok {
		bf = bitfield.New(uint32(len(p.pieces)))
		p.peerBitfields[pe] = bf
	}
	return bf
}

// DoesHave reports whether pe is known to have piece index.
func (p *PiecePicker) DoesHave(pe *peer.Peer, index uint32) bool {
	bf, ok := p.peerBitfields[pe]
	return ok && bf.Get(index)
}

// endgame reports whether every piece we still want already has at least
// one in-flight request, meaning it's fine to double-request.
func (p *PiecePicker) endgame() bool {
	for i := range p.pieces {
		idx := uint32(i)
		if p.have.Get(idx) {
			continue
		}
		if p.inflight[idx] == 0 {
			return false
		}
	}
	return true
}

// Prioritize replaces the set of pieces picked ahead of the
// rarest-first order.
func (p *PiecePicker) Prioritize(indexes []uint32) {
	p.prioritized = make(map[uint32]struct{}, len(indexes))
	for _, i := range indexes {
		p.prioritized[i] = struct{}{}
	}
}

// Pick returns the rarest piece pe has that we don't yet have and isn't
// already maxed out on in-flight requesters, or ok=false if none exists.
// Prioritized pieces are considered first.
func (p *PiecePicker) Pick(pe *peer.Peer) (index uint32, ok bool) {
	bf, known := p.peerBitfields[pe]
	if !known {
		return 0, false
	}
	limit := 1
	if p.endgame() {
		limit = p.endgameLimit
	}
	for idx := range p.prioritized {
		if !p.pickable(idx, bf, limit) {
			continue
		}
		return idx, true
	}
	maxAvail := len(p.pieces)
	for n := 1; n <= maxAvail; n++ {
		for _, idx := range p.buckets[n] {
			if !p.pickable(idx, bf, limit) {
				continue
			}
			return idx, true
		}
	}
	return 0, false
}

func (p *PiecePicker) pickable(idx uint32, bf *bitfield.Bitfield, limit int) bool {
	if p.have.Get(idx) || !bf.Get(idx) {
		return false
	}
	// A piece being hashed or already verified must not re-enter the
	// pickable pool.
	if p.pieces[idx].Done || p.pieces[idx].Writing {
		return false
	}
	return p.inflight[idx] < limit
}

// MarkRequested increments the in-flight counter for index.
func (p *PiecePicker) MarkRequested(index uint32) { p.inflight[index]++ }

// HandleCancelDownload decrements the in-flight counter, e.g. when a
// downloader for pe/index is torn down (choke, disconnect, completion).
func (p *PiecePicker) HandleCancelDownload(pe *peer.Peer, index uint32) {
	if p.inflight[index] > 0 {
		p.inflight[index]--
		p.notifyCleared(1)
	}
}

// HandleSnubbed is a no-op signal hook for now: the orchestrator already
// stops assigning new work to snubbed peers via peer.Snubbed, this exists
// so future prioritization (e.g. deprioritizing a snubbed peer's pieces)
// has a home without changing the call sites in session/run.go.
func (p *PiecePicker) HandleSnubbed(pe *peer.Peer, index uint32) {}

// HandleDontHave rolls back a single piece the peer previously
// advertised (lt_donthave).
func (p *PiecePicker) HandleDontHave(pe *peer.Peer, index uint32) {
	bf, ok := p.peerBitfields[pe]
	if !ok || !bf.Get(index) {
		return
	}
	bf.Set(index, false)
	old := p.availability[index]
	if old > 0 {
		p.availability[index] = old - 1
		p.moveBucket(index, old, old-1)
	}
}

// HasUsefulPiece reports whether pe has at least one piece we still
// want, the condition for being interested.
func (p *PiecePicker) HasUsefulPiece(pe *peer.Peer) bool {
	bf, ok := p.peerBitfields[pe]
	if !ok {
		return false
	}
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Get(i) && !p.have.Get(i) {
			return true
		}
	}
	return false
}

// HandleDisconnect removes a peer's bitfield and rolls back its
// contribution to piece availability.
func (p *PiecePicker) HandleDisconnect(pe *peer.Peer) {
	bf, ok := p.peerBitfields[pe]
	if !ok {
		return
	}
	for i := uint32(0); i < bf.Len(); i++ {
		if bf.Get(i) {
			old := p.availability[i]
			if old > 0 {
				p.availability[i] = old - 1
				p.moveBucket(i, old, old-1)
			}
		}
	}
	delete(p.peerBitfields, pe)
}

// HandlePieceDone marks index as owned, so it drops out of future Pick
// results (it stays in its availability bucket for bookkeeping but Pick
// skips anything p.have already reports true).
func (p *PiecePicker) HandlePieceDone(index uint32) {
	if p.numWant > 0 {
		p.numWant--
	}
	delete(p.inflight, index)
	p.notifyCleared(1)
}
