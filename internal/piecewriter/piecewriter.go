// Package piecewriter hashes and writes one completed piece off the
// torrent loop. Hashing is the check that gates everything — a piece
// counts as complete only when its assembled buffer matches the
// metadata hash — so the result distinguishes a failed hash (peer sent
// corrupt data, ban candidate) from a failed write (storage error,
// pauses the torrent).
package piecewriter

import (
	"github.com/cenkalti/goridge/internal/peer"
	"github.com/cenkalti/goridge/internal/piece"
)

// PieceWriter verifies and persists one piece's assembled buffer.
type PieceWriter struct {
	Piece  *piece.Piece
	Source *peer.Peer
	Buffer []byte

	// HashOK is false when Buffer did not hash to the expected value; in
	// that case nothing was written and Source sent corrupt data.
	HashOK bool
	// Error is a storage write failure, set only when HashOK is true.
	Error error
}

// New returns a writer for pi's assembled buf, downloaded from source.
func New(pi *piece.Piece, source *peer.Peer, buf []byte) *PieceWriter {
	return &PieceWriter{Piece: pi, Source: source, Buffer: buf}
}

// Run hashes and, on success, writes the piece, then reports on resultC.
func (w *PieceWriter) Run(resultC chan *PieceWriter) {
	w.HashOK = w.Piece.VerifyHash(w.Buffer)
	if w.HashOK {
		_, w.Error = w.Piece.Data.Write(w.Buffer)
	}
	resultC <- w
}
