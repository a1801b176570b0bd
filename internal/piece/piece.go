// Package piece holds the per-piece bookkeeping the torrent loop and
// piece picker share: which blocks exist, the expected hash, and where
// the piece's bytes live across the torrent's files.
package piece

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by BEP 3, not a choice.
	"path/filepath"

	"github.com/cenkalti/goridge/internal/filesection"
	"github.com/cenkalti/goridge/internal/metainfo"
	"github.com/cenkalti/goridge/internal/peerprotocol"
	"github.com/cenkalti/goridge/internal/storage"
)

// Block is one fixed-size (at most peerprotocol.BlockSize) slice of a
// piece, addressed the same way Request/Piece messages address it.
type Block struct {
	Index  uint32 // piece index
	Begin  uint32 // byte offset within the piece
	Length uint32
}

// Piece is everything the torrent loop tracks about a single piece across
// its lifetime: not-picked, being-downloaded, verifying, done.
type Piece struct {
	Index  uint32
	Length uint32
	Blocks []Block

	// Hash is the expected SHA-1 of the assembled piece, from the info
	// dict.
	Hash [20]byte
	// Data addresses the piece's bytes across the torrent's files.
	Data filesection.Piece

	// Done is set once the piece has been hash-verified and written.
	Done bool
	// Writing is set while the piece writer goroutine owns the buffer.
	Writing bool
}

// VerifyHash reports whether buf hashes to the piece's expected value.
func (p *Piece) VerifyHash(buf []byte) bool {
	return sha1.Sum(buf) == p.Hash //nolint:gosec
}

// FindBlock returns the block starting at begin with the given length,
// or ok=false if no such block exists, which makes an arriving block
// unsolicited.
func (p *Piece) FindBlock(begin, length uint32) (b Block, ok bool) {
	idx := begin / peerprotocol.BlockSize
	if begin%peerprotocol.BlockSize != 0 || idx >= uint32(len(p.Blocks)) {
		return b, false
	}
	b = p.Blocks[idx]
	if b.Length != length {
		return b, false
	}
	return b, true
}

// NewPieces builds the piece table for info, mapping each piece onto the
// byte ranges of files (which must be in the info dict's file order).
// Pieces are pieceLength bytes, the last one possibly shorter; each piece
// splits into BlockSize blocks, the last one possibly shorter.
func NewPieces(info *metainfo.Info, files []storage.File) []Piece {
	pieces := make([]Piece, info.NumPieces)
	fileIndex := 0
	var fileOffset int64

	fileLeft := func() int64 {
		if fileIndex >= len(files) {
			return 0
		}
		return files[fileIndex].Size() - fileOffset
	}

	for i := uint32(0); i < info.NumPieces; i++ {
		length := uint32(info.PieceLengthAt(i))
		p := Piece{
			Index:  i,
			Length: length,
			Blocks: splitBlocks(i, length),
			Hash:   info.PieceHash(i),
		}
		left := int64(length)
		for left > 0 {
			// Zero-length files occupy no pieces but still sit in the
			// file list; skip past them.
			for fileIndex < len(files) && fileLeft() == 0 {
				fileIndex++
				fileOffset = 0
			}
			if fileIndex >= len(files) {
				break
			}
			n := left
			if fl := fileLeft(); n > fl {
				n = fl
			}
			p.Data.Sections = append(p.Data.Sections, filesection.FileSection{
				File:   files[fileIndex],
				Offset: fileOffset,
				Length: n,
			})
			fileOffset += n
			left -= n
		}
		pieces[i] = p
	}
	return pieces
}

func splitBlocks(index uint32, length uint32) []Block {
	var blocks []Block
	var begin uint32
	for begin < length {
		l := uint32(peerprotocol.BlockSize)
		if begin+l > length {
			l = length - begin
		}
		blocks = append(blocks, Block{Index: index, Begin: begin, Length: l})
		begin += l
	}
	return blocks
}

// FileName joins a metainfo file's path segments into the storage-relative
// name the allocator opens it under.
func FileName(f metainfo.File) string {
	return filepath.ToSlash(filepath.Join(f.Path...))
}
