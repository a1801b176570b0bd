package metainfo

import (
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by BEP 3, not a choice.
	"errors"
	"fmt"

	"github.com/cenkalti/goridge/internal/bencode"
)

// PieceHashSize is the length in bytes of a single piece's SHA-1 hash.
const PieceHashSize = 20

// File describes one entry in a multi-file torrent's layout.
type File struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// rawInfo mirrors the bencoded "info" dictionary fields we care about.
// Both single-file ("length") and multi-file ("files") layouts are
// represented here; NewInfo normalizes both into the Info.Files slice.
type rawInfo struct {
	Name        string               `bencode:"name"`
	PieceLength int64                `bencode:"piece length"`
	Pieces      string               `bencode:"pieces"`
	Length      int64                `bencode:"length"`
	Files       []File               `bencode:"files"`
	Private     int64                `bencode:"private"`
	MD5Sum      string               `bencode:"md5sum,omitempty"`
}

// Info is the parsed form of a torrent's info dictionary: everything needed
// to verify and lay out downloaded data.
type Info struct {
	Name        string
	PieceLength int64
	Length      int64 // total length across all files
	Files       []File
	Private     int64
	Hash        [20]byte // SHA-1 over the exact bencoding of the info dict
	NumPieces   uint32
	Bytes       []byte // the exact bencoded info dict, kept for resume/reseed
	InfoSize    uint32 // len(Bytes), used to size BEP-9 metadata transfers

	pieceHashes [][PieceHashSize]byte
}

// NewInfo parses raw (the bencoded "info" dictionary, byte-for-byte as it
// appeared in the torrent) into an Info, computing its info-hash.
func NewInfo(raw []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.Unmarshal(raw, &ri); err != nil {
		return nil, fmt.Errorf("metainfo: invalid info dict: %w", err)
	}
	if ri.PieceLength <= 0 {
		return nil, errors.New("metainfo: invalid piece length")
	}
	if len(ri.Pieces)%PieceHashSize != 0 {
		return nil, errors.New("metainfo: pieces field is not a multiple of 20 bytes")
	}
	numPieces := len(ri.Pieces) / PieceHashSize
	hashes := make([][PieceHashSize]byte, numPieces)
	for i := 0; i < numPieces; i++ {
		copy(hashes[i][:], ri.Pieces[i*PieceHashSize:(i+1)*PieceHashSize])
	}

	info := &Info{
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		Private:     ri.Private,
		NumPieces:   uint32(numPieces),
		pieceHashes: hashes,
		Bytes:       append([]byte(nil), raw...),
		InfoSize:    uint32(len(raw)),
		Hash:        sha1.Sum(raw), //nolint:gosec
	}

	if len(ri.Files) > 0 {
		info.Files = ri.Files
		for _, f := range ri.Files {
			info.Length += f.Length
		}
	} else {
		info.Length = ri.Length
		info.Files = []File{{Path: []string{ri.Name}, Length: ri.Length}}
	}

	expectedPieces := (info.Length + info.PieceLength - 1) / info.PieceLength
	if info.Length > 0 && int64(numPieces) != expectedPieces {
		return nil, fmt.Errorf("metainfo: piece count %d does not match total length %d at piece length %d", numPieces, info.Length, info.PieceLength)
	}
	return info, nil
}

// PieceHash returns the expected SHA-1 hash for piece i.
func (i *Info) PieceHash(index uint32) [PieceHashSize]byte {
	return i.pieceHashes[index]
}

// PieceLengthAt returns the exact byte length of piece index (the last
// piece is typically shorter than PieceLength).
func (i *Info) PieceLengthAt(index uint32) int64 {
	if int64(index) == int64(i.NumPieces)-1 {
		rem := i.Length % i.PieceLength
		if rem != 0 {
			return rem
		}
	}
	return i.PieceLength
}
