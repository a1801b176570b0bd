// Package filesection maps a piece onto the byte ranges of the files it
// spans. A piece near a file boundary covers the tail of one file and
// the head of the next; reads and writes address the piece as one
// contiguous range and this package routes them to the right files at
// the right offsets.
package filesection

import (
	"io"

	"github.com/cenkalti/goridge/internal/storage"
)

// FileSection is a contiguous byte range inside a single file.
type FileSection struct {
	File   storage.File
	Offset int64
	Length int64
}

// Piece is the ordered list of file sections one piece covers.
type Piece struct {
	Sections []FileSection
}

// Length is the total byte length across all sections.
func (p Piece) Length() int64 {
	var n int64
	for _, s := range p.Sections {
		n += s.Length
	}
	return n
}

// ReadAt reads len(b) bytes starting at off within the piece.
func (p Piece) ReadAt(b []byte, off int64) (int, error) {
	var read int
	for _, s := range p.Sections {
		if off >= s.Length {
			off -= s.Length
			continue
		}
		n := int64(len(b) - read)
		if n > s.Length-off {
			n = s.Length - off
		}
		m, err := s.File.ReadAt(b[read:read+int(n)], s.Offset+off)
		read += m
		if err != nil {
			return read, err
		}
		off = 0
		if read == len(b) {
			return read, nil
		}
	}
	if read < len(b) {
		return read, io.EOF
	}
	return read, nil
}

// Write writes b starting at the beginning of the piece. Pieces are
// always written whole after verification, so no offset parameter is
// needed.
func (p Piece) Write(b []byte) (int, error) {
	var written int
	for _, s := range p.Sections {
		if written == len(b) {
			break
		}
		n := int64(len(b) - written)
		if n > s.Length {
			n = s.Length
		}
		m, err := s.File.WriteAt(b[written:written+int(n)], s.Offset)
		written += m
		if err != nil {
			return written, err
		}
	}
	if written < len(b) {
		return written, io.ErrShortWrite
	}
	return written, nil
}
