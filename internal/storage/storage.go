// Package storage abstracts where piece data actually lives, so the
// allocator/verifier/piecewriter workers and the in-memory test suite
// share one interface.
package storage

import "io"

// File is one open file backing part (or all) of a torrent.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	// Size is the file's declared length, from the torrent's info dict.
	Size() int64
}

// Storage creates/opens the files for a torrent and reports where they
// live on disk (or wherever the implementation puts them).
type Storage interface {
	// Open returns name's file, creating and truncating/extending it to
	// size if it doesn't already exist at that size. exists reports
	// whether the file was already on disk before the call — the
	// allocator uses it to decide whether a hash check is needed.
	Open(name string, size int64) (f File, exists bool, err error)
	// Dest is the root path files are stored under, used to remove a
	// torrent's data entirely (session.RemoveTorrent).
	Dest() string
}
