// Package allocator opens and pre-sizes a torrent's files on disk before
// any piece can be written. It runs as a worker goroutine off the torrent
// loop (file creation can block for seconds on slow disks) and reports
// back whether any file already existed, in which case the verifier must
// hash-check the data before trusting it.
package allocator

import (
	"path/filepath"

	"github.com/cenkalti/goridge/internal/metainfo"
	"github.com/cenkalti/goridge/internal/storage"
)

// Progress is sent to the torrent loop after each file is opened.
type Progress struct {
	AllocatedSize int64
}

// Allocator opens all files of a torrent, sized per the info dict.
type Allocator struct {
	Files []storage.File
	// NeedHashCheck is true when at least one file was already on disk,
	// meaning its contents are unverified.
	NeedHashCheck bool
	Error         error

	closeC chan struct{}
	doneC  chan struct{}
}

// New returns an Allocator, not yet started.
func New() *Allocator {
	return &Allocator{
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close aborts the allocation between files and waits for Run to return.
func (a *Allocator) Close() {
	close(a.closeC)
	<-a.doneC
}

// Run opens every file in info under sto, emitting Progress after each,
// and finally sends itself on resultC.
func (a *Allocator) Run(info *metainfo.Info, sto storage.Storage, progressC chan Progress, resultC chan *Allocator) {
	defer close(a.doneC)

	var allocated int64
	defer func() {
		if a.Error != nil {
			for _, f := range a.Files {
				if f != nil {
					f.Close()
				}
			}
			a.Files = nil
		}
		select {
		case resultC <- a:
		case <-a.closeC:
		}
	}()

	a.Files = make([]storage.File, len(info.Files))
	for i, f := range info.Files {
		name := filepath.ToSlash(filepath.Join(f.Path...))
		file, exists, err := sto.Open(name, f.Length)
		if err != nil {
			a.Error = err
			return
		}
		a.Files[i] = file
		if exists {
			a.NeedHashCheck = true
		}
		allocated += f.Length
		select {
		case progressC <- Progress{AllocatedSize: allocated}:
		default:
		}
		select {
		case <-a.closeC:
			return
		default:
		}
	}
}
