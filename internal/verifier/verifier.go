// Package verifier hash-checks existing data after allocation found
// files already on disk (or after an explicit recheck). Pieces are
// hashed in parallel, bounded to the CPU count with a weighted
// semaphore, since SHA-1 over many gigabytes is the one place the
// engine is compute-bound.
package verifier

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/cenkalti/goridge/internal/bitfield"
	"github.com/cenkalti/goridge/internal/piece"
)

// Progress reports how many pieces have been checked so far.
type Progress struct {
	Checked uint32
}

// Verifier hashes every piece of a torrent against the info dict.
type Verifier struct {
	// Bitfield has a bit set for every piece whose on-disk data matched
	// its expected hash.
	Bitfield *bitfield.Bitfield
	Error    error

	closeC chan struct{}
	doneC  chan struct{}
}

// New returns a Verifier, not yet started.
func New() *Verifier {
	return &Verifier{
		closeC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
}

// Close aborts the check and waits for Run to return.
func (v *Verifier) Close() {
	close(v.closeC)
	<-v.doneC
}

// Run checks all pieces, emitting Progress as pieces finish, and sends
// itself on resultC when done.
func (v *Verifier) Run(pieces []piece.Piece, progressC chan Progress, resultC chan *Verifier) {
	defer close(v.doneC)

	v.Bitfield = bitfield.New(uint32(len(pieces)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-v.closeC:
			cancel()
		case <-ctx.Done():
		}
	}()

	sem := semaphore.NewWeighted(int64(runtime.NumCPU()))
	var mu sync.Mutex
	var checked uint32
	var wg sync.WaitGroup

	for i := range pieces {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(p *piece.Piece) {
			defer wg.Done()
			defer sem.Release(1)
			buf := make([]byte, p.Length)
			_, err := p.Data.ReadAt(buf, 0)
			ok := err == nil && p.VerifyHash(buf)
			mu.Lock()
			if ok {
				v.Bitfield.SetTrue(p.Index)
			}
			checked++
			n := checked
			mu.Unlock()
			select {
			case progressC <- Progress{Checked: n}:
			default:
			}
		}(&pieces[i])
	}
	wg.Wait()

	select {
	case resultC <- v:
	case <-v.closeC:
	}
}
