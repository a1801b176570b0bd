package session

import "sync/atomic"

// connLimiter caps connections (handshaking + established) across every
// torrent in the session.
type connLimiter struct {
	max int64
	n   int64
}

func newConnLimiter(max int) *connLimiter {
	if max <= 0 {
		return nil
	}
	return &connLimiter{max: int64(max)}
}

// TryAcquire claims one slot, reporting false when the cap is reached.
func (l *connLimiter) TryAcquire() bool {
	if l == nil {
		return true
	}
	if atomic.AddInt64(&l.n, 1) > l.max {
		atomic.AddInt64(&l.n, -1)
		return false
	}
	return true
}

// Release returns a slot.
func (l *connLimiter) Release() {
	if l == nil {
		return
	}
	atomic.AddInt64(&l.n, -1)
}
