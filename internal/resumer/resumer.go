// Package resumer defines the persistence contract for torrent session
// state: enough to restart a torrent after a process restart without
// re-fetching metadata or re-verifying pieces that were already
// confirmed.
package resumer

import "time"

// Stats is the subset of a torrent's lifetime counters worth persisting
// across restarts.
type Stats struct {
	BytesDownloaded int64
	BytesUploaded   int64
	BytesWasted     int64
	SeededFor       time.Duration
}

// Resumer is the slice of persistence operations the torrent event loop
// itself drives directly. The richer full-state read/write operations
// live on the concrete boltdbresumer.Resumer type: the interface covers
// what the per-torrent loop needs, the session layer talks to boltdb
// concretely when loading and creating torrents.
type Resumer interface {
	WriteBitfield(b []byte) error
	WriteStats(s Stats) error
	// WriteInfo persists the raw info dict once a magnet download has
	// fetched it (BEP 9), so the next session load skips metadata
	// exchange.
	WriteInfo(b []byte) error
}
