package dht

import (
	"net"
	"sync"
	"time"
)

const (
	// peersPerInfoHash caps stored peers per torrent; the oldest entry
	// is evicted when full.
	peersPerInfoHash = 1000
	// peerExpiry drops peers not re-announced within this window.
	peerExpiry = 30 * time.Minute
)

type storedPeer struct {
	addr     *net.TCPAddr
	lastSeen time.Time
}

// peerStore remembers which peers announced which info-hashes, the data
// served back in get_peers "values".
type peerStore struct {
	mu     sync.Mutex
	byHash map[InfoHash][]*storedPeer
	cap    int
	expiry time.Duration
}

func newPeerStore() *peerStore {
	return &peerStore{
		byHash: make(map[InfoHash][]*storedPeer),
		cap:    peersPerInfoHash,
		expiry: peerExpiry,
	}
}

// Add records an announce, refreshing the entry if the peer is already
// known and evicting the oldest entry when the per-hash cap is hit.
func (ps *peerStore) Add(ih InfoHash, addr *net.TCPAddr, now time.Time) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	peers := ps.byHash[ih]
	key := addr.String()
	for _, p := range peers {
		if p.addr.String() == key {
			p.lastSeen = now
			return
		}
	}
	if len(peers) >= ps.cap {
		oldestIdx := 0
		for i, p := range peers {
			if p.lastSeen.Before(peers[oldestIdx].lastSeen) {
				oldestIdx = i
			}
		}
		peers = append(peers[:oldestIdx], peers[oldestIdx+1:]...)
	}
	ps.byHash[ih] = append(peers, &storedPeer{addr: addr, lastSeen: now})
}

// Get returns up to max unexpired peers for ih.
func (ps *peerStore) Get(ih InfoHash, max int, now time.Time) []*net.TCPAddr {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	peers := ps.byHash[ih]
	kept := peers[:0]
	var out []*net.TCPAddr
	for _, p := range peers {
		if now.Sub(p.lastSeen) > ps.expiry {
			continue
		}
		kept = append(kept, p)
		if len(out) < max {
			out = append(out, p.addr)
		}
	}
	if len(kept) == 0 {
		delete(ps.byHash, ih)
	} else {
		ps.byHash[ih] = kept
	}
	return out
}

// Len reports how many peers are stored for ih.
func (ps *peerStore) Len(ih InfoHash) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return len(ps.byHash[ih])
}
