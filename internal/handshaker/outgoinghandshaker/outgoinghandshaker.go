// Package outgoinghandshaker dials one peer address and runs the
// transport + BT handshake off the torrent loop, reporting the finished
// connection (or the error) back on a result channel. One goroutine per
// dial attempt, torn down by Close when the torrent stops or completes.
package outgoinghandshaker

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/goridge/internal/bitfield"
	"github.com/cenkalti/goridge/internal/btconn"
)

// OutgoingHandshaker is one in-flight outgoing connection attempt.
type OutgoingHandshaker struct {
	Addr  *net.TCPAddr
	Conn  net.Conn
	PeerID [20]byte
	// Extensions is the peer's 8 reserved handshake bytes as a 64-bit
	// bitfield.
	Extensions *bitfield.Bitfield
	Error      error

	mu     sync.Mutex
	raw    net.Conn
	closed bool
}

// New returns a handshaker for addr, not yet started.
func New(addr *net.TCPAddr) *OutgoingHandshaker {
	return &OutgoingHandshaker{Addr: addr}
}

// Close marks the handshaker closed and closes its connection if Run has
// already stored one. It does not interrupt a dial or handshake that is
// still in progress: when btconn.Dial returns after Close, Run closes the
// new connection and reports errClosed.
func (h *OutgoingHandshaker) Close() {
	h.mu.Lock()
	h.closed = true
	if h.raw != nil {
		h.raw.Close()
	}
	h.mu.Unlock()
}

// Run dials and handshakes, then sends h on resultC with either Conn or
// Error set.
func (h *OutgoingHandshaker) Run(
	dialTimeout, handshakeTimeout time.Duration,
	ourID [20]byte,
	infoHash [20]byte,
	resultC chan *OutgoingHandshaker,
	ourExtensions *bitfield.Bitfield,
	disableEncryption, forceEncryption bool,
) {
	var ext [8]byte
	copy(ext[:], ourExtensions.Bytes())

	conn, _, peerExt, peerID, err := btconn.Dial(
		h.Addr, dialTimeout, handshakeTimeout,
		!disableEncryption, forceEncryption, ext, infoHash, ourID)
	if err != nil {
		h.Error = err
		resultC <- h
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		h.Error = errClosed
		resultC <- h
		return
	}
	h.raw = conn
	h.mu.Unlock()

	h.Conn = conn
	h.PeerID = peerID
	h.Extensions, _ = bitfield.NewBytes(peerExt[:], 64)
	resultC <- h
}

var errClosed = errors.New("handshaker closed")
