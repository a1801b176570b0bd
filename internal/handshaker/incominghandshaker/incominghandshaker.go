// Package incominghandshaker runs the responder side of the transport +
// BT handshake on an accepted socket, off the torrent loop. The torrent
// only learns about the peer once the handshake either finished or
// failed.
package incominghandshaker

import (
	"net"
	"time"

	"github.com/cenkalti/goridge/internal/bitfield"
	"github.com/cenkalti/goridge/internal/btconn"
)

// IncomingHandshaker is one in-flight incoming connection.
type IncomingHandshaker struct {
	Conn   net.Conn
	PeerID [20]byte
	// Extensions is the peer's 8 reserved handshake bytes as a 64-bit
	// bitfield.
	Extensions *bitfield.Bitfield
	Error      error
}

// New wraps an accepted conn, not yet handshaken.
func New(conn net.Conn) *IncomingHandshaker {
	return &IncomingHandshaker{Conn: conn}
}

// Close drops the connection, aborting an in-flight handshake.
func (h *IncomingHandshaker) Close() {
	h.Conn.Close()
}

// Run performs the responder handshake and sends h on resultC. getSKey
// and checkInfoHash come from the owning torrent.
func (h *IncomingHandshaker) Run(
	ourID [20]byte,
	getSKey func(sKeyHash [20]byte) []byte,
	checkInfoHash func([20]byte) bool,
	resultC chan *IncomingHandshaker,
	handshakeTimeout time.Duration,
	ourExtensions *bitfield.Bitfield,
	forceEncryption bool,
) {
	var ext [8]byte
	copy(ext[:], ourExtensions.Bytes())

	conn, _, peerExt, _, peerID, err := btconn.Accept(
		h.Conn, handshakeTimeout, getSKey, forceEncryption, checkInfoHash, ext, ourID)
	if err != nil {
		h.Error = err
		h.Conn.Close()
		resultC <- h
		return
	}
	h.Conn = conn
	h.PeerID = peerID
	h.Extensions, _ = bitfield.NewBytes(peerExt[:], 64)
	resultC <- h
}
