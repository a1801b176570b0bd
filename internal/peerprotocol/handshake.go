// Package peerprotocol implements the BEP 3 wire protocol: the handshake,
// the ten core message ids, the BEP 6 fast-extension messages and the
// BEP 10 extension-protocol envelope.
package peerprotocol

import (
	"errors"
	"io"
)

// Pstr is the fixed protocol string every BitTorrent handshake advertises.
const Pstr = "BitTorrent protocol"

// Reserved bit positions, counted from the most significant bit
// of the 8 reserved bytes, bit 0 being the MSB of the first byte.
const (
	ReservedBitExtensionProtocol = 20 // BEP 10
	ReservedBitFastExtension     = 44 // BEP 6
	ReservedBitDHT               = 63 // BEP 5
)

// HandshakeLen is the exact length of a BT handshake frame.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// HandshakeMagic is the first byte of every plaintext BT handshake (the
// length of Pstr); a responder seeing anything else treats the stream as
// MSE.
const HandshakeMagic byte = byte(len(Pstr))

var (
	// ErrInvalidProtocol is returned when the 19-byte protocol string of an
	// incoming handshake does not match Pstr exactly.
	ErrInvalidProtocol = errors.New("peerprotocol: invalid protocol string")
)

// Handshake is the 68-byte frame exchanged before any length-prefixed
// message. Reserved carries the extension bits described above.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// ReservedBit reports whether bit (counted from the MSB of Reserved[0]) is
// set.
func (r *Handshake) ReservedBit(bit int) bool {
	return r.Reserved[bit/8]&(0x80>>(uint(bit)%8)) != 0
}

// SetReservedBit sets bit in Reserved.
func (r *Handshake) SetReservedBit(bit int) {
	r.Reserved[bit/8] |= 0x80 >> (uint(bit) % 8)
}

// Write serializes the handshake to w, prefixed with the fixed header byte
// and protocol string.
func (h *Handshake) Write(w io.Writer) error {
	buf := make([]byte, HandshakeLen)
	buf[0] = byte(len(Pstr))
	copy(buf[1:20], Pstr)
	copy(buf[20:28], h.Reserved[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	_, err := w.Write(buf)
	return err
}

// ReadHandshake reads and validates a 68-byte handshake frame from r.
func ReadHandshake(r io.Reader) (*Handshake, error) {
	buf := make([]byte, HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	if buf[0] != byte(len(Pstr)) || string(buf[1:20]) != Pstr {
		return nil, ErrInvalidProtocol
	}
	h := &Handshake{}
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}
