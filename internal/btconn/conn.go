// Package btconn provides support for dialing and accepting BitTorrent
// connections: the optional MSE/PE encryption layer, policy-based
// plaintext fallback, and the 68-byte BT handshake on top. Callers get
// back a net.Conn that reads and writes plaintext regardless of what's
// on the wire.
package btconn

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/goridge/internal/mse"
	"github.com/cenkalti/goridge/internal/peerprotocol"
)

var (
	errInvalidInfoHash = errors.New("invalid info hash")
	// ErrOwnConnection is returned when the remote peer-id equals ours:
	// we dialed ourselves through a reflected address.
	ErrOwnConnection = errors.New("dropped own connection")
	errNotEncrypted  = errors.New("connection is not encrypted")
)

type readWriter struct {
	io.Reader
	io.Writer
}

type rwConn struct {
	rw io.ReadWriter
	net.Conn
}

func (c *rwConn) Read(p []byte) (n int, err error)  { return c.rw.Read(p) }
func (c *rwConn) Write(p []byte) (n int, err error) { return c.rw.Write(p) }

// cipherConn applies the negotiated RC4 streams to everything after PE4.
type cipherConn struct {
	net.Conn
	stream *mse.Stream
}

func (c *cipherConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.stream.Decrypt(p[:n], p[:n])
	}
	return n, err
}

func (c *cipherConn) Write(p []byte) (int, error) {
	buf := make([]byte, len(p))
	c.stream.Encrypt(buf, p)
	n, err := c.Conn.Write(buf)
	return n, err
}

func writeHandshake(conn net.Conn, ih, ourID [20]byte, extensions [8]byte) error {
	h := &peerprotocol.Handshake{InfoHash: ih, PeerID: ourID, Reserved: extensions}
	return h.Write(conn)
}

// Dial connects to addr and completes the BT handshake, optionally
// attempting MSE first per the encryption flags. On MSE failure with enableEncryption but not forceEncryption,
// the connection is retried in plaintext.
func Dial(
	addr net.Addr,
	connectTimeout, handshakeTimeout time.Duration,
	enableEncryption, forceEncryption bool,
	ourExtensions [8]byte,
	ih [20]byte,
	ourID [20]byte,
) (conn net.Conn, cipherUsed bool, peerExtensions [8]byte, peerID [20]byte, err error) {
	conn, cipherUsed, err = dialTransport(addr, connectTimeout, handshakeTimeout, enableEncryption, forceEncryption, ih)
	if err != nil {
		return nil, false, peerExtensions, peerID, err
	}
	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}
	if err = writeHandshake(conn, ih, ourID, ourExtensions); err != nil {
		return
	}
	var h *peerprotocol.Handshake
	h, err = peerprotocol.ReadHandshake(conn)
	if err != nil {
		return
	}
	if h.InfoHash != ih {
		err = errInvalidInfoHash
		return
	}
	if h.PeerID == ourID {
		err = ErrOwnConnection
		return
	}
	err = conn.SetDeadline(time.Time{})
	return conn, cipherUsed, h.Reserved, h.PeerID, err
}

func dialTransport(addr net.Addr, connectTimeout, handshakeTimeout time.Duration, enableEncryption, forceEncryption bool, ih [20]byte) (net.Conn, bool, error) {
	raw, err := net.DialTimeout(addr.Network(), addr.String(), connectTimeout)
	if err != nil {
		return nil, false, err
	}
	if !enableEncryption {
		return raw, false, nil
	}
	stream, method, mseErr := mse.HandshakeOutgoing(raw, ih, handshakeTimeout)
	if mseErr == nil {
		if method == mse.CryptoRC4 {
			return &cipherConn{Conn: raw, stream: stream}, true, nil
		}
		// Plaintext-header-only: traffic after PE4 is in the clear.
		return raw, false, nil
	}
	raw.Close()
	if forceEncryption {
		return nil, false, mseErr
	}
	// Retry without encryption; the remote may simply not speak MSE.
	raw, err = net.DialTimeout(addr.Network(), addr.String(), connectTimeout)
	if err != nil {
		return nil, false, err
	}
	return raw, false, nil
}

// Accept completes the responder side on an already-accepted conn. The
// first byte decides the transport: 0x13 means a plaintext BT handshake,
// anything else is treated as an MSE exchange. getSKey maps an MSE stream-selector hash to the
// corresponding info-hash bytes; hasInfoHash gates the BT handshake.
func Accept(
	conn net.Conn,
	handshakeTimeout time.Duration,
	getSKey func(sKeyHash [20]byte) []byte,
	forceEncryption bool,
	hasInfoHash func([20]byte) bool,
	ourExtensions [8]byte,
	ourID [20]byte,
) (out net.Conn, cipherUsed bool, peerExtensions [8]byte, ih [20]byte, peerID [20]byte, err error) {
	if err = conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
		return
	}

	first := make([]byte, 1)
	if _, err = io.ReadFull(conn, first); err != nil {
		return
	}

	out = conn
	var prefix []byte
	if first[0] == peerprotocol.HandshakeMagic {
		if forceEncryption {
			err = errNotEncrypted
			return
		}
		prefix = first
	} else {
		resolve := func(req2 [20]byte) ([20]byte, bool) {
			skey := getSKey(req2)
			if skey == nil {
				return [20]byte{}, false
			}
			var h [20]byte
			copy(h[:], skey)
			return h, true
		}
		policy := mse.PolicyEnabled
		if forceEncryption {
			policy = mse.PolicyForced
		}
		mseConn := &rwConn{rw: readWriter{io.MultiReader(newByteReader(first[0]), conn), conn}, Conn: conn}
		var stream *mse.Stream
		var method mse.CryptoMethod
		var ia []byte
		stream, _, method, ia, err = mse.HandshakeIncoming(mseConn, resolve, policy, handshakeTimeout)
		if err != nil {
			return
		}
		if method == mse.CryptoRC4 {
			cipherUsed = true
			out = &cipherConn{Conn: conn, stream: stream}
		}
		prefix = ia
	}

	hsConn := out
	if len(prefix) > 0 {
		hsConn = &rwConn{rw: readWriter{io.MultiReader(newBytesReader(prefix), out), out}, Conn: conn}
	}

	var h *peerprotocol.Handshake
	h, err = peerprotocol.ReadHandshake(hsConn)
	if err != nil {
		return
	}
	if !hasInfoHash(h.InfoHash) {
		err = errInvalidInfoHash
		return
	}
	if h.PeerID == ourID {
		err = ErrOwnConnection
		return
	}
	if err = writeHandshake(out, h.InfoHash, ourID, ourExtensions); err != nil {
		return
	}
	if err = conn.SetDeadline(time.Time{}); err != nil {
		return
	}
	return hsConn, cipherUsed, h.Reserved, h.InfoHash, h.PeerID, nil
}

func newByteReader(b byte) io.Reader { return newBytesReader([]byte{b}) }

func newBytesReader(b []byte) io.Reader { return &sliceReader{b: b} }

type sliceReader struct{ b []byte }

func (r *sliceReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
