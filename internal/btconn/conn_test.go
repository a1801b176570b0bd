package btconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/mse"
	"github.com/cenkalti/goridge/internal/peerprotocol"
)

var (
	testInfoHash = [20]byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
	dialerID     = [20]byte{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1}
	accepterID   = [20]byte{2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2}
)

type acceptResult struct {
	conn       net.Conn
	cipherUsed bool
	peerID     [20]byte
	err        error
}

func runPair(t *testing.T, enableEncryption, forceIncoming bool) (dialConn, acceptConn net.Conn, dialCipher, acceptCipher bool) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	resC := make(chan acceptResult, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			resC <- acceptResult{err: err}
			return
		}
		getSKey := func(h [20]byte) []byte {
			if h == mse.HashSKey(testInfoHash[:]) {
				return testInfoHash[:]
			}
			return nil
		}
		hasInfoHash := func(ih [20]byte) bool { return ih == testInfoHash }
		var ext [8]byte
		conn, cipherUsed, _, _, peerID, err := Accept(raw, 10*time.Second, getSKey, forceIncoming, hasInfoHash, ext, accepterID)
		resC <- acceptResult{conn: conn, cipherUsed: cipherUsed, peerID: peerID, err: err}
	}()

	var ext [8]byte
	conn, cipherUsed, _, peerID, err := Dial(
		ln.Addr(), 5*time.Second, 10*time.Second,
		enableEncryption, false, ext, testInfoHash, dialerID)
	require.NoError(t, err)
	assert.Equal(t, accepterID, peerID)

	res := <-resC
	require.NoError(t, res.err)
	assert.Equal(t, dialerID, res.peerID)
	return conn, res.conn, cipherUsed, res.cipherUsed
}

func exchange(t *testing.T, a, b net.Conn) {
	t.Helper()
	msg := []byte("post-handshake traffic")
	go func() { a.Write(msg) }()
	buf := make([]byte, len(msg))
	b.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])
}

func TestDialAcceptPlaintext(t *testing.T) {
	dc, ac, dCipher, aCipher := runPair(t, false, false)
	defer dc.Close()
	defer ac.Close()
	assert.False(t, dCipher)
	assert.False(t, aCipher)
	exchange(t, dc, ac)
	exchange(t, ac, dc)
}

func TestDialAcceptEncrypted(t *testing.T) {
	dc, ac, dCipher, aCipher := runPair(t, true, false)
	defer dc.Close()
	defer ac.Close()
	assert.True(t, dCipher)
	assert.True(t, aCipher)
	exchange(t, dc, ac)
	exchange(t, ac, dc)
}

func TestForceIncomingRejectsPlaintext(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	errC := make(chan error, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			errC <- err
			return
		}
		defer raw.Close()
		var ext [8]byte
		_, _, _, _, _, err = Accept(raw, 5*time.Second,
			func([20]byte) []byte { return nil }, true,
			func([20]byte) bool { return true }, ext, accepterID)
		errC <- err
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	h := &peerprotocol.Handshake{InfoHash: testInfoHash, PeerID: dialerID}
	require.NoError(t, h.Write(conn))

	assert.ErrorIs(t, <-errC, errNotEncrypted)
}

func TestDialOwnConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		defer raw.Close()
		// Echo a handshake carrying the dialer's own peer id.
		if _, err := peerprotocol.ReadHandshake(raw); err != nil {
			return
		}
		h := &peerprotocol.Handshake{InfoHash: testInfoHash, PeerID: dialerID}
		h.Write(raw)
	}()

	var ext [8]byte
	_, _, _, _, err = Dial(ln.Addr(), 5*time.Second, 5*time.Second, false, false, ext, testInfoHash, dialerID)
	assert.ErrorIs(t, err, ErrOwnConnection)
}
