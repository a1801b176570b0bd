package mse

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testInfoHash = [20]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20}

type outgoingResult struct {
	stream *Stream
	method CryptoMethod
	err    error
}

// tcpPair returns two ends of a real loopback TCP connection. net.Pipe
// is unusable here: it has no buffering, and the MSE exchange writes
// key+padding in one call while the other side reads only the key
// first.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	dialed := make(chan net.Conn, 1)
	go func() {
		c, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			close(dialed)
			return
		}
		dialed <- c
	}()
	accepted, err := ln.Accept()
	require.NoError(t, err)
	c, ok := <-dialed
	require.True(t, ok)
	return c, accepted
}

func TestHandshakeInitiatorResponder(t *testing.T) {
	c1, c2 := tcpPair(t)
	defer c1.Close()
	defer c2.Close()

	outC := make(chan outgoingResult, 1)
	go func() {
		stream, method, err := HandshakeOutgoing(c1, testInfoHash, 10*time.Second)
		outC <- outgoingResult{stream, method, err}
	}()

	resolve := func(req2 [20]byte) ([20]byte, bool) {
		if req2 == HashSKey(testInfoHash[:]) {
			return testInfoHash, true
		}
		return [20]byte{}, false
	}
	inStream, ih, inMethod, ia, err := HandshakeIncoming(c2, resolve, PolicyEnabled, 10*time.Second)
	require.NoError(t, err)
	assert.Equal(t, testInfoHash, ih)
	assert.Equal(t, CryptoRC4, inMethod)
	assert.Empty(t, ia)

	out := <-outC
	require.NoError(t, out.err)
	assert.Equal(t, CryptoRC4, out.method)

	// After PE4 the two streams must be mirrored: what one encrypts the
	// other decrypts byte-for-byte, in both directions.
	msg := []byte("\x13BitTorrent protocol")
	enc := make([]byte, len(msg))
	out.stream.Encrypt(enc, msg)
	dec := make([]byte, len(enc))
	inStream.Decrypt(dec, enc)
	assert.Equal(t, msg, dec)

	reply := []byte("responder speaks too")
	enc2 := make([]byte, len(reply))
	inStream.Encrypt(enc2, reply)
	dec2 := make([]byte, len(enc2))
	out.stream.Decrypt(dec2, enc2)
	assert.Equal(t, reply, dec2)
}

func TestHandshakeUnknownInfoHash(t *testing.T) {
	c1, c2 := tcpPair(t)
	defer c1.Close()
	defer c2.Close()

	outC := make(chan outgoingResult, 1)
	go func() {
		stream, method, err := HandshakeOutgoing(c1, testInfoHash, 5*time.Second)
		outC <- outgoingResult{stream, method, err}
	}()

	resolve := func(req2 [20]byte) ([20]byte, bool) { return [20]byte{}, false }
	_, _, _, _, err := HandshakeIncoming(c2, resolve, PolicyEnabled, 5*time.Second)
	assert.ErrorIs(t, err, ErrUnknownHash)
	c2.Close()
	<-outC // initiator fails once the responder hangs up
}

func TestKeyPairSharedSecret(t *testing.T) {
	a, err := NewKeyPair()
	require.NoError(t, err)
	b, err := NewKeyPair()
	require.NoError(t, err)
	s1 := a.SharedSecret(b.Pub)
	s2 := b.SharedSecret(a.Pub)
	assert.Equal(t, s1, s2)
	assert.Len(t, s1, 96)
}

func TestSelectMethodPrefersRC4(t *testing.T) {
	m, err := SelectMethod(CryptoPlaintext|CryptoRC4, PolicyEnabled)
	require.NoError(t, err)
	assert.Equal(t, CryptoRC4, m)

	m, err = SelectMethod(CryptoPlaintext, PolicyEnabled)
	require.NoError(t, err)
	assert.Equal(t, CryptoPlaintext, m)

	_, err = SelectMethod(CryptoPlaintext, PolicyForced)
	assert.ErrorIs(t, err, ErrNoCommonMethod)

	_, err = SelectMethod(0, PolicyEnabled)
	assert.ErrorIs(t, err, ErrNoCommonMethod)
}
