package mse

import (
	"crypto/rc4"
	"crypto/sha1" //nolint:gosec // mandated by the MSE spec, not a choice.
	"encoding/binary"
	"errors"
	"io"
	"time"
)

// Errors for distinct ways the exchange can fail. ErrTimeout is not
// returned by HandshakeOutgoing or HandshakeIncoming: an expired deadline
// surfaces as the connection's own timeout error from the failed read or
// write.
var (
	ErrTimeout       = errors.New("mse: handshake timed out")
	ErrSyncNotFound  = errors.New("mse: sync marker not found within scan cap")
	ErrBadVC         = errors.New("mse: verification constant mismatch")
	ErrUnknownHash   = errors.New("mse: unknown info-hash")
	ErrPeerRejected  = errors.New("mse: peer rejected crypto method")
)

const (
	maxPadLen  = 512
	syncCap    = 512 // hard cap on padding scanned for the sync marker
	keyLen     = 96
)

// deadlineConn is the net.Conn subset the handshake needs. Each handshake
// function sets a deadline of now+timeout on it when it starts and clears
// the deadline when it returns.
type deadlineConn interface {
	io.Reader
	io.Writer
	SetDeadline(time.Time) error
}

func hashOf(parts ...[]byte) [20]byte {
	h := sha1.New() //nolint:gosec
	for _, p := range parts {
		h.Write(p)
	}
	var out [20]byte
	copy(out[:], h.Sum(nil))
	return out
}

func xor20(a, b [20]byte) [20]byte {
	var out [20]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// HandshakeOutgoing performs the initiator side of the MSE handshake
//: DH
// exchange, req1/req2/req3 sync + encrypted crypto_provide, then locate and
// decode the responder's crypto_select. Returns a Stream ready to wrap the
// connection plus the negotiated method.
func HandshakeOutgoing(rw deadlineConn, infoHash [20]byte, timeout time.Duration) (*Stream, CryptoMethod, error) {
	if err := rw.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, 0, err
	}
	defer rw.SetDeadline(time.Time{}) //nolint:errcheck

	kp, err := NewKeyPair()
	if err != nil {
		return nil, 0, err
	}
	padALen, err := PadLen(kp.Pub.Bytes(), "padA", maxPadLen)
	if err != nil {
		return nil, 0, err
	}
	padA, err := RandomPad(padALen)
	if err != nil {
		return nil, 0, err
	}
	if _, err := rw.Write(append(kp.PubKeyBytes(), padA...)); err != nil {
		return nil, 0, err
	}

	peerPub, err := ReadPubKey(rw)
	if err != nil {
		return nil, 0, err
	}
	secret := kp.SharedSecret(peerPub)

	req1 := hashOf([]byte("req1"), secret)
	req2 := hashOf([]byte("req2"), infoHash[:])
	req3 := hashOf([]byte("req3"), secret)
	obfuscated := xor20(req2, req3)

	stream, err := NewStream(secret, infoHash[:], true)
	if err != nil {
		return nil, 0, err
	}

	provide := CryptoPlaintext | CryptoRC4
	vcBytes := VC()
	plain := make([]byte, 0, 8+4+2+2)
	plain = append(plain, vcBytes[:]...)
	var provideBuf [4]byte
	binary.BigEndian.PutUint32(provideBuf[:], uint32(provide))
	plain = append(plain, provideBuf[:]...)

	padCLen, err := PadLen(secret, "padC", maxPadLen)
	if err != nil {
		return nil, 0, err
	}
	padC, err := RandomPad(padCLen)
	if err != nil {
		return nil, 0, err
	}
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(padCLen))
	plain = append(plain, lenBuf[:]...)
	plain = append(plain, padC...)
	binary.BigEndian.PutUint16(lenBuf[:], 0) // no initial payload (IA)
	plain = append(plain, lenBuf[:]...)

	encrypted := make([]byte, len(plain))
	stream.Encrypt(encrypted, plain)

	out := make([]byte, 0, 40+len(encrypted))
	out = append(out, req1[:]...)
	out = append(out, obfuscated[:]...)
	out = append(out, encrypted...)
	if _, err := rw.Write(out); err != nil {
		return nil, 0, err
	}

	method, err := readOutgoingReply(rw, secret, infoHash, stream)
	if err != nil {
		return nil, 0, err
	}
	return stream, method, nil
}

// readOutgoingReply scans up to syncCap bytes of unknown-length padding
// following the responder's pubkey for the start of its encrypted VC
// (all-zero) marker. The responder's RC4 stream begins exactly at the
// VC, so every candidate offset is probed with a fresh keystream; the
// probe cipher is promoted to the live stream once the marker confirms
// where encryption actually begins.
func readOutgoingReply(rw deadlineConn, secret []byte, infoHash [20]byte, stream *Stream) (CryptoMethod, error) {
	raw := make([]byte, 0, syncCap+8)
	buf := make([]byte, 1)
	for len(raw) < syncCap+8 {
		if _, err := io.ReadFull(rw, buf); err != nil {
			return 0, err
		}
		raw = append(raw, buf[0])
		if len(raw) < 8 {
			continue
		}
		offset := len(raw) - 8
		trial, err := trialRecvCipher(secret, infoHash[:], true)
		if err != nil {
			return 0, err
		}
		candidate := make([]byte, 8)
		trial.XORKeyStream(candidate, raw[offset:])
		if allZero(candidate) {
			rest := make([]byte, 4+2)
			if _, err := io.ReadFull(rw, rest); err != nil {
				return 0, err
			}
			plain := make([]byte, len(rest))
			trial.XORKeyStream(plain, rest)
			method := CryptoMethod(binary.BigEndian.Uint32(plain[0:4]))
			padDLen := binary.BigEndian.Uint16(plain[4:6])
			if padDLen > 0 {
				pad := make([]byte, padDLen)
				if _, err := io.ReadFull(rw, pad); err != nil {
					return 0, err
				}
				trial.XORKeyStream(pad, pad)
			}
			// stream.recv must continue exactly where trial is now, so later
			// Conn traffic decrypts correctly: trial becomes the live cipher.
			stream.recv = trial
			if method == 0 {
				return 0, ErrPeerRejected
			}
			return method, nil
		}
	}
	return 0, ErrSyncNotFound
}

// trialRecvCipher rebuilds the receive-direction keystream from scratch, so
// a candidate sync offset can be probed by discarding bytes on a disposable
// cipher instead of consuming the real stream's keystream speculatively.
func trialRecvCipher(secret, skey []byte, initiator bool) (*rc4.Cipher, error) {
	a, b, err := rc4Streams(secret, skey)
	if err != nil {
		return nil, err
	}
	if initiator {
		return b, nil
	}
	return a, nil
}

func allZero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}

// HandshakeIncoming performs the responder side: reads
// the initiator's pubkey+pad, searches for the req1 sync marker, recovers
// the info-hash via resolveInfoHash, validates crypto_provide, and replies
// with crypto_select. The returned ia slice is the initiator's initial
// payload (typically the start of its BT handshake), already decrypted;
// callers must feed it to the wire-protocol parser before reading more
// bytes off the connection.
func HandshakeIncoming(rw deadlineConn, resolveInfoHash func(req2 [20]byte) ([20]byte, bool), policy Policy, timeout time.Duration) (stream *Stream, infoHash [20]byte, method CryptoMethod, ia []byte, err error) {
	if err = rw.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, infoHash, 0, nil, err
	}
	defer rw.SetDeadline(time.Time{}) //nolint:errcheck

	kp, err := NewKeyPair()
	if err != nil {
		return nil, infoHash, 0, nil, err
	}

	peerPub, err := ReadPubKey(rw)
	if err != nil {
		return nil, infoHash, 0, nil, err
	}
	secret := kp.SharedSecret(peerPub)

	padBLen, err := PadLen(secret, "padB", maxPadLen)
	if err != nil {
		return nil, infoHash, 0, nil, err
	}
	padB, err := RandomPad(padBLen)
	if err != nil {
		return nil, infoHash, 0, nil, err
	}
	// Our half of the DH exchange goes out as soon as we know the secret;
	// the initiator doesn't wait for it before sending its own req1/req2/req3
	// message, so there's no reply to piece together here.
	if _, err = rw.Write(append(kp.PubKeyBytes(), padB...)); err != nil {
		return nil, infoHash, 0, nil, err
	}

	req1 := hashOf([]byte("req1"), secret)
	if err = scanForSync(rw, req1); err != nil {
		return nil, infoHash, 0, nil, err
	}

	req3 := hashOf([]byte("req3"), secret)
	obfuscated := make([]byte, 20)
	if _, err = io.ReadFull(rw, obfuscated); err != nil {
		return nil, infoHash, 0, nil, err
	}
	var obf20 [20]byte
	copy(obf20[:], obfuscated)
	req2 := xor20(obf20, req3)
	infoHash, ok := resolveInfoHash(req2)
	if !ok {
		return nil, infoHash, 0, nil, ErrUnknownHash
	}

	stream, err = NewStream(secret, infoHash[:], false)
	if err != nil {
		return nil, infoHash, 0, nil, err
	}

	header := make([]byte, 8+4+2)
	if _, err = io.ReadFull(rw, header); err != nil {
		return nil, infoHash, 0, nil, err
	}
	plainHeader := make([]byte, len(header))
	stream.Decrypt(plainHeader, header)
	if !allZero(plainHeader[:8]) {
		return nil, infoHash, 0, nil, ErrBadVC
	}
	provide := CryptoMethod(binary.BigEndian.Uint32(plainHeader[8:12]))
	padCLen := binary.BigEndian.Uint16(plainHeader[12:14])
	if padCLen > 0 {
		padC := make([]byte, padCLen)
		if _, err = io.ReadFull(rw, padC); err != nil {
			return nil, infoHash, 0, nil, err
		}
		plainPadC := make([]byte, padCLen)
		stream.Decrypt(plainPadC, padC)
	}
	iaLenBuf := make([]byte, 2)
	if _, err = io.ReadFull(rw, iaLenBuf); err != nil {
		return nil, infoHash, 0, nil, err
	}
	plainIALen := make([]byte, 2)
	stream.Decrypt(plainIALen, iaLenBuf)
	iaLen := binary.BigEndian.Uint16(plainIALen)
	if iaLen > 0 {
		ia = make([]byte, iaLen)
		if _, err = io.ReadFull(rw, ia); err != nil {
			return nil, infoHash, 0, nil, err
		}
		stream.Decrypt(ia, ia)
	}

	method, err = SelectMethod(provide, policy)
	if err != nil {
		return nil, infoHash, 0, nil, err
	}

	vcBytes := VC()
	reply := make([]byte, 0, 8+4+2)
	reply = append(reply, vcBytes[:]...)
	var mbuf [4]byte
	binary.BigEndian.PutUint32(mbuf[:], uint32(method))
	reply = append(reply, mbuf[:]...)
	padDLen, err := PadLen(secret, "padD", maxPadLen)
	if err != nil {
		return nil, infoHash, 0, nil, err
	}
	padD, err := RandomPad(padDLen)
	if err != nil {
		return nil, infoHash, 0, nil, err
	}
	var lbuf [2]byte
	binary.BigEndian.PutUint16(lbuf[:], uint16(padDLen))
	reply = append(reply, lbuf[:]...)
	reply = append(reply, padD...)

	encrypted := make([]byte, len(reply))
	stream.Encrypt(encrypted, reply)
	if _, err = rw.Write(encrypted); err != nil {
		return nil, infoHash, 0, nil, err
	}
	return stream, infoHash, method, ia, nil
}

// HashSKey derives the stream-selector hash ("req2" label) for an
// info-hash; responders index their known torrents by this value to
// answer initiators without revealing which hashes they serve.
func HashSKey(infoHash []byte) [20]byte {
	return hashOf([]byte("req2"), infoHash)
}

// scanForSync reads byte by byte looking for marker, capped at syncCap
// bytes of preceding padding.
func scanForSync(r io.Reader, marker [20]byte) error {
	window := make([]byte, 0, len(marker))
	buf := make([]byte, 1)
	for scanned := 0; scanned < syncCap+len(marker); scanned++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return err
		}
		window = append(window, buf[0])
		if len(window) > len(marker) {
			window = window[1:]
		}
		if len(window) == len(marker) && string(window) == string(marker[:]) {
			return nil
		}
	}
	return ErrSyncNotFound
}
