// Package mse implements Message Stream Encryption / Protocol Encryption
// (the de-facto Vuze/libtorrent scheme): a
// Diffie-Hellman key exchange over a 768-bit safe prime followed by
// RC4-drop1024 stream obfuscation, used to get past naive deep-packet
// inspection of the BitTorrent handshake.
//
// The DH and RC4 primitives come straight from the standard library
// (crypto/rc4, math/big, crypto/sha1).
package mse

import (
	"crypto/rand"
	"crypto/rc4"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"io"
	"math/big"
)

// Policy controls whether we require, allow, or refuse encrypted
// connections.
type Policy int

const (
	PolicyDisabled Policy = iota
	PolicyEnabled
	PolicyForced
)

// p is the 768-bit safe prime from the Vuze MSE spec; g is the
// conventional generator value 2.
var (
	p, _ = new(big.Int).SetString(
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E088A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE65381FFFFFFFFFFFFFFFF",
		16)
	g = big.NewInt(2)

	// VC is the 8-byte "verification constant" exchanged by both sides,
	// always all-zero per the MSE spec.
	vc = [8]byte{}
)

// CryptoMethod bitmask sent/received in crypto_provide / crypto_select.
type CryptoMethod uint32

const (
	CryptoPlaintext CryptoMethod = 1 << 0
	CryptoRC4       CryptoMethod = 1 << 1
)

// KeyPair is one side's ephemeral DH keypair.
type KeyPair struct {
	priv *big.Int
	Pub  *big.Int
}

// NewKeyPair generates a fresh 160-bit private exponent and its public
// value g^priv mod p, per the MSE spec's recommended exponent size.
func NewKeyPair() (*KeyPair, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	priv := new(big.Int).SetBytes(buf)
	pub := new(big.Int).Exp(g, priv, p)
	return &KeyPair{priv: priv, Pub: pub}, nil
}

// SharedSecret computes the DH shared secret from the peer's public value.
func (k *KeyPair) SharedSecret(peerPub *big.Int) []byte {
	s := new(big.Int).Exp(peerPub, k.priv, p)
	return fixedLen(s, 96)
}

func fixedLen(n *big.Int, length int) []byte {
	b := n.Bytes()
	if len(b) >= length {
		return b[len(b)-length:]
	}
	out := make([]byte, length)
	copy(out[length-len(b):], b)
	return out
}

// PubKeyBytes renders Pub as the fixed 96-byte big-endian value placed on
// the wire.
func (k *KeyPair) PubKeyBytes() []byte { return fixedLen(k.Pub, 96) }

// ReadPubKey parses a 96-byte DH public value from r.
func ReadPubKey(r io.Reader) (*big.Int, error) {
	buf := make([]byte, 96)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(buf), nil
}

// rc4Streams derives the two RC4-drop1024 keystreams from the shared
// secret, one per direction, keyed with "keyA"/"keyB" + skey (the
// torrent's info-hash) per the MSE spec section 2.
func rc4Streams(secret, skey []byte) (send, recv *rc4.Cipher, err error) {
	sendKey := sha1.Sum(append(append([]byte("keyA"), secret...), skey...))
	recvKey := sha1.Sum(append(append([]byte("keyB"), secret...), skey...))
	send, err = rc4.NewCipher(sendKey[:])
	if err != nil {
		return nil, nil, err
	}
	recv, err = rc4.NewCipher(recvKey[:])
	if err != nil {
		return nil, nil, err
	}
	drop1024(send)
	drop1024(recv)
	return send, recv, nil
}

func drop1024(c *rc4.Cipher) {
	var discard [1024]byte
	c.XORKeyStream(discard[:], discard[:])
}

// Stream wraps a connection in RC4 obfuscation once the handshake has
// negotiated CryptoRC4: a read and write keystream, each applied with
// XORKeyStream since RC4 is its own inverse.
type Stream struct {
	send, recv *rc4.Cipher
}

func NewStream(secret, skey []byte, initiator bool) (*Stream, error) {
	a, b, err := rc4Streams(secret, skey)
	if err != nil {
		return nil, err
	}
	if initiator {
		return &Stream{send: a, recv: b}, nil
	}
	return &Stream{send: b, recv: a}, nil
}

func (s *Stream) Encrypt(dst, src []byte) { s.send.XORKeyStream(dst, src) }
func (s *Stream) Decrypt(dst, src []byte) { s.recv.XORKeyStream(dst, src) }

// ErrNoCommonMethod is returned when crypto_provide/crypto_select share no
// bit.
var ErrNoCommonMethod = errors.New("mse: no common crypto method")

// SelectMethod picks the best mutually supported method, preferring RC4
// over plaintext when both sides allow it.
func SelectMethod(provide CryptoMethod, policy Policy) (CryptoMethod, error) {
	if policy == PolicyForced {
		if provide&CryptoRC4 != 0 {
			return CryptoRC4, nil
		}
		return 0, ErrNoCommonMethod
	}
	if provide&CryptoRC4 != 0 {
		return CryptoRC4, nil
	}
	if provide&CryptoPlaintext != 0 {
		return CryptoPlaintext, nil
	}
	return 0, ErrNoCommonMethod
}

// PadLen derives a pseudo-random padding length in [0, max) from the
// shared secret and a context label, matching the MSE spec's requirement
// that PadA/PadB/PadC lengths look random to an observer.
func PadLen(secret []byte, label string, max int) (int, error) {
	if max == 0 {
		return 0, nil
	}
	h := sha1.Sum(append([]byte(label), secret...))
	n := binary.BigEndian.Uint16(h[:2])
	return int(n) % max, nil
}

// RandomPad returns n random bytes for PadA/PadB filler.
func RandomPad(n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := rand.Read(buf)
	return buf, err
}

// VC returns the 8-byte verification constant both sides exchange in the
// clear once RC4'd, used to detect where one side's ciphertext framing
// begins inside the other's padding.
func VC() [8]byte { return vc }
