package magnet

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testHashHex = "c12fe1c06bba254a9dc9f519b335aa7c1367a88a"

func TestParseHexInfoHash(t *testing.T) {
	m, err := New("magnet:?xt=urn:btih:" + testHashHex + "&dn=ubuntu.iso&tr=http%3A%2F%2Ftracker.example%2Fannounce")
	require.NoError(t, err)
	assert.Equal(t, testHashHex, hex.EncodeToString(m.InfoHash[:]))
	assert.Equal(t, "ubuntu.iso", m.Name)
	require.Len(t, m.Trackers, 1)
	assert.Equal(t, "http://tracker.example/announce", m.Trackers[0])
}

func TestParseBase32InfoHash(t *testing.T) {
	raw, err := hex.DecodeString(testHashHex)
	require.NoError(t, err)
	b32 := base32encode(raw)
	m, err := New("magnet:?xt=urn:btih:" + b32)
	require.NoError(t, err)
	assert.Equal(t, testHashHex, hex.EncodeToString(m.InfoHash[:]))
}

func base32encode(b []byte) string {
	const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	// 20 bytes encode to exactly 32 base32 chars, no padding.
	var sb strings.Builder
	var acc uint
	var bits uint
	for _, by := range b {
		acc = acc<<8 | uint(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(alphabet[(acc>>bits)&31])
		}
	}
	return sb.String()
}

func TestRejectInvalid(t *testing.T) {
	cases := []string{
		"http://not-magnet",
		"magnet:?dn=missing-xt",
		"magnet:?xt=urn:btih:tooshort",
	}
	for _, c := range cases {
		_, err := New(c)
		assert.Error(t, err, c)
	}
}

func TestStringRoundTrip(t *testing.T) {
	m, err := New("magnet:?xt=urn:btih:" + testHashHex + "&dn=x&tr=udp%3A%2F%2Ft.example%3A1337")
	require.NoError(t, err)
	m2, err := New(m.String())
	require.NoError(t, err)
	assert.Equal(t, m.InfoHash, m2.InfoHash)
	assert.Equal(t, m.Name, m2.Name)
	assert.Equal(t, m.Trackers, m2.Trackers)
}
