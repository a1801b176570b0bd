package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Canonical inputs must survive a decode/encode round trip byte-for-byte
// — the invariant the info-hash computation depends on.
func TestCanonicalRoundTrip(t *testing.T) {
	inputs := []string{
		"i42e",
		"i-7e",
		"4:spam",
		"0:",
		"l4:spami42ee",
		"d3:bar4:spam3:fooi42ee",
		"d4:infod6:lengthi1024e4:name4:file12:piece lengthi256eee",
	}
	for _, in := range inputs {
		var v interface{}
		require.NoError(t, Unmarshal([]byte(in), &v), in)
		out, err := Marshal(v)
		require.NoError(t, err, in)
		assert.Equal(t, in, string(out))
	}
}

func TestBinaryStringsSurvive(t *testing.T) {
	// Byte strings are arbitrary binary, never validated as UTF-8.
	raw := append([]byte("3:"), 0xFF, 0x00, 0xFE)
	var v string
	require.NoError(t, Unmarshal(raw, &v))
	assert.Equal(t, []byte{0xFF, 0x00, 0xFE}, []byte(v))
}

func TestUnmarshalPartial(t *testing.T) {
	payload := append([]byte("d5:piecei0e8:msg_typei1ee"), []byte("RAWBLOCK")...)
	var m struct {
		Piece   int `bencode:"piece"`
		MsgType int `bencode:"msg_type"`
	}
	n, err := UnmarshalPartial(payload, &m)
	require.NoError(t, err)
	assert.Equal(t, 1, m.MsgType)
	assert.Equal(t, "RAWBLOCK", string(payload[n:]))
}

func TestRawMessagePreserved(t *testing.T) {
	var top struct {
		Info RawMessage `bencode:"info"`
	}
	in := "d4:infod4:name1:xee"
	require.NoError(t, Unmarshal([]byte(in), &top))
	assert.Equal(t, "d4:name1:xe", string(top.Info))
}
