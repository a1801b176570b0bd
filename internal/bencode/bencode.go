// Package bencode centralizes the wire codec used by .torrent files, HTTP
// tracker responses and extension-protocol payloads: a thin shim over
// github.com/zeebo/bencode, so every subsystem decodes/encodes the same
// way instead of each growing its own ad-hoc parser.
//
// zeebo/bencode decodes byte strings into Go strings without requiring
// valid UTF-8, which is required here: info dictionaries and KRPC node ids
// are arbitrary binary.
package bencode

import (
	"bytes"
	"io"

	"github.com/zeebo/bencode"
)

// RawMessage holds an undecoded bencoded value, e.g. the "info" entry of a
// .torrent file whose exact byte representation must be preserved to
// compute its SHA-1 info-hash.
type RawMessage = bencode.RawMessage

// Marshal returns the canonical bencoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return bencode.EncodeBytes(v)
}

// Unmarshal decodes bencoded data into v.
func Unmarshal(data []byte, v interface{}) error {
	return bencode.DecodeBytes(data, v)
}

// NewDecoder returns a streaming decoder, used by the tracker and metainfo
// readers so a whole response need not be buffered up front.
func NewDecoder(r io.Reader) *bencode.Decoder { return bencode.NewDecoder(r) }

// NewEncoder returns a streaming encoder.
func NewEncoder(w io.Writer) *bencode.Encoder { return bencode.NewEncoder(w) }

// EncodeToBytes is a convenience for the common case of serializing a
// value entirely in memory, matching Marshal's signature but reusing a
// pooled buffer when b has spare capacity.
func EncodeToBytes(b *bytes.Buffer, v interface{}) error {
	return bencode.NewEncoder(b).Encode(v)
}

// UnmarshalPartial decodes a single bencoded value from the front of data
// into v and reports how many bytes it consumed, leaving any trailing bytes
// (e.g. the raw block appended after a ut_metadata "data" dict) unparsed.
func UnmarshalPartial(data []byte, v interface{}) (n int, err error) {
	dec := bencode.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(v); err != nil {
		return 0, err
	}
	return dec.BytesParsed(), nil
}
