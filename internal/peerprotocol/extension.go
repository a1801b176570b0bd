package peerprotocol

import (
	"net"

	"github.com/cenkalti/goridge/internal/bencode"
)

// ExtensionMessageID identifies a sub-message within the BEP 10 extension
// envelope (the byte following the Extension message's own id byte).
type ExtensionMessageID byte

// ExtensionIDHandshake is reserved: extended message id 0 is always the
// handshake, never negotiated through the "m" dictionary.
const ExtensionIDHandshake ExtensionMessageID = 0

// Extension names negotiated in the "m" dictionary of the extended
// handshake.
const (
	ExtensionKeyMetadata = "ut_metadata"
	ExtensionKeyPEX      = "ut_pex"
	ExtensionKeyDontHave = "lt_donthave"
)

// ExtensionMessage is the Extension (id 20) envelope: one more id byte
// identifying the sub-protocol, then a bencoded (or for ut_metadata,
// bencode+raw-bytes) payload.
type ExtensionMessage struct {
	ExtendedMessageID ExtensionMessageID
	Ext               interface{ MarshalExtension() ([]byte, error) }
}

func (m ExtensionMessage) ID() MessageID { return Extension }

// Payload implements Message: the extended-id byte followed by the
// sub-message's own encoding.
func (m ExtensionMessage) Payload() []byte {
	b, _ := m.Ext.MarshalExtension()
	out := make([]byte, 1+len(b))
	out[0] = byte(m.ExtendedMessageID)
	copy(out[1:], b)
	return out
}

// bencodePayload implements the common case where Payload is just the
// bencoding of a struct.
type bencodePayload struct{ v interface{} }

func (p bencodePayload) MarshalExtension() ([]byte, error) { return bencode.Marshal(p.v) }

// ExtensionHandshakeMessage is extended message id 0: the capability
// dictionary exchanged right after the BT handshake.
type ExtensionHandshakeMessage struct {
	M            map[string]int `bencode:"m"`
	V            string         `bencode:"v,omitempty"`
	YourIP       string         `bencode:"yourip,omitempty"`
	MetadataSize uint32         `bencode:"metadata_size,omitempty"`
	Port         uint16         `bencode:"p,omitempty"`
}

// NewExtensionHandshake builds the dictionary we send to every peer right
// after the BT handshake, advertising the sub-extensions we support.
func NewExtensionHandshake(metadataSize uint32, clientVersion string, yourIP net.IP) ExtensionMessage {
	m := map[string]int{
		ExtensionKeyMetadata: 1,
		ExtensionKeyPEX:      2,
		ExtensionKeyDontHave: 3,
	}
	hs := ExtensionHandshakeMessage{
		M:            m,
		V:            clientVersion,
		MetadataSize: metadataSize,
	}
	if yourIP != nil {
		hs.YourIP = string(yourIP.To4())
		if hs.YourIP == "" {
			hs.YourIP = string(yourIP.To16())
		}
	}
	return ExtensionMessage{
		ExtendedMessageID: ExtensionIDHandshake,
		Ext:               bencodePayload{hs},
	}
}

// ExtensionMetadataMessageType values for ut_metadata (BEP 9).
const (
	ExtensionMetadataMessageTypeRequest = 0
	ExtensionMetadataMessageTypeData    = 1
	ExtensionMetadataMessageTypeReject  = 2
)

// ExtensionMetadataMessage is the ut_metadata sub-message. For Data
// messages the piece bytes follow the bencoded dict on the wire; callers
// read them separately (see peerconn reader), mirroring PieceMessage.
type ExtensionMetadataMessage struct {
	Type      int `bencode:"msg_type"`
	Piece     uint32 `bencode:"piece"`
	TotalSize int    `bencode:"total_size,omitempty"`
}

func (m ExtensionMetadataMessage) MarshalExtension() ([]byte, error) { return bencode.Marshal(m) }

// ExtensionPEXMessage is the ut_pex sub-message. IPv4 entries are 6-byte
// compact peers; IPv6 entries ("added6"/"dropped6") are 18-byte compact
// records, never the IPv4 width.
type ExtensionPEXMessage struct {
	Added    string `bencode:"added"`
	AddedF   string `bencode:"added.f,omitempty"`
	Dropped  string `bencode:"dropped"`
	Added6   string `bencode:"added6"`
	Added6F  string `bencode:"added6.f,omitempty"`
	Dropped6 string `bencode:"dropped6"`
}

func (m ExtensionPEXMessage) MarshalExtension() ([]byte, error) { return bencode.Marshal(m) }

// ExtensionDontHaveMessage (lt_donthave) tells a peer we evicted a
// previously-announced piece (e.g. selective download changed).
type ExtensionDontHaveMessage struct {
	Index uint32 `bencode:"index"`
}

func (m ExtensionDontHaveMessage) MarshalExtension() ([]byte, error) { return bencode.Marshal(m) }
