package peerconn

import (
	"github.com/cenkalti/goridge/internal/bencode"
	"github.com/cenkalti/goridge/internal/peerprotocol"
)

// decodeExtension turns one BEP 10 sub-message into a typed value the
// orchestrator can switch on. The handshake and ut_metadata data messages
// carry trailing raw bytes beyond their bencoded dict; metadata piece data
// is handled by the caller via ExtensionMetadataPiece below.
func decodeExtension(id peerprotocol.ExtensionMessageID, body []byte) (interface{}, error) {
	if id == peerprotocol.ExtensionIDHandshake {
		var hs peerprotocol.ExtensionHandshakeMessage
		if err := bencode.Unmarshal(body, &hs); err != nil {
			return nil, err
		}
		return &hs, nil
	}
	// ut_metadata and ut_pex payloads are plain bencoded dicts; ut_metadata
	// Data messages have raw piece bytes appended after the dict, which we
	// split off here since the dict's bencode length tells us where it ends.
	var probe struct {
		MsgType *int `bencode:"msg_type"`
	}
	if err := bencode.Unmarshal(body, &probe); err == nil && probe.MsgType != nil {
		var m peerprotocol.ExtensionMetadataMessage
		n, err := bencode.UnmarshalPartial(body, &m)
		if err != nil {
			return nil, err
		}
		return &ExtensionMetadataPiece{
			ExtensionID: id,
			Message:     m,
			Data:        body[n:],
		}, nil
	}

	var pex peerprotocol.ExtensionPEXMessage
	if err := bencode.Unmarshal(body, &pex); err == nil {
		return &pex, nil
	}

	var dh peerprotocol.ExtensionDontHaveMessage
	if err := bencode.Unmarshal(body, &dh); err != nil {
		return nil, err
	}
	return &dh, nil
}

// ExtensionMetadataPiece is a decoded ut_metadata sub-message together with
// the raw metadata bytes that follow it on the wire (present only for
// msg_type == data, per BEP 9).
type ExtensionMetadataPiece struct {
	ExtensionID peerprotocol.ExtensionMessageID
	Message     peerprotocol.ExtensionMetadataMessage
	Data        []byte
}
