package dht

import (
	"errors"
	"fmt"

	"github.com/cenkalti/goridge/internal/bencode"
)

// KRPC message kinds ("y" values, BEP 5).
const (
	msgQuery    = "q"
	msgResponse = "r"
	msgError    = "e"
)

// Query method names.
const (
	methodPing         = "ping"
	methodFindNode     = "find_node"
	methodGetPeers     = "get_peers"
	methodAnnouncePeer = "announce_peer"
)

// clientVersion is the optional "v" field sent with every message.
const clientVersion = "GR01"

// queryArgs is the "a" dictionary of a query.
type queryArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
	Token       string `bencode:"token,omitempty"`
}

// responseArgs is the "r" dictionary of a response.
type responseArgs struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

// krpcError is the "e" value: a two-element list [code, message].
type krpcError struct {
	Code    int
	Message string
}

func (e *krpcError) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

func (e *krpcError) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]interface{}{int64(e.Code), e.Message})
}

func (e *krpcError) UnmarshalBencode(b []byte) error {
	var raw []interface{}
	if err := bencode.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return errors.New("dht: error value must have two elements")
	}
	code, ok := raw[0].(int64)
	if !ok {
		return errors.New("dht: error code is not an integer")
	}
	msg, ok := raw[1].(string)
	if !ok {
		return errors.New("dht: error message is not a string")
	}
	e.Code = int(code)
	e.Message = msg
	return nil
}

// message is one KRPC datagram.
type message struct {
	T string        `bencode:"t"`
	Y string        `bencode:"y"`
	Q string        `bencode:"q,omitempty"`
	A *queryArgs    `bencode:"a,omitempty"`
	R *responseArgs `bencode:"r,omitempty"`
	E *krpcError    `bencode:"e,omitempty"`
	V string        `bencode:"v,omitempty"`
}

func encodeMessage(m *message) ([]byte, error) { return bencode.Marshal(m) }

func decodeMessage(b []byte) (*message, error) {
	var m message
	if err := bencode.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m.T == "" || m.Y == "" {
		return nil, errors.New("dht: message missing t or y")
	}
	return &m, nil
}

func newPingQuery(t string, id NodeID) *message {
	return &message{T: t, Y: msgQuery, Q: methodPing, V: clientVersion, A: &queryArgs{ID: string(id[:])}}
}

func newFindNodeQuery(t string, id, target NodeID) *message {
	return &message{T: t, Y: msgQuery, Q: methodFindNode, V: clientVersion, A: &queryArgs{ID: string(id[:]), Target: string(target[:])}}
}

func newGetPeersQuery(t string, id NodeID, ih InfoHash) *message {
	return &message{T: t, Y: msgQuery, Q: methodGetPeers, V: clientVersion, A: &queryArgs{ID: string(id[:]), InfoHash: string(ih[:])}}
}

func newAnnouncePeerQuery(t string, id NodeID, ih InfoHash, port int, impliedPort bool, token []byte) *message {
	a := &queryArgs{ID: string(id[:]), InfoHash: string(ih[:]), Port: port, Token: string(token)}
	if impliedPort {
		a.ImpliedPort = 1
	}
	return &message{T: t, Y: msgQuery, Q: methodAnnouncePeer, V: clientVersion, A: a}
}

func newResponse(t string, id NodeID) *message {
	return &message{T: t, Y: msgResponse, V: clientVersion, R: &responseArgs{ID: string(id[:])}}
}

func newErrorReply(t string, code int, text string) *message {
	return &message{T: t, Y: msgError, V: clientVersion, E: &krpcError{Code: code, Message: text}}
}

// KRPC error codes (BEP 5).
const (
	errGeneric       = 201
	errProtocol      = 203
	errMethodUnknown = 204
)

// senderID extracts the remote node id from a query or response.
func (m *message) senderID() (NodeID, bool) {
	var raw string
	switch {
	case m.A != nil:
		raw = m.A.ID
	case m.R != nil:
		raw = m.R.ID
	}
	if len(raw) != 20 {
		return NodeID{}, false
	}
	var id NodeID
	copy(id[:], raw)
	return id, true
}
