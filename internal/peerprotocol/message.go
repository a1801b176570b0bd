package peerprotocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// MessageID is the single byte following the 4-byte length prefix of every
// non-keepalive message.
type MessageID byte

// Core message ids (BEP 3) plus the Fast Extension (BEP 6) and the
// Extension Protocol (BEP 10) envelope id.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9

	// BEP 6 Fast Extension.
	SuggestPiece   MessageID = 13
	HaveAll        MessageID = 14
	HaveNone       MessageID = 15
	RejectRequest  MessageID = 16
	AllowedFast    MessageID = 17

	Extension MessageID = 20
)

// MaxNonPieceMessageLen is the hard ceiling for any frame other than
// Piece.
const MaxNonPieceMessageLen = 1 << 20

// BlockSize is the standard request/piece block length (16 KiB, spec
// Glossary "Block").
const BlockSize = 16 * 1024

// PieceMessageOverhead accounts for the index+begin fields that precede a
// Piece message's payload, used to compute the max allowed frame length for
// Piece messages: pieceLength + overhead + 1 for the message id byte.
const PieceMessageOverhead = 8

// Message is anything that can be framed and written to a peer connection.
type Message interface {
	ID() MessageID
	// Payload returns the encoded message body, NOT including the 4-byte
	// length prefix or the id byte.
	Payload() []byte
}

// WriteMessage frames and writes m to w: length prefix, id byte, payload.
func WriteMessage(w io.Writer, m Message) error {
	p := m.Payload()
	buf := make([]byte, 4+1+len(p))
	binary.BigEndian.PutUint32(buf[0:4], uint32(1+len(p)))
	buf[4] = byte(m.ID())
	copy(buf[5:], p)
	_, err := w.Write(buf)
	return err
}

// WriteKeepAlive writes a zero-length keepalive frame.
func WriteKeepAlive(w io.Writer) error {
	_, err := w.Write([]byte{0, 0, 0, 0})
	return err
}

type simple struct {
	id MessageID
}

func (s simple) ID() MessageID   { return s.id }
func (s simple) Payload() []byte { return nil }

// ChokeMessage, UnchokeMessage, InterestedMessage, NotInterestedMessage,
// HaveAllMessage and HaveNoneMessage carry no payload.
type (
	ChokeMessage         struct{ simple }
	UnchokeMessage       struct{ simple }
	InterestedMessage    struct{ simple }
	NotInterestedMessage struct{ simple }
	HaveAllMessage       struct{ simple }
	HaveNoneMessage      struct{ simple }
)

func NewChokeMessage() ChokeMessage         { return ChokeMessage{simple{Choke}} }
func NewUnchokeMessage() UnchokeMessage     { return UnchokeMessage{simple{Unchoke}} }
func NewInterestedMessage() InterestedMessage { return InterestedMessage{simple{Interested}} }
func NewNotInterestedMessage() NotInterestedMessage {
	return NotInterestedMessage{simple{NotInterested}}
}
func NewHaveAllMessage() HaveAllMessage   { return HaveAllMessage{simple{HaveAll}} }
func NewHaveNoneMessage() HaveNoneMessage { return HaveNoneMessage{simple{HaveNone}} }

// HaveMessage announces we finished downloading and verifying piece Index.
type HaveMessage struct{ Index uint32 }

func (m HaveMessage) ID() MessageID { return Have }
func (m HaveMessage) Payload() []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, m.Index)
	return b
}

// SuggestPieceMessage / AllowedFastMessage carry a single piece index, like
// Have, but with fast-extension semantics.
type (
	SuggestPieceMessage struct{ HaveMessage }
	AllowedFastMessage  struct{ HaveMessage }
)

func NewSuggestPieceMessage(i uint32) SuggestPieceMessage {
	return SuggestPieceMessage{HaveMessage{i}}
}
func (m SuggestPieceMessage) ID() MessageID { return SuggestPiece }

func NewAllowedFastMessage(i uint32) AllowedFastMessage { return AllowedFastMessage{HaveMessage{i}} }
func (m AllowedFastMessage) ID() MessageID               { return AllowedFast }

// BitfieldMessage carries our (or a peer's) packed piece-completion bitmap.
type BitfieldMessage struct{ Data []byte }

func (m BitfieldMessage) ID() MessageID   { return Bitfield }
func (m BitfieldMessage) Payload() []byte { return m.Data }

// RequestMessage asks a peer for a block; CancelMessage withdraws a
// previous Request. Both share the same wire shape.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (m RequestMessage) ID() MessageID { return Request }
func (m RequestMessage) Payload() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	binary.BigEndian.PutUint32(b[8:12], m.Length)
	return b
}

type CancelMessage struct{ RequestMessage }

func (m CancelMessage) ID() MessageID { return Cancel }

// RejectMessage is the fast-extension reply to a Request the peer will not
// honor.
type RejectMessage struct{ RequestMessage }

func (m RejectMessage) ID() MessageID { return RejectRequest }

// PieceMessage is the header of a Piece message; the block payload itself
// is read separately by the caller to avoid an extra buffer copy for
// large blocks.
type PieceMessage struct {
	Index, Begin uint32
	Length       uint32 // length of the block that follows, not part of the wire header
}

func (m PieceMessage) ID() MessageID { return Piece }
func (m PieceMessage) Payload() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint32(b[0:4], m.Index)
	binary.BigEndian.PutUint32(b[4:8], m.Begin)
	return b
}

// PortMessage advertises our DHT UDP port (BEP 5).
type PortMessage struct{ Port uint16 }

func (m PortMessage) ID() MessageID { return Port }
func (m PortMessage) Payload() []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, m.Port)
	return b
}

// ErrInvalidLength is returned when a frame declares an implausible length.
var ErrInvalidLength = errors.New("peerprotocol: invalid message length")
