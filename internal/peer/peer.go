// Package peer tracks per-peer session state on top of a raw peerconn
// connection: choke/interest flags, snubbing, request timeouts and the
// goroutine that fans a peer's decoded messages into the torrent loop's
// channels.
package peer

import (
	"net"
	"time"

	"github.com/cenkalti/goridge/internal/peerconn"
	"github.com/cenkalti/goridge/internal/peerprotocol"
)

// PEXState is the minimal per-peer PEX bookkeeping the torrent loop
// touches directly (session/run.go pexAddPeer/pexDropPeer); the actual
// message construction lives in the torrent's PEX ticker.
type PEXState struct {
	added   map[string]*net.TCPAddr
	dropped map[string]*net.TCPAddr
}

func NewPEXState() *PEXState {
	return &PEXState{added: make(map[string]*net.TCPAddr), dropped: make(map[string]*net.TCPAddr)}
}

func (p *PEXState) Add(addr *net.TCPAddr) {
	delete(p.dropped, addr.String())
	p.added[addr.String()] = addr
}

func (p *PEXState) Drop(addr *net.TCPAddr) {
	delete(p.added, addr.String())
	p.dropped[addr.String()] = addr
}

// Flush returns and clears the accumulated added/dropped sets, called when
// it's time to send a ut_pex message.
func (p *PEXState) Flush() (added, dropped []*net.TCPAddr) {
	for _, a := range p.added {
		added = append(added, a)
	}
	for _, d := range p.dropped {
		dropped = append(dropped, d)
	}
	p.added = make(map[string]*net.TCPAddr)
	p.dropped = make(map[string]*net.TCPAddr)
	return added, dropped
}

// Message pairs a decoded non-piece message with the peer it came from,
// the shape the torrent loop's `messages` channel carries.
type Message struct {
	Peer    *Peer
	Message interface{}
}

// PieceMessage pairs a decoded piece block with its peer.
type PieceMessage struct {
	Peer    *Peer
	Message peerconn.PieceMessage
}

// Peer is one connected peer's session state, layered over its raw
// connection.
type Peer struct {
	Conn *peerconn.Conn

	FastExtension bool

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	// Downloading is true while a piecedownloader owns this peer.
	Downloading bool
	// Snubbed is true once the peer has been too slow on a request for
	// too long; the piece picker skips snubbed peers for new assignments.
	Snubbed bool

	// OptimisticUnchoked is true while this peer holds the current
	// optimistic-unchoke slot.
	OptimisticUnchoked bool
	// BytesUploadedInChokePeriod/BytesDownloadedInChokePeriod accumulate
	// since the last choke tick and are reset there; tickUnchoke ranks
	// peers by whichever applies (upload rate once we're a seed,
	// download rate otherwise).
	BytesUploadedInChokePeriod   int64
	BytesDownloadedInChokePeriod int64

	PEX *PEXState

	// ExtensionHandshake is the BEP 10 handshake this peer sent us,
	// recording which sub-extensions (and under what id) they support.
	// Nil until their handshake arrives.
	ExtensionHandshake *peerprotocol.ExtensionHandshakeMessage

	// AllowedFastPieces are the piece indices the peer granted us via
	// AllowedFast messages; requests for them survive a CHOKE (BEP 6).
	AllowedFastPieces map[uint32]struct{}

	// Messages queued while metadata (info dict) isn't known yet, so they
	// can be replayed once it arrives (session/run.go
	// processQueuedMessages).
	Messages []interface{}

	requestTimeout time.Duration

	closeOnce doOnce
}

type doOnce struct{ done bool }

func (o *doOnce) do(f func()) {
	if o.done {
		return
	}
	o.done = true
	f()
}

// New wraps conn into a fresh Peer, choked/not-interested by default per
// BEP 3's initial state.
func New(conn *peerconn.Conn, requestTimeout time.Duration) *Peer {
	return &Peer{
		Conn:              conn,
		FastExtension:     conn.FastExtension,
		AmChoking:         true,
		PeerChoking:       true,
		PEX:               NewPEXState(),
		AllowedFastPieces: make(map[uint32]struct{}),
		requestTimeout:    requestTimeout,
	}
}

func (p *Peer) ID() [20]byte          { return p.Conn.ID() }
func (p *Peer) Addr() *net.TCPAddr    { return p.Conn.Addr() }
func (p *Peer) String() string        { return p.Conn.String() }
func (p *Peer) SendMessage(m peerprotocol.Message) { p.Conn.SendMessage(m) }
func (p *Peer) CloseConn()            { p.Conn.Close() }

// Close tears down the connection, idempotently.
func (p *Peer) Close() {
	p.closeOnce.do(func() { p.Conn.Close() })
}

// Run fans the connection's decoded messages into messagesC/pieceMessagesC,
// watches for request timeouts (marking the peer snubbed on snubbedC),
// and reports disconnection on disconnectedC.
func (p *Peer) Run(messagesC chan Message, pieceMessagesC chan PieceMessage, snubbedC chan *Peer, disconnectedC chan *Peer) {
	defer func() { disconnectedC <- p }()

	snubTimer := time.NewTimer(p.requestTimeout)
	defer snubTimer.Stop()

	for {
		select {
		case m, ok := <-p.Conn.Messages():
			if !ok {
				return
			}
			select {
			case messagesC <- Message{Peer: p, Message: m}:
			case <-p.Conn.Done():
				return
			}
		case pm, ok := <-p.Conn.Pieces():
			if !ok {
				return
			}
			// Data is flowing; the peer isn't snubbing us.
			if !snubTimer.Stop() {
				select {
				case <-snubTimer.C:
				default:
				}
			}
			snubTimer.Reset(p.requestTimeout)
			select {
			case pieceMessagesC <- PieceMessage{Peer: p, Message: pm}:
			case <-p.Conn.Done():
				return
			}
		case <-snubTimer.C:
			snubTimer.Reset(p.requestTimeout)
			select {
			case snubbedC <- p:
			default:
			}
		}
	}
}
