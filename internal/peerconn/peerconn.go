// Package peerconn drives the per-connection wire-protocol state machine:
// framing, validation and the read/write goroutines for one peer. It is
// deliberately ignorant of choke/interest bookkeeping and piece
// selection — that lives one layer up in internal/peer and the torrent
// orchestrator.
package peerconn

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	diodes "code.cloudfoundry.org/go-diodes"
	"golang.org/x/time/rate"

	"github.com/cenkalti/goridge/internal/bitfield"
	"github.com/cenkalti/goridge/internal/logger"
	"github.com/cenkalti/goridge/internal/peerprotocol"
)

// Limits referenced by the reader's frame validation.
const (
	keepAliveInterval = 2 * time.Minute
	idleTimeout       = 3 * time.Minute
	outboundQueueSize = 256
)

var (
	ErrOversizeFrame    = errors.New("peerconn: frame exceeds size limit")
	ErrUnknownHave      = errors.New("peerconn: have index out of range")
	ErrBadBitfieldLen   = errors.New("peerconn: bitfield has wrong length")
	ErrUnsolicitedPiece = errors.New("peerconn: piece block was never requested")
	ErrBadRequest       = errors.New("peerconn: request for piece we don't advertise")
)

// PieceMessage pairs the wire header with its (separately streamed)
// block payload.
type PieceMessage struct {
	peerprotocol.PieceMessage
	Data []byte
}

// Conn is one peer's raw, framed wire connection. Higher layers read
// decoded messages from Messages()/Pieces() and write via SendMessage.
type Conn struct {
	conn          net.Conn
	id            [20]byte
	FastExtension bool
	ExtensionIDs  map[string]int // negotiated ut_pex/ut_metadata/lt_donthave ids, keyed by name

	br *bufio.Reader
	bw *bufio.Writer

	messages  chan interface{}
	pieces    chan PieceMessage
	outboundD *diodes.OneToOne
	outbound  *diodes.Poller

	log logger.Logger

	maxPieceFrameLen uint32 // piece_length + overhead, enforced by the reader

	// pieceCount is 0 until the torrent's metadata is known (magnet phase).
	// While 0, Have/Bitfield/Request/Piece index and length validation is
	// relaxed since there's nothing yet to validate against; UpdatePieceCount
	// sets the real value once metadata arrives.
	pieceCount uint32

	// Engine-wide token buckets, shared across every connection; nil
	// means unlimited.
	downloadLimiter *rate.Limiter
	uploadLimiter   *rate.Limiter

	closeOnce sync.Once
	closeC    chan struct{}
	closedC   chan struct{}
	limCtx    context.Context
	limCancel context.CancelFunc

	lastSendAt   time.Time
	lastSendMu   sync.Mutex
	lastActivity time.Time
	activityMu   sync.Mutex
}

// New wraps conn (plain or already MSE-unwrapped) into a Conn ready to Run.
// extensions is the handshake's reserved-bit bitfield so FastExtension can
// be derived once, up front. maxPieceFrameLen may be 0 for a magnet
// download whose metadata hasn't arrived yet; 0 disables the ceiling on
// Piece frames, and UpdatePieceCount does not change it, so such a
// connection keeps no Piece frame ceiling for its lifetime.
func New(conn net.Conn, id [20]byte, extensions *bitfield.Bitfield, l logger.Logger, maxPieceFrameLen uint32, downloadLimiter, uploadLimiter *rate.Limiter) *Conn {
	fast := extensions != nil && extensions.Get(peerprotocol.ReservedBitFastExtension)
	d := diodes.NewOneToOne(outboundQueueSize, diodes.AlertFunc(func(missed int) {
		l.Warningf("peer outbound queue dropped %d messages", missed)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:             conn,
		id:               id,
		FastExtension:    fast,
		ExtensionIDs:     make(map[string]int),
		br:               bufio.NewReaderSize(conn, 64*1024),
		bw:               bufio.NewWriterSize(conn, 64*1024),
		messages:         make(chan interface{}, 64),
		pieces:           make(chan PieceMessage, 8),
		outboundD:        d,
		outbound:         diodes.NewPoller(d, diodes.WithPollingContext(ctx)),
		log:              l,
		maxPieceFrameLen: maxPieceFrameLen,
		downloadLimiter:  downloadLimiter,
		uploadLimiter:    uploadLimiter,
		closeC:           make(chan struct{}),
		closedC:          make(chan struct{}),
		limCtx:           ctx,
		limCancel:        cancel,
	}
	c.touch()
	c.markSent()
	return c
}

// UpdatePieceCount sets the real piece count once the torrent's metadata
// arrives (BEP 9). Safe to call concurrently with the reader goroutine; it
// takes effect on the next frame read.
func (c *Conn) UpdatePieceCount(n uint32) {
	atomic.StoreUint32(&c.pieceCount, n)
}

func (c *Conn) ID() [20]byte       { return c.id }
func (c *Conn) IP() string         { return c.conn.RemoteAddr().(*net.TCPAddr).IP.String() }
func (c *Conn) Addr() *net.TCPAddr { return c.conn.RemoteAddr().(*net.TCPAddr) }
func (c *Conn) String() string     { return c.conn.RemoteAddr().String() }
func (c *Conn) Logger() logger.Logger { return c.log }

// Messages returns the channel of decoded non-piece messages: the concrete
// types declared in peerprotocol (ChokeMessage, HaveMessage, ...) plus
// *peerprotocol.ExtensionHandshakeMessage-derived values decoded by Run.
func (c *Conn) Messages() <-chan interface{} { return c.messages }

// Pieces returns piece block arrivals, kept on a separate channel so the
// orchestrator can prioritize draining them.
func (c *Conn) Pieces() <-chan PieceMessage { return c.pieces }

// Done is closed once Run has fully torn down, letting upper layers
// abandon blocked hand-offs for a dead connection.
func (c *Conn) Done() <-chan struct{} { return c.closedC }

func (c *Conn) touch() {
	c.activityMu.Lock()
	c.lastActivity = time.Now()
	c.activityMu.Unlock()
}

func (c *Conn) idleFor() time.Duration {
	c.activityMu.Lock()
	defer c.activityMu.Unlock()
	return time.Since(c.lastActivity)
}

// SendMessage enqueues msg for the writer goroutine. Never blocks: under
// sustained backpressure the outbound diode drops the oldest queued
// message rather than stalling the single-threaded torrent loop that calls
// this.
func (c *Conn) SendMessage(m peerprotocol.Message) {
	c.outboundD.Set(diodes.GenericDataType(&frame{msg: m}))
}

// SendPiece queues a Piece response; data is referenced, not copied, so
// callers must not mutate it until it's been written.
func (c *Conn) SendPiece(req peerprotocol.RequestMessage, data []byte) {
	c.outboundD.Set(diodes.GenericDataType(&frame{
		msg:      peerprotocol.PieceMessage{Index: req.Index, Begin: req.Begin},
		pieceRaw: data,
	}))
}

type frame struct {
	msg       peerprotocol.Message
	pieceRaw  []byte // set only for Piece responses
	keepAlive bool   // zero-length frame enqueued by the keepalive ticker
}

// Close shuts down the connection and waits for the reader/writer
// goroutines to exit. Idempotent. Only valid once Run has been started;
// use CloseConn to drop a connection that never ran.
func (c *Conn) Close() {
	c.CloseConn()
	<-c.closedC
}

// CloseConn closes the socket without waiting for goroutine teardown,
// for connections rejected before Run (e.g. duplicate peer id).
func (c *Conn) CloseConn() {
	c.closeOnce.Do(func() {
		close(c.closeC)
		c.limCancel()
		_ = c.conn.Close()
	})
}

// Run starts the reader and writer loops and blocks until either exits or
// Close is called. pieceCount seeds the field used to validate Have/
// Bitfield/Request/Piece frames; pass 0 for a magnet download
// whose metadata hasn't arrived yet and call UpdatePieceCount once it has.
func (c *Conn) Run(pieceCount uint32) {
	defer close(c.closedC)

	atomic.StoreUint32(&c.pieceCount, pieceCount)

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		c.readLoop()
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop()
	}()

	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		c.keepAliveLoop()
	}()

	select {
	case <-c.closeC:
	case <-readerDone:
	case <-writerDone:
	}
	c.limCancel()
	_ = c.conn.Close()
	<-readerDone
	<-writerDone
	<-keepAliveDone
}

// keepAliveLoop enqueues a zero-length frame whenever nothing has been
// sent for keepAliveInterval, so idle connections aren't dropped by the
// remote's idle timer.
func (c *Conn) keepAliveLoop() {
	ticker := time.NewTicker(keepAliveInterval / 4)
	defer ticker.Stop()
	for {
		select {
		case <-c.limCtx.Done():
			return
		case <-ticker.C:
			c.lastSendMu.Lock()
			idle := time.Since(c.lastSendAt)
			c.lastSendMu.Unlock()
			if idle >= keepAliveInterval {
				c.outboundD.Set(diodes.GenericDataType(&frame{keepAlive: true}))
			}
		}
	}
}

func (c *Conn) readLoop() {
	defer close(c.messages)
	defer close(c.pieces)
	for {
		if err := c.conn.SetReadDeadline(time.Now().Add(idleTimeout)); err != nil {
			return
		}
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(c.br, lenBuf); err != nil {
			return
		}
		length := binary.BigEndian.Uint32(lenBuf)
		c.touch()
		if length == 0 {
			continue // keepalive
		}
		if c.maxPieceFrameLen > 0 && length > c.maxPieceFrameLen {
			c.log.Debugln("oversize frame:", length)
			return
		}
		idBuf := make([]byte, 1)
		if _, err := io.ReadFull(c.br, idBuf); err != nil {
			return
		}
		id := peerprotocol.MessageID(idBuf[0])
		payloadLen := int(length) - 1
		if id != peerprotocol.Piece && uint32(length) > peerprotocol.MaxNonPieceMessageLen {
			c.log.Debugln("oversize non-piece frame:", length)
			return
		}

		msg, err := c.readMessage(id, payloadLen, atomic.LoadUint32(&c.pieceCount))
		if err != nil {
			c.log.Debugln("bad message from peer:", err)
			return
		}
		if msg == nil {
			continue
		}
		select {
		case c.messages <- msg:
		case <-c.closeC:
			return
		}
	}
}

func (c *Conn) readMessage(id peerprotocol.MessageID, payloadLen int, pieceCount uint32) (interface{}, error) {
	switch id {
	case peerprotocol.Choke:
		return peerprotocol.NewChokeMessage(), skip(c.br, payloadLen)
	case peerprotocol.Unchoke:
		return peerprotocol.NewUnchokeMessage(), skip(c.br, payloadLen)
	case peerprotocol.Interested:
		return peerprotocol.NewInterestedMessage(), skip(c.br, payloadLen)
	case peerprotocol.NotInterested:
		return peerprotocol.NewNotInterestedMessage(), skip(c.br, payloadLen)
	case peerprotocol.HaveAll:
		return peerprotocol.NewHaveAllMessage(), skip(c.br, payloadLen)
	case peerprotocol.HaveNone:
		return peerprotocol.NewHaveNoneMessage(), skip(c.br, payloadLen)
	case peerprotocol.Have:
		idx, err := readUint32(c.br, payloadLen, 4)
		if err != nil {
			return nil, err
		}
		if pieceCount > 0 && idx >= pieceCount {
			return nil, ErrUnknownHave
		}
		return peerprotocol.HaveMessage{Index: idx}, nil
	case peerprotocol.SuggestPiece:
		idx, err := readUint32(c.br, payloadLen, 4)
		if err != nil {
			return nil, err
		}
		return peerprotocol.NewSuggestPieceMessage(idx), nil
	case peerprotocol.AllowedFast:
		idx, err := readUint32(c.br, payloadLen, 4)
		if err != nil {
			return nil, err
		}
		return peerprotocol.NewAllowedFastMessage(idx), nil
	case peerprotocol.Bitfield:
		// During the magnet phase (pieceCount == 0) the true piece count
		// isn't known yet, so any length is accepted as-is; the torrent
		// orchestrator re-validates once metadata arrives.
		if pieceCount > 0 {
			wantLen := int((pieceCount + 7) / 8)
			if payloadLen != wantLen {
				_ = skip(c.br, payloadLen)
				return nil, ErrBadBitfieldLen
			}
		}
		buf := make([]byte, payloadLen)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return nil, err
		}
		return peerprotocol.BitfieldMessage{Data: buf}, nil
	case peerprotocol.Request, peerprotocol.Cancel:
		buf := make([]byte, 12)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return nil, err
		}
		rm := peerprotocol.RequestMessage{
			Index:  binary.BigEndian.Uint32(buf[0:4]),
			Begin:  binary.BigEndian.Uint32(buf[4:8]),
			Length: binary.BigEndian.Uint32(buf[8:12]),
		}
		if pieceCount > 0 && rm.Index >= pieceCount {
			return nil, ErrBadRequest
		}
		if id == peerprotocol.Cancel {
			return peerprotocol.CancelMessage{RequestMessage: rm}, nil
		}
		return rm, nil
	case peerprotocol.RejectRequest:
		buf := make([]byte, 12)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return nil, err
		}
		return peerprotocol.RejectMessage{RequestMessage: peerprotocol.RequestMessage{
			Index:  binary.BigEndian.Uint32(buf[0:4]),
			Begin:  binary.BigEndian.Uint32(buf[4:8]),
			Length: binary.BigEndian.Uint32(buf[8:12]),
		}}, nil
	case peerprotocol.Port:
		buf := make([]byte, 2)
		if _, err := io.ReadFull(c.br, buf); err != nil {
			return nil, err
		}
		return peerprotocol.PortMessage{Port: binary.BigEndian.Uint16(buf)}, nil
	case peerprotocol.Piece:
		hdr := make([]byte, 8)
		if _, err := io.ReadFull(c.br, hdr); err != nil {
			return nil, err
		}
		index := binary.BigEndian.Uint32(hdr[0:4])
		begin := binary.BigEndian.Uint32(hdr[4:8])
		blockLen := payloadLen - 8
		if blockLen < 0 || (pieceCount > 0 && index >= pieceCount) {
			return nil, ErrUnsolicitedPiece
		}
		data := make([]byte, blockLen)
		if _, err := io.ReadFull(c.br, data); err != nil {
			return nil, err
		}
		if c.downloadLimiter != nil && blockLen > 0 {
			if err := c.downloadLimiter.WaitN(c.limCtx, blockLen); err != nil {
				return nil, errClosed
			}
		}
		select {
		case c.pieces <- PieceMessage{
			PieceMessage: peerprotocol.PieceMessage{Index: index, Begin: begin, Length: uint32(blockLen)},
			Data:         data,
		}:
		case <-c.closeC:
			return nil, errClosed
		}
		return nil, nil
	case peerprotocol.Extension:
		idByte := make([]byte, 1)
		if _, err := io.ReadFull(c.br, idByte); err != nil {
			return nil, err
		}
		body := make([]byte, payloadLen-1)
		if _, err := io.ReadFull(c.br, body); err != nil {
			return nil, err
		}
		return decodeExtension(peerprotocol.ExtensionMessageID(idByte[0]), body)
	default:
		return nil, skip(c.br, payloadLen)
	}
}

var errClosed = errors.New("peerconn: connection closing")

func skip(r io.Reader, n int) error {
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

func readUint32(r io.Reader, payloadLen, want int) (uint32, error) {
	if payloadLen != want {
		return 0, fmt.Errorf("peerconn: expected %d-byte payload, got %d", want, payloadLen)
	}
	buf := make([]byte, want)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf), nil
}

func (c *Conn) writeLoop() {
	for {
		d := c.outbound.Next()
		if d == nil {
			// Polling context cancelled; connection is closing.
			return
		}
		f := (*frame)(d)
		if err := c.writeFrame(f); err != nil {
			return
		}
		if err := c.bw.Flush(); err != nil {
			return
		}
		c.markSent()
	}
}

func (c *Conn) writeFrame(f *frame) error {
	if f.keepAlive {
		return peerprotocol.WriteKeepAlive(c.bw)
	}
	if f.pieceRaw != nil {
		if c.uploadLimiter != nil && len(f.pieceRaw) > 0 {
			if err := c.uploadLimiter.WaitN(c.limCtx, len(f.pieceRaw)); err != nil {
				return err
			}
		}
		pm := f.msg.(peerprotocol.PieceMessage)
		buf := make([]byte, 4+1+8)
		binary.BigEndian.PutUint32(buf[0:4], uint32(1+8+len(f.pieceRaw)))
		buf[4] = byte(peerprotocol.Piece)
		binary.BigEndian.PutUint32(buf[5:9], pm.Index)
		binary.BigEndian.PutUint32(buf[9:13], pm.Begin)
		if _, err := c.bw.Write(buf); err != nil {
			return err
		}
		_, err := c.bw.Write(f.pieceRaw)
		return err
	}
	return peerprotocol.WriteMessage(c.bw, f.msg)
}

func (c *Conn) markSent() {
	c.lastSendMu.Lock()
	c.lastSendAt = time.Now()
	c.lastSendMu.Unlock()
}

// IdleTimeout exposes idleTimeout for tests and the torrent loop's own
// watchdog.
func IdleTimeout() time.Duration { return idleTimeout }
