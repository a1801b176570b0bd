// Package udptracker implements the UDP tracker protocol, BEP 15: a
// connect handshake producing a short-lived connection id, then
// announce/scrape requests authenticated with that id. Retries follow
// BEP 15's schedule (15 * 2^n seconds, giving up after 8 tries).
package udptracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/goridge/internal/blocklist"
	"github.com/cenkalti/goridge/internal/tracker"
)

const (
	protocolID    uint64 = 0x41727101980
	actionConnect uint32 = 0
	actionAnnounce uint32 = 1
	actionScrape  uint32 = 2
	actionError   uint32 = 3

	connectionIDTTL = 1 * time.Minute
)

// Tracker is a BEP 15 UDP tracker client.
type Tracker struct {
	rawURL    string
	addr      string
	timeout   time.Duration
	blocklist *blocklist.Blocklist

	mu           sync.Mutex
	connID       uint64
	connIDSetAt  time.Time
}

// New resolves rawURL (udp://host:port/announce) into a Tracker.
func New(rawURL string, timeout time.Duration, bl *blocklist.Blocklist) (*Tracker, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	return &Tracker{rawURL: rawURL, addr: u.Host, timeout: timeout, blocklist: bl}, nil
}

func (t *Tracker) URL() string { return t.rawURL }

func transactionID() uint32 { return rand.Uint32() }

// roundTrip implements BEP 15's exponential-backoff retry: send, wait
// 15*2^n seconds for a reply, give up after 8 attempts.
func (t *Tracker) roundTrip(ctx context.Context, conn *net.UDPConn, payload []byte, minReplyLen int) ([]byte, error) {
	buf := make([]byte, 2048)
	for n := 0; n < 8; n++ {
		if _, err := conn.Write(payload); err != nil {
			return nil, err
		}
		timeout := 15 * time.Second * time.Duration(1<<uint(n))
		deadline := time.Now().Add(timeout)
		if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
			deadline = dl
		}
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		nread, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, err
		}
		if nread < minReplyLen {
			continue
		}
		return buf[:nread], nil
	}
	return nil, errors.New("udptracker: no response after retries")
}

func (t *Tracker) dial(ctx context.Context) (*net.UDPConn, error) {
	addr, err := net.ResolveUDPAddr("udp", t.addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (t *Tracker) connectionID(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	t.mu.Lock()
	if t.connID != 0 && time.Since(t.connIDSetAt) < connectionIDTTL {
		id := t.connID
		t.mu.Unlock()
		return id, nil
	}
	t.mu.Unlock()

	txID := transactionID()
	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], protocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := t.roundTrip(ctx, conn, req, 16)
	if err != nil {
		return 0, err
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action == actionError {
		return 0, fmt.Errorf("%w: %s", tracker.ErrTrackerFailure, string(resp[8:]))
	} else if action != actionConnect {
		return 0, tracker.ErrDecode
	}
	if binary.BigEndian.Uint32(resp[4:8]) != txID {
		return 0, errors.New("udptracker: transaction id mismatch")
	}
	connID := binary.BigEndian.Uint64(resp[8:16])

	t.mu.Lock()
	t.connID = connID
	t.connIDSetAt = time.Now()
	t.mu.Unlock()
	return connID, nil
}

// Announce performs the UDP connect+announce exchange.
func (t *Tracker) Announce(ctx context.Context, areq tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connectionID(ctx, conn)
	if err != nil {
		return nil, err
	}

	txID := transactionID()
	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], areq.InfoHash[:])
	copy(req[36:56], areq.PeerID[:])
	binary.BigEndian.PutUint64(req[56:64], uint64(areq.Downloaded))
	binary.BigEndian.PutUint64(req[64:72], uint64(areq.Left))
	binary.BigEndian.PutUint64(req[72:80], uint64(areq.Uploaded))
	binary.BigEndian.PutUint32(req[80:84], udpEvent(areq.Event))
	// ip address (0 = use source ip), key, num_want, port
	binary.BigEndian.PutUint32(req[84:88], 0)
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32())
	numWant := int32(areq.NumWant)
	if numWant == 0 {
		numWant = -1
	}
	binary.BigEndian.PutUint32(req[92:96], uint32(numWant))
	binary.BigEndian.PutUint16(req[96:98], uint16(areq.Port))

	resp, err := t.roundTrip(ctx, conn, req, 20)
	if err != nil {
		return nil, err
	}
	action := binary.BigEndian.Uint32(resp[0:4])
	if action == actionError {
		return nil, fmt.Errorf("%w: %s", tracker.ErrTrackerFailure, string(resp[8:]))
	}
	if action != actionAnnounce || binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, tracker.ErrDecode
	}
	interval := binary.BigEndian.Uint32(resp[8:12])
	leechers := int32(binary.BigEndian.Uint32(resp[12:16]))
	seeders := int32(binary.BigEndian.Uint32(resp[16:20]))

	var peers []*net.TCPAddr
	for i := 20; i+6 <= len(resp); i += 6 {
		ip := net.IP(append([]byte(nil), resp[i:i+4]...))
		port := binary.BigEndian.Uint16(resp[i+4 : i+6])
		if t.blocklist != nil && t.blocklist.Blocked(ip) {
			continue
		}
		peers = append(peers, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return &tracker.AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Peers:    peers,
		Leechers: leechers,
		Seeders:  seeders,
	}, nil
}

func udpEvent(e tracker.Event) uint32 {
	switch e {
	case tracker.EventCompleted:
		return 1
	case tracker.EventStarted:
		return 2
	case tracker.EventStopped:
		return 3
	default:
		return 0
	}
}

// Scrape always returns an error without contacting the tracker: the UDP
// scrape action needs an info-hash, and this type is per-tracker, not
// per-torrent. ScrapeInfoHash takes the info-hash as an argument.
func (t *Tracker) Scrape(ctx context.Context) (*tracker.ScrapeResponse, error) {
	return nil, errors.New("udptracker: scrape requires an info hash; use ScrapeInfoHash")
}

// ScrapeInfoHash is the UDP-specific scrape entry point (BEP 15's scrape
// action is keyed on the raw info-hash list, unlike HTTP's URL-rewrite
// convention).
func (t *Tracker) ScrapeInfoHash(ctx context.Context, infoHash [20]byte) (*tracker.ScrapeResponse, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	connID, err := t.connectionID(ctx, conn)
	if err != nil {
		return nil, err
	}
	txID := transactionID()
	req := make([]byte, 36)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionScrape)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], infoHash[:])

	resp, err := t.roundTrip(ctx, conn, req, 20)
	if err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(resp[0:4]) != actionScrape || binary.BigEndian.Uint32(resp[4:8]) != txID {
		return nil, tracker.ErrDecode
	}
	return &tracker.ScrapeResponse{
		Complete:   int32(binary.BigEndian.Uint32(resp[8:12])),
		Downloaded: int32(binary.BigEndian.Uint32(resp[12:16])),
		Incomplete: int32(binary.BigEndian.Uint32(resp[16:20])),
	}, nil
}
