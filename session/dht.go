package session

import (
	"net"

	"github.com/cenkalti/goridge/internal/dht"
)

// dhtAnnouncer is the per-torrent handle onto the session-wide DHT node
// (one UDP socket serves every torrent). Announce enqueues a
// get_peers+announce cycle; the session's ticker drains the queue at
// one request per second so a hundred torrents don't burst the DHT all
// at once (session.handleDHTtick). Discovered peers come back through
// peersC via session.processDHTResults.
type dhtAnnouncer struct {
	session  *Session
	infoHash dht.InfoHash
	port     int
	peersC   chan []*net.TCPAddr
}

func newDHTAnnouncer(s *Session, infoHash []byte, port int) *dhtAnnouncer {
	return &dhtAnnouncer{
		session:  s,
		infoHash: dht.InfoHashFromBytes(infoHash),
		port:     port,
		peersC:   make(chan []*net.TCPAddr),
	}
}

// Announce queues this torrent for the next DHT peers-request tick.
func (d *dhtAnnouncer) Announce() {
	d.session.mPeerRequests.Lock()
	d.session.dhtPeerRequests[d.infoHash] = d.port
	d.session.mPeerRequests.Unlock()
}

// AddNode feeds a "host:port" learned from a peer's PORT message (BEP 5
// via BEP 3 message id 9) into the routing table.
func (d *dhtAnnouncer) AddNode(addr string) {
	d.session.dht.AddNode(addr)
}
