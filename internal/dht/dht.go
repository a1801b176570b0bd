// Package dht implements the BEP 5 distributed hash table: KRPC
// messages over UDP, a Kademlia routing table of k-buckets, announce
// tokens, a per-infohash peer store, and the iterative get_peers lookup
// that turns an info-hash into peer addresses without any tracker.
package dht

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"

	"github.com/cenkalti/goridge/internal/logger"
)

// bucketRefreshInterval is how long a bucket may go untouched before a
// random-id lookup refreshes it.
const bucketRefreshInterval = 15 * time.Minute

// PeersResult carries the peers one lookup found for one torrent.
type PeersResult struct {
	InfoHash InfoHash
	Peers    []*net.TCPAddr
}

// DHT is one node in the BitTorrent DHT. It serves incoming queries
// (ping, find_node, get_peers, announce_peer) and runs lookups for the
// torrents of this session.
type DHT struct {
	id      NodeID
	addr    string
	port    int
	routers []string
	log     logger.Logger

	conn net.PacketConn

	table  *RoutingTable
	tokens *tokenStore
	peers  *peerStore
	tm     *transactionManager

	// tableMu guards table: it is touched by the read loop, the timer
	// loop and lookup goroutines.
	tableMu sync.Mutex

	resultsC chan PeersResult

	closeOnce sync.Once
	closeC    chan struct{}
	readDone  chan struct{}
	timerDone chan struct{}
}

// New returns a DHT node (not yet bound) listening on addr:port once
// started, bootstrapping from routers ("host:port" strings).
func New(addr string, port int, routers []string, l logger.Logger) *DHT {
	id := RandomNodeID()
	return &DHT{
		id:        id,
		addr:      addr,
		port:      port,
		routers:   routers,
		log:       l,
		table:     NewRoutingTable(id),
		tokens:    newTokenStore(0),
		peers:     newPeerStore(),
		tm:        newTransactionManager(0),
		resultsC:  make(chan PeersResult, 8),
		closeC:    make(chan struct{}),
		readDone:  make(chan struct{}),
		timerDone: make(chan struct{}),
	}
}

// NodeID returns this node's identifier.
func (d *DHT) NodeID() NodeID { return d.id }

// Addr returns the bound UDP address, valid after Start.
func (d *DHT) Addr() net.Addr {
	if d.conn == nil {
		return nil
	}
	return d.conn.LocalAddr()
}

// Start binds the UDP socket and begins serving and bootstrapping.
func (d *DHT) Start() error {
	conn, err := reuseport.ListenPacket("udp4", fmt.Sprintf("%s:%d", d.addr, d.port))
	if err != nil {
		return err
	}
	d.conn = conn
	go d.readLoop()
	go d.timerLoop()
	go d.bootstrap()
	d.log.Infof("dht node listening on port %d", d.port)
	return nil
}

// Stop shuts the node down and waits for its loops to exit.
func (d *DHT) Stop() {
	d.closeOnce.Do(func() {
		close(d.closeC)
		if d.conn != nil {
			d.conn.Close()
		}
	})
	if d.conn != nil {
		<-d.readDone
		<-d.timerDone
	}
	// Unwind any lookup goroutine still waiting on a reply.
	d.tm.FailAll()
}

// PeersRequestResults delivers lookup results, one per requested
// torrent.
func (d *DHT) PeersRequestResults() <-chan PeersResult { return d.resultsC }

// PeersRequest runs a get_peers lookup for ih in the background,
// announcing our port afterwards when announce is set.
func (d *DHT) PeersRequest(ih InfoHash, announce bool, port int) {
	go d.findPeers(ih, announce, port)
}

// AddNode feeds a "host:port" address (e.g. from a PORT message) into
// the table by pinging it; the pong inserts it.
func (d *DHT) AddNode(addr string) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return
	}
	d.ping(udpAddr)
}

// readLoop parses and dispatches every datagram.
func (d *DHT) readLoop() {
	defer close(d.readDone)
	buf := make([]byte, 2048)
	for {
		n, raddr, err := d.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-d.closeC:
			default:
				d.log.Debugln("dht read error:", err)
			}
			return
		}
		udpAddr, ok := raddr.(*net.UDPAddr)
		if !ok {
			continue
		}
		msg, err := decodeMessage(buf[:n])
		if err != nil {
			continue
		}
		switch msg.Y {
		case msgQuery:
			d.handleQuery(msg, udpAddr)
		case msgResponse, msgError:
			if sender, ok := msg.senderID(); ok {
				d.seenNode(sender, udpAddr)
			}
			// Unknown transaction ids are dropped without a word.
			d.tm.Resolve(msg)
		}
	}
}

func (d *DHT) timerLoop() {
	defer close(d.timerDone)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var lastRefresh time.Time
	for {
		select {
		case <-d.closeC:
			return
		case now := <-ticker.C:
			d.tm.CheckTimeouts(now)
			d.tokens.maybeRotate(now)
			if now.Sub(lastRefresh) >= time.Minute {
				lastRefresh = now
				d.refreshStaleBuckets(now)
			}
		}
	}
}

func (d *DHT) refreshStaleBuckets(now time.Time) {
	d.tableMu.Lock()
	targets := d.table.StaleBuckets(bucketRefreshInterval, now)
	closest := make([][]*Node, len(targets))
	for i, target := range targets {
		closest[i] = d.table.Closest(target, alpha)
	}
	d.tableMu.Unlock()
	for i, target := range targets {
		for _, n := range closest[i] {
			d.sendQuery(n.Addr, newFindNodeQuery("", d.id, target), d.handleFoundNodes)
		}
	}
}

// bootstrap fills the empty table by asking the router nodes for
// ourselves.
func (d *DHT) bootstrap() {
	for _, r := range d.routers {
		udpAddr, err := net.ResolveUDPAddr("udp4", r)
		if err != nil {
			continue
		}
		d.sendQuery(udpAddr, newFindNodeQuery("", d.id, d.id), d.handleFoundNodes)
	}
}

// handleFoundNodes merges a find_node response into the table.
func (d *DHT) handleFoundNodes(msg *message, err error) {
	if err != nil || msg.R == nil {
		return
	}
	for _, n := range lastSeenNow(decodeCompactNodes([]byte(msg.R.Nodes), time.Now())) {
		d.insertNode(n)
	}
}

// seenNode records traffic from a node, inserting or refreshing it.
func (d *DHT) seenNode(id NodeID, addr *net.UDPAddr) {
	d.insertNode(&Node{ID: id, Addr: addr, LastSeen: time.Now()})
}

// insertNode runs the table admission rules; a full bucket with a
// questionable occupant triggers the ping-then-evict cycle.
func (d *DHT) insertNode(n *Node) {
	d.tableMu.Lock()
	result, oldest := d.table.Insert(n)
	d.tableMu.Unlock()
	if result != InsertPingOldest {
		return
	}
	d.sendQuery(oldest.Addr, newPingQuery("", d.id), func(msg *message, err error) {
		d.tableMu.Lock()
		defer d.tableMu.Unlock()
		if err != nil {
			// The stale occupant is gone; its slot goes to the newcomer.
			d.table.Evict(oldest.ID)
			d.table.Insert(n)
			return
		}
		d.table.Refresh(oldest.ID, time.Now())
	})
}

func (d *DHT) ping(addr *net.UDPAddr) {
	d.sendQuery(addr, newPingQuery("", d.id), func(*message, error) {})
}

// sendQuery registers a transaction and writes the datagram. The
// message's T field is filled in from the transaction manager.
func (d *DHT) sendQuery(addr *net.UDPAddr, msg *message, cb func(*message, error)) {
	msg.T = d.tm.Register(addr, msg.Q, cb)
	b, err := encodeMessage(msg)
	if err != nil {
		return
	}
	_, _ = d.conn.WriteTo(b, addr)
}

func (d *DHT) reply(addr *net.UDPAddr, msg *message) {
	b, err := encodeMessage(msg)
	if err != nil {
		return
	}
	_, _ = d.conn.WriteTo(b, addr)
}

// handleQuery serves one incoming KRPC query.
func (d *DHT) handleQuery(msg *message, addr *net.UDPAddr) {
	if msg.A == nil {
		d.reply(addr, newErrorReply(msg.T, errProtocol, "missing arguments"))
		return
	}
	if sender, ok := msg.senderID(); ok {
		d.seenNode(sender, addr)
	}
	switch msg.Q {
	case methodPing:
		d.reply(addr, newResponse(msg.T, d.id))
	case methodFindNode:
		if len(msg.A.Target) != 20 {
			d.reply(addr, newErrorReply(msg.T, errProtocol, "bad target"))
			return
		}
		var target NodeID
		copy(target[:], msg.A.Target)
		d.tableMu.Lock()
		closest := d.table.Closest(target, bucketSize)
		d.tableMu.Unlock()
		resp := newResponse(msg.T, d.id)
		resp.R.Nodes = string(encodeCompactNodes(closest))
		d.reply(addr, resp)
	case methodGetPeers:
		if len(msg.A.InfoHash) != 20 {
			d.reply(addr, newErrorReply(msg.T, errProtocol, "bad info_hash"))
			return
		}
		ih := InfoHashFromBytes([]byte(msg.A.InfoHash))
		resp := newResponse(msg.T, d.id)
		resp.R.Token = string(d.tokens.Generate(addr.IP))
		if peers := d.peers.Get(ih, 50, time.Now()); len(peers) > 0 {
			values := make([]string, 0, len(peers))
			for _, p := range peers {
				if ent := encodeCompactPeer(p); ent != nil {
					values = append(values, string(ent))
				}
			}
			resp.R.Values = values
		} else {
			d.tableMu.Lock()
			closest := d.table.Closest(NodeID(ih), bucketSize)
			d.tableMu.Unlock()
			resp.R.Nodes = string(encodeCompactNodes(closest))
		}
		d.reply(addr, resp)
	case methodAnnouncePeer:
		if len(msg.A.InfoHash) != 20 {
			d.reply(addr, newErrorReply(msg.T, errProtocol, "bad info_hash"))
			return
		}
		// The token must have been issued to this same IP by a previous
		// get_peers (two secret generations are accepted).
		if !d.tokens.Valid(addr.IP, []byte(msg.A.Token)) {
			d.reply(addr, newErrorReply(msg.T, errProtocol, "bad token"))
			return
		}
		port := msg.A.Port
		if msg.A.ImpliedPort != 0 {
			// NAT-friendly: use the UDP source port.
			port = addr.Port
		}
		if port > 0 && port <= 0xFFFF {
			ih := InfoHashFromBytes([]byte(msg.A.InfoHash))
			d.peers.Add(ih, &net.TCPAddr{IP: addr.IP, Port: port}, time.Now())
		}
		d.reply(addr, newResponse(msg.T, d.id))
	default:
		d.reply(addr, newErrorReply(msg.T, errMethodUnknown, "unknown method"))
	}
}

// queryGetPeers performs one blocking get_peers exchange, used by the
// iterative lookup.
func (d *DHT) queryGetPeers(n *Node, target InfoHash) (*GetPeersReply, error) {
	type result struct {
		msg *message
		err error
	}
	resC := make(chan result, 1)
	d.sendQuery(n.Addr, newGetPeersQuery("", d.id, target), func(msg *message, err error) {
		resC <- result{msg, err}
	})
	r := <-resC
	if r.err != nil {
		return nil, r.err
	}
	if r.msg.R == nil {
		return nil, &krpcError{Code: errProtocol, Message: "response missing r"}
	}
	reply := &GetPeersReply{
		From:  n,
		Token: []byte(r.msg.R.Token),
		Nodes: lastSeenNow(decodeCompactNodes([]byte(r.msg.R.Nodes), time.Now())),
	}
	for _, v := range r.msg.R.Values {
		if p := decodeCompactPeer([]byte(v)); p != nil {
			reply.Peers = append(reply.Peers, p)
		}
	}
	return reply, nil
}

// findPeers runs the iterative lookup for ih and pushes the result to
// the session; with announce set it then announces port to the K
// closest responded nodes using their tokens.
func (d *DHT) findPeers(ih InfoHash, announce bool, port int) {
	d.tableMu.Lock()
	seeds := d.table.Closest(NodeID(ih), bucketSize)
	d.tableMu.Unlock()
	if len(seeds) == 0 {
		return
	}
	res := Lookup(d.id, ih, seeds, d.queryGetPeers)
	for _, n := range res.Closest {
		d.insertNode(n)
	}
	if len(res.Peers) > 0 {
		select {
		case d.resultsC <- PeersResult{InfoHash: ih, Peers: res.Peers}:
		case <-d.closeC:
			return
		}
	}
	if !announce {
		return
	}
	for _, n := range res.Closest {
		token, ok := res.Tokens[candidateKey(n)]
		if !ok {
			continue
		}
		// The wire-protocol listen port differs from the DHT's UDP port,
		// so it is sent explicitly; implied_port is for clients whose TCP
		// and UDP ports match (or sit behind NAT).
		d.sendQuery(n.Addr, newAnnouncePeerQuery("", d.id, ih, port, false, token), func(*message, error) {})
	}
}

// DHTStats is a snapshot of the node's tables.
type DHTStats struct {
	NodeCount      int
	PendingQueries int
}

// Stats reports table sizes for diagnostics.
func (d *DHT) Stats() DHTStats {
	d.tableMu.Lock()
	n := d.table.Len()
	d.tableMu.Unlock()
	return DHTStats{NodeCount: n, PendingQueries: d.tm.PendingCount()}
}
