package session

import (
	"encoding/hex"
	"errors"
	"net"

	"github.com/cenkalti/goridge/internal/allocator"
	"github.com/cenkalti/goridge/internal/announcer"
	"github.com/cenkalti/goridge/internal/bitfield"
	"github.com/cenkalti/goridge/internal/blocklist"
	"github.com/cenkalti/goridge/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/goridge/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/goridge/internal/infodownloader"
	"github.com/cenkalti/goridge/internal/logger"
	"github.com/cenkalti/goridge/internal/metainfo"
	"github.com/cenkalti/goridge/internal/mse"
	"github.com/cenkalti/goridge/internal/peer"
	"github.com/cenkalti/goridge/internal/piececache"
	"github.com/cenkalti/goridge/internal/piecedownloader"
	"github.com/cenkalti/goridge/internal/piecewriter"
	"github.com/cenkalti/goridge/internal/resumer"
	"github.com/cenkalti/goridge/internal/storage"
	"github.com/cenkalti/goridge/internal/swarm"
	"github.com/cenkalti/goridge/internal/tracker"
	"github.com/cenkalti/goridge/internal/verifier"
	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
)

// options collects everything needed to construct a torrent; the session
// fills it from a .torrent file, a magnet link or resume state.
type options struct {
	// Name of the torrent; empty for magnets until metadata arrives.
	Name string
	// TCP port to listen on for this torrent's peers.
	Port int
	Trackers []tracker.Tracker
	Resumer  resumer.Resumer
	Blocklist *blocklist.Blocklist
	Config   *Config
	Stats    resumer.Stats
	// Info is nil for magnet downloads until BEP 9 completes.
	Info *metainfo.Info
	// Bitfield is the resumed completion state, nil on first download.
	Bitfield *bitfield.Bitfield
	DHT      *dhtAnnouncer

	peerID          [20]byte
	metrics         *sessionMetrics
	globalConns     *connLimiter
	downloadLimiter *rate.Limiter
	uploadLimiter   *rate.Limiter
}

// NewTorrent constructs the torrent and starts its event loop (stopped
// state; Start actually begins network activity).
func (o *options) NewTorrent(infoHash []byte, sto storage.Storage) (*torrent, error) {
	if len(infoHash) != 20 {
		return nil, errors.New("invalid info hash: must be 20 bytes")
	}
	var ih [20]byte
	copy(ih[:], infoHash)
	cfg := o.Config
	t := &torrent{
		config:    *cfg,
		infoHash:  ih,
		trackers:  o.Trackers,
		name:      o.Name,
		storage:   sto,
		port:      o.Port,
		resume:    o.Resumer,
		info:      o.Info,
		bitfield:  o.Bitfield,
		blocklist: o.Blocklist,
		peerID:    o.peerID,
		sKeyHash:  mse.HashSKey(ih[:]),

		// Buffered to the peer cap so peer goroutines can always report
		// their exit, even while the loop is tearing the torrent down.
		peerDisconnectedC: make(chan *peer.Peer, cfg.MaxPeerDial+cfg.MaxPeerAccept),
		pieceMessages:     make(chan peer.PieceMessage),
		messages:          make(chan peer.Message),
		peerSnubbedC:      make(chan *peer.Peer),

		peers:         make(map[*peer.Peer]struct{}),
		incomingPeers: make(map[*peer.Peer]struct{}),
		outgoingPeers: make(map[*peer.Peer]struct{}),
		peersSnubbed:  make(map[*peer.Peer]struct{}),

		pieceDownloaders:        make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersSnubbed: make(map[*peer.Peer]*piecedownloader.PieceDownloader),
		pieceDownloadersChoked:  make(map[*peer.Peer]*piecedownloader.PieceDownloader),

		infoDownloaders:        make(map[*peer.Peer]*infodownloader.InfoDownloader),
		infoDownloadersSnubbed: make(map[*peer.Peer]*infodownloader.InfoDownloader),

		pieceWriterResultC: make(chan *piecewriter.PieceWriter, 1),

		completeC: make(chan struct{}),

		closeC: make(chan chan struct{}),

		statsCommandC:        make(chan statsRequest),
		trackersCommandC:     make(chan trackersRequest),
		peersCommandC:        make(chan peersRequest),
		startCommandC:        make(chan struct{}),
		stopCommandC:         make(chan struct{}),
		verifyCommandC:       make(chan struct{}),
		filePriorityCommandC: make(chan filePriorityCommand),
		notifyErrorCommandC:  make(chan notifyErrorCommand),
		notifyListenCommandC: make(chan notifyListenCommand),
		addPeersCommandC:     make(chan []*net.TCPAddr),

		doneC: make(chan struct{}),

		addrsFromTrackers: make(chan []*net.TCPAddr),
		swarm:             swarm.New(cfg.MaxTorrentAddrs),

		incomingConnC: make(chan net.Conn),
		peerIDs:       make(map[[20]byte]struct{}),

		incomingHandshakers: make(map[*incominghandshaker.IncomingHandshaker]struct{}),
		outgoingHandshakers: make(map[*outgoinghandshaker.OutgoingHandshaker]struct{}),

		incomingHandshakerResultC: make(chan *incominghandshaker.IncomingHandshaker, cfg.MaxPeerAccept),
		outgoingHandshakerResultC: make(chan *outgoinghandshaker.OutgoingHandshaker, cfg.MaxPeerDial),

		announcerRequestC: make(chan *announcer.Request),

		allocatorProgressC: make(chan allocator.Progress),
		allocatorResultC:   make(chan *allocator.Allocator),
		verifierProgressC:  make(chan verifier.Progress),
		verifierResultC:    make(chan *verifier.Verifier),

		connectedPeerIPs: make(map[string]struct{}),
		bannedPeerIPs:    make(map[string]struct{}),

		announcersStoppedC: make(chan struct{}, 1),

		pieceCache: piececache.New(cfg.ReadCacheSize, cfg.ReadCacheTTL),

		resumerStats: o.Stats,

		downloadSpeed: metrics.NewEWMA1(),
		uploadSpeed:   metrics.NewEWMA1(),

		metrics:         o.metrics,
		globalConns:     o.globalConns,
		downloadLimiter: o.downloadLimiter,
		uploadLimiter:   o.uploadLimiter,

		log: logger.New("torrent " + infoHashShort(ih)),
	}
	if o.DHT != nil {
		t.dhtNode = o.DHT
		t.dhtPeersC = o.DHT.peersC
	}
	t.externalIP = findExternalIP()
	go t.run()
	return t, nil
}

func infoHashShort(ih [20]byte) string {
	return hex.EncodeToString(ih[:4])
}

// findExternalIP picks the first non-private global unicast address on any interface
// as the initial BEP 10 "yourip" hint; peers may correct it later.
func findExternalIP() net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	for _, a := range addrs {
		in, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if in.IP.IsGlobalUnicast() && !in.IP.IsPrivate() {
			return in.IP
		}
	}
	return nil
}
