package session

import (
	"time"

	"github.com/cenkalti/goridge/internal/peerprotocol"
	"github.com/cenkalti/goridge/internal/swarm"
	"github.com/cenkalti/goridge/internal/tracker"
)

type statsRequest struct {
	Response chan Stats
}

type trackersRequest struct {
	Response chan []Tracker
}

type peersRequest struct {
	Response chan []Peer
}

type notifyErrorCommand struct {
	errCC chan chan error
}

type notifyListenCommand struct {
	portCC chan chan int
}

// Stats is a point-in-time snapshot of one torrent.
type Stats struct {
	// Status of the torrent.
	Status Status
	// Error is set when the status is Stopped because of an error.
	Error error

	Pieces struct {
		// Checked is the number of pieces verified so far during an
		// initial hash check.
		Checked uint32
		// Have is the number of verified pieces we own.
		Have uint32
		// Missing is the number of pieces we still want.
		Missing uint32
		// Total is the piece count of the torrent; zero until metadata is
		// known.
		Total uint32
	}

	Bytes struct {
		// Total is the sum of all file lengths.
		Total int64
		// Allocated is how much disk space has been preallocated.
		Allocated int64
		// Completed is the byte count covered by verified pieces.
		Completed int64
		// Incomplete is Total - Completed.
		Incomplete int64
		// Downloaded and Uploaded are lifetime protocol counters; Wasted
		// is discarded duplicate/corrupt data.
		Downloaded int64
		Uploaded   int64
		Wasted     int64
	}

	Peers struct {
		// Total = Incoming + Outgoing connected peers.
		Total    int
		Incoming int
		Outgoing int
	}

	Handshakes struct {
		Total    int
		Incoming int
		Outgoing int
	}

	// Swarm is the aggregate view of the peer set: entry counts by
	// discovery source and connect state, plus distinct identities
	// (multi-address peers counted once).
	Swarm swarm.Stats

	Downloads struct {
		// Total is the number of active piece downloads; Snubbed and
		// Choked are the subsets stalled for those reasons.
		Total   int
		Running int
		Snubbed int
		Choked  int
	}

	MetadataDownloads struct {
		Total int
	}

	// Name of the torrent (initial name for magnets until metadata).
	Name string
	// Private is set for private torrents. A torrent known to be private
	// when it is added or loaded is not announced to the DHT; PEX is not
	// turned off for private torrents.
	Private bool
	// PieceLength is the nominal piece size from the info dict.
	PieceLength uint32

	// SeededFor is the cumulative seeding duration across sessions.
	SeededFor time.Duration

	// Speed is the EWMA transfer rate in bytes per second.
	Speed struct {
		Download int
		Upload   int
	}

	// ETA is the estimated remaining download time, nil when unknown.
	ETA *time.Duration
}

func (t *torrent) stats() Stats {
	var s Stats
	s.Status = t.status()
	s.Error = t.lastError
	s.Swarm = t.swarm.Stats()

	s.Handshakes.Incoming = len(t.incomingHandshakers)
	s.Handshakes.Outgoing = len(t.outgoingHandshakers)
	s.Handshakes.Total = len(t.incomingHandshakers) + len(t.outgoingHandshakers)

	s.Peers.Incoming = len(t.incomingPeers)
	s.Peers.Outgoing = len(t.outgoingPeers)
	s.Peers.Total = len(t.peers)

	s.Downloads.Total = len(t.pieceDownloaders)
	s.Downloads.Snubbed = len(t.pieceDownloadersSnubbed)
	s.Downloads.Choked = len(t.pieceDownloadersChoked)
	s.Downloads.Running = len(t.pieceDownloaders) - len(t.pieceDownloadersChoked) - len(t.pieceDownloadersSnubbed)

	s.MetadataDownloads.Total = len(t.infoDownloaders)

	s.Pieces.Checked = t.checkedPieces
	s.Name = t.name
	s.SeededFor = t.resumerStats.SeededFor

	s.Bytes.Downloaded = t.resumerStats.BytesDownloaded
	s.Bytes.Uploaded = t.resumerStats.BytesUploaded
	s.Bytes.Wasted = t.resumerStats.BytesWasted
	s.Bytes.Allocated = t.bytesAllocated

	s.Speed.Download = int(t.downloadSpeed.Rate())
	s.Speed.Upload = int(t.uploadSpeed.Rate())

	if t.info != nil {
		s.Pieces.Total = t.info.NumPieces
		s.Bytes.Total = t.info.Length
		s.Private = t.info.Private == 1
		s.PieceLength = uint32(t.info.PieceLength)
		s.Name = t.info.Name
	}
	if t.bitfield != nil && t.info != nil {
		s.Pieces.Have = t.bitfield.Count()
		s.Pieces.Missing = s.Pieces.Total - s.Pieces.Have
		s.Bytes.Completed = t.bytesComplete()
		s.Bytes.Incomplete = s.Bytes.Total - s.Bytes.Completed

		if s.Speed.Download > 0 && s.Bytes.Incomplete > 0 {
			eta := time.Duration(s.Bytes.Incomplete/int64(s.Speed.Download)) * time.Second
			s.ETA = &eta
		}
	}
	return s
}

// bytesComplete is the verified byte count, accounting for a shorter
// last piece.
func (t *torrent) bytesComplete() int64 {
	if t.bitfield == nil || t.info == nil {
		return 0
	}
	n := int64(t.bitfield.Count()) * t.info.PieceLength
	if t.bitfield.Len() > 0 && t.bitfield.Test(t.bitfield.Len()-1) {
		n -= t.info.PieceLength
		n += t.info.PieceLengthAt(t.info.NumPieces - 1)
	}
	return n
}

func (t *torrent) bytesLeft() int64 {
	if t.info == nil {
		return 0
	}
	return t.info.Length - t.bytesComplete()
}

// announcerFields is the live-counter snapshot handed to tracker
// announcers.
func (t *torrent) announcerFields() tracker.Torrent {
	return tracker.Torrent{
		BytesUploaded:   t.resumerStats.BytesUploaded,
		BytesDownloaded: t.resumerStats.BytesDownloaded,
		BytesLeft:       t.bytesLeft(),
		InfoHash:        t.infoHash,
		PeerID:          t.peerID,
		Port:            t.port,
	}
}

// maxPieceFrameLen is the reader's ceiling for Piece frames:
// piece_length + header overhead. Zero (no limit beyond the
// non-piece cap) while metadata is unknown.
func (t *torrent) maxPieceFrameLen() uint32 {
	if t.info == nil {
		return 0
	}
	return uint32(t.info.PieceLength) + peerprotocol.PieceMessageOverhead + 1
}

func (t *torrent) updateSeedDuration() {
	if t.status() != Seeding {
		t.seedDurationUpdatedAt = time.Now()
		return
	}
	now := time.Now()
	t.resumerStats.SeededFor += now.Sub(t.seedDurationUpdatedAt)
	t.seedDurationUpdatedAt = now
}

// Tracker is the public view of one announce target.
type Tracker struct {
	URL      string
	Active   bool
}

func (t *torrent) getTrackers() []Tracker {
	out := make([]Tracker, 0, len(t.trackers))
	for _, tr := range t.trackers {
		out = append(out, Tracker{URL: tr.URL(), Active: len(t.announcers) > 0})
	}
	return out
}

// Peer is the public view of one connected peer.
type Peer struct {
	Addr               string
	Downloading        bool
	Snubbed            bool
	ChokingUs          bool
	InterestedInUs     bool
	ChokedByUs         bool
	InterestedByUs     bool
	OptimisticUnchoked bool
	Client             string
}

func (t *torrent) getPeers() []Peer {
	out := make([]Peer, 0, len(t.peers))
	for pe := range t.peers {
		p := Peer{
			Addr:               pe.String(),
			Downloading:        pe.Downloading,
			Snubbed:            pe.Snubbed,
			ChokingUs:          pe.PeerChoking,
			InterestedInUs:     pe.PeerInterested,
			ChokedByUs:         pe.AmChoking,
			InterestedByUs:     pe.AmInterested,
			OptimisticUnchoked: pe.OptimisticUnchoked,
		}
		if pe.ExtensionHandshake != nil {
			p.Client = pe.ExtensionHandshake.V
		}
		out = append(out, p)
	}
	return out
}
