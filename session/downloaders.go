package session

import (
	"github.com/cenkalti/goridge/internal/infodownloader"
	"github.com/cenkalti/goridge/internal/peer"
	"github.com/cenkalti/goridge/internal/peerprotocol"
	"github.com/cenkalti/goridge/internal/piecedownloader"
)

// startInfoDownloaders assigns BEP 9 metadata fetches to capable peers,
// up to the configured parallelism.
func (t *torrent) startInfoDownloaders() {
	if t.info != nil {
		return
	}
	for len(t.infoDownloaders)-len(t.infoDownloadersSnubbed) < t.config.ParallelMetadataDownloads {
		pe := t.nextInfoDownloadPeer()
		if pe == nil {
			break
		}
		t.log.Debugln("downloading info from", pe.String())
		id := infodownloader.New(pe)
		t.infoDownloaders[pe] = id
		id.RequestBlocks(t.config.RequestQueueLength)
	}
}

func (t *torrent) nextInfoDownloadPeer() *peer.Peer {
	for pe := range t.peers {
		if _, ok := t.infoDownloaders[pe]; ok {
			continue
		}
		if pe.Snubbed {
			continue
		}
		eh := pe.ExtensionHandshake
		if eh == nil || eh.MetadataSize == 0 {
			continue
		}
		if _, ok := eh.M[peerprotocol.ExtensionKeyMetadata]; !ok {
			continue
		}
		return pe
	}
	return nil
}

// startPieceDownloaders assigns pieces to available peers via the
// rarest-first picker, up to the configured parallelism.
func (t *torrent) startPieceDownloaders() {
	if t.status() != Downloading {
		return
	}
	if t.piecePicker == nil {
		return
	}
	for len(t.pieceDownloaders)-len(t.pieceDownloadersChoked)-len(t.pieceDownloadersSnubbed) < t.config.ParallelPieceDownloads {
		started := t.startPieceDownloaderFor(nil)
		if !started {
			break
		}
	}
}

// startPieceDownloaderFor starts one download, trying only target if
// non-nil and any connected peer otherwise; returns false when no
// assignable peer+piece pair exists.
func (t *torrent) startPieceDownloaderFor(target *peer.Peer) bool {
	candidates := make([]*peer.Peer, 0, len(t.peers))
	if target != nil {
		candidates = append(candidates, target)
	} else {
		for pe := range t.peers {
			candidates = append(candidates, pe)
		}
	}
	for _, pe := range candidates {
		if pe.Downloading || pe.Snubbed {
			continue
		}
		allowedFast := false
		if pe.PeerChoking {
			// A choked peer is only usable through its allowed-fast set.
			if !pe.FastExtension || len(pe.AllowedFastPieces) == 0 {
				continue
			}
			allowedFast = true
		}
		index, ok := t.piecePicker.Pick(pe)
		if !ok {
			continue
		}
		if allowedFast {
			if _, ok := pe.AllowedFastPieces[index]; !ok {
				continue
			}
		}
		t.startPieceDownloaderOn(pe, index, allowedFast)
		return true
	}
	return false
}

func (t *torrent) startPieceDownloaderOn(pe *peer.Peer, index uint32, allowedFast bool) {
	pi := &t.pieces[index]
	buf := t.piecePool.Get().([]byte)
	pd := piecedownloader.New(pi, pe, allowedFast, buf)
	t.log.Debugf("downloading piece #%d from %s", index, pe.String())
	t.pieceDownloaders[pe] = pd
	pe.Downloading = true
	t.piecePicker.MarkRequested(index)
	t.queueInterested(pe)
	pd.RequestBlocks(t.config.RequestQueueLength)
}

// queueInterested makes sure the peer knows we want data before the
// first Request goes out.
func (t *torrent) queueInterested(pe *peer.Peer) {
	if pe.AmInterested {
		return
	}
	pe.AmInterested = true
	pe.SendMessage(peerprotocol.NewInterestedMessage())
}
