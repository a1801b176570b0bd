package session

import (
	"bytes"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by BEP 3, not a choice.
	"fmt"
	"net"
	"strconv"

	"github.com/cenkalti/goridge/internal/bencode"
	"github.com/cenkalti/goridge/internal/bitfield"
	"github.com/cenkalti/goridge/internal/metainfo"
	"github.com/cenkalti/goridge/internal/peer"
	"github.com/cenkalti/goridge/internal/peerconn"
	"github.com/cenkalti/goridge/internal/peerprotocol"
	"github.com/cenkalti/goridge/internal/piece"
	"github.com/cenkalti/goridge/internal/piecedownloader"
	"github.com/cenkalti/goridge/internal/piecewriter"
	"github.com/cenkalti/goridge/internal/swarm"
)

// metadataDataPayload is a ut_metadata "data" message: the bencoded
// header immediately followed by the raw metadata block (BEP 9 wire
// shape).
type metadataDataPayload struct {
	header peerprotocol.ExtensionMetadataMessage
	data   []byte
}

func (p metadataDataPayload) MarshalExtension() ([]byte, error) {
	b, err := bencode.Marshal(p.header)
	if err != nil {
		return nil, err
	}
	return append(b, p.data...), nil
}

func (t *torrent) handlePeerMessage(pm peer.Message) {
	pe := pm.Peer
	switch msg := pm.Message.(type) {
	case peerprotocol.HaveMessage:
		// Save have messages for processing later received while we don't
		// have the info dict yet.
		if t.info == nil {
			pe.Messages = append(pe.Messages, msg)
			break
		}
		if msg.Index >= t.info.NumPieces {
			pe.Close()
			break
		}
		t.log.Debugf("peer %s has piece #%d", pe.String(), msg.Index)
		if t.piecePicker != nil {
			t.piecePicker.HandleHave(pe, msg.Index)
		}
		t.updateInterestedState(pe)
		t.startPieceDownloaders()
	case peerprotocol.BitfieldMessage:
		// Save bitfield messages while we don't have the info dict.
		if t.info == nil {
			pe.Messages = append(pe.Messages, msg)
			break
		}
		bf, err := bitfield.NewBytes(msg.Data, t.info.NumPieces)
		if err != nil {
			pe.Close()
			break
		}
		t.log.Debugf("peer %s has %d pieces", pe.String(), bf.Count())
		if t.piecePicker != nil {
			t.piecePicker.HandleBitfield(pe, bf)
		}
		t.updateInterestedState(pe)
		t.startPieceDownloaders()
	case peerprotocol.HaveAllMessage:
		if t.info == nil {
			pe.Messages = append(pe.Messages, msg)
			break
		}
		bf := bitfield.New(t.info.NumPieces)
		for i := uint32(0); i < bf.Len(); i++ {
			bf.SetTrue(i)
		}
		if t.piecePicker != nil {
			t.piecePicker.HandleBitfield(pe, bf)
		}
		t.updateInterestedState(pe)
		t.startPieceDownloaders()
	case peerprotocol.HaveNoneMessage:
		// The default assumption; nothing to record.
	case peerprotocol.AllowedFastMessage:
		if t.info == nil {
			pe.Messages = append(pe.Messages, msg)
			break
		}
		if msg.Index >= t.info.NumPieces {
			pe.Close()
			break
		}
		pe.AllowedFastPieces[msg.Index] = struct{}{}
	case peerprotocol.SuggestPieceMessage:
		// Advisory only; the rarest-first picker decides.
	case peerprotocol.UnchokeMessage:
		pe.PeerChoking = false
		if pd, ok := t.pieceDownloadersChoked[pe]; ok {
			delete(t.pieceDownloadersChoked, pe)
			pd.RequestBlocks(t.config.RequestQueueLength)
		}
		t.startPieceDownloaders()
	case peerprotocol.ChokeMessage:
		pe.PeerChoking = true
		if pd, ok := t.pieceDownloaders[pe]; ok && !pd.AllowedFast {
			// A choked peer will never answer; drop every in-flight
			// request now so the blocks are immediately assignable again.
			pd.Choked()
			t.pieceDownloadersChoked[pe] = pd
			t.startPieceDownloaders()
		}
	case peerprotocol.InterestedMessage:
		pe.PeerInterested = true
		if t.countUnchoked() < t.config.UnchokedPeers {
			t.unchokePeer(pe)
		}
	case peerprotocol.NotInterestedMessage:
		pe.PeerInterested = false
		t.chokePeer(pe)
	case peerprotocol.RequestMessage:
		if t.info == nil || t.pieces == nil {
			pe.Close()
			break
		}
		if msg.Index >= t.info.NumPieces || msg.Length > peerprotocol.BlockSize {
			pe.Close()
			break
		}
		pi := &t.pieces[msg.Index]
		if msg.Begin+msg.Length > pi.Length {
			pe.Close()
			break
		}
		if t.bitfield == nil || !t.bitfield.Test(msg.Index) {
			// Request for a piece we never advertised.
			if pe.FastExtension {
				pe.SendMessage(peerprotocol.RejectMessage{RequestMessage: msg})
			} else {
				pe.Close()
			}
			break
		}
		if pe.AmChoking {
			if pe.FastExtension {
				pe.SendMessage(peerprotocol.RejectMessage{RequestMessage: msg})
			}
			break
		}
		t.servePieceRequest(pe, msg, pi)
	case peerprotocol.CancelMessage:
		// Best effort: the block may already be queued for write.
	case peerprotocol.RejectMessage:
		pd, ok := t.pieceDownloaders[pe]
		if !ok {
			break
		}
		if pd.Piece.Index != msg.Index {
			break
		}
		b, ok := pd.Piece.FindBlock(msg.Begin, msg.Length)
		if !ok {
			pe.Close()
			break
		}
		pd.Rejected(b)
	case peerprotocol.PortMessage:
		if t.dhtNode != nil {
			t.dhtNode.AddNode(net.JoinHostPort(pe.Addr().IP.String(), strconv.Itoa(int(msg.Port))))
		}
	case *peerprotocol.ExtensionHandshakeMessage:
		t.log.Debugln("extension handshake received from", pe.String())
		pe.ExtensionHandshake = msg
		for name, id := range msg.M {
			pe.Conn.ExtensionIDs[name] = id
		}
		if msg.V != "" {
			t.swarm.SetClientName(pe.Addr(), msg.V)
		}
		if len(msg.YourIP) == 4 || len(msg.YourIP) == 16 {
			t.externalIP = net.IP([]byte(msg.YourIP))
		}
		t.startInfoDownloaders()
	case *peerconn.ExtensionMetadataPiece:
		t.handleMetadataMessage(pe, msg)
	case *peerprotocol.ExtensionPEXMessage:
		if !t.config.PEXEnabled {
			break
		}
		addrs := peerprotocol.ParseCompactPeers([]byte(msg.Added), false)
		addrs = append(addrs, peerprotocol.ParseCompactPeers([]byte(msg.Added6), true)...)
		t.handleNewPeers(addrs, swarm.PEX)
	case *peerprotocol.ExtensionDontHaveMessage:
		if t.info == nil {
			break
		}
		if t.piecePicker != nil {
			t.piecePicker.HandleDontHave(pe, msg.Index)
		}
	default:
		t.log.Debugf("unhandled peer message type: %T", msg)
	}
}

// servePieceRequest reads the requested block (through the piece read
// cache) and queues it for upload.
func (t *torrent) servePieceRequest(pe *peer.Peer, msg peerprotocol.RequestMessage, pi *piece.Piece) {
	key := strconv.FormatUint(uint64(msg.Index), 10)
	buf, err := t.pieceCache.Get(key, func() ([]byte, error) {
		t.readMutex.Lock()
		defer t.readMutex.Unlock()
		b := make([]byte, pi.Length)
		_, err := pi.Data.ReadAt(b, 0)
		return b, err
	})
	if err != nil {
		t.stop(fmt.Errorf("cannot read piece data: %s", err))
		return
	}
	pe.Conn.SendPiece(msg, buf[msg.Begin:msg.Begin+msg.Length])
	n := int64(msg.Length)
	t.resumerStats.BytesUploaded += n
	t.uploadSpeed.Update(n)
	pe.BytesUploadedInChokePeriod += n
	t.swarm.AddTransfer(pe.Addr(), 0, n)
	if t.metrics != nil {
		t.metrics.bytesUploaded.Add(float64(n))
	}
}

func (t *torrent) handleMetadataMessage(pe *peer.Peer, msg *peerconn.ExtensionMetadataPiece) {
	switch msg.Message.Type {
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		if t.info == nil {
			t.sendMetadataReject(pe, msg.Message.Piece)
			break
		}
		extID, ok := pe.Conn.ExtensionIDs[peerprotocol.ExtensionKeyMetadata]
		if !ok {
			break
		}
		start := msg.Message.Piece * 16 * 1024
		if start >= t.info.InfoSize {
			t.sendMetadataReject(pe, msg.Message.Piece)
			break
		}
		end := start + 16*1024
		if end > t.info.InfoSize {
			end = t.info.InfoSize
		}
		pe.SendMessage(peerprotocol.ExtensionMessage{
			ExtendedMessageID: peerprotocol.ExtensionMessageID(extID),
			Ext: metadataDataPayload{
				header: peerprotocol.ExtensionMetadataMessage{
					Type:      peerprotocol.ExtensionMetadataMessageTypeData,
					Piece:     msg.Message.Piece,
					TotalSize: int(t.info.InfoSize),
				},
				data: t.info.Bytes[start:end],
			},
		})
	case peerprotocol.ExtensionMetadataMessageTypeData:
		id, ok := t.infoDownloaders[pe]
		if !ok {
			break
		}
		if err := id.GotBlock(msg.Message.Piece, msg.Data); err != nil {
			t.log.Debugln("metadata block rejected:", err)
			pe.Close()
			t.closeInfoDownloader(id)
			t.startInfoDownloaders()
			break
		}
		if !id.Done() {
			id.RequestBlocks(t.config.RequestQueueLength)
			break
		}
		hash := sha1.Sum(id.Bytes) //nolint:gosec
		if !bytes.Equal(hash[:], t.infoHash[:]) {
			// Peer sent fabricated metadata; drop it and try another.
			pe.Close()
			t.closeInfoDownloader(id)
			t.startInfoDownloaders()
			break
		}
		t.closeInfoDownloader(id)
		info, err := metainfo.NewInfo(id.Bytes)
		if err != nil {
			t.stop(fmt.Errorf("cannot parse downloaded info dict: %s", err))
			break
		}
		t.gotInfo(info)
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		if id, ok := t.infoDownloaders[pe]; ok {
			t.closeInfoDownloader(id)
			t.startInfoDownloaders()
		}
	}
}

func (t *torrent) sendMetadataReject(pe *peer.Peer, index uint32) {
	extID, ok := pe.Conn.ExtensionIDs[peerprotocol.ExtensionKeyMetadata]
	if !ok {
		return
	}
	pe.SendMessage(peerprotocol.ExtensionMessage{
		ExtendedMessageID: peerprotocol.ExtensionMessageID(extID),
		Ext: peerprotocol.ExtensionMetadataMessage{
			Type:  peerprotocol.ExtensionMetadataMessageTypeReject,
			Piece: index,
		},
	})
}

// gotInfo finishes the magnet phase: persist the info dict, cancel the
// remaining metadata downloads and move on to allocation.
func (t *torrent) gotInfo(info *metainfo.Info) {
	t.log.Info("metadata downloaded for ", info.Name)
	t.info = info
	if t.name == "" {
		t.name = info.Name
	}
	if t.resume != nil {
		if err := t.resume.WriteInfo(info.Bytes); err != nil {
			t.stop(fmt.Errorf("cannot write info to resume db: %s", err))
			return
		}
	}
	for _, id := range t.infoDownloaders {
		t.closeInfoDownloader(id)
	}
	t.startAllocator()
}

// handlePieceMessage routes one downloaded block into its piece
// downloader. The pipeline is refilled BEFORE the completed piece is
// handed to hashing/writing, so throughput doesn't sawtooth during
// verification.
func (t *torrent) handlePieceMessage(pm peer.PieceMessage) {
	pe := pm.Peer
	msg := pm.Message

	n := int64(len(msg.Data))
	t.resumerStats.BytesDownloaded += n
	t.downloadSpeed.Update(n)
	pe.BytesDownloadedInChokePeriod += n
	t.swarm.AddTransfer(pe.Addr(), n, 0)
	if t.metrics != nil {
		t.metrics.bytesDownloaded.Add(float64(n))
	}

	pd, ok := t.pieceDownloaders[pe]
	if !ok || pd.Piece.Index != msg.Index {
		// A block we no longer want (cancelled downloader, endgame
		// duplicate after completion). Waste, not an error.
		t.resumerStats.BytesWasted += n
		return
	}
	if pd.Piece.Done || pd.Piece.Writing {
		// Another downloader finished this piece first (endgame); drop
		// the straggler entirely.
		t.resumerStats.BytesWasted += n
		pd.CancelPending()
		t.closePieceDownloader(pd)
		t.piecePool.Put(pd.Buffer) //nolint:staticcheck
		t.startPieceDownloaders()
		return
	}
	b, found := pd.Piece.FindBlock(msg.Begin, msg.Length)
	if !found {
		pe.Close()
		return
	}
	if err := pd.GotBlock(b, msg.Data); err != nil {
		// Unsolicited block.
		t.log.Debugln("unsolicited block from", pe.String())
		pe.Close()
		return
	}

	if !pd.Done() {
		pd.RequestBlocks(t.config.RequestQueueLength)
		return
	}

	// Piece complete. Mark it before anything else so the picker can't
	// re-admit it, cancel endgame duplicates, then free the peer for its
	// next assignment.
	buffer := pd.Buffer
	pi := pd.Piece
	pi.Writing = true
	t.closePieceDownloader(pd)
	for _, other := range t.duplicateDownloaders(pi.Index) {
		other.CancelPending()
		t.closePieceDownloader(other)
		t.piecePool.Put(other.Buffer) //nolint:staticcheck
	}
	t.startPieceDownloaders()

	// Then hash + persist off-loop; block further piece messages until
	// the write finishes so disk writes don't pile up.
	pw := piecewriter.New(pi, pe, buffer)
	go pw.Run(t.pieceWriterResultC)
	t.blockPieceMessages = t.pieceMessages
	t.pieceMessages = nil
}

// duplicateDownloaders returns the other downloaders assigned the same
// piece (endgame double-requests).
func (t *torrent) duplicateDownloaders(index uint32) []*piecedownloader.PieceDownloader {
	var out []*piecedownloader.PieceDownloader
	for _, pd := range t.pieceDownloaders {
		if pd.Piece.Index == index {
			out = append(out, pd)
		}
	}
	return out
}

func (t *torrent) updateInterestedState(pe *peer.Peer) {
	if t.info == nil || t.piecePicker == nil {
		return
	}
	interested := t.piecePicker.HasUsefulPiece(pe)
	if !pe.AmInterested && interested {
		pe.AmInterested = true
		pe.SendMessage(peerprotocol.NewInterestedMessage())
		return
	}
	if pe.AmInterested && !interested {
		pe.AmInterested = false
		pe.SendMessage(peerprotocol.NewNotInterestedMessage())
	}
}

func (t *torrent) countUnchoked() int {
	var n int
	for pe := range t.peers {
		if !pe.AmChoking {
			n++
		}
	}
	return n
}
