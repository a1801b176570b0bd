package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/goridge/internal/acceptor"
	"github.com/cenkalti/goridge/internal/allocator"
	"github.com/cenkalti/goridge/internal/announcer"
	"github.com/cenkalti/goridge/internal/bitfield"
	"github.com/cenkalti/goridge/internal/handshaker/incominghandshaker"
	"github.com/cenkalti/goridge/internal/handshaker/outgoinghandshaker"
	"github.com/cenkalti/goridge/internal/infodownloader"
	"github.com/cenkalti/goridge/internal/logger"
	"github.com/cenkalti/goridge/internal/peer"
	"github.com/cenkalti/goridge/internal/peerprotocol"
	"github.com/cenkalti/goridge/internal/piece"
	"github.com/cenkalti/goridge/internal/piecedownloader"
	"github.com/cenkalti/goridge/internal/piecepicker"
	"github.com/cenkalti/goridge/internal/verifier"
	"github.com/libp2p/go-reuseport"
)

// Status is the externally visible lifecycle state of a torrent.
type Status int

const (
	Stopped Status = iota
	DownloadingMetadata
	Allocating
	Verifying
	Downloading
	Seeding
	Stopping
)

func (s Status) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case DownloadingMetadata:
		return "downloading metadata"
	case Allocating:
		return "allocating"
	case Verifying:
		return "verifying"
	case Downloading:
		return "downloading"
	case Seeding:
		return "seeding"
	case Stopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// status derives the state from which subsystems are live, so there is
// no separate state variable to keep in sync.
func (t *torrent) status() Status {
	if t.stoppedEventAnnouncer != nil {
		return Stopping
	}
	if t.errC == nil {
		return Stopped
	}
	if t.allocator != nil {
		return Allocating
	}
	if t.verifier != nil {
		return Verifying
	}
	if t.completed {
		return Seeding
	}
	if t.info == nil {
		return DownloadingMetadata
	}
	return Downloading
}

func (t *torrent) start() {
	// Do not start if already started.
	if t.errC != nil {
		return
	}
	t.log.Info("starting torrent")
	t.errC = make(chan error, 1)
	t.portC = make(chan int, 1)
	t.lastError = nil

	t.startAcceptor()
	t.startAnnouncers()
	t.startUnchokeTimers()
	t.startStatsWriter()
	t.startSpeedCounter()
	t.startPEXTicker()
	t.startMaintenanceTicker()
	t.seedDurationUpdatedAt = time.Now()

	if t.info == nil {
		// Magnet download; metadata comes from peers over BEP 9.
		t.startInfoDownloaders()
		return
	}
	if t.pieces == nil {
		t.startAllocator()
		return
	}
	// Restarted with files already allocated.
	if !t.completed {
		t.startPieceDownloaders()
	}
}

func (t *torrent) stop(err error) {
	s := t.status()
	if s == Stopped || s == Stopping {
		return
	}
	t.log.Info("stopping torrent")
	t.lastError = err
	if err != nil && err != errClosed {
		t.log.Error(err)
	}

	t.log.Debugln("stopping acceptor")
	t.stopAcceptor()

	t.log.Debugln("closing peer connections")
	t.stopPeers()

	t.log.Debugln("stopping piece downloaders")
	t.stopDownloads()

	t.log.Debugln("stopping outgoing handshakers")
	t.stopOutgoingHandshakers()

	t.log.Debugln("stopping incoming handshakers")
	t.stopIncomingHandshakers()

	t.stopAllocator()
	t.stopVerifier()
	t.stopUnchokeTimers()
	t.stopStatsWriter()
	t.stopSpeedCounter()
	t.stopPEXTicker()
	t.stopMaintenanceTicker()

	if t.resume != nil {
		if t.bitfield != nil {
			t.writeBitfield(false)
		}
		t.writeStats()
	}

	t.log.Debugln("closing data files")
	t.closeData()

	// Fire one best-effort "stopped" announce, then let the run loop know
	// all announcers have wound down.
	t.stopPeriodicalAnnouncers()
	t.stoppedEventAnnouncer = announcer.NewStopAnnouncer(t.trackers, t.announcerFields(), t.config.TrackerStopTimeout, t.log)
	go t.waitStopAnnouncer(t.stoppedEventAnnouncer)
}

func (t *torrent) waitStopAnnouncer(sa *announcer.StopAnnouncer) {
	sa.Close()
	t.announcersStoppedC <- struct{}{}
}

func (t *torrent) startAcceptor() {
	ln, err := reuseport.Listen("tcp4", fmt.Sprintf("0.0.0.0:%d", t.port))
	if err != nil {
		t.log.Warningf("cannot listen on port %d: %s", t.port, err)
		return
	}
	t.log.Info("torrent is listening on port ", t.port)
	t.portC <- t.port
	t.acceptor = acceptor.New(ln, t.incomingConnC, t.log)
	go t.acceptor.Run()
}

func (t *torrent) stopAcceptor() {
	if t.acceptor != nil {
		t.acceptor.Close()
		t.acceptor = nil
	}
}

func (t *torrent) startAnnouncers() {
	if len(t.announcers) == 0 {
		for _, tr := range t.trackers {
			an := announcer.NewPeriodicalAnnouncer(tr, t.announcerRequestC, t.addrsFromTrackers, logger.New("announcer "+tr.URL()))
			t.announcers = append(t.announcers, an)
		}
	}
	if t.dhtNode != nil && t.dhtAnnouncer == nil {
		t.dhtAnnouncer = announcer.NewDHTAnnouncer(t.dhtNode.Announce, t.config.DHTAnnounceInterval, t.log)
	}
}

func (t *torrent) stopPeriodicalAnnouncers() {
	for _, an := range t.announcers {
		an.Close()
	}
	t.announcers = nil
	if t.dhtAnnouncer != nil {
		t.dhtAnnouncer.Close()
		t.dhtAnnouncer = nil
	}
}

func (t *torrent) startUnchokeTimers() {
	if t.unchokeTimer == nil {
		t.unchokeTimer = time.NewTicker(t.config.UnchokeInterval)
		t.unchokeTimerC = t.unchokeTimer.C
	}
	if t.optimisticUnchokeTimer == nil {
		t.optimisticUnchokeTimer = time.NewTicker(t.config.OptimisticUnchokeInterval)
		t.optimisticUnchokeTimerC = t.optimisticUnchokeTimer.C
	}
}

func (t *torrent) stopUnchokeTimers() {
	if t.unchokeTimer != nil {
		t.unchokeTimer.Stop()
		t.unchokeTimer = nil
		t.unchokeTimerC = nil
	}
	if t.optimisticUnchokeTimer != nil {
		t.optimisticUnchokeTimer.Stop()
		t.optimisticUnchokeTimer = nil
		t.optimisticUnchokeTimerC = nil
	}
}

func (t *torrent) startStatsWriter() {
	if t.statsWriteTicker == nil {
		t.statsWriteTicker = time.NewTicker(t.config.StatsWriteInterval)
		t.statsWriteTickerC = t.statsWriteTicker.C
	}
}

func (t *torrent) stopStatsWriter() {
	if t.statsWriteTicker != nil {
		t.statsWriteTicker.Stop()
		t.statsWriteTicker = nil
		t.statsWriteTickerC = nil
	}
}

func (t *torrent) startSpeedCounter() {
	if t.speedCounterTicker == nil {
		t.speedCounterTicker = time.NewTicker(5 * time.Second)
		t.speedCounterTickerC = t.speedCounterTicker.C
	}
}

func (t *torrent) stopSpeedCounter() {
	if t.speedCounterTicker != nil {
		t.speedCounterTicker.Stop()
		t.speedCounterTicker = nil
		t.speedCounterTickerC = nil
	}
}

func (t *torrent) startMaintenanceTicker() {
	if t.maintenanceTicker == nil {
		t.maintenanceTicker = time.NewTicker(t.config.MaintenanceInterval)
		t.maintenanceTickerC = t.maintenanceTicker.C
	}
}

func (t *torrent) stopMaintenanceTicker() {
	if t.maintenanceTicker != nil {
		t.maintenanceTicker.Stop()
		t.maintenanceTicker = nil
		t.maintenanceTickerC = nil
	}
}

func (t *torrent) startPEXTicker() {
	if t.pexTicker == nil && t.config.PEXEnabled {
		t.pexTicker = time.NewTicker(t.config.PEXFlushInterval)
		t.pexTickerC = t.pexTicker.C
	}
}

func (t *torrent) stopPEXTicker() {
	if t.pexTicker != nil {
		t.pexTicker.Stop()
		t.pexTicker = nil
		t.pexTickerC = nil
	}
}

func (t *torrent) stopPeers() {
	for pe := range t.peers {
		t.closePeer(pe)
	}
}

func (t *torrent) stopOutgoingHandshakers() {
	for oh := range t.outgoingHandshakers {
		oh.Close()
	}
	t.outgoingHandshakers = make(map[*outgoinghandshaker.OutgoingHandshaker]struct{})
}

func (t *torrent) stopIncomingHandshakers() {
	for ih := range t.incomingHandshakers {
		ih.Close()
	}
	t.incomingHandshakers = make(map[*incominghandshaker.IncomingHandshaker]struct{})
}

func (t *torrent) stopDownloads() {
	for _, pd := range t.pieceDownloaders {
		t.closePieceDownloader(pd)
	}
	for _, id := range t.infoDownloaders {
		t.closeInfoDownloader(id)
	}
	t.infoDownloaders = make(map[*peer.Peer]*infodownloader.InfoDownloader)
	t.pieceDownloaders = make(map[*peer.Peer]*piecedownloader.PieceDownloader)
}

func (t *torrent) startAllocator() {
	t.log.Info("allocating files")
	t.allocator = allocator.New()
	go t.allocator.Run(t.info, t.storage, t.allocatorProgressC, t.allocatorResultC)
}

func (t *torrent) stopAllocator() {
	if t.allocator != nil {
		t.allocator.Close()
		t.allocator = nil
	}
}

func (t *torrent) startVerifier() {
	t.log.Info("verifying existing data")
	t.verifier = verifier.New()
	go t.verifier.Run(t.pieces, t.verifierProgressC, t.verifierResultC)
}

func (t *torrent) stopVerifier() {
	if t.verifier != nil {
		t.verifier.Close()
		t.verifier = nil
	}
}

func (t *torrent) closeData() {
	for _, f := range t.files {
		if f != nil {
			f.Close()
		}
	}
	t.files = nil
	t.pieces = nil
	t.piecePicker = nil
	t.piecePool = nil
	t.pieceCache.Clear()
	t.checkedPieces = 0
	t.bytesAllocated = 0
}

func (t *torrent) handleAllocationDone(al *allocator.Allocator) {
	if t.allocator != al {
		panic("allocator mismatch")
	}
	t.allocator = nil
	if al.Error != nil {
		t.stop(fmt.Errorf("file allocation error: %s", al.Error))
		return
	}
	t.files = al.Files
	t.pieces = piece.NewPieces(t.info, t.files)
	pieceLength := t.info.PieceLength
	t.piecePool = &sync.Pool{New: func() interface{} { return make([]byte, pieceLength) }}

	switch {
	case t.bitfield != nil:
		// Resume data is authoritative; pieces marked complete were
		// verified before they were persisted.
		t.markDonePieces()
		t.startDownload()
	case al.NeedHashCheck:
		t.startVerifier()
	default:
		t.bitfield = bitfield.New(t.info.NumPieces)
		if t.resume != nil {
			t.writeBitfield(true)
		}
		t.startDownload()
	}
}

func (t *torrent) handleVerificationDone(ve *verifier.Verifier) {
	if t.verifier != ve {
		panic("verifier mismatch")
	}
	t.verifier = nil
	if ve.Error != nil {
		t.stop(fmt.Errorf("file verification error: %s", ve.Error))
		return
	}
	t.bitfield = ve.Bitfield
	t.log.Infof("verification done: have %d/%d pieces", t.bitfield.Count(), t.info.NumPieces)
	t.markDonePieces()
	if t.resume != nil {
		t.writeBitfield(true)
	}
	t.startDownload()
}

func (t *torrent) markDonePieces() {
	for i := uint32(0); i < t.bitfield.Len(); i++ {
		if t.bitfield.Test(i) {
			t.pieces[i].Done = true
		}
	}
}

// startDownload transitions from metadata/allocation/verification into
// actual piece transfer (or straight to seeding).
func (t *torrent) startDownload() {
	t.piecePicker = piecepicker.New(t.pieces, t.bitfield, t.config.EndgameParallelDownloadsPerPiece)
	if t.filePriorities != nil {
		t.piecePicker.Prioritize(t.prioritizedPieces())
	}
	for pe := range t.peers {
		pe.Conn.UpdatePieceCount(t.info.NumPieces)
	}
	t.processQueuedMessages()
	t.sendBitfieldToPeers()
	if !t.checkCompletion() {
		for pe := range t.peers {
			t.updateInterestedState(pe)
		}
		t.startPieceDownloaders()
	}
}

// sendBitfieldToPeers updates peers that connected during the metadata
// phase, when we had nothing to advertise yet.
func (t *torrent) sendBitfieldToPeers() {
	if t.bitfield.Count() == 0 {
		return
	}
	data := make([]byte, len(t.bitfield.Bytes()))
	copy(data, t.bitfield.Bytes())
	for pe := range t.peers {
		pe.SendMessage(peerprotocol.BitfieldMessage{Data: data})
	}
}

// handleRecheck discards verification state so the next start re-hashes
// everything on disk.
func (t *torrent) handleRecheck() {
	if t.status() != Stopped {
		return
	}
	t.bitfield = nil
	t.pieces = nil
	t.completed = false
	t.completeC = make(chan struct{})
	t.log.Info("recheck scheduled; data will be verified on next start")
}
