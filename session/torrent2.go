package session

import (
	"net"
	"time"

	"github.com/boltdb/bolt"
)

// Torrent is the public handle the session hands out for one managed
// torrent. It persists start/stop intent so the next session load
// resumes in the same state, then delegates to the internal event loop.
type Torrent struct {
	session      *Session
	torrent      *torrent
	id           string
	port         uint16
	createdAt    time.Time
	dhtAnnouncer *dhtAnnouncer
	removed      chan struct{}
}

// ID is the session-unique identifier of this torrent.
func (t *Torrent) ID() string { return t.id }

// Name of the torrent.
func (t *Torrent) Name() string { return t.torrent.Name() }

// InfoHash is the 20-byte identifier of the torrent.
func (t *Torrent) InfoHash() []byte { return t.torrent.InfoHash() }

// CreatedAt is when the torrent was added to the session.
func (t *Torrent) CreatedAt() time.Time { return t.createdAt }

// Port is the TCP port this torrent listens on for peers.
func (t *Torrent) Port() uint16 { return t.port }

// Start begins or resumes network activity, persisting the intent so a
// session restart auto-starts it.
func (t *Torrent) Start() error {
	if err := t.session.writeStarted(t.id, true); err != nil {
		return err
	}
	t.torrent.Start()
	return nil
}

// Stop halts network activity and persists state.
func (t *Torrent) Stop() error {
	if err := t.session.writeStarted(t.id, false); err != nil {
		return err
	}
	t.torrent.Stop()
	return nil
}

// Recheck schedules a full hash check of on-disk data at the next
// start. Only valid while stopped.
func (t *Torrent) Recheck() { t.torrent.Recheck() }

// Stats returns a point-in-time snapshot.
func (t *Torrent) Stats() Stats { return t.torrent.Stats() }

// Trackers lists the torrent's announce targets.
func (t *Torrent) Trackers() []Tracker { return t.torrent.Trackers() }

// Peers lists currently connected peers.
func (t *Torrent) Peers() []Peer { return t.torrent.Peers() }

// AddPeers feeds addresses into the swarm by hand.
func (t *Torrent) AddPeers(addrs []*net.TCPAddr) { t.torrent.AddPeers(addrs) }

// NotifyError returns a channel that yields the torrent's fatal error
// once it stops due to one (nil on clean stop).
func (t *Torrent) NotifyError() <-chan error { return t.torrent.NotifyError() }

// NotifyListen returns a channel that yields the listen port once the
// acceptor is up.
func (t *Torrent) NotifyListen() <-chan int { return t.torrent.NotifyListen() }

// NotifyComplete returns a channel closed when the download finishes.
func (t *Torrent) NotifyComplete() <-chan struct{} { return t.torrent.NotifyComplete() }

func (s *Session) writeStarted(id string, started bool) error {
	v := []byte("0")
	if started {
		v = []byte("1")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(torrentsBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		return b.Put([]byte("started"), v)
	})
}

// Command methods on the internal torrent; each hands off to the run
// loop and returns.

func (t *torrent) Start() {
	select {
	case t.startCommandC <- struct{}{}:
	case <-t.doneC:
	}
}

func (t *torrent) Stop() {
	select {
	case t.stopCommandC <- struct{}{}:
	case <-t.doneC:
	}
}

func (t *torrent) Recheck() {
	select {
	case t.verifyCommandC <- struct{}{}:
	case <-t.doneC:
	}
}

// Close stops the torrent and terminates its event loop. Blocks until
// teardown finishes.
func (t *torrent) Close() {
	done := make(chan struct{})
	select {
	case t.closeC <- done:
		<-done
	case <-t.doneC:
	}
}

func (t *torrent) Stats() Stats {
	req := statsRequest{Response: make(chan Stats, 1)}
	select {
	case t.statsCommandC <- req:
	case <-t.doneC:
		return Stats{}
	}
	select {
	case s := <-req.Response:
		return s
	case <-t.doneC:
		return Stats{}
	}
}

func (t *torrent) Trackers() []Tracker {
	req := trackersRequest{Response: make(chan []Tracker, 1)}
	select {
	case t.trackersCommandC <- req:
	case <-t.doneC:
		return nil
	}
	select {
	case trackers := <-req.Response:
		return trackers
	case <-t.doneC:
		return nil
	}
}

func (t *torrent) Peers() []Peer {
	req := peersRequest{Response: make(chan []Peer, 1)}
	select {
	case t.peersCommandC <- req:
	case <-t.doneC:
		return nil
	}
	select {
	case peers := <-req.Response:
		return peers
	case <-t.doneC:
		return nil
	}
}

func (t *torrent) AddPeers(addrs []*net.TCPAddr) {
	select {
	case t.addPeersCommandC <- addrs:
	case <-t.doneC:
	}
}

func (t *torrent) NotifyError() <-chan error {
	cmd := notifyErrorCommand{errCC: make(chan chan error, 1)}
	select {
	case t.notifyErrorCommandC <- cmd:
	case <-t.doneC:
		return nil
	}
	select {
	case c := <-cmd.errCC:
		return c
	case <-t.doneC:
		return nil
	}
}

func (t *torrent) NotifyListen() <-chan int {
	cmd := notifyListenCommand{portCC: make(chan chan int, 1)}
	select {
	case t.notifyListenCommandC <- cmd:
	case <-t.doneC:
		return nil
	}
	select {
	case c := <-cmd.portCC:
		return c
	case <-t.doneC:
		return nil
	}
}

func (t *torrent) NotifyComplete() <-chan struct{} { return t.completeC }
