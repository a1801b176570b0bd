// Package announcer drives periodic tracker announces for one torrent:
// wait the tracker's interval, ask the torrent loop for current stats,
// announce, push discovered peers back.
package announcer

import (
	"context"
	"math/rand"
	"net"
	"time"

	"github.com/cenkalti/goridge/internal/logger"
	"github.com/cenkalti/goridge/internal/tracker"
)

const (
	minInterval     = 15 * time.Second
	defaultInterval = 30 * time.Minute
)

// Request is sent by the announcer to the torrent loop to fetch the
// latest counters right before announcing.
type Request struct {
	Response chan Response
	Cancel   chan struct{}
}

// Response carries the torrent snapshot the announcer needs.
type Response struct {
	Torrent tracker.Torrent
}

// PeriodicalAnnouncer announces to one tracker on its own schedule until
// Close is called, pushing discovered peers to PeersC and letting the
// torrent loop toggle urgency via NeedMorePeers.
type PeriodicalAnnouncer struct {
	tracker  tracker.Tracker
	log      logger.Logger
	requestC chan *Request
	peersC   chan<- []*net.TCPAddr

	needMoreC  chan bool
	completedC chan struct{}
	closeC     chan struct{}
	doneC      chan struct{}
}

// NewPeriodicalAnnouncer starts the announce loop in a goroutine. The
// first successful announce carries event=started; Completed switches
// the next one to event=completed.
func NewPeriodicalAnnouncer(trk tracker.Tracker, requestC chan *Request, peersC chan<- []*net.TCPAddr, log logger.Logger) *PeriodicalAnnouncer {
	a := &PeriodicalAnnouncer{
		tracker:    trk,
		log:        log,
		requestC:   requestC,
		peersC:     peersC,
		needMoreC:  make(chan bool, 1),
		completedC: make(chan struct{}, 1),
		closeC:     make(chan struct{}),
		doneC:      make(chan struct{}),
	}
	go a.run()
	return a
}

// Completed makes the next announce carry event=completed.
func (a *PeriodicalAnnouncer) Completed() {
	select {
	case a.completedC <- struct{}{}:
	default:
	}
}

// NeedMorePeers lets the torrent loop shorten the next wait when it's
// starved for peers.
func (a *PeriodicalAnnouncer) NeedMorePeers(val bool) {
	select {
	case a.needMoreC <- val:
	default:
	}
}

func (a *PeriodicalAnnouncer) Close() {
	close(a.closeC)
	<-a.doneC
}

func (a *PeriodicalAnnouncer) run() {
	defer close(a.doneC)
	interval := time.Duration(0)
	needMore := true
	event := tracker.EventStarted
	for {
		select {
		case <-a.closeC:
			return
		case <-a.completedC:
			event = tracker.EventCompleted
		case <-time.After(interval):
		}

		resp := a.fetchResponse()
		if resp == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), minInterval*4)
		ar, err := a.tracker.Announce(ctx, resp.Torrent.Request(event))
		cancel()
		if err != nil {
			a.log.Debugln("announce error:", err)
			interval = backoff(interval)
			continue
		}
		event = tracker.EventNone
		if len(ar.Peers) > 0 {
			select {
			case a.peersC <- ar.Peers:
			case <-a.closeC:
				return
			}
		}
		interval = ar.Interval
		if interval < minInterval {
			interval = minInterval
		}
		if ar.MinInterval > 0 && interval < ar.MinInterval {
			interval = ar.MinInterval
		}
		if interval == 0 {
			interval = defaultInterval
		}
		select {
		case needMore = <-a.needMoreC:
		default:
		}
		if needMore && interval > minInterval {
			interval = minInterval
		}
	}
}

func backoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return minInterval
	}
	next := prev * 2
	if next > defaultInterval {
		next = defaultInterval
	}
	// jitter to avoid synchronized retries against the same tracker
	next += time.Duration(rand.Int63n(int64(minInterval)))
	return next
}

func (a *PeriodicalAnnouncer) fetchResponse() *Response {
	req := &Request{Response: make(chan Response, 1), Cancel: make(chan struct{})}
	defer close(req.Cancel)
	select {
	case a.requestC <- req:
	case <-a.closeC:
		return nil
	}
	select {
	case r := <-req.Response:
		return &r
	case <-a.closeC:
		return nil
	}
}

// StopAnnouncer sends one "stopped" event announce to every tracker and
// closes once all of them finish or the timeout elapses — a courtesy so
// well-behaved trackers free our slot immediately instead of waiting out
// our last interval.
type StopAnnouncer struct {
	doneC chan struct{}
}

// NewStopAnnouncer fires the stopped event at every tracker in trackers
// concurrently.
func NewStopAnnouncer(trackers []tracker.Tracker, tr tracker.Torrent, timeout time.Duration, log logger.Logger) *StopAnnouncer {
	s := &StopAnnouncer{doneC: make(chan struct{})}
	go func() {
		defer close(s.doneC)
		done := make(chan struct{}, len(trackers))
		for _, trk := range trackers {
			go func(trk tracker.Tracker) {
				ctx, cancel := context.WithTimeout(context.Background(), timeout)
				defer cancel()
				if _, err := trk.Announce(ctx, tr.Request(tracker.EventStopped)); err != nil {
					log.Debugln("stopped announce error:", err)
				}
				done <- struct{}{}
			}(trk)
		}
		for range trackers {
			<-done
		}
	}()
	return s
}

func (s *StopAnnouncer) Close() { <-s.doneC }

// DHTAnnouncer is the DHT-facing counterpart of PeriodicalAnnouncer: it
// calls announceFunc (which enqueues a get_peers/announce cycle on the
// session's DHT node) on a fixed schedule, shortened while the torrent
// loop reports it's starved for peers, the same way it toggles urgency
// on tracker announcers.
type DHTAnnouncer struct {
	announce func()

	needMoreC chan bool
	closeC    chan struct{}
	doneC     chan struct{}
}

// NewDHTAnnouncer starts announcing via announceFunc every interval.
func NewDHTAnnouncer(announceFunc func(), interval time.Duration, log logger.Logger) *DHTAnnouncer {
	d := &DHTAnnouncer{
		announce:  announceFunc,
		needMoreC: make(chan bool, 1),
		closeC:    make(chan struct{}),
		doneC:     make(chan struct{}),
	}
	go d.run(interval, log)
	return d
}

// NeedMorePeers shortens the next announce wait while val is true.
func (d *DHTAnnouncer) NeedMorePeers(val bool) {
	select {
	case d.needMoreC <- val:
	default:
	}
}

func (d *DHTAnnouncer) Close() {
	close(d.closeC)
	<-d.doneC
}

func (d *DHTAnnouncer) run(interval time.Duration, log logger.Logger) {
	defer close(d.doneC)
	needMore := true
	wait := time.Duration(0)
	for {
		select {
		case <-time.After(wait):
			log.Debugln("requesting peers from dht")
			d.announce()
			if needMore {
				wait = minInterval
			} else {
				wait = interval
			}
		case needMore = <-d.needMoreC:
			if needMore && wait > minInterval {
				wait = minInterval
			}
		case <-d.closeC:
			return
		}
	}
}
