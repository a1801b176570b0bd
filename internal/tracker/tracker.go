// Package tracker defines the common Tracker interface implemented by
// the HTTP (BEP 3) and UDP (BEP 15) tracker clients.
package tracker

import (
	"context"
	"errors"
	"net"
	"time"
)

// Event accompanies an announce request, telling the tracker why we're
// talking to it.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// AnnounceRequest is everything a Tracker needs to build an announce
// call, independent of HTTP or UDP wire format.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Event      Event
	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
}

// AnnounceResponse is what every Tracker implementation normalizes its
// wire reply into.
type AnnounceResponse struct {
	Interval   time.Duration
	MinInterval time.Duration
	Peers      []*net.TCPAddr
	Leechers   int32
	Seeders    int32
	Warning    string
}

// ScrapeResponse reports swarm-wide counters for one torrent.
type ScrapeResponse struct {
	Complete   int32
	Incomplete int32
	Downloaded int32
}

// Tracker announces a torrent's status and retrieves peer addresses.
type Tracker interface {
	// URL is the tracker's announce URL, used for logging and resume
	// persistence (metainfo.GetTrackers round-trips this).
	URL() string
	Announce(ctx context.Context, req AnnounceRequest) (*AnnounceResponse, error)
	Scrape(ctx context.Context) (*ScrapeResponse, error)
}

// Typed errors common to both transports.
var (
	ErrNotReady        = errors.New("tracker: response not ready yet")
	ErrDecode          = errors.New("tracker: cannot decode response")
	ErrTrackerFailure  = errors.New("tracker: announce failed")
	ErrUnsupportedURL  = errors.New("tracker: unsupported announce URL scheme")
)
