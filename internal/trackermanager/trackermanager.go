// Package trackermanager parses announce URLs into the right Tracker
// implementation and caches one instance per URL, so torrents that share
// a tracker (common for multi-tracker swarms on the same site) share its
// connection state instead of each dialing independently.
package trackermanager

import (
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/goridge/internal/blocklist"
	"github.com/cenkalti/goridge/internal/tracker"
	"github.com/cenkalti/goridge/internal/tracker/httptracker"
	"github.com/cenkalti/goridge/internal/tracker/udptracker"
)

// TrackerManager caches Tracker instances by announce URL.
type TrackerManager struct {
	blocklist *blocklist.Blocklist

	mu       sync.Mutex
	trackers map[string]tracker.Tracker
}

// New returns a TrackerManager whose trackers filter response peers
// through bl.
func New(bl *blocklist.Blocklist) *TrackerManager {
	return &TrackerManager{blocklist: bl, trackers: make(map[string]tracker.Tracker)}
}

// Get returns the cached Tracker for rawURL, creating it (HTTP or UDP,
// by scheme) if this is the first time it's been seen.
func (m *TrackerManager) Get(rawURL string, timeout time.Duration, userAgent string) (tracker.Tracker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[rawURL]; ok {
		return t, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	var t tracker.Tracker
	switch u.Scheme {
	case "http", "https":
		t = httptracker.New(rawURL, timeout, userAgent, m.blocklist)
	case "udp", "udp4", "udp6":
		t, err = udptracker.New(rawURL, timeout, m.blocklist)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", tracker.ErrUnsupportedURL, u.Scheme)
	}
	m.trackers[rawURL] = t
	return t, nil
}
