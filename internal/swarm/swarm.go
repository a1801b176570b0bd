// Package swarm is the single source of truth for the peer set of one
// torrent: every address any discovery source has produced, what state
// it is in (idle, connecting, connected, failed, banned), how often
// connecting to it has failed, and which peer identity it turned out to
// belong to. The torrent loop asks it for dial candidates; failed
// entries come back only after an exponential backoff, banned entries
// never do.
package swarm

import (
	"math/rand"
	"net"
	"time"
)

// Source records which discovery mechanism produced an address.
type Source int

const (
	Tracker Source = iota
	PEX
	DHT
	LPD
	Incoming
	Manual
)

func (s Source) String() string {
	switch s {
	case Tracker:
		return "tracker"
	case PEX:
		return "pex"
	case DHT:
		return "dht"
	case LPD:
		return "lpd"
	case Incoming:
		return "incoming"
	case Manual:
		return "manual"
	default:
		return "unknown"
	}
}

// State is the lifecycle state of one swarm entry.
type State int

const (
	Idle State = iota
	Connecting
	Connected
	Failed
	Banned
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	case Banned:
		return "banned"
	default:
		return "unknown"
	}
}

// Connect-failure backoff bounds: 1s * 2^failures, capped at 5 minutes.
const (
	backoffBase = time.Second
	backoffMax  = 5 * time.Minute
)

// Backoff returns how long an entry with the given failure count stays
// out of the dial pool: backoffBase * 2^failures, capped at backoffMax.
func Backoff(failures int) time.Duration {
	if failures < 0 {
		failures = 0
	}
	if failures > 20 {
		return backoffMax
	}
	d := backoffBase * time.Duration(1<<uint(failures))
	if d > backoffMax {
		return backoffMax
	}
	return d
}

// Entry is everything known about one peer address.
type Entry struct {
	Addr   *net.TCPAddr
	Source Source
	State  State

	// PeerID is the identity learned during the wire handshake; zero
	// until the first successful connection.
	PeerID    [20]byte
	HasPeerID bool
	// ClientName is the "v" string from the peer's extension handshake.
	ClientName string

	ConnectAttempts    int
	ConnectFailures    int
	LastConnectAttempt time.Time
	LastConnectError   error
	BanReason          string

	TotalDownloaded int64
	TotalUploaded   int64
}

// Key is the entry's canonical index key (AddressKey of its address).
func (e *Entry) Key() string { return AddressKey(e.Addr) }

// AddressKey normalizes addr into the canonical "host:port" index key:
// IPv4-mapped IPv6 folds to plain IPv4, IPv6 renders compressed
// lowercase and bracketed ("[2001:db8::1]:6881").
func AddressKey(addr *net.TCPAddr) string {
	ip := addr.IP
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	return (&net.TCPAddr{IP: ip, Port: addr.Port}).String()
}

// Swarm tracks all entries of one torrent.
type Swarm struct {
	maxSize int

	entries map[string]*Entry
	// peerIDIndex maps a peer-id (hex) to the non-empty set of entry
	// keys observed bearing it; two addresses with the same id are one
	// identity.
	peerIDIndex map[string]map[string]struct{}

	bySource map[Source]int
}

// New returns a Swarm holding at most maxSize entries; dial candidates
// (idle/failed) are evicted first once full, connected and banned
// entries never are.
func New(maxSize int) *Swarm {
	return &Swarm{
		maxSize:     maxSize,
		entries:     make(map[string]*Entry),
		peerIDIndex: make(map[string]map[string]struct{}),
		bySource:    make(map[Source]int),
	}
}

// Len reports how many entries the swarm holds.
func (s *Swarm) Len() int { return len(s.entries) }

// Get returns the entry for addr, or nil.
func (s *Swarm) Get(addr *net.TCPAddr) *Entry {
	return s.entries[AddressKey(addr)]
}

// Add records addrs from source. The first source to report an address
// wins; duplicates are ignored. Returns how many entries were new.
func (s *Swarm) Add(addrs []*net.TCPAddr, source Source) int {
	var added int
	for _, addr := range addrs {
		key := AddressKey(addr)
		if _, ok := s.entries[key]; ok {
			continue
		}
		if s.maxSize > 0 && len(s.entries) >= s.maxSize && !s.evictOne() {
			break
		}
		s.entries[key] = &Entry{Addr: addr, Source: source, State: Idle}
		s.bySource[source]++
		added++
	}
	return added
}

// evictOne drops one idle or failed entry to make room, preferring the
// most-failed one. Reports false when nothing is evictable.
func (s *Swarm) evictOne() bool {
	var victim *Entry
	for _, e := range s.entries {
		if e.State != Idle && e.State != Failed {
			continue
		}
		if victim == nil || e.ConnectFailures > victim.ConnectFailures {
			victim = e
		}
	}
	if victim == nil {
		return false
	}
	s.remove(victim)
	return true
}

func (s *Swarm) remove(e *Entry) {
	key := e.Key()
	delete(s.entries, key)
	s.bySource[e.Source]--
	if s.bySource[e.Source] == 0 {
		delete(s.bySource, e.Source)
	}
	s.dropFromIDIndex(e, key)
}

func (s *Swarm) dropFromIDIndex(e *Entry, key string) {
	if !e.HasPeerID {
		return
	}
	hexID := idHex(e.PeerID)
	if set, ok := s.peerIDIndex[hexID]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(s.peerIDIndex, hexID)
		}
	}
}

func idHex(id [20]byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, 40)
	for i, b := range id {
		out[i*2] = digits[b>>4]
		out[i*2+1] = digits[b&0x0f]
	}
	return string(out)
}

// candidateScanCap bounds how many connectable entries are collected
// before shuffling, so huge swarms never pay a full sort per refill.
const candidateScanCap = 500

// ConnectablePeers returns up to limit entries worth dialing now:
// not connected, not connecting, not banned, and not failed within
// their backoff window. Candidates are shuffled; collection stops after
// min(3*limit, 500) entries.
func (s *Swarm) ConnectablePeers(limit int, now time.Time) []*Entry {
	if limit <= 0 {
		return nil
	}
	scanCap := 3 * limit
	if scanCap > candidateScanCap {
		scanCap = candidateScanCap
	}
	candidates := make([]*Entry, 0, scanCap)
	for _, e := range s.entries {
		switch e.State {
		case Connected, Connecting, Banned:
			continue
		case Failed:
			if now.Sub(e.LastConnectAttempt) < Backoff(e.ConnectFailures) {
				continue
			}
		}
		candidates = append(candidates, e)
		if len(candidates) >= scanCap {
			break
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// MarkConnecting transitions addr into Connecting, recording the dial
// attempt. Unknown addresses are registered first (source Manual).
func (s *Swarm) MarkConnecting(addr *net.TCPAddr, now time.Time) {
	e := s.ensure(addr, Manual)
	e.State = Connecting
	e.ConnectAttempts++
	e.LastConnectAttempt = now
}

// MarkConnected transitions addr into Connected and indexes the peer id
// learned during the handshake. When the entry previously carried a
// different id, it moves between index buckets atomically.
func (s *Swarm) MarkConnected(addr *net.TCPAddr, peerID [20]byte) {
	e := s.ensure(addr, Incoming)
	key := e.Key()
	if e.HasPeerID && e.PeerID != peerID {
		s.dropFromIDIndex(e, key)
	}
	e.State = Connected
	e.ConnectFailures = 0
	e.LastConnectError = nil
	e.PeerID = peerID
	e.HasPeerID = true
	hexID := idHex(peerID)
	set, ok := s.peerIDIndex[hexID]
	if !ok {
		set = make(map[string]struct{})
		s.peerIDIndex[hexID] = set
	}
	set[key] = struct{}{}
}

// MarkFailed transitions a dial that never completed into Failed,
// growing its backoff.
func (s *Swarm) MarkFailed(addr *net.TCPAddr, err error) {
	e := s.entries[AddressKey(addr)]
	if e == nil || e.State == Banned {
		return
	}
	e.State = Failed
	e.ConnectFailures++
	e.LastConnectError = err
}

// MarkIdle transitions a closed connection back to Idle; the entry
// keeps its learned peer id (the identity was observed, the address
// just isn't connected right now).
func (s *Swarm) MarkIdle(addr *net.TCPAddr) {
	e := s.entries[AddressKey(addr)]
	if e == nil || e.State == Banned {
		return
	}
	e.State = Idle
}

// Ban transitions addr into Banned; it never re-enters the dial pool.
func (s *Swarm) Ban(addr *net.TCPAddr, reason string) {
	e := s.ensure(addr, Manual)
	e.State = Banned
	e.BanReason = reason
}

// SetClientName records the peer's advertised client string.
func (s *Swarm) SetClientName(addr *net.TCPAddr, name string) {
	if e := s.entries[AddressKey(addr)]; e != nil {
		e.ClientName = name
	}
}

// AddTransfer accumulates per-address traffic counters.
func (s *Swarm) AddTransfer(addr *net.TCPAddr, downloaded, uploaded int64) {
	if e := s.entries[AddressKey(addr)]; e != nil {
		e.TotalDownloaded += downloaded
		e.TotalUploaded += uploaded
	}
}

func (s *Swarm) ensure(addr *net.TCPAddr, source Source) *Entry {
	key := AddressKey(addr)
	e, ok := s.entries[key]
	if !ok {
		e = &Entry{Addr: addr, Source: source, State: Idle}
		s.entries[key] = e
		s.bySource[source]++
	}
	return e
}

// Reset drops every entry that is not connected or banned, e.g. once a
// torrent completes and no longer dials.
func (s *Swarm) Reset() {
	for _, e := range s.entries {
		if e.State == Connected || e.State == Banned {
			continue
		}
		s.remove(e)
	}
}

// Stats is an aggregate view of the swarm.
type Stats struct {
	Total      int
	BySource   map[string]int
	Idle       int
	Connecting int
	Connected  int
	Failed     int
	Banned     int
	// Identities counts distinct peer ids; two addresses bearing the
	// same id are one identity.
	Identities int
}

// Stats summarizes the swarm's entries.
func (s *Swarm) Stats() Stats {
	st := Stats{
		Total:      len(s.entries),
		BySource:   make(map[string]int, len(s.bySource)),
		Identities: len(s.peerIDIndex),
	}
	for src, n := range s.bySource {
		st.BySource[src.String()] = n
	}
	for _, e := range s.entries {
		switch e.State {
		case Idle:
			st.Idle++
		case Connecting:
			st.Connecting++
		case Connected:
			st.Connected++
		case Failed:
			st.Failed++
		case Banned:
			st.Banned++
		}
	}
	return st
}
