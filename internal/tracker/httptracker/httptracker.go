// Package httptracker implements the HTTP/HTTPS tracker protocol (BEP 3):
// a GET with URL-encoded query parameters, a bencoded reply with a "peers"
// key of compact peer entries. Uses valyala/fasthttp for the transport:
// allocation-light, and a natural fit for a component that may be
// polling dozens of trackers concurrently.
package httptracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/cenkalti/goridge/internal/bencode"
	"github.com/cenkalti/goridge/internal/blocklist"
	"github.com/cenkalti/goridge/internal/tracker"
)

// Tracker is an HTTP(S) BEP 3 tracker client.
type Tracker struct {
	rawURL    string
	timeout   time.Duration
	userAgent string
	blocklist *blocklist.Blocklist
	client    *fasthttp.Client
}

// New returns a Tracker for rawURL. Requests time out after timeout and
// advertise userAgent.
func New(rawURL string, timeout time.Duration, userAgent string, bl *blocklist.Blocklist) *Tracker {
	return &Tracker{
		rawURL:    rawURL,
		timeout:   timeout,
		userAgent: userAgent,
		blocklist: bl,
		client:    &fasthttp.Client{MaxConnsPerHost: 2},
	}
}

func (t *Tracker) URL() string { return t.rawURL }

// Announce performs one HTTP GET announce, per BEP 3 request parameters.
func (t *Tracker) Announce(ctx context.Context, req tracker.AnnounceRequest) (*tracker.AnnounceResponse, error) {
	u, err := url.Parse(t.rawURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(req.Port))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	q.Set("numwant", strconv.Itoa(req.NumWant))
	if ev := req.Event.String(); ev != "" {
		q.Set("event", ev)
	}
	u.RawQuery = q.Encode()

	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(freq)
	defer fasthttp.ReleaseResponse(fresp)

	freq.SetRequestURI(u.String())
	freq.Header.SetMethod(fasthttp.MethodGet)
	if t.userAgent != "" {
		freq.Header.SetUserAgent(t.userAgent)
	}

	timeout := t.timeout
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d < timeout {
			timeout = d
		}
	}
	if err := t.client.DoTimeout(freq, fresp, timeout); err != nil {
		return nil, err
	}
	if fresp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", tracker.ErrTrackerFailure, fresp.StatusCode())
	}
	return decodeAnnounceResponse(fresp.Body(), t.blocklist)
}

type wireResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Warning       string      `bencode:"warning message"`
	Interval      int32       `bencode:"interval"`
	MinInterval   int32       `bencode:"min interval"`
	Complete      int32       `bencode:"complete"`
	Incomplete    int32       `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
}

func decodeAnnounceResponse(body []byte, bl *blocklist.Blocklist) (*tracker.AnnounceResponse, error) {
	var wr wireResponse
	if err := bencode.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("%w: %s", tracker.ErrDecode, err)
	}
	if wr.FailureReason != "" {
		return nil, fmt.Errorf("%w: %s", tracker.ErrTrackerFailure, wr.FailureReason)
	}
	peers, err := decodePeers(wr.Peers)
	if err != nil {
		return nil, err
	}
	if bl != nil {
		filtered := peers[:0]
		for _, p := range peers {
			if !bl.Blocked(p.IP) {
				filtered = append(filtered, p)
			}
		}
		peers = filtered
	}
	return &tracker.AnnounceResponse{
		Interval:    time.Duration(wr.Interval) * time.Second,
		MinInterval: time.Duration(wr.MinInterval) * time.Second,
		Peers:       peers,
		Seeders:     wr.Complete,
		Leechers:    wr.Incomplete,
		Warning:     wr.Warning,
	}, nil
}

// decodePeers handles both the compact ("peers" as a binary string of
// 6-byte entries) and the original (list of {ip, port} dicts) forms BEP 3
// allows.
func decodePeers(v interface{}) ([]*net.TCPAddr, error) {
	switch p := v.(type) {
	case string:
		return decodeCompactPeers([]byte(p)), nil
	case []interface{}:
		var addrs []*net.TCPAddr
		for _, e := range p {
			dict, ok := e.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := dict["ip"].(string)
			portVal, _ := dict["port"].(int64)
			ip := net.ParseIP(ipStr)
			if ip == nil {
				continue
			}
			addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(portVal)})
		}
		return addrs, nil
	default:
		return nil, nil
	}
}

func decodeCompactPeers(b []byte) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for i := 0; i+6 <= len(b); i += 6 {
		ip := net.IP(append([]byte(nil), b[i:i+4]...))
		port := binary.BigEndian.Uint16(b[i+4 : i+6])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return addrs
}

// Scrape queries the tracker's scrape endpoint, derived from the announce
// URL by replacing the last "/announce" path segment with "/scrape" per
// the BEP 3 scrape convention.
func (t *Tracker) Scrape(ctx context.Context) (*tracker.ScrapeResponse, error) {
	u, err := url.Parse(t.rawURL)
	if err != nil {
		return nil, err
	}
	const suffix = "/announce"
	if len(u.Path) < len(suffix) || u.Path[len(u.Path)-len(suffix):] != suffix {
		return nil, fmt.Errorf("tracker: scrape not supported for %s", t.rawURL)
	}
	u.Path = u.Path[:len(u.Path)-len(suffix)] + "/scrape"

	freq := fasthttp.AcquireRequest()
	fresp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(freq)
	defer fasthttp.ReleaseResponse(fresp)
	freq.SetRequestURI(u.String())
	if err := t.client.DoTimeout(freq, fresp, t.timeout); err != nil {
		return nil, err
	}
	var wr struct {
		Files map[string]struct {
			Complete   int32 `bencode:"complete"`
			Incomplete int32 `bencode:"incomplete"`
			Downloaded int32 `bencode:"downloaded"`
		} `bencode:"files"`
	}
	if err := bencode.Unmarshal(fresp.Body(), &wr); err != nil {
		return nil, fmt.Errorf("%w: %s", tracker.ErrDecode, err)
	}
	for _, f := range wr.Files {
		return &tracker.ScrapeResponse{Complete: f.Complete, Incomplete: f.Incomplete, Downloaded: f.Downloaded}, nil
	}
	return nil, tracker.ErrNotReady
}
