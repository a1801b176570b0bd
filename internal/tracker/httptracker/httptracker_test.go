package httptracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/bencode"
	"github.com/cenkalti/goridge/internal/tracker"
)

func announceReq() tracker.AnnounceRequest {
	var req tracker.AnnounceRequest
	copy(req.InfoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(req.PeerID[:], "-GR0001-bbbbbbbbbbbb")
	req.Port = 6881
	req.Event = tracker.EventStarted
	req.NumWant = 50
	return req
}

// A response carrying N compact peers yields one AnnounceResponse with
// all N addresses; peers are never delivered one at a time.
func TestAnnounceCompactPeers(t *testing.T) {
	compact := []byte{
		192, 168, 1, 1, 0x1A, 0xE1, // 192.168.1.1:6881
		192, 168, 1, 2, 0x1A, 0xE2,
		192, 168, 1, 3, 0x1A, 0xE3,
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "started", r.URL.Query().Get("event"))
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		body, _ := bencode.Marshal(map[string]interface{}{
			"interval": 900,
			"peers":    string(compact),
		})
		w.Write(body)
	}))
	defer srv.Close()

	trk := New(srv.URL+"/announce", 5*time.Second, "test-agent", nil)
	resp, err := trk.Announce(context.Background(), announceReq())
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, resp.Interval)
	require.Len(t, resp.Peers, 3)
	assert.Equal(t, "192.168.1.1:6881", resp.Peers[0].String())
	assert.Equal(t, "192.168.1.3:6883", resp.Peers[2].String())
}

func TestAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]interface{}{
			"failure reason": "torrent not registered",
		})
		w.Write(body)
	}))
	defer srv.Close()

	trk := New(srv.URL+"/announce", 5*time.Second, "", nil)
	_, err := trk.Announce(context.Background(), announceReq())
	require.Error(t, err)
	assert.ErrorIs(t, err, tracker.ErrTrackerFailure)
	assert.Contains(t, err.Error(), "torrent not registered")
}

func TestAnnounceDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := bencode.Marshal(map[string]interface{}{
			"interval": 60,
			"peers": []interface{}{
				map[string]interface{}{"ip": "10.0.0.1", "port": 6881},
			},
		})
		w.Write(body)
	}))
	defer srv.Close()

	trk := New(srv.URL+"/announce", 5*time.Second, "", nil)
	resp, err := trk.Announce(context.Background(), announceReq())
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.Equal(t, "10.0.0.1:6881", resp.Peers[0].String())
}
