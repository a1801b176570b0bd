package udptracker

import (
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/tracker"
)

// fakeTracker answers the BEP 15 connect and announce actions on a
// loopback UDP socket.
func fakeTracker(t *testing.T) (addr string, done chan struct{}) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	done = make(chan struct{})
	const connID uint64 = 0xDEADBEEF12345678
	go func() {
		defer close(done)
		defer conn.Close()
		buf := make([]byte, 2048)
		for i := 0; i < 2; i++ {
			conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			switch {
			case n >= 16 && binary.BigEndian.Uint64(buf[0:8]) == 0x41727101980:
				// connect request
				txID := binary.BigEndian.Uint32(buf[12:16])
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], 0) // action connect
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], connID)
				conn.WriteTo(resp, raddr)
			case n >= 98:
				// announce request
				txID := binary.BigEndian.Uint32(buf[12:16])
				resp := make([]byte, 20+6*2)
				binary.BigEndian.PutUint32(resp[0:4], 1) // action announce
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800) // interval
				binary.BigEndian.PutUint32(resp[12:16], 5)   // leechers
				binary.BigEndian.PutUint32(resp[16:20], 7)   // seeders
				copy(resp[20:26], []byte{10, 0, 0, 1, 0x1A, 0xE1})
				copy(resp[26:32], []byte{10, 0, 0, 2, 0x1A, 0xE2})
				conn.WriteTo(resp, raddr)
			}
		}
	}()
	return conn.LocalAddr().String(), done
}

func TestConnectAndAnnounce(t *testing.T) {
	addr, done := fakeTracker(t)

	trk, err := New("udp://"+addr+"/announce", 5*time.Second, nil)
	require.NoError(t, err)

	var req tracker.AnnounceRequest
	copy(req.InfoHash[:], "aaaaaaaaaaaaaaaaaaaa")
	copy(req.PeerID[:], "-GR0001-cccccccccccc")
	req.Port = 6881
	req.NumWant = 50

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := trk.Announce(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, resp.Interval)
	assert.Equal(t, int32(5), resp.Leechers)
	assert.Equal(t, int32(7), resp.Seeders)
	require.Len(t, resp.Peers, 2)
	assert.Equal(t, "10.0.0.1:6881", resp.Peers[0].String())
	assert.Equal(t, "10.0.0.2:6882", resp.Peers[1].String())
	<-done
}

func TestEventMapping(t *testing.T) {
	assert.Equal(t, uint32(0), udpEvent(tracker.EventNone))
	assert.Equal(t, uint32(1), udpEvent(tracker.EventCompleted))
	assert.Equal(t, uint32(2), udpEvent(tracker.EventStarted))
	assert.Equal(t, uint32(3), udpEvent(tracker.EventStopped))
}
