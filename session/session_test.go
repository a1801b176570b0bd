package session

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cenkalti/goridge/internal/bencode"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig
	cfg.Database = filepath.Join(dir, "session.db")
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.PortBegin = 58100
	cfg.PortEnd = 58200
	cfg.DHTEnabled = false
	cfg.RPCHost = ""
	cfg.MaxOpenFiles = 0
	return cfg
}

func buildTorrentBytes(t *testing.T) []byte {
	t.Helper()
	pieceLen := int64(16384)
	pieces := make([]byte, 2*20) // 2 pieces, dummy hashes
	info := map[string]interface{}{
		"name":         "artifact.bin",
		"piece length": pieceLen,
		"pieces":       string(pieces),
		"length":       pieceLen * 2,
	}
	infoBytes, err := bencode.Marshal(info)
	require.NoError(t, err)
	top := map[string]interface{}{
		"info": bencode.RawMessage(infoBytes),
	}
	b, err := bencode.Marshal(top)
	require.NoError(t, err)
	return b
}

func TestAddListRemoveTorrent(t *testing.T) {
	cfg := testConfig(t)
	ses, err := New(cfg)
	require.NoError(t, err)
	defer ses.Close()

	tor, err := ses.AddTorrent(bytes.NewReader(buildTorrentBytes(t)))
	require.NoError(t, err)
	assert.Equal(t, "artifact.bin", tor.Name())
	assert.Len(t, tor.InfoHash(), 20)

	list := ses.ListTorrents()
	require.Len(t, list, 1)
	assert.Equal(t, tor.ID(), list[0].ID())
	assert.Equal(t, tor, ses.GetTorrent(tor.ID()))

	stats := tor.Stats()
	assert.Equal(t, uint32(2), stats.Pieces.Total)
	assert.Equal(t, int64(2*16384), stats.Bytes.Total)

	require.NoError(t, ses.RemoveTorrent(tor.ID()))
	assert.Empty(t, ses.ListTorrents())
	assert.Nil(t, ses.GetTorrent(tor.ID()))
}

func TestAddMagnet(t *testing.T) {
	cfg := testConfig(t)
	ses, err := New(cfg)
	require.NoError(t, err)
	defer ses.Close()

	tor, err := ses.AddURI("magnet:?xt=urn:btih:c12fe1c06bba254a9dc9f519b335aa7c1367a88a&dn=magnet-name")
	require.NoError(t, err)
	assert.Equal(t, "magnet-name", tor.Name())
	stats := tor.Stats()
	assert.Equal(t, uint32(0), stats.Pieces.Total, "no metadata yet")
}

// A restarted session must list the same torrents (id, info-hash, name)
// in the same user state.
func TestSessionReloadPreservesTorrents(t *testing.T) {
	cfg := testConfig(t)

	ses, err := New(cfg)
	require.NoError(t, err)
	tor, err := ses.AddTorrent(bytes.NewReader(buildTorrentBytes(t)))
	require.NoError(t, err)
	id := tor.ID()
	infoHash := append([]byte(nil), tor.InfoHash()...)
	require.NoError(t, tor.Stop())
	require.NoError(t, ses.Close())

	ses2, err := New(cfg)
	require.NoError(t, err)
	defer ses2.Close()

	list := ses2.ListTorrents()
	require.Len(t, list, 1)
	got := list[0]
	assert.Equal(t, id, got.ID())
	assert.Equal(t, infoHash, got.InfoHash())
	assert.Equal(t, "artifact.bin", got.Name())

	// Give the command channel a moment in case Stop raced Close.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got.Stats().Status == Stopped {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, Stopped, got.Stats().Status)
}

func TestInvalidURIRejected(t *testing.T) {
	cfg := testConfig(t)
	ses, err := New(cfg)
	require.NoError(t, err)
	defer ses.Close()

	_, err = ses.AddURI("ftp://example.com/file.torrent")
	assert.Error(t, err)
}
