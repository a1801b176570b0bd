package metainfo

import (
	"bytes"
	"crypto/sha1" //nolint:gosec
	"testing"

	"github.com/cenkalti/goridge/internal/bencode"
)

func buildTorrent(t *testing.T, numPieces int) []byte {
	t.Helper()
	pieces := make([]byte, numPieces*PieceHashSize)
	for i := range pieces {
		pieces[i] = byte(i)
	}
	info := map[string]interface{}{
		"name":         "file.bin",
		"piece length": int64(16384),
		"pieces":       string(pieces),
		"length":       int64(16384 * numPieces),
	}
	infoBytes, err := bencode.Marshal(info)
	if err != nil {
		t.Fatal(err)
	}
	top := map[string]interface{}{
		"announce": "http://tracker.example/announce",
		"info":     bencode.RawMessage(infoBytes),
	}
	b, err := bencode.Marshal(top)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestParseTorrentAndInfoHash(t *testing.T) {
	raw := buildTorrent(t, 4)
	mi, err := New(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if mi.Announce != "http://tracker.example/announce" {
		t.Fatalf("unexpected announce: %s", mi.Announce)
	}
	if mi.Info.NumPieces != 4 {
		t.Fatalf("expected 4 pieces, got %d", mi.Info.NumPieces)
	}
	want := sha1.Sum(mi.RawInfo) //nolint:gosec
	if mi.Info.Hash != want {
		t.Fatalf("info hash mismatch")
	}
}

func TestGetTrackersDedup(t *testing.T) {
	mi := &MetaInfo{
		Announce:     "http://a/announce",
		AnnounceList: [][]string{{"http://a/announce", "http://b/announce"}},
	}
	got := mi.GetTrackers()
	if len(got) != 2 {
		t.Fatalf("expected 2 trackers, got %v", got)
	}
}
