// Package metainfo supports reading .torrent files (the bencoded metainfo
// dictionary of BEP 3) and the parsed "info" sub-dictionary they carry.
package metainfo

import (
	"errors"
	"io"

	"github.com/cenkalti/goridge/internal/bencode"
)

// MetaInfo is the top-level dictionary of a .torrent file.
type MetaInfo struct {
	Info         *Info              `bencode:"-"`
	RawInfo      bencode.RawMessage `bencode:"info"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	CreationDate int64              `bencode:"creation date"`
	Comment      string             `bencode:"comment"`
	CreatedBy    string             `bencode:"created by"`
	Encoding     string             `bencode:"encoding"`
}

// New parses a .torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	var mi MetaInfo
	if err := bencode.NewDecoder(r).Decode(&mi); err != nil {
		return nil, err
	}
	if len(mi.RawInfo) == 0 {
		return nil, errors.New("metainfo: no info dict in torrent file")
	}
	var err error
	mi.Info, err = NewInfo(mi.RawInfo)
	return &mi, err
}

// GetTrackers flattens announce / announce-list into a single ordered,
// deduplicated list, the way every BEP 12-aware client does.
func (m *MetaInfo) GetTrackers() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		if s == "" {
			return
		}
		if _, ok := seen[s]; ok {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	add(m.Announce)
	for _, tier := range m.AnnounceList {
		for _, tr := range tier {
			add(tr)
		}
	}
	return out
}
