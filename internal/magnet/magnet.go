// Package magnet parses magnet: URIs (BEP 9's entry point: a torrent known
// only by info-hash until metadata is fetched from peers).
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
}

// New parses a magnet: URI such as
// "magnet:?xt=urn:btih:<hex-or-base32>&dn=name&tr=http://tracker".
func New(uri string) (*Magnet, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errors.New("magnet: not a magnet URI")
	}
	q := u.Query()
	m := &Magnet{Trackers: q["tr"], Name: q.Get("dn")}

	var found bool
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		ih, err := decodeInfoHash(strings.TrimPrefix(xt, prefix))
		if err != nil {
			return nil, err
		}
		m.InfoHash = ih
		found = true
		break
	}
	if !found {
		return nil, errors.New("magnet: missing urn:btih info-hash")
	}
	return m, nil
}

func decodeInfoHash(s string) ([20]byte, error) {
	var ih [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return ih, err
		}
		copy(ih[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return ih, err
		}
		copy(ih[:], b)
	default:
		return ih, errors.New("magnet: invalid info-hash length")
	}
	return ih, nil
}

// String renders m back into a magnet: URI, used when persisting a
// magnet-only torrent for resume.
func (m *Magnet) String() string {
	v := url.Values{}
	v.Set("xt", "urn:btih:"+hex.EncodeToString(m.InfoHash[:]))
	if m.Name != "" {
		v.Set("dn", m.Name)
	}
	var sb strings.Builder
	sb.WriteString("magnet:?")
	sb.WriteString(v.Encode())
	for _, tr := range m.Trackers {
		sb.WriteString("&tr=")
		sb.WriteString(url.QueryEscape(tr))
	}
	return sb.String()
}
