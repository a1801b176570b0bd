package peerprotocol

import (
	"encoding/binary"
	"net"
)

// Compact peer entry widths: 4-byte IPv4 or 16-byte IPv6
// address followed by a 2-byte big-endian port.
const (
	CompactPeerLen   = 6
	CompactPeer6Len  = 18
)

// CompactPeers encodes addrs into the two compact strings a ut_pex
// message (or tracker response) carries: 6-byte entries for IPv4, 18-byte
// entries for IPv6. An address that is neither is skipped.
func CompactPeers(addrs []*net.TCPAddr) (v4, v6 []byte) {
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			ent := make([]byte, CompactPeerLen)
			copy(ent, ip4)
			binary.BigEndian.PutUint16(ent[4:], uint16(a.Port))
			v4 = append(v4, ent...)
		} else if ip16 := a.IP.To16(); ip16 != nil {
			ent := make([]byte, CompactPeer6Len)
			copy(ent, ip16)
			binary.BigEndian.PutUint16(ent[16:], uint16(a.Port))
			v6 = append(v6, ent...)
		}
	}
	return v4, v6
}

// ParseCompactPeers decodes a compact peer string. ipv6 selects the
// 18-byte record width; it must never be parsed with the 6-byte IPv4
// shape.
func ParseCompactPeers(data []byte, ipv6 bool) []*net.TCPAddr {
	entLen := CompactPeerLen
	ipLen := 4
	if ipv6 {
		entLen = CompactPeer6Len
		ipLen = 16
	}
	var addrs []*net.TCPAddr
	for i := 0; i+entLen <= len(data); i += entLen {
		ip := make(net.IP, ipLen)
		copy(ip, data[i:i+ipLen])
		port := binary.BigEndian.Uint16(data[i+ipLen : i+entLen])
		addrs = append(addrs, &net.TCPAddr{IP: ip, Port: int(port)})
	}
	return addrs
}
