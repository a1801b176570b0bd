package dht

import (
	"encoding/binary"
	"net"
	"time"
)

// Compact encodings (BEP 5): a node is 26 bytes (id || ip4 || port), a
// peer is one 6-byte (IPv4) or 18-byte (IPv6) entry per element of the
// "values" list.
const compactNodeLen = 26

func encodeCompactNodes(nodes []*Node) []byte {
	out := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		ip4 := n.Addr.IP.To4()
		if ip4 == nil {
			continue
		}
		ent := make([]byte, compactNodeLen)
		copy(ent[:20], n.ID[:])
		copy(ent[20:24], ip4)
		binary.BigEndian.PutUint16(ent[24:26], uint16(n.Addr.Port))
		out = append(out, ent...)
	}
	return out
}

func decodeCompactNodes(data []byte, now time.Time) []*Node {
	var nodes []*Node
	for i := 0; i+compactNodeLen <= len(data); i += compactNodeLen {
		var id NodeID
		copy(id[:], data[i:i+20])
		ip := make(net.IP, 4)
		copy(ip, data[i+20:i+24])
		port := binary.BigEndian.Uint16(data[i+24 : i+26])
		if port == 0 {
			continue
		}
		nodes = append(nodes, &Node{
			ID:       id,
			Addr:     &net.UDPAddr{IP: ip, Port: int(port)},
			LastSeen: now,
		})
	}
	return nodes
}

func encodeCompactPeer(addr *net.TCPAddr) []byte {
	if ip4 := addr.IP.To4(); ip4 != nil {
		ent := make([]byte, 6)
		copy(ent, ip4)
		binary.BigEndian.PutUint16(ent[4:], uint16(addr.Port))
		return ent
	}
	if ip16 := addr.IP.To16(); ip16 != nil {
		ent := make([]byte, 18)
		copy(ent, ip16)
		binary.BigEndian.PutUint16(ent[16:], uint16(addr.Port))
		return ent
	}
	return nil
}

// decodeCompactPeer parses one "values" entry, branching on the record
// width: 6 bytes IPv4, 18 bytes IPv6.
func decodeCompactPeer(data []byte) *net.TCPAddr {
	switch len(data) {
	case 6:
		ip := make(net.IP, 4)
		copy(ip, data[:4])
		return &net.TCPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(data[4:6]))}
	case 18:
		ip := make(net.IP, 16)
		copy(ip, data[:16])
		return &net.TCPAddr{IP: ip, Port: int(binary.BigEndian.Uint16(data[16:18]))}
	default:
		return nil
	}
}
