package dhtid

import (
	"encoding/binary"
	"fmt"
	"net"
)

// NodeContact pairs a NodeID with the UDP address it was last heard from.
type NodeContact struct {
	ID   ID
	IP   net.IP
	Port uint16
}

// PeerContact is a bare IPv4:port, the compact form announce_peer and
// get_peers responses use for peers (as opposed to DHT nodes).
type PeerContact struct {
	IP   net.IP
	Port uint16
}

func (p PeerContact) String() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// nodeContactSize is the wire width of one compact node entry: 20-byte
// NodeID + 4-byte IPv4 + 2-byte big-endian port.
const nodeContactSize = Len + 4 + 2

// peerContactSize is the wire width of one compact peer entry.
const peerContactSize = 4 + 2

// EncodeNodes serialises contacts into the compact "nodes" string.
func EncodeNodes(contacts []NodeContact) []byte {
	buf := make([]byte, 0, len(contacts)*nodeContactSize)
	for _, c := range contacts {
		ip4 := c.IP.To4()
		if ip4 == nil {
			continue // IPv6 contacts are never crawled; drop silently
		}
		buf = append(buf, c.ID[:]...)
		buf = append(buf, ip4...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], c.Port)
		buf = append(buf, portBuf[:]...)
	}
	return buf
}

// DecodeNodes parses the compact "nodes" string into NodeContacts. The
// input length must be a multiple of nodeContactSize.
func DecodeNodes(b []byte) ([]NodeContact, error) {
	if len(b)%nodeContactSize != 0 {
		return nil, fmt.Errorf("dhtid: compact nodes length %d not a multiple of %d", len(b), nodeContactSize)
	}
	out := make([]NodeContact, 0, len(b)/nodeContactSize)
	for i := 0; i < len(b); i += nodeContactSize {
		var id ID
		copy(id[:], b[i:i+Len])
		ip := net.IPv4(b[i+Len], b[i+Len+1], b[i+Len+2], b[i+Len+3])
		port := binary.BigEndian.Uint16(b[i+Len+4 : i+Len+6])
		out = append(out, NodeContact{ID: id, IP: ip, Port: port})
	}
	return out, nil
}

// EncodePeers serialises contacts into the list-of-compact-peer-strings
// form used by get_peers' "values" key.
func EncodePeers(contacts []PeerContact) [][]byte {
	out := make([][]byte, 0, len(contacts))
	for _, c := range contacts {
		ip4 := c.IP.To4()
		if ip4 == nil {
			continue
		}
		buf := make([]byte, peerContactSize)
		copy(buf, ip4)
		binary.BigEndian.PutUint16(buf[4:], c.Port)
		out = append(out, buf)
	}
	return out
}

// DecodePeer parses a single compact peer string.
func DecodePeer(b []byte) (PeerContact, error) {
	if len(b) != peerContactSize {
		return PeerContact{}, fmt.Errorf("dhtid: compact peer length %d, want %d", len(b), peerContactSize)
	}
	ip := net.IPv4(b[0], b[1], b[2], b[3])
	port := binary.BigEndian.Uint16(b[4:6])
	return PeerContact{IP: ip, Port: port}, nil
}
