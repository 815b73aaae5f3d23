// Package dhtid holds the 20-byte identifier type shared by node IDs and
// infohashes, plus the NodeID-aliasing trick the Sybil node relies on to
// look "closest" to whatever infohash a peer is querying.
package dhtid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Len is the width in bytes of every Mainline DHT identifier.
const Len = 20

// ID is a 160-bit Kademlia identifier: a NodeID or an infohash.
type ID [Len]byte

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns id as a slice, for bencode helpers that want []byte.
func (id ID) Bytes() []byte {
	return id[:]
}

// FromBytes validates that b is exactly Len bytes and copies it into an ID.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Len {
		return id, fmt.Errorf("dhtid: expected %d bytes, got %d", Len, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// Random returns a cryptographically random ID, used both for the process's
// own identity and for find_node pollination targets.
func Random() ID {
	var id ID
	_, _ = rand.Read(id[:])
	return id
}

// Alias computes alias(h) = h[0:15] || ownID[15:20]: an ID that shares its
// first 15 bytes with h (so XOR distance to h is small) while its last 5
// bytes still carry the Sybil's own identity material. Used both to mimic
// closeness to an infohash in get_peers/announce_peer replies and to derive
// the id echoed back to a querying peer.
func Alias(h ID, ownID ID) ID {
	var out ID
	copy(out[:15], h[:15])
	copy(out[15:], ownID[15:])
	return out
}

// XORDistance returns a XOR b as a 160-bit big-endian value, usable only for
// byte-wise comparison (not arithmetic); smaller first-differing byte means
// closer in the Kademlia metric.
func XORDistance(a, b ID) ID {
	var out ID
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// Less reports whether a is closer to the origin than b under the XOR
// metric, i.e. whether a < b as a 160-bit unsigned integer.
func Less(a, b ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
