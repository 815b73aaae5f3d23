package dht

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"net"
)

// tokenSecret is a process-lifetime secret used to derive get_peers tokens
// from a requester's IP. The Sybil node never needs to verify a presented
// token against an announce_peer (it always replies regardless, see
// handlers.go), so a simple keyed digest truncated to 2 bytes is sufficient;
// there is no secret-rotation window to manage.
type tokenSecret [20]byte

func newTokenSecret() tokenSecret {
	var s tokenSecret
	_, _ = rand.Read(s[:])
	return s
}

func (s tokenSecret) tokenFor(ip net.IP) []byte {
	mac := hmac.New(sha1.New, s[:])
	mac.Write(ip.To4())
	sum := mac.Sum(nil)
	return sum[:2]
}
