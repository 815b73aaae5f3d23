package dht

import "net"

// DefaultExclusions is the set of CIDR ranges the Sybil node refuses to
// learn contacts from or reply to: the RFC-1918 private ranges plus the
// CGNAT block, taken verbatim from the original crawler's EXCLUDE constant.
// Other special-purpose ranges (loopback, link-local, multicast, ...) are
// not excluded.
var DefaultExclusions = mustParseCIDRs(
	"10.0.0.0/8",
	"100.64.0.0/10",
	"172.16.0.0/12",
	"192.168.0.0/16",
)

// DefaultBootstrapNodes mirrors the original crawler's BOOTSTRAPPING_NODES.
var DefaultBootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			panic("dht: invalid built-in CIDR " + c)
		}
		out = append(out, n)
	}
	return out
}
