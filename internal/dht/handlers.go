package dht

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/kadcrawl/kadcrawl/internal/dhtid"
	"github.com/kadcrawl/kadcrawl/internal/krpc"
)

// handleQuery dispatches an incoming KRPC query by method name. It is
// registered as the Transport's onQuery callback, so it runs on its own
// goroutine per datagram (see krpc.Transport.handleDatagram).
func (n *Node) handleQuery(addr *net.UDPAddr, msg krpc.Message) {
	if msg.A == nil {
		return
	}
	switch msg.Q {
	case krpc.QueryPing:
		atomic.AddInt64(&n.counters.Pings, 1)
		n.replyPing(addr, msg)
	case krpc.QueryFindNode:
		atomic.AddInt64(&n.counters.FindNodes, 1)
		n.replyFindNode(addr, msg)
	case krpc.QueryGetPeers:
		atomic.AddInt64(&n.counters.GetPeers, 1)
		n.replyGetPeers(addr, msg)
	case krpc.QueryAnnouncePeer:
		atomic.AddInt64(&n.counters.AnnouncePeers, 1)
		n.replyAnnouncePeer(addr, msg)
	}
}

func (n *Node) replyPing(addr *net.UDPAddr, msg krpc.Message) {
	reply := krpc.Message{
		TID:  msg.TID,
		Type: krpc.TypeResponse,
		R:    &krpc.Return{ID: dhtid.Alias(msg.A.ID, n.cfg.OwnID)},
	}
	_ = n.tr.Reply(addr, reply)
}

func (n *Node) replyFindNode(addr *net.UDPAddr, msg krpc.Message) {
	nodes := n.table.Sample(8)
	reply := krpc.Message{
		TID:  msg.TID,
		Type: krpc.TypeResponse,
		R: &krpc.Return{
			ID:    dhtid.Alias(msg.A.ID, n.cfg.OwnID),
			Nodes: dhtid.EncodeNodes(nodes),
		},
	}
	_ = n.tr.Reply(addr, reply)
}

// replyGetPeers is the heart of the Sybil: it answers with an id aliased to
// the queried info_hash, advertising itself as the closest known node to
// that infohash so the requester's next move is to announce_peer to us.
func (n *Node) replyGetPeers(addr *net.UDPAddr, msg krpc.Message) {
	infoHash := msg.A.InfoHash
	nodes := n.table.Sample(8)
	reply := krpc.Message{
		TID:  msg.TID,
		Type: krpc.TypeResponse,
		R: &krpc.Return{
			ID:    dhtid.Alias(infoHash, n.cfg.OwnID),
			Token: n.secret.tokenFor(addr.IP),
			Nodes: dhtid.EncodeNodes(nodes),
		},
	}
	_ = n.tr.Reply(addr, reply)

	n.considerInfoHash(infoHash, nil)
}

func (n *Node) replyAnnouncePeer(addr *net.UDPAddr, msg krpc.Message) {
	infoHash := msg.A.InfoHash
	reply := krpc.Message{
		TID:  msg.TID,
		Type: krpc.TypeResponse,
		R:    &krpc.Return{ID: dhtid.Alias(infoHash, n.cfg.OwnID)},
	}
	_ = n.tr.Reply(addr, reply)

	port := msg.A.Port
	if msg.A.HasImplied && msg.A.ImpliedPort {
		port = uint16(addr.Port)
	}
	n.considerInfoHash(infoHash, &dhtid.PeerContact{IP: addr.IP, Port: port})
}

// considerInfoHash checks the infohash filter and, when peer is non-nil and
// the infohash is new, submits a FetchRequest to the fetcher pool. A nil
// peer (the get_peers case) is ignored and nothing is recorded; there is no
// peer address to fetch from until the requester announces.
func (n *Node) considerInfoHash(h dhtid.ID, peer *dhtid.PeerContact) {
	if peer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	isNew, err := n.filter.IsNew(ctx, h)
	if err != nil {
		// Backend unavailable: assume new rather than risk losing a
		// torrent forever.
		isNew = true
	}
	if !isNew {
		return
	}
	n.fetch.Submit(h, *peer)
}
