// Package dht implements the Sybil DHT node: the KRPC-level state machine
// that impersonates neighbours of any infohash it observes, in order to
// attract get_peers/announce_peer traffic that it can hand off to the
// metadata fetcher pool.
package dht

import (
	"context"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadcrawl/kadcrawl/internal/dhtid"
	"github.com/kadcrawl/kadcrawl/internal/krpc"
	"github.com/kadcrawl/kadcrawl/internal/routing"
)

// InfohashFilter is the subset of internal/filter.Filter the node depends
// on: a membership oracle that decides whether an observed infohash is
// worth handing to the fetcher pool.
type InfohashFilter interface {
	IsNew(ctx context.Context, h dhtid.ID) (bool, error)
}

// FetchRequester is the subset of internal/fetch.Pool the node depends on.
type FetchRequester interface {
	Submit(infoHash dhtid.ID, peer dhtid.PeerContact)
}

// Counters are the per-node stats surfaced through the stats HTTP endpoint
// and periodic log line, grounded on the original crawler's node._cnt /
// node._skip / node._collisions / node._n_max_neighbours.
type Counters struct {
	NodesSeen       int64
	Pings           int64
	FindNodes       int64
	GetPeers        int64
	AnnouncePeers   int64
	MalformedDrop   int64
}

// Config configures a single Node (one per --port entry).
type Config struct {
	Addr          string
	OwnID         dhtid.ID
	MaxNeighbours int
	PollInterval  time.Duration
	PollBatch     int
	Bootstrap     []string
}

// Node owns one UDP socket, its routing table, and the pollination loop
// that keeps the table fed with fresh candidate contacts.
type Node struct {
	log    *log.Logger
	cfg    Config
	table  *routing.Table
	tr     *krpc.Transport
	secret tokenSecret

	filter InfohashFilter
	fetch  FetchRequester

	counters Counters

	recentInsertsMu sync.Mutex
	recentInserts   map[string]time.Time

	cancel context.CancelFunc
}

// New constructs a Node bound to cfg.Addr but does not yet start it.
func New(cfg Config, filter InfohashFilter, fetch FetchRequester) (*Node, error) {
	if cfg.MaxNeighbours <= 0 {
		cfg.MaxNeighbours = 2000
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.PollBatch <= 0 {
		cfg.PollBatch = 8
	}

	n := &Node{
		log:           log.New(os.Stderr, "[dht] ", log.LstdFlags),
		cfg:           cfg,
		table:         routing.New(cfg.MaxNeighbours),
		secret:        newTokenSecret(),
		filter:        filter,
		fetch:         fetch,
		recentInserts: make(map[string]time.Time),
	}

	tr, err := krpc.New(cfg.Addr, n.handleQuery, DefaultExclusions)
	if err != nil {
		return nil, err
	}
	n.tr = tr
	return n, nil
}

// LocalAddr returns the bound UDP address.
func (n *Node) LocalAddr() net.Addr {
	return n.tr.LocalAddr()
}

// RoutingTable exposes the table for the stats endpoint.
func (n *Node) RoutingTable() *routing.Table {
	return n.table
}

// Counters returns a snapshot of the node's stats counters.
func (n *Node) Counters() Counters {
	return Counters{
		NodesSeen:     atomic.LoadInt64(&n.counters.NodesSeen),
		Pings:         atomic.LoadInt64(&n.counters.Pings),
		FindNodes:     atomic.LoadInt64(&n.counters.FindNodes),
		GetPeers:      atomic.LoadInt64(&n.counters.GetPeers),
		AnnouncePeers: atomic.LoadInt64(&n.counters.AnnouncePeers),
		MalformedDrop: n.tr.Malformed(),
	}
}

// Start launches the receive loop, pollination loop, and bootstrap
// sequence, each on its own goroutine, and returns immediately; the
// background loops keep running until ctx is cancelled.
func (n *Node) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	go n.tr.Serve(ctx)
	go n.pollinationLoop(ctx)
	go n.bootstrap(ctx)
}

// Shutdown closes the node's socket and stops its background loops.
func (n *Node) Shutdown() {
	if n.cancel != nil {
		n.cancel()
	}
	_ = n.tr.Close()
}

func (n *Node) bootstrap(ctx context.Context) {
	bootstrap := n.cfg.Bootstrap
	if len(bootstrap) == 0 {
		bootstrap = DefaultBootstrapNodes
	}
	for _, host := range bootstrap {
		addr, err := net.ResolveUDPAddr("udp4", host)
		if err != nil {
			n.log.Printf("bootstrap resolve %s: %v", host, err)
			continue
		}
		msg := krpc.Message{
			Type: krpc.TypeQuery,
			Q:    krpc.QueryFindNode,
			A:    &krpc.Args{ID: n.cfg.OwnID, Target: n.cfg.OwnID},
		}
		go func(addr *net.UDPAddr) {
			resp, err := n.tr.Query(ctx, addr, msg)
			if err != nil {
				return
			}
			n.ingestNodes(resp.R)
		}(addr)
	}
}

// pollinationLoop periodically samples the routing table and sends each
// sampled contact a find_node for a random target, replenishing the table
// with fresh candidates returned in the responses.
func (n *Node) pollinationLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.pollinateOnce(ctx)
		}
	}
}

func (n *Node) pollinateOnce(ctx context.Context) {
	sample := n.table.Sample(n.cfg.PollBatch)
	for _, c := range sample {
		addr := &net.UDPAddr{IP: c.IP, Port: int(c.Port)}
		msg := krpc.Message{
			Type: krpc.TypeQuery,
			Q:    krpc.QueryFindNode,
			A:    &krpc.Args{ID: dhtid.Alias(c.ID, n.cfg.OwnID), Target: dhtid.Random()},
		}
		go func(addr *net.UDPAddr) {
			resp, err := n.tr.Query(ctx, addr, msg)
			if err != nil {
				return
			}
			n.ingestNodes(resp.R)
		}(addr)
	}
}

func (n *Node) ingestNodes(r *krpc.Return) {
	if r == nil || len(r.Nodes) == 0 {
		return
	}
	contacts, err := dhtid.DecodeNodes(r.Nodes)
	if err != nil {
		return
	}
	for _, c := range contacts {
		n.considerContact(c)
	}
}

// considerContact applies the exclusion list and a short dedup window
// before inserting into the routing table, so the same IP:port flooding us
// repeatedly doesn't churn the table or inflate NodesSeen.
func (n *Node) considerContact(c dhtid.NodeContact) {
	for _, ex := range DefaultExclusions {
		if ex.Contains(c.IP) {
			return
		}
	}
	key := c.IP.String()
	n.recentInsertsMu.Lock()
	if last, ok := n.recentInserts[key]; ok && time.Since(last) < 30*time.Second {
		n.recentInsertsMu.Unlock()
		return
	}
	n.recentInserts[key] = time.Now()
	n.recentInsertsMu.Unlock()

	atomic.AddInt64(&n.counters.NodesSeen, 1)
	n.table.Insert(c)
}
