// Command kadcrawld is the autonomous DHT Sybil crawler's entrypoint: it
// wires the bencode codec, KRPC transport, Sybil DHT node(s), fetcher pool,
// infohash filter, and persistence façade together, and runs an orderly
// shutdown sequence on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kadcrawl/kadcrawl/internal/config"
	"github.com/kadcrawl/kadcrawl/internal/dht"
	"github.com/kadcrawl/kadcrawl/internal/dhtid"
	"github.com/kadcrawl/kadcrawl/internal/fetch"
	"github.com/kadcrawl/kadcrawl/internal/filter"
	"github.com/kadcrawl/kadcrawl/internal/persistence"
	"github.com/kadcrawl/kadcrawl/internal/statsserver"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("kadcrawld v%s starting (ports=%v host=%s)", Version, cfg.Ports, cfg.Host)

	if !cfg.IsPostgres() {
		log.Fatalf("config: --database %q: only postgres:// and postgresql:// DSNs are supported", cfg.Database)
	}

	store, err := persistence.Open(cfg.Database, cfg.BatchSize)
	if err != nil {
		log.Printf("database unreachable at startup: %v", err)
		os.Exit(1)
	}

	var cache *redis.Client
	if cfg.Memcache != "" {
		cache = redis.NewClient(&redis.Options{Addr: cfg.Memcache})
	}

	if cfg.HeatMemcache {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := filter.HeatCache(ctx, store, cache, 10_000); err != nil {
			log.Fatalf("heat-memcache: %v", err)
		}
		log.Println("heat-memcache: done")
		return
	}

	ih := filter.New(store, cache)
	pool := fetch.New(fetch.Config{
		MaxMetadataSize: cfg.MaxMetadataSize,
		OwnPeerID:       newPeerID(),
	}, store, ih)

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	nodes := make([]*dht.Node, 0, len(cfg.Ports))
	ownID := dhtid.Random()
	for _, port := range cfg.Ports {
		node, err := dht.New(dht.Config{
			Addr:          fmt.Sprintf("%s:%d", cfg.Host, port),
			OwnID:         ownID,
			MaxNeighbours: cfg.MaxNeighbours,
		}, ih, pool)
		if err != nil {
			log.Fatalf("dht node on port %d: %v", port, err)
		}
		node.Start(ctx)
		nodes = append(nodes, node)
		log.Printf("sybil node listening on %s", node.LocalAddr())
	}

	stats := statsserver.New(cfg.StatsAddr, func() statsserver.Snapshot {
		nodeStats := make([]statsserver.NodeStats, len(nodes))
		for i, n := range nodes {
			c := n.Counters()
			nodeStats[i] = statsserver.NodeStats{
				Addr:            n.LocalAddr().String(),
				RoutingTableLen: n.RoutingTable().Len(),
				MaxNeighbours:   n.RoutingTable().Capacity(),
				Evictions:       n.RoutingTable().Evictions(),
				NodesSeen:       c.NodesSeen,
				Pings:           c.Pings,
				FindNodes:       c.FindNodes,
				GetPeers:        c.GetPeers,
				AnnouncePeers:   c.AnnouncePeers,
				MalformedDrop:   c.MalformedDrop,
			}
		}
		pstats := store.Stats()
		return statsserver.Snapshot{
			Nodes:              nodeStats,
			PersistenceAdded:   pstats.Added,
			PersistenceErrors:  pstats.Errors,
			PersistencePending: pstats.Pending,
			Ready:              true,
		}
	})
	if err := stats.Start(ctx); err != nil {
		log.Printf("stats server: %v", err)
	} else {
		log.Printf("stats endpoint listening on %s", stats.Addr())
	}

	if cfg.Stats {
		go logPeriodicStats(ctx, nodes, store, time.Duration(cfg.StatsInterval)*time.Second)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("shutdown signal received, stopping kadcrawld...")
	cancel()

	for _, n := range nodes {
		n.Shutdown()
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := pool.Shutdown(drainCtx); err != nil {
		log.Printf("fetch pool did not drain cleanly: %v", err)
	}
	drainCancel()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := store.Close(closeCtx); err != nil {
		log.Printf("error closing persistence store: %v", err)
	}

	log.Println("kadcrawld stopped")
}

// newPeerID builds an Azureus-style 20-byte peer ID ("-KC0001-" + random
// suffix); google/uuid supplies the random material.
func newPeerID() [20]byte {
	var id [20]byte
	copy(id[:], "-KC0001-")
	u := uuid.New()
	copy(id[8:], u[:12])
	return id
}

func logPeriodicStats(ctx context.Context, nodes []*dht.Node, store *persistence.Store, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var nodesSeen, getPeers int64
			var tableLen, tableCap int
			for _, n := range nodes {
				c := n.Counters()
				nodesSeen += c.NodesSeen
				getPeers += c.GetPeers
				tableLen += n.RoutingTable().Len()
				tableCap += n.RoutingTable().Capacity()
			}
			pstats := store.Stats()
			log.Printf("STATS nodes:%d/%d get_peers:%d added:%d errors:%d pending:%d",
				nodesSeen, tableCap, getPeers, pstats.Added, pstats.Errors, pstats.Pending)
			_ = tableLen
		}
	}
}
