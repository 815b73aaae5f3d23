// Package statsserver implements a read-only stats/health HTTP surface. It
// is built the same way the reference implementation builds its HTTP API --
// a gorilla/mux router wrapped in a net/http.Server, started and stopped
// via context.Context -- but exposes only two routes, no authentication,
// and is meant to bind to loopback only.
package statsserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
)

// NodeStats is the subset of internal/dht.Node state surfaced per node.
type NodeStats struct {
	Addr            string `json:"addr"`
	RoutingTableLen int    `json:"routing_table_len"`
	MaxNeighbours   int    `json:"max_neighbours"`
	Evictions       int64  `json:"evictions"`
	NodesSeen       int64  `json:"nodes_seen"`
	Pings           int64  `json:"pings"`
	FindNodes       int64  `json:"find_nodes"`
	GetPeers        int64  `json:"get_peers"`
	AnnouncePeers   int64  `json:"announce_peers"`
	MalformedDrop   int64  `json:"malformed_dropped"`
}

// Snapshot is the full /stats response body.
type Snapshot struct {
	Nodes             []NodeStats `json:"nodes"`
	PersistenceAdded  int64       `json:"persistence_added"`
	PersistenceErrors int64       `json:"persistence_errors"`
	PersistencePending int        `json:"persistence_pending"`
	Ready             bool        `json:"ready"`
}

// SnapshotFunc produces the current Snapshot on demand.
type SnapshotFunc func() Snapshot

// Server is the stats/health HTTP surface.
type Server struct {
	log    *log.Logger
	http   *http.Server
	router *mux.Router
}

// New builds a Server bound to addr (expected to be loopback-only, e.g.
// "127.0.0.1:0") that calls snapshot on every /stats request.
func New(addr string, snapshot SnapshotFunc) *Server {
	router := mux.NewRouter()
	s := &Server{
		log:    log.New(os.Stderr, "[stats] ", log.LstdFlags),
		router: router,
	}

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := snapshot()
		if !snap.Ready {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	router.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snapshot())
	}).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start runs the HTTP server until ctx is cancelled. Returns once the
// listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := newListener(s.http.Addr)
	if err != nil {
		return err
	}
	s.http.Addr = ln.Addr().String()

	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Printf("serve: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()
	return nil
}

// Addr returns the bound address, valid after Start returns.
func (s *Server) Addr() string {
	return s.http.Addr
}
