package krpc

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kadcrawl/kadcrawl/internal/bterr"
)

// sendBufferSize matches the original crawler's TRANSPORT_BUFFER_SIZE: a
// generously sized UDP send buffer so bursts of outgoing traffic don't
// block the pollination loop.
const sendBufferSize = 5_000_000

// QueryTimeout is how long a sent query waits for a matching response
// before its transaction is dropped.
const QueryTimeout = 15 * time.Second

// Handler is invoked once per decoded incoming query that has no matching
// pending transaction, i.e. every query the remote side is sending us.
type Handler func(addr *net.UDPAddr, msg Message)

// Transport owns a single non-blocking UDP socket and the transaction table
// that correlates outgoing queries with their eventual response or error.
// One Transport backs one node (internal/dht.Node); when a crawler is
// configured with multiple ports, it runs one Transport per port.
type Transport struct {
	log  *log.Logger
	conn *net.UDPConn

	mu      sync.Mutex
	pending map[uint32]*pendingQuery

	tidCounter uint32

	onQuery Handler

	malformed int64

	excluded []*net.IPNet
}

type pendingQuery struct {
	resp chan Message
}

// New binds a UDP socket on addr and returns a Transport ready to Serve.
// excluded CIDRs (RFC-1918 + CGNAT by default, see internal/dht.DefaultExclusions)
// are checked on every inbound datagram.
func New(addr string, onQuery Handler, excluded []*net.IPNet) (*Transport, error) {
	udpAddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", udpAddr)
	if err != nil {
		return nil, err
	}
	_ = conn.SetWriteBuffer(sendBufferSize)

	return &Transport{
		log:      log.New(os.Stderr, "[krpc] ", log.LstdFlags),
		conn:     conn,
		pending:  make(map[uint32]*pendingQuery),
		onQuery:  onQuery,
		excluded: excluded,
	}, nil
}

// LocalAddr returns the bound UDP address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Serve reads datagrams until ctx is cancelled. It is meant to run in its
// own goroutine, one per Transport, matching the reference's accept-loop
// idiom in internal/relay/server.go.
func (t *Transport) Serve(ctx context.Context) {
	buf := make([]byte, 8192)
	go t.sweepExpired(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = t.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		if t.isExcluded(addr.IP) {
			continue
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		go t.handleDatagram(addr, raw)
	}
}

func (t *Transport) isExcluded(ip net.IP) bool {
	for _, n := range t.excluded {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (t *Transport) handleDatagram(addr *net.UDPAddr, raw []byte) {
	msg, err := Decode(raw)
	if err != nil {
		atomic.AddInt64(&t.malformed, 1)
		return
	}
	switch msg.Type {
	case TypeResponse, TypeError:
		t.fulfil(msg)
	case TypeQuery:
		if t.onQuery != nil {
			t.onQuery(addr, msg)
		}
	}
}

func (t *Transport) fulfil(msg Message) {
	tid := tidKey(msg.TID)
	t.mu.Lock()
	pq, ok := t.pending[tid]
	if ok {
		delete(t.pending, tid)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pq.resp <- msg:
	default:
	}
}

// Query sends msg (which must be a TypeQuery) to addr and blocks until a
// matching response/error arrives or QueryTimeout elapses.
func (t *Transport) Query(ctx context.Context, addr *net.UDPAddr, msg Message) (Message, error) {
	tidBytes := t.nextTID()
	msg.TID = tidBytes
	pq := &pendingQuery{resp: make(chan Message, 1)}
	key := tidKey(tidBytes)

	t.mu.Lock()
	t.pending[key] = pq
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, key)
		t.mu.Unlock()
	}()

	if _, err := t.conn.WriteToUDP(msg.Encode(), addr); err != nil {
		return Message{}, err
	}

	select {
	case resp := <-pq.resp:
		if resp.Type == TypeError {
			return resp, bterr.ErrPeerReject
		}
		return resp, nil
	case <-time.After(QueryTimeout):
		return Message{}, bterr.ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Reply sends a non-blocking response or error message back to addr; no
// transaction state is recorded for replies.
func (t *Transport) Reply(addr *net.UDPAddr, msg Message) error {
	_, err := t.conn.WriteToUDP(msg.Encode(), addr)
	return err
}

func (t *Transport) nextTID() []byte {
	n := atomic.AddUint32(&t.tidCounter, 1)
	return []byte{byte(n >> 8), byte(n)}
}

func tidKey(tid []byte) uint32 {
	var k uint32
	for _, b := range tid {
		k = k<<8 | uint32(b)
	}
	return k
}

// sweepExpired wakes every QueryTimeout and resets the whole transaction
// table if it has grown past 100,000 entries. Entries carry no deadline of
// their own; a timed-out query's entry is removed by Query itself.
func (t *Transport) sweepExpired(ctx context.Context) {
	ticker := time.NewTicker(QueryTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			// Pending entries are removed by their own Query() goroutine on
			// timeout; this sweep exists only to cap unbounded growth if a
			// caller's goroutine was killed before its deferred cleanup ran.
			if len(t.pending) > 100_000 {
				t.pending = make(map[uint32]*pendingQuery)
			}
			t.mu.Unlock()
		}
	}
}

// Malformed reports the count of datagrams dropped for failing to decode.
func (t *Transport) Malformed() int64 {
	return atomic.LoadInt64(&t.malformed)
}

// Close shuts down the UDP socket.
func (t *Transport) Close() error {
	return t.conn.Close()
}
